// Package pipeline implements the request pipeline language used by
// service pre and post pipelines and by the pipeline service.
//
// A pipeline is a JSON array of steps executed against a running message:
//
//	[
//	  "try GET /data/${id}",              // command
//	  "if (status == 404) GET /fallback", // guarded command
//	  ["GET /a :a", "GET /b :b"],         // parallel group
//	  "jsonObject",                       // collapse named results
//	  {"total": "$.a.count"}              // transform
//	]
//
// # Commands
//
//	[try] [if (<expr>)] [METHOD] <url-template> [:<name>]
//
// The url template substitutes ${path} from the current JSON body and the
// named results (gjson path syntax). ${path[]} over an array fans the
// command out into one branch per element; ${$i} is the branch index. A
// command without METHOD reuses the method of the running message.
//
// A command fails when the response status is 400 or more. An unguarded
// failure ends the pipeline and its response becomes the result. With try
// the running message is left as it was and the failed response is kept as
// the prior result that the next if(...) condition is evaluated against.
// Conditions see the variables status, ok, method, mime, name, isJson,
// isText, isBinary and isDirectory. === and !== are accepted as aliases of
// == and !=.
//
// A named command (":name") stores its result instead of replacing the
// running message. Results flow through the pipeline as body, status and
// headers only; the running message keeps its method, url and user.
//
// # Groups
//
// The top level runs serially. A nested array flips the mode: its steps run
// in parallel, each on its own copy of the running message, and arrays
// nested inside a parallel group run serially again. As an extension a
// group may start with the pseudo-step "serial" or "parallel" to force its
// mode. Other pseudo-steps such as "next" and "end" are parse errors.
// After a parallel group the running message is the result of its
// last step in list order; names are attributed by name, never by
// completion order.
//
// The pseudo-step "jsonObject" replaces the body with an object holding
// the body of each named result, keyed by name. Right after a group it
// takes the names produced inside that group; elsewhere it takes those
// produced so far in the group it belongs to, which at the top level is
// every name of the run. Templates always see every name.
//
// # Transforms
//
// An object step builds a new JSON body. String values starting with "$"
// are JSONPath expressions, strings containing ${...} are templates and
// anything else is copied literally. The data they see is the named
// results keyed by name, overlaid with the keys of the current body (a
// non-object body is available as $this).
package pipeline
