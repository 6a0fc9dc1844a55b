package pipeline

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	"github.com/tjfontaine/restspace-gateway/internal/message"
)

// templatePattern matches ${path} references.
var templatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// thisKey holds a body that is not a JSON object in the data document.
const thisKey = "$this"

// indexKey is the branch index inside an expanded command.
const indexKey = "$i"

// bodyValue decodes a message body for use in templates: JSON bodies
// decode, text bodies are strings, binary bodies are absent.
func bodyValue(msg *message.Message) any {
	if msg == nil || msg.Body == nil {
		return nil
	}
	if msg.Body.IsJSON() {
		v, err := msg.Body.AsJSON()
		if err != nil {
			return nil
		}
		return v
	}
	if msg.Body.IsText() {
		return msg.Body.AsString()
	}
	return nil
}

// dataDocument builds what templates and transforms see.
func dataDocument(current *message.Message, named map[string]*message.Message) map[string]any {
	doc := make(map[string]any, len(named)+1)
	for name, m := range named {
		doc[name] = bodyValue(m)
	}
	switch v := bodyValue(current).(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			doc[k] = val
		}
	default:
		doc[thisKey] = v
	}
	return doc
}

// Substitute replaces each ${path} in tmpl with the value at path in
// data. Missing values become empty strings.
func Substitute(tmpl string, data any) string {
	if !strings.Contains(tmpl, "${") {
		return tmpl
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return tmpl
	}
	return substituteJSON(tmpl, raw, nil)
}

// substituteJSON substitutes against JSON encoded data. extra overrides
// individual references.
func substituteJSON(tmpl string, raw []byte, extra map[string]string) string {
	return templatePattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		if v, ok := extra[path]; ok {
			return v
		}
		res := gjson.GetBytes(raw, gjsonPath(path))
		if !res.Exists() {
			return ""
		}
		return res.String()
	})
}

// gjsonPath escapes characters gjson treats as syntax in key names.
func gjsonPath(path string) string {
	if path == thisKey || path == indexKey {
		return `\` + path
	}
	return path
}

// expansion finds the first ${path[]} reference in tmpl.
func expansion(tmpl string) (path string, ok bool) {
	for _, m := range templatePattern.FindAllStringSubmatch(tmpl, -1) {
		if strings.HasSuffix(m[1], "[]") {
			return strings.TrimSuffix(m[1], "[]"), true
		}
	}
	return "", false
}

// ApplyTransform evaluates a template against data. Strings starting with "$"
// are JSONPath expressions, strings containing ${...} are substituted and
// everything else is literal. Objects and arrays are walked recursively.
func ApplyTransform(tmpl any, data any) (any, error) {
	switch t := tmpl.(type) {
	case string:
		switch {
		case t == thisKey:
			if doc, ok := data.(map[string]any); ok {
				if v, ok := doc[thisKey]; ok {
					return v, nil
				}
			}
			return data, nil
		case strings.HasPrefix(t, "$") && !strings.HasPrefix(t, "${"):
			v, err := jsonpath.Get(t, data)
			if err != nil {
				// unknown keys evaluate to null
				return nil, nil
			}
			return v, nil
		case strings.Contains(t, "${"):
			return Substitute(t, data), nil
		default:
			return t, nil
		}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			res, err := ApplyTransform(v, data)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			res, err := ApplyTransform(v, data)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return tmpl, nil
	}
}

func indexString(i int) string {
	return strconv.Itoa(i)
}

// gjsonArray returns the elements at path as substitution strings, or nil
// when path is not an array.
func gjsonArray(raw []byte, path string) []string {
	res := gjson.GetBytes(raw, gjsonPath(path))
	if !res.IsArray() {
		return nil
	}
	arr := res.Array()
	out := make([]string, len(arr))
	for i, el := range arr {
		out[i] = el.String()
	}
	return out
}

func gjsonString(raw []byte, path string) string {
	return gjson.GetBytes(raw, gjsonPath(path)).String()
}
