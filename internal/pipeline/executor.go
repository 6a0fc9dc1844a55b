package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/restspace-gateway/internal/message"
)

// Requester sends a sub-request. It must always return a message; failures
// are reported through its status.
type Requester func(ctx context.Context, msg *message.Message) *message.Message

// StepObserver is told the outcome of every command: "ok", "failed",
// "recovered" or "skipped".
type StepObserver func(outcome string)

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithStepObserver sets the command outcome observer.
func WithStepObserver(o StepObserver) Option {
	return func(e *Executor) { e.observer = o }
}

// Executor runs pipelines. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	logger     *slog.Logger
	tracer     trace.Tracer
	observer   StepObserver
	conditions *conditions
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/tjfontaine/restspace-gateway/internal/pipeline"),
		conditions: newConditions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes p against msg and returns the resulting message. msg is not
// modified. Sub-requests go through request.
func (e *Executor) Run(ctx context.Context, p *Pipeline, msg *message.Message, request Requester) *message.Message {
	if p.Empty() {
		return msg
	}
	r := &run{
		executor: e,
		request:  request,
		root:     newScope(nil),
	}
	out, _ := r.group(ctx, p.Root, msg.Copy(), r.root)
	return out
}

// run is the state of one pipeline execution.
type run struct {
	executor *Executor
	request  Requester
	root     *scope
}

// scope holds the named results produced within one group execution,
// nested groups included. The root scope sees every name of the run.
type scope struct {
	parent *scope

	mu    sync.Mutex
	named map[string]*message.Message
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, named: make(map[string]*message.Message)}
}

func (s *scope) set(name string, msg *message.Message) {
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.Lock()
		sc.named[name] = msg
		sc.mu.Unlock()
	}
}

func (s *scope) snapshot() map[string]*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*message.Message, len(s.named))
	for k, v := range s.named {
		out[k] = v
	}
	return out
}

func (r *run) snapshotNamed() map[string]*message.Message {
	return r.root.snapshot()
}

// group runs g, recording names into sc. The bool result reports an
// aborted pipeline, in which case the message is the failing response.
func (r *run) group(ctx context.Context, g *Group, current *message.Message, sc *scope) (*message.Message, bool) {
	if g.Mode == Parallel {
		return r.parallel(ctx, g.Steps, current, sc)
	}

	var (
		prior *message.Message
		// names of the group step just run, for a following jsonObject
		last *scope
	)
	for _, st := range g.Steps {
		var aborted bool
		switch s := st.(type) {
		case *Group:
			inner := newScope(sc)
			current, aborted = r.group(ctx, s, current, inner)
			prior, last = nil, inner
		case JSONObject:
			from := sc
			if last != nil {
				from = last
			}
			current, aborted = r.jsonObject(current, from)
			prior, last = nil, nil
		default:
			current, prior, aborted = r.step(ctx, st, current, prior, sc)
			last = nil
		}
		if aborted {
			return current, true
		}
	}
	return current, false
}

func (r *run) parallel(ctx context.Context, steps []Step, current *message.Message, sc *scope) (*message.Message, bool) {
	if len(steps) == 0 {
		return current, false
	}
	results := make([]*message.Message, len(steps))
	aborted := make([]bool, len(steps))

	var g errgroup.Group
	for i, st := range steps {
		input := current.Copy()
		g.Go(func() error {
			results[i], _, aborted[i] = r.step(ctx, st, input, nil, sc)
			return nil
		})
	}
	_ = g.Wait()

	for i := range steps {
		if aborted[i] {
			return results[i], true
		}
	}
	return results[len(steps)-1], false
}

// step runs one step. prior is the last try-recovered failure, which
// conditions are evaluated against when present.
func (r *run) step(ctx context.Context, st Step, current, prior *message.Message, sc *scope) (*message.Message, *message.Message, bool) {
	switch s := st.(type) {
	case *Command:
		return r.command(ctx, s, current, prior, sc)
	case *Group:
		out, aborted := r.group(ctx, s, current, newScope(sc))
		return out, nil, aborted
	case *Transform:
		out, err := r.transform(s, current)
		if err != nil {
			return errorMessage(current, http.StatusInternalServerError, err), nil, true
		}
		return out, nil, false
	case JSONObject:
		out, aborted := r.jsonObject(current, sc)
		return out, nil, aborted
	default:
		return errorMessage(current, http.StatusInternalServerError, fmt.Errorf("unknown step %T", st)), nil, true
	}
}

func (r *run) command(ctx context.Context, c *Command, current, prior *message.Message, sc *scope) (*message.Message, *message.Message, bool) {
	if c.Condition != "" {
		subject := current
		if prior != nil {
			subject = prior
		}
		ok, err := r.executor.conditions.eval(ctx, c.Condition, subject)
		if err != nil {
			return errorMessage(current, http.StatusInternalServerError, err), nil, true
		}
		if !ok {
			r.observe("skipped")
			return current, prior, false
		}
	}

	res := r.send(ctx, c, current)
	if res.Status >= http.StatusBadRequest {
		if c.Try {
			r.observe("recovered")
			return current, res, false
		}
		r.observe("failed")
		return res, nil, true
	}
	r.observe("ok")

	if c.Name != "" {
		res.Name = c.Name
		sc.set(c.Name, res)
		return current, nil, false
	}
	return res, nil, false
}

// send issues the command, fanning out over ${path[]} expansions.
func (r *run) send(ctx context.Context, c *Command, current *message.Message) *message.Message {
	named := r.snapshotNamed()
	raw, err := json.Marshal(dataDocument(current, named))
	if err != nil {
		return errorMessage(current, http.StatusInternalServerError, fmt.Errorf("encode pipeline data: %w", err))
	}

	path, expands := expansion(c.URL)
	if !expands {
		return r.sendOne(ctx, c, current, substituteJSON(c.URL, raw, nil))
	}

	items := gjsonArray(raw, path)
	if items == nil {
		// not an array: substitute the value itself
		return r.sendOne(ctx, c, current, substituteJSON(c.URL, raw, map[string]string{path + "[]": gjsonString(raw, path)}))
	}

	results := make([]*message.Message, len(items))
	var g errgroup.Group
	for i, item := range items {
		url := substituteJSON(c.URL, raw, map[string]string{
			path + "[]": item,
			indexKey:    indexString(i),
		})
		g.Go(func() error {
			results[i] = r.sendOne(ctx, c, current, url)
			return nil
		})
	}
	_ = g.Wait()

	bodies := make([]any, len(results))
	for i, res := range results {
		if res.Status >= http.StatusBadRequest {
			return res
		}
		bodies[i] = bodyValue(res)
	}
	out := current.Copy()
	out.Status = 0
	if err := out.SetJSON(bodies); err != nil {
		return errorMessage(current, http.StatusInternalServerError, err)
	}
	return out
}

// sendOne sends a single sub-request and folds its response into a copy
// of the running message.
func (r *run) sendOne(ctx context.Context, c *Command, current *message.Message, rawURL string) *message.Message {
	method := c.Method
	if method == "" {
		method = current.Method
	}

	ctx, span := r.executor.tracer.Start(ctx, "pipeline.command", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("pipeline.url", rawURL),
	))
	defer span.End()

	req := current.Copy()
	req.Method = method
	req.Name = ""
	req.Status = 0
	u, err := message.ParseUrl(rawURL)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return errorMessage(current, http.StatusBadRequest, err)
	}
	if u.IsRelative() && !u.IsPrivateServicePath() && current.URL != nil {
		u.Scheme = current.URL.Scheme
		u.Domain = current.URL.Domain
	}
	req.URL = u
	for _, h := range []string{"If-Match", "If-None-Match", "If-Modified-Since", "Range", "Content-Length"} {
		req.Headers.Del(h)
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		req.RemoveBody()
	}

	res := r.request(ctx, req)
	if res == nil {
		res = errorMessage(req, http.StatusInternalServerError, fmt.Errorf("no response from %s", rawURL))
	}
	span.SetAttributes(attribute.Int("http.status_code", res.StatusOrOK()))
	if res.Status >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(res.Status))
		r.executor.logger.Debug("pipeline command failed",
			slog.String("method", method),
			slog.String("url", rawURL),
			slog.Int("status", res.Status),
			slog.String("trace_id", current.TraceID),
		)
	}

	out := current.Copy()
	out.Status = res.Status
	for k, vs := range res.Headers {
		out.Headers[k] = append([]string(nil), vs...)
	}
	out.Body = res.Body
	if res.ServiceRedirect != "" {
		out.ServiceRedirect = res.ServiceRedirect
	}
	return out
}

func (r *run) transform(t *Transform, current *message.Message) (*message.Message, error) {
	doc := dataDocument(current, r.snapshotNamed())
	res, err := ApplyTransform(t.Template, doc)
	if err != nil {
		return nil, err
	}
	out := current.Copy()
	out.Status = 0
	if err := out.SetJSON(res); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	return out, nil
}

// jsonObject collapses the names recorded in sc into one JSON body.
func (r *run) jsonObject(current *message.Message, sc *scope) (*message.Message, bool) {
	named := sc.snapshot()
	obj := make(map[string]any, len(named))
	for name, m := range named {
		obj[name] = bodyValue(m)
	}
	out := current.Copy()
	out.Status = 0
	if err := out.SetJSON(obj); err != nil {
		return errorMessage(current, http.StatusInternalServerError, fmt.Errorf("jsonObject: %w", err)), true
	}
	return out, false
}

func (r *run) observe(outcome string) {
	if r.executor.observer != nil {
		r.executor.observer(outcome)
	}
}

func errorMessage(base *message.Message, status int, err error) *message.Message {
	out := base.Copy()
	out.SetStatus(status, err.Error())
	return out
}
