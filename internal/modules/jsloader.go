package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
)

// DefaultScriptTimeout bounds a single JavaScript call.
const DefaultScriptTimeout = 10 * time.Second

// MaxScriptSize is the largest module the JavaScript loader accepts.
const MaxScriptSize = 1 << 20

// JSLoader loads service and adapter modules written in JavaScript.
//
// A service module defines handle(msg, config) and optionally
// authType(msg), either as globals or on module.exports. handle returns
// either nothing (the message passes through unchanged) or an object
// {status, headers, body, mimeType}. Each call runs on a fresh runtime, so
// modules cannot keep state between requests.
//
// An adapter module defines create(config) returning the adapter object.
type JSLoader struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewJSLoader creates a loader. A zero timeout uses DefaultScriptTimeout.
func NewJSLoader(logger *slog.Logger, timeout time.Duration) *JSLoader {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JSLoader{timeout: timeout, logger: logger}
}

func (l *JSLoader) Name() string { return "javascript" }

func (l *JSLoader) CanLoad(moduleURL string) bool {
	if i := strings.IndexAny(moduleURL, "?#"); i >= 0 {
		moduleURL = moduleURL[:i]
	}
	return strings.HasSuffix(moduleURL, ".js")
}

func (l *JSLoader) compile(ctx context.Context, moduleURL string, fetch ports.FetchFunc) (*goja.Program, error) {
	code, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(code) > MaxScriptSize {
		return nil, fmt.Errorf("module exceeds maximum size of %d bytes", MaxScriptSize)
	}
	prog, err := goja.Compile(moduleURL, string(code), false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", moduleURL, err)
	}
	return prog, nil
}

// jsModule is one instantiated runtime.
type jsModule struct {
	vm      *goja.Runtime
	exports *goja.Object
}

func (m *jsModule) function(name string) (goja.Callable, bool) {
	if fn, ok := goja.AssertFunction(m.exports.Get(name)); ok {
		return fn, true
	}
	return goja.AssertFunction(m.vm.Get(name))
}

func (l *JSLoader) instantiate(ctx context.Context, prog *goja.Program, sctx *ports.ServiceContext) (*jsModule, func(), error) {
	vm := goja.New()

	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			vm.Interrupt("execution timeout")
		case <-ctx.Done():
			vm.Interrupt("cancelled")
		case <-done:
		}
	}()
	stop := func() { close(done) }

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)

	logger := l.logger
	if sctx != nil && sctx.Logger != nil {
		logger = sctx.Logger
	}
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		logger.Info("script log", slog.String("output", fmt.Sprint(args...)))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	if sctx != nil && sctx.MakeRequest != nil {
		_ = vm.Set("request", func(method, rawURL string, body goja.Value) map[string]any {
			return l.request(ctx, sctx, method, rawURL, body)
		})
	}

	if _, err := vm.RunProgram(prog); err != nil {
		stop()
		return nil, nil, fmt.Errorf("run module: %w", err)
	}
	exportsObj := module.Get("exports").ToObject(vm)
	return &jsModule{vm: vm, exports: exportsObj}, stop, nil
}

// request lets scripts make sub-requests through the dispatcher.
func (l *JSLoader) request(ctx context.Context, sctx *ports.ServiceContext, method, rawURL string, body goja.Value) map[string]any {
	req, err := message.NewFromString(method, rawURL, sctx.User)
	if err != nil {
		return map[string]any{"status": http.StatusBadRequest, "body": err.Error()}
	}
	req.TraceID = sctx.TraceID
	if body != nil && !goja.IsUndefined(body) && !goja.IsNull(body) {
		exported := body.Export()
		if s, ok := exported.(string); ok {
			req.SetBody(message.BodyFromString(s, "text/plain"))
		} else if err := req.SetJSON(exported); err != nil {
			return map[string]any{"status": http.StatusBadRequest, "body": err.Error()}
		}
	}
	return toJSMessage(sctx.MakeRequest(ctx, req, ports.Internal))
}

func (l *JSLoader) LoadService(ctx context.Context, moduleURL string, fetch ports.FetchFunc) (*ports.Service, error) {
	prog, err := l.compile(ctx, moduleURL, fetch)
	if err != nil {
		return nil, err
	}

	// Instantiate once up front so a broken module fails the load rather
	// than every request.
	mod, stop, err := l.instantiate(ctx, prog, nil)
	if err != nil {
		return nil, err
	}
	_, hasHandle := mod.function("handle")
	_, hasAuthType := mod.function("authType")
	stop()
	if !hasHandle {
		return nil, errors.New("module does not define handle(msg, config)")
	}

	svc := &ports.Service{
		Func: func(ctx context.Context, msg *message.Message, sctx *ports.ServiceContext, cfg *domain.ServiceConfig) (*message.Message, error) {
			mod, stop, err := l.instantiate(ctx, prog, sctx)
			if err != nil {
				return nil, err
			}
			defer stop()

			handle, _ := mod.function("handle")
			var raw map[string]any
			if cfg != nil {
				raw = cfg.Raw
			}
			res, err := handle(goja.Undefined(), mod.vm.ToValue(toJSMessage(msg)), mod.vm.ToValue(raw))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", moduleURL, err)
			}
			return fromJSResult(msg, res)
		},
	}
	if hasAuthType {
		svc.AuthType = func(msg *message.Message) ports.AuthorizationType {
			mod, stop, err := l.instantiate(context.Background(), prog, nil)
			if err != nil {
				return ports.DefaultAuthType(msg)
			}
			defer stop()
			fn, _ := mod.function("authType")
			res, err := fn(goja.Undefined(), mod.vm.ToValue(toJSMessage(msg)))
			if err != nil {
				return ports.DefaultAuthType(msg)
			}
			return parseAuthType(res.String(), msg)
		}
	}
	return svc, nil
}

func (l *JSLoader) LoadAdapter(ctx context.Context, moduleURL string, fetch ports.FetchFunc) (ports.AdapterConstructor, error) {
	prog, err := l.compile(ctx, moduleURL, fetch)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, sctx *ports.ServiceContext, cfg map[string]any) (any, error) {
		mod, stop, err := l.instantiate(ctx, prog, sctx)
		if err != nil {
			return nil, err
		}
		defer stop()
		create, ok := mod.function("create")
		if !ok {
			return nil, errors.New("adapter module does not define create(config)")
		}
		res, err := create(goja.Undefined(), mod.vm.ToValue(cfg))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", moduleURL, err)
		}
		return res.Export(), nil
	}, nil
}

func parseAuthType(s string, msg *message.Message) ports.AuthorizationType {
	switch strings.ToLower(s) {
	case "read":
		return ports.AuthRead
	case "write":
		return ports.AuthWrite
	case "create":
		return ports.AuthCreate
	case "none":
		return ports.AuthNone
	default:
		return ports.DefaultAuthType(msg)
	}
}

func toJSMessage(msg *message.Message) map[string]any {
	m := map[string]any{
		"method": msg.Method,
		"status": msg.Status,
		"ok":     msg.Ok(),
		"name":   msg.Name,
	}
	if msg.URL != nil {
		query := make(map[string]any, len(msg.URL.Query))
		for k, v := range msg.URL.Query {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
		m["url"] = msg.URL.String()
		m["path"] = msg.URL.Path()
		m["servicePath"] = msg.URL.ServicePath()
		m["basePath"] = msg.URL.BasePath()
		m["query"] = query
	}
	headers := make(map[string]any, len(msg.Headers))
	for k := range msg.Headers {
		headers[strings.ToLower(k)] = msg.Headers.Get(k)
	}
	m["headers"] = headers
	if msg.User != nil {
		m["user"] = map[string]any{"email": msg.User.Email, "roles": msg.User.Roles}
	}
	if msg.Body != nil {
		m["mimeType"] = msg.Body.MimeType
		switch {
		case msg.Body.IsJSON():
			if v, err := msg.Body.AsJSON(); err == nil {
				m["body"] = v
			}
		case msg.Body.IsText():
			m["body"] = msg.Body.AsString()
		}
	}
	return m
}

func fromJSResult(msg *message.Message, res goja.Value) (*message.Message, error) {
	out := msg.Copy()
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return out, nil
	}
	obj, ok := res.Export().(map[string]any)
	if !ok {
		return out, setJSBody(out, res.Export(), "")
	}
	if status, ok := toInt(obj["status"]); ok {
		out.Status = status
	}
	if headers, ok := obj["headers"].(map[string]any); ok {
		for k, v := range headers {
			out.Headers.Set(k, fmt.Sprint(v))
		}
	}
	mimeType, _ := obj["mimeType"].(string)
	if body, ok := obj["body"]; ok {
		if err := setJSBody(out, body, mimeType); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func setJSBody(msg *message.Message, body any, mimeType string) error {
	switch b := body.(type) {
	case nil:
		msg.RemoveBody()
	case string:
		if mimeType == "" {
			mimeType = "text/plain"
		}
		msg.SetBody(message.BodyFromString(b, mimeType))
	default:
		if err := msg.SetJSON(b); err != nil {
			return err
		}
		if mimeType != "" {
			msg.Body.MimeType = mimeType
		}
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
