package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
)

// ServiceHeader names the service that produced a response.
const ServiceHeader = "X-Restspace-Service"

// FilterParam is the query parameter naming a URL the response is posted
// through before it is returned.
const FilterParam = "$filter"

// MimeProcessor post-processes a response of a registered content type.
// It runs at most once per body.
type MimeProcessor func(ctx context.Context, msg *message.Message, sctx *ports.ServiceContext) (*message.Message, error)

// defaultAllowHeaders are always allowed in CORS preflights.
var defaultAllowHeaders = []string{"Content-Type", "Authorization", "If-Match", "If-None-Match", "Range"}

const corsAllowMethods = "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS"

const corsExposeHeaders = "ETag, Location, Content-Range, " + ServiceHeader

// Wrapper builds the request envelope around services.
type Wrapper struct {
	factory *Factory
	mime    map[string]MimeProcessor
	now     func() time.Time
}

func newWrapper(f *Factory) *Wrapper {
	return &Wrapper{factory: f, mime: make(map[string]MimeProcessor), now: time.Now}
}

// Internal wraps svc with the pipelines, private service routing and MIME
// post-processing. The caller's message is never modified.
func (w *Wrapper) Internal(svc *ports.Service, c *compiled, sctx *ports.ServiceContext) Handler {
	cfg := c.config
	return func(ctx context.Context, in *message.Message) (out *message.Message) {
		msg := in.Copy()
		msg.URL.BasePathElementCount = basePathElementCount(cfg.BasePath)
		if msg.User == nil {
			msg.User = message.AnonUser()
		}

		sc := sctx.Copy()
		sc.User = msg.User
		sc.Access = cfg.Access
		sc.TraceID = msg.TraceID
		sc.MakeRequest = w.privateRouter(cfg, msg, sctx.MakeRequest)

		defer func() {
			if r := recover(); r != nil {
				w.logFailure(sc, cfg, msg, fmt.Errorf("panic: %v", r), slog.String("stack", string(debug.Stack())))
				out = errorResponse(msg, http.StatusInternalServerError, "Internal server error")
			}
		}()

		request := func(ctx context.Context, m *message.Message) *message.Message {
			return sc.MakeRequest(ctx, m, ports.Internal)
		}

		msg = w.factory.executor.Run(ctx, c.pre, msg, request)

		switch {
		case msg.ServiceRedirect != "":
			redirect, err := msg.URL.Resolve(msg.ServiceRedirect)
			if err != nil {
				msg = errorResponse(msg, http.StatusInternalServerError, "Internal server error")
				break
			}
			req := msg.Copy()
			req.ServiceRedirect = ""
			req.URL = redirect
			msg = sc.MakeRequest(ctx, req, ports.Internal)
		case msg.Ok() && !msg.IsRedirect():
			msg = w.invoke(ctx, svc, sc, cfg, msg)
		}

		if msg.Status < http.StatusBadRequest {
			msg = w.factory.executor.Run(ctx, c.post, msg, request)
		}

		msg.Headers.Set(ServiceHeader, serviceLabel(c))
		return w.processMime(ctx, sc, cfg, msg)
	}
}

// invoke runs the service body, collapsing errors to 404 or 500.
func (w *Wrapper) invoke(ctx context.Context, svc *ports.Service, sc *ports.ServiceContext, cfg *domain.ServiceConfig, msg *message.Message) *message.Message {
	res, err := svc.Func(ctx, msg, sc, cfg)
	if err != nil {
		w.logFailure(sc, cfg, msg, err)
		var apiErr *domain.APIError
		switch {
		case domain.IsNotFound(err):
			return errorResponse(msg, http.StatusNotFound, "Not found")
		case errors.As(err, &apiErr) && apiErr.HTTPStatusCode() < http.StatusInternalServerError:
			return errorResponse(msg, apiErr.HTTPStatusCode(), apiErr.Message)
		default:
			return errorResponse(msg, http.StatusInternalServerError, "Internal server error")
		}
	}
	if res == nil {
		return msg
	}
	return res
}

func (w *Wrapper) processMime(ctx context.Context, sc *ports.ServiceContext, cfg *domain.ServiceConfig, msg *message.Message) *message.Message {
	if msg.Body == nil || msg.Body.MimeHandled || !msg.Ok() {
		return msg
	}
	p, ok := w.mime[message.BaseMime(msg.Body.MimeType)]
	if !ok {
		return msg
	}
	res, err := p(ctx, msg, sc)
	if err != nil {
		w.logFailure(sc, cfg, msg, fmt.Errorf("mime processor %s: %w", msg.Body.MimeType, err))
		return errorResponse(msg, http.StatusInternalServerError, "Internal server error")
	}
	if res.Body != nil {
		res.Body.MimeHandled = true
	}
	return res
}

// privateRouter sends "*name/..." requests to the private services of cfg
// and everything else to next.
func (w *Wrapper) privateRouter(cfg *domain.ServiceConfig, parent *message.Message, next ports.MakeRequestFunc) ports.MakeRequestFunc {
	var privates map[string]*domain.ServiceConfig
	if cfg.ManifestConfig != nil {
		privates = cfg.ManifestConfig.PrivateServiceConfigs
	}
	return func(ctx context.Context, req *message.Message, source ports.Source) *message.Message {
		if req.URL == nil || !req.URL.IsPrivateServicePath() || !req.URL.IsRelative() {
			if next == nil {
				return errorResponse(req, http.StatusNotFound, "Not found")
			}
			return next(ctx, req, source)
		}

		name := strings.TrimPrefix(req.URL.PathElements[0], "*")
		priv, ok := privates[name]
		if !ok {
			return errorResponse(req, http.StatusNotFound, "Not found")
		}
		routed := req.Copy()
		routed.URL.PathElements = append(
			strings.Split(strings.TrimPrefix(priv.BasePath, "/"), "/"),
			req.URL.PathElements[1:]...,
		)
		routed.URL.Scheme = parent.URL.Scheme
		routed.URL.Domain = parent.URL.Domain
		if routed.User == nil {
			routed.User = parent.User
		}
		if routed.TraceID == "" {
			routed.TraceID = parent.TraceID
		}

		h, err := w.factory.GetMessageFunctionForService(ctx, priv, ports.Internal)
		if err != nil {
			w.factory.logger.Error("private service unavailable",
				slog.String("tenant", w.factory.tenant),
				slog.String("service", priv.BasePath),
				slog.String("error", err.Error()))
			return errorResponse(req, http.StatusInternalServerError, "Internal server error")
		}
		return h(ctx, routed)
	}
}

// External wraps Internal with the authorization gate and, for requests
// from outside the tenant, CORS, conditional requests, ranges, cache
// headers and $filter.
func (w *Wrapper) External(svc *ports.Service, c *compiled, sctx *ports.ServiceContext, source ports.Source) Handler {
	inner := w.Internal(svc, c, sctx)
	cfg := c.config
	outside := source == ports.External

	return func(ctx context.Context, in *message.Message) *message.Message {
		if in.Method == http.MethodOptions {
			res := in.Copy().RemoveBody()
			res.Status = http.StatusNoContent
			if outside {
				setCORS(in, res)
			}
			return res
		}

		authType := ports.DefaultAuthType(in)
		if svc.AuthType != nil {
			bound := in.Copy()
			bound.URL.BasePathElementCount = basePathElementCount(cfg.BasePath)
			authType = svc.AuthType(bound)
		}
		if !Authorized(in.User, roles(cfg.Access, authType), in.URL) {
			res := errorResponse(in, http.StatusUnauthorized, "Unauthorized")
			if outside {
				setCORS(in, res)
			}
			return res
		}

		if !outside {
			return inner(ctx, in)
		}

		req := in
		filter := in.URL.Query.Get(FilterParam)
		if filter != "" {
			req = in.Copy()
			req.URL.Query.Del(FilterParam)
		}

		if res, ok := w.checkPrecondition(ctx, inner, req, cfg); !ok {
			setCORS(in, res)
			return res
		}

		res := inner(ctx, req)
		res = w.conditional(req, res, cfg)
		if filter != "" && res.Ok() {
			res = w.filter(ctx, sctx, req, res, filter)
		}
		if res.Status == http.StatusCreated && res.Headers.Get("Location") == "" {
			res.Headers.Set("Location", req.URL.String())
		}
		setCORS(in, res)
		return res
	}
}

// roles returns the role list governing authType.
func roles(access domain.AccessConfig, authType ports.AuthorizationType) string {
	switch authType {
	case ports.AuthNone:
		return "all"
	case ports.AuthRead:
		return access.ReadRoles
	case ports.AuthCreate:
		if access.CreateRoles != "" {
			return access.CreateRoles
		}
		return access.WriteRoles
	default:
		return access.WriteRoles
	}
}

// Authorized reports whether user satisfies one of the space separated
// roles. "all" admits anyone. "{field}" admits a user whose field value is
// one of the path segments of u.
func Authorized(user *message.User, roleList string, u *message.Url) bool {
	if user == nil {
		user = message.AnonUser()
	}
	for _, role := range strings.Fields(roleList) {
		if role == "all" {
			return true
		}
		if strings.HasPrefix(role, "{") && strings.HasSuffix(role, "}") {
			v, ok := user.Field(role[1 : len(role)-1])
			if !ok || v == "" || u == nil {
				continue
			}
			for _, el := range u.PathElements {
				if el == v {
					return true
				}
			}
			continue
		}
		if !user.IsAnon() && user.HasRole(role) {
			return true
		}
	}
	return false
}

// setCORS echoes the request origin and unions the requested headers with
// the defaults.
func setCORS(req, res *message.Message) {
	origin := req.Headers.Get("Origin")
	if origin == "" {
		return
	}
	h := res.Headers
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
	h.Add("Vary", "Origin")

	var requested []string
	for _, v := range req.Headers.Values("Access-Control-Request-Headers") {
		requested = append(requested, strings.Split(v, ",")...)
	}
	h.Set("Access-Control-Allow-Headers", strings.Join(unionHeaders(defaultAllowHeaders, requested), ", "))
}

// unionHeaders joins header name lists, dropping duplicates regardless of
// case. First spelling wins.
func unionHeaders(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, name := range l {
			name = strings.TrimSpace(name)
			key := strings.ToLower(name)
			if name == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, name)
		}
	}
	return out
}

// ETag derives an entity tag from the modification time and size of a
// body. It is empty when the body has no modification time.
func ETag(b *message.Body) string {
	if b == nil || b.DateModified.IsZero() {
		return ""
	}
	return fmt.Sprintf(`"%x-%x"`, b.DateModified.UnixMilli(), b.Size())
}

func etagMatches(header, etag string) bool {
	if etag == "" {
		return false
	}
	for _, t := range strings.Split(header, ",") {
		t = strings.TrimSpace(t)
		if t == "*" || strings.TrimPrefix(t, "W/") == etag {
			return true
		}
	}
	return false
}

// checkPrecondition evaluates If-Match on writes against the current
// representation. It returns the 412 response when the precondition fails.
func (w *Wrapper) checkPrecondition(ctx context.Context, inner Handler, req *message.Message, cfg *domain.ServiceConfig) (*message.Message, bool) {
	ifMatch := req.Headers.Get("If-Match")
	if ifMatch == "" || req.Method == http.MethodGet || req.Method == http.MethodHead || !cfg.Caching.ETagEnabled() {
		return nil, true
	}
	head := req.Copy().RemoveBody()
	head.Method = http.MethodGet
	head.Headers.Del("If-Match")
	current := inner(ctx, head)

	if strings.TrimSpace(ifMatch) == "*" && current.Ok() {
		return nil, true
	}
	if current.Ok() && etagMatches(ifMatch, ETag(current.Body)) {
		return nil, true
	}
	return errorResponse(req, http.StatusPreconditionFailed, "Precondition failed"), false
}

// conditional applies If-None-Match, Range and the cache headers to a
// successful read.
func (w *Wrapper) conditional(req, res *message.Message, cfg *domain.ServiceConfig) *message.Message {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return res
	}
	if !res.Ok() || res.IsRedirect() {
		return res
	}

	w.setCacheHeaders(res, cfg.Caching)

	etag := ""
	if cfg.Caching.ETagEnabled() {
		etag = ETag(res.Body)
		if etag != "" {
			res.Headers.Set("ETag", etag)
		}
	}
	if inm := req.Headers.Get("If-None-Match"); inm != "" && etagMatches(inm, etag) {
		res.Status = http.StatusNotModified
		res.RemoveBody()
		return res
	}

	if rng := req.Headers.Get("Range"); rng != "" && res.Body != nil && res.StatusOrOK() == http.StatusOK {
		return applyRange(res, rng)
	}
	return res
}

func (w *Wrapper) setCacheHeaders(res *message.Message, caching *domain.CachingConfig) {
	if res.Headers.Get("Cache-Control") != "" {
		return
	}
	if caching != nil && caching.MaxAge > 0 {
		scope := "private"
		if caching.CacheIsPublic {
			scope = "public"
		}
		res.Headers.Set("Cache-Control", fmt.Sprintf("%s, max-age=%d", scope, caching.MaxAge))
		res.Headers.Set("Expires", w.now().Add(time.Duration(caching.MaxAge)*time.Second).UTC().Format(http.TimeFormat))
		return
	}
	res.Headers.Set("Cache-Control", "no-cache, must-revalidate")
	res.Headers.Set("Pragma", "no-cache")
}

// applyRange serves a single byte range of a buffered body.
func applyRange(res *message.Message, header string) *message.Message {
	size := res.Body.Size()
	start, end, ok := parseRange(header, size)
	if !ok {
		return res
	}
	if start < 0 {
		out := errorResponse(res, http.StatusRequestedRangeNotSatisfiable, "Range not satisfiable")
		out.Headers.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return out
	}
	data := res.Body.Bytes()[start : end+1]
	body := message.NewBody(data, res.Body.MimeType)
	body.DateModified = res.Body.DateModified
	body.MimeHandled = true
	res.Body = body
	res.Status = http.StatusPartialContent
	res.Headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	return res
}

// parseRange parses a single "bytes=" range. ok is false when the header
// should be ignored; start is -1 when the range cannot be satisfied.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	from, to, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return 0, 0, false
	}
	switch {
	case from == "":
		n, err := strconv.ParseInt(to, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		if n <= 0 || size == 0 {
			return -1, 0, true
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	default:
		s, err := strconv.ParseInt(from, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		e := size - 1
		if to != "" {
			if e, err = strconv.ParseInt(to, 10, 64); err != nil || e < s {
				return 0, 0, false
			}
		}
		if s >= size {
			return -1, 0, true
		}
		if e >= size {
			e = size - 1
		}
		return s, e, true
	}
}

// filter posts res through the URL named by $filter.
func (w *Wrapper) filter(ctx context.Context, sctx *ports.ServiceContext, req, res *message.Message, target string) *message.Message {
	u, err := req.URL.Resolve(target)
	if err != nil {
		return errorResponse(req, http.StatusBadRequest, "Bad $filter url")
	}
	post := res.Copy()
	post.Method = http.MethodPost
	post.URL = u
	post.Status = 0
	post.User = req.User
	post.TraceID = req.TraceID
	if sctx.MakeRequest == nil {
		return errorResponse(req, http.StatusNotFound, "Not found")
	}
	return sctx.MakeRequest(ctx, post, ports.Internal)
}

func (w *Wrapper) logFailure(sc *ports.ServiceContext, cfg *domain.ServiceConfig, msg *message.Message, err error, attrs ...slog.Attr) {
	logger := sc.Logger
	if logger == nil {
		logger = w.factory.logger
	}
	user := ""
	if msg.User != nil {
		user = msg.User.Email
	}
	args := []any{
		slog.String("tenant", sc.Tenant),
		slog.String("service", cfg.BasePath),
		slog.String("user", user),
		slog.String("trace_id", msg.TraceID),
		slog.String("error", err.Error()),
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	logger.Error("service request failed", args...)
}

func serviceLabel(c *compiled) string {
	if c.config.Name != "" {
		return c.config.Name
	}
	return c.manifest.Name
}

func errorResponse(req *message.Message, status int, text string) *message.Message {
	res := req.Copy()
	res.Headers.Del("Content-Type")
	res.SetStatus(status, text)
	return res
}
