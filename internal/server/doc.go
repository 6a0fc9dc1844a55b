/*
Package server builds the host HTTP server: the chi router and the
middleware every request passes before it reaches the dispatcher.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware keeps a client X-Request-ID when it is a UUID and
otherwise generates one. The id is stored in the request context
(GetRequestID) and echoed on the response. The dispatcher reuses it as the
trace id of the request.

## Logging (logging.go)

LoggingMiddleware logs request start and completion with slog. Completion
is logged at Warn for 5xx responses. Handlers attach fields to the
completion line with AddLogField and AddError.

## Rate Limiting (ratelimit.go)

RateLimiter keeps a token bucket per key, normally the tenant the Host
maps to. Requests over the limit get 429 with Retry-After. An empty key
is never limited.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. Recoverer
 4. RateLimiter, when enabled
 5. OTel instrumentation

# Routes

/healthz and /metrics are served on every host. Everything else goes to
the handler given to Fallback.

# Example Usage

	srv := server.New(port, logger, server.NewRateLimiter(50, 100, keyFn, logger))
	srv.Fallback(http.HandlerFunc(gw.HandleIncomingRequest))
	srv.Start()
*/
package server
