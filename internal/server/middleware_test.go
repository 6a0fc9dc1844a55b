package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// =============================================================================
// RequestIDMiddleware Tests
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	var capturedID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if capturedID == "" {
		t.Error("Expected request ID to be set in context")
	}
	if rec.Header().Get("X-Request-ID") != capturedID {
		t.Errorf("Expected X-Request-ID header %q, got %q", capturedID, rec.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDMiddleware_UniqueIDs(t *testing.T) {
	ids := make(map[string]bool)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids[GetRequestID(r.Context())] = true
	})

	wrapped := RequestIDMiddleware(handler)
	for i := 0; i < 10; i++ {
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}

	if len(ids) != 10 {
		t.Errorf("Expected 10 unique IDs, got %d", len(ids))
	}
}

func TestRequestIDMiddleware_KeepsClientID(t *testing.T) {
	clientID := uuid.New().String()

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"valid uuid", clientID, true},
		{"garbage", "not-a-uuid\r\nX-Evil: 1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			wrapped := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set(RequestIDHeader, tt.header)
			wrapped.ServeHTTP(httptest.NewRecorder(), req)

			if (got == tt.header) != tt.keep {
				t.Errorf("request id = %q, keep client id = %v", got, tt.keep)
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("request id %q is not a uuid", got)
			}
		})
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}
}

// =============================================================================
// RateLimiter Tests
// =============================================================================

func hostKey(r *http.Request) string {
	return r.Host
}

func TestRateLimiter(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rl := NewRateLimiter(1, 2, hostKey, slog.New(slog.DiscardHandler))
	wrapped := rl.Handler(okHandler)

	send := func(host string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Host = host
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec.Code
	}

	// burst of two, then limited
	for i := 0; i < 2; i++ {
		if code := send("acme.test"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := send("acme.test"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after burst, got %d", code)
	}

	// other keys have their own bucket
	if code := send("beta.test"); code != http.StatusOK {
		t.Errorf("Expected 200 for another key, got %d", code)
	}
}

func TestRateLimiter_EmptyKeySkips(t *testing.T) {
	rl := NewRateLimiter(1, 1, func(*http.Request) string { return "" }, nil)
	wrapped := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, hostKey, nil)
	if rl.Enabled() {
		t.Error("Expected a zero rate to disable limiting")
	}
	var nilLimiter *RateLimiter
	if nilLimiter.Enabled() {
		t.Error("Expected a nil limiter to be disabled")
	}
}

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Chain RequestIDMiddleware -> LoggingMiddleware -> handler
	wrapped := RequestIDMiddleware(LoggingMiddleware(logger)(testHandler))

	req := httptest.NewRequest("GET", "http://acme.restspace.test/test-path", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	output := buf.String()

	if strings.Contains(output, "request started") {
		t.Error("Expected the start line only at debug level")
	}
	if !strings.Contains(output, "request completed") {
		t.Error("Expected 'request completed' in log output")
	}
	for _, want := range []string{"path=/test-path", "host=acme.restspace.test", "status=200", "bytes=2"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in log output, got:\n%s", want, output)
		}
	}
	if !strings.Contains(output, "request_id="+rec.Header().Get(RequestIDHeader)) {
		t.Error("Expected the request id in log output")
	}
}

func TestLoggingMiddleware_HealthChecksAtDebug(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	wrapped := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	if buf.Len() != 0 {
		t.Errorf("Expected no info lines for health checks, got:\n%s", buf.String())
	}
}

func TestLoggingMiddleware_ServerErrorsWarn(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	wrapped := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), "level=WARN msg=\"request completed\"") {
		t.Errorf("Expected a WARN completion line, got:\n%s", buf.String())
	}
}

func TestAddLogField(t *testing.T) {
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "tenant", "other")
		AddLogField(r.Context(), "tenant", "acme")
		AddLogField(r.Context(), "empty_field", "")
		w.WriteHeader(http.StatusOK)
	})

	wrapped := LoggingMiddleware(logger)(testHandler)
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	output := buf.String()
	if !strings.Contains(output, "tenant=acme") {
		t.Error("Expected tenant=acme in log output")
	}
	if strings.Contains(output, "tenant=other") {
		t.Error("Expected the later value to replace the earlier one")
	}
	if strings.Contains(output, "empty_field") {
		t.Error("Expected empty fields to be skipped")
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	// Should not panic when context doesn't have log fields
	AddLogField(context.Background(), "key", "value")
}

func TestAddError(t *testing.T) {
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), errors.New("adapter unavailable"))
		AddError(r.Context(), nil)
		w.WriteHeader(http.StatusInternalServerError)
	})

	wrapped := LoggingMiddleware(logger)(testHandler)
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), "adapter unavailable") {
		t.Error("Expected error message in log output")
	}
}

// =============================================================================
// Server Tests
// =============================================================================

func TestServerFallback(t *testing.T) {
	srv := New(0, slog.New(slog.DiscardHandler), nil)
	srv.Fallback(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/healthz", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/files/a.txt", http.StatusTeapot},
		{"PUT", "/healthz", http.StatusTeapot},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, rec.Code)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s %s: expected X-Request-ID header", tt.method, tt.path)
		}
	}
}
