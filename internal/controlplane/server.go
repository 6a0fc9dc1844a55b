// Package controlplane serves the operator API mounted at /admin: process
// stats, the live tenants and their services, and tenant rebuilds.
package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/restspace-gateway/internal/auth"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
)

// Tenants is the view of the dispatcher the control plane needs.
type Tenants interface {
	TenantNames() []string
	TenantServices(name string) ([]ports.ServiceInfo, bool)
	RebuildConfig(ctx context.Context, name string) error
}

type Server struct {
	router    *chi.Mux
	startTime time.Time
	tenants   Tenants
	tokenHash string
	logger    *slog.Logger
}

// NewServer creates the admin API. Every request must carry a bearer token
// whose SHA-256 matches tokenHash.
func NewServer(tenants Tenants, tokenHash string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		tenants:   tenants,
		tokenHash: tokenHash,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requireToken)

	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/tenants", s.handleTenants)
	s.router.Get("/api/tenants/{name}", s.handleTenant)
	s.router.Post("/api/tenants/{name}/rebuild", s.handleRebuild)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || s.tokenHash == "" || !auth.VerifySecret(strings.TrimSpace(token), s.tokenHash) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type StatsResponse struct {
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumGoroutine int         `json:"num_goroutine"`
	Tenants      int         `json:"tenants"`
	Memory       MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

type TenantResponse struct {
	Name     string              `json:"name"`
	Services []ports.ServiceInfo `json:"services"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Tenants:      len(s.tenants.TenantNames()),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	out := []TenantResponse{}
	for _, name := range s.tenants.TenantNames() {
		services, ok := s.tenants.TenantServices(name)
		if !ok {
			continue
		}
		out = append(out, TenantResponse{Name: name, Services: services})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	services, ok := s.tenants.TenantServices(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "tenant not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, TenantResponse{Name: name, Services: services})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.tenants.RebuildConfig(r.Context(), name); err != nil {
		s.logger.Warn("admin rebuild failed",
			slog.String("tenant", name),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	s.logger.Info("tenant rebuilt by admin", slog.String("tenant", name))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
