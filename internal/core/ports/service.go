// Package ports defines the contracts between the runtime core and the
// services, adapters, loaders and stores plugged into it.
package ports

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/message"
)

// AuthorizationType classifies a request for role checks.
type AuthorizationType int

const (
	AuthNone AuthorizationType = iota
	AuthRead
	AuthWrite
	AuthCreate
)

func (a AuthorizationType) String() string {
	switch a {
	case AuthRead:
		return "read"
	case AuthWrite:
		return "write"
	case AuthCreate:
		return "create"
	default:
		return "none"
	}
}

// DefaultAuthType derives the authorization type from the HTTP method.
func DefaultAuthType(msg *message.Message) AuthorizationType {
	switch msg.Method {
	case http.MethodOptions:
		return AuthNone
	case http.MethodGet, http.MethodHead:
		return AuthRead
	default:
		return AuthWrite
	}
}

// ServiceFunc handles one message. A returned error is converted to a
// status by the service wrapper.
type ServiceFunc func(ctx context.Context, msg *message.Message, sctx *ServiceContext, cfg *domain.ServiceConfig) (*message.Message, error)

// Service is a loaded service module. Only Func is required.
type Service struct {
	Func ServiceFunc

	// Init runs once per tenant load, with the basePath scoped state
	// accessor on sctx. On a reload old is the scope of the same base path
	// in the tenant being replaced, nil otherwise; sctx.State.Adopt(old)
	// keeps its state.
	Init func(ctx context.Context, sctx *ServiceContext, cfg *domain.ServiceConfig, old *StateScope) error

	// AuthType overrides DefaultAuthType.
	AuthType func(msg *message.Message) AuthorizationType

	// SetUser is implemented by services declaring the "auth" API. It
	// resolves the user of an incoming message.
	SetUser func(ctx context.Context, msg *message.Message, sctx *ServiceContext, cfg *domain.ServiceConfig) error
}

// AdapterConstructor builds an adapter instance from its config.
type AdapterConstructor func(ctx context.Context, sctx *ServiceContext, cfg map[string]any) (any, error)

// MakeRequestFunc dispatches a sub-request. It never fails: errors come
// back as a status on the returned message.
type MakeRequestFunc func(ctx context.Context, msg *message.Message, source Source) *message.Message

// ServiceContext is what a service sees of the runtime during a call.
type ServiceContext struct {
	Tenant        string
	PrimaryDomain string
	TraceID       string
	Logger        *slog.Logger

	MakeRequest MakeRequestFunc

	// Adapter is the service's adapter instance, if it declares one.
	Adapter any
	// State is scoped to the service base path.
	State *StateScope

	// User and Access are request scoped.
	User   *message.User
	Access domain.AccessConfig

	// RegisterAbortAction runs action if the client connection for traceID
	// goes away before the response is written.
	RegisterAbortAction func(traceID string, action func())

	// Services lists the tenant's routable services.
	Services func() []ServiceInfo
}

// ServiceInfo is the public description of a configured service.
type ServiceInfo struct {
	BasePath    string   `json:"basePath"`
	Name        string   `json:"name"`
	Source      string   `json:"source"`
	Description string   `json:"description,omitempty"`
	APIs        []string `json:"apis,omitempty"`
}

// Copy returns a shallow copy that can be specialised for one call.
func (c *ServiceContext) Copy() *ServiceContext {
	cp := *c
	return &cp
}
