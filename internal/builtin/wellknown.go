package builtin

import (
	"context"
	"net/http"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
)

type wellKnownDocument struct {
	Tenant        string              `json:"tenant"`
	PrimaryDomain string              `json:"primaryDomain,omitempty"`
	Services      []ports.ServiceInfo `json:"services"`
}

func wellKnownService() *ports.Service {
	return &ports.Service{
		Func: func(_ context.Context, msg *message.Message, sctx *ports.ServiceContext, _ *domain.ServiceConfig) (*message.Message, error) {
			if msg.Method != http.MethodGet && msg.Method != http.MethodHead {
				return nil, methodNotAllowed(msg)
			}
			doc := wellKnownDocument{
				Tenant:        sctx.Tenant,
				PrimaryDomain: sctx.PrimaryDomain,
				Services:      []ports.ServiceInfo{},
			}
			if sctx.Services != nil {
				doc.Services = sctx.Services()
			}
			if err := msg.SetJSON(doc); err != nil {
				return nil, err
			}
			return msg, nil
		},
	}
}

func methodNotAllowed(msg *message.Message) error {
	return domain.ErrInvalidRequest("method %s not allowed", msg.Method).WithStatusCode(http.StatusMethodNotAllowed)
}
