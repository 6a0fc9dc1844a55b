package builtin

import (
	"context"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
	"github.com/tjfontaine/restspace-gateway/internal/pipeline"
)

// compiledPipeline is the pipeline service's per base path state.
type compiledPipeline struct {
	pipeline *pipeline.Pipeline
}

func loadPipeline(sctx *ports.ServiceContext, cfg *domain.ServiceConfig) (*compiledPipeline, error) {
	return ports.GetState(sctx.State, func() (*compiledPipeline, error) {
		spec, ok := cfg.Raw["pipeline"].([]any)
		if !ok {
			return nil, domain.NewConfigError(cfg.BasePath, "pipeline must be a list")
		}
		p, err := pipeline.Parse(spec)
		if err != nil {
			return nil, &domain.ConfigError{Source: cfg.BasePath, Err: err}
		}
		return &compiledPipeline{pipeline: p}, nil
	})
}

func pipelineService(executor *pipeline.Executor) *ports.Service {
	return &ports.Service{
		Init: func(_ context.Context, sctx *ports.ServiceContext, cfg *domain.ServiceConfig, _ *ports.StateScope) error {
			_, err := loadPipeline(sctx, cfg)
			return err
		},
		Func: func(ctx context.Context, msg *message.Message, sctx *ports.ServiceContext, cfg *domain.ServiceConfig) (*message.Message, error) {
			cp, err := loadPipeline(sctx, cfg)
			if err != nil {
				return nil, err
			}
			return executor.Run(ctx, cp.pipeline, msg, func(ctx context.Context, m *message.Message) *message.Message {
				return sctx.MakeRequest(ctx, m, ports.Internal)
			}), nil
		},
	}
}
