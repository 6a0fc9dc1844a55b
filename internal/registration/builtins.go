// Package registration assembles the module registry: the built-in modules
// plus the loaders enabled in configuration. It is called from cmd/gateway
// and tests before any tenant is loaded.
package registration

import (
	"log/slog"

	"github.com/tjfontaine/restspace-gateway/internal/builtin"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/modules"
	"github.com/tjfontaine/restspace-gateway/internal/pkg/config"
)

// Options configures NewRegistry.
type Options struct {
	Modules  config.ModulesConfig
	Builtins builtin.Options
	Logger   *slog.Logger
	Observer modules.Observer
}

// NewRegistry creates a module registry reading tenant sources through
// reader, with every built-in preloaded.
func NewRegistry(reader ports.SourceReader, opts Options) *modules.Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	regOpts := []modules.Option{modules.WithLogger(logger)}
	if opts.Modules.JavaScript {
		regOpts = append(regOpts, modules.WithLoaders(modules.NewJSLoader(logger, opts.Modules.ScriptTimeout)))
	}
	if opts.Observer != nil {
		regOpts = append(regOpts, modules.WithObserver(opts.Observer))
	}

	r := modules.New(reader, regOpts...)
	if opts.Builtins.Logger == nil {
		opts.Builtins.Logger = logger
	}
	builtin.Register(r, opts.Builtins)
	return r
}
