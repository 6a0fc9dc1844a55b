// Package gateway provides the public API for embedding the runtime.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/restspace-gateway/internal/runtime"
)

// Gateway is the main entry point for running the runtime.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithSQLite("./data/restspace.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithMemoryStorage = runtime.WithMemoryStorage
	WithSQLite        = runtime.WithSQLite
	WithPostgres      = runtime.WithPostgres
	WithRedis         = runtime.WithRedis
	WithStorage       = runtime.WithStorage

	// Advanced options
	WithLogger      = runtime.WithLogger
	WithHTTPClient  = runtime.WithHTTPClient
	WithLoadTimeout = runtime.WithLoadTimeout
)
