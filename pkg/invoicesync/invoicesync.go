// Package invoicesync provides the public API for embedding the invoice
// sync service. This is the stable API for external consumers.
package invoicesync

import (
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/config"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/invoice"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/live"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/runtime"
)

// Service runs live invoice synchronization.
// See internal/runtime.Service for full documentation.
type Service = runtime.Service

// Option is a functional option for configuring a Service.
type Option = runtime.Option

// Config is the service configuration.
type Config = config.Config

// Record is one invoice as held in the shared collection.
type Record = invoice.Record

// Snapshot is a consistent view of the live state.
type Snapshot = live.Snapshot

// Status is the live update status.
type Status = live.Status

// Live update statuses.
const (
	StatusDisabled   = live.StatusDisabled
	StatusActivating = live.StatusActivating
	StatusActive     = live.StatusActive
	StatusClosed     = live.StatusClosed
)

// New creates a new Service with the given options.
// Example:
//
//	svc, err := invoicesync.New(
//	    invoicesync.WithConfigFile("config.yaml"),
//	    invoicesync.WithSQLiteCredentials("./data/auth.db"),
//	)
var New = runtime.New

// LoadConfig reads a config file with INVOICESYNC_ environment overrides.
var LoadConfig = config.Load

// Configuration options
var (
	// Config sources
	WithConfigFile = runtime.WithConfigFile
	WithConfig     = runtime.WithConfig

	// Credentials
	WithTokenSource       = runtime.WithTokenSource
	WithSQLiteCredentials  = runtime.WithSQLiteCredentials

	// Transport and serving
	WithHTTPClient = runtime.WithHTTPClient
	WithListener   = runtime.WithListener
	WithoutServer  = runtime.WithoutServer

	// Advanced options
	WithLogger   = runtime.WithLogger
	WithStreamer = runtime.WithStreamer
)
