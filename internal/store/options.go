package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Backend names returned by DetectDSNType.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Opts holds configuration for opening a store.
type Opts struct {
	DSN     string
	Backend string
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with a database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = BackendSQLite
	}
}

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = BackendPostgres
	}
}

// WithDSN selects the backend from the shape of dsn.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = DetectDSNType(dsn)
	}
}

// DetectDSNType reports which backend a DSN addresses. Empty DSNs and
// ":memory:" map to the in-memory store.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "" || trimmed == ":memory:":
		return BackendMemory
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"),
		strings.Contains(trimmed, "host="), strings.Contains(trimmed, "dbname="):
		return BackendPostgres
	default:
		return BackendSQLite
	}
}

// Open builds the store selected by opts.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Backend == "" {
		cfg.Backend = DetectDSNType(cfg.DSN)
	}
	slog.Debug("store.Open: selecting backend", "backend", cfg.Backend, "dsn_set", cfg.DSN != "")

	switch cfg.Backend {
	case BackendMemory:
		return NewInMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	case BackendPostgres:
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
