package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"entitycore/internal/blob"
	"entitycore/internal/core"
	"entitycore/internal/infra/events/kafka"
	"entitycore/internal/infra/persistence/memory"
	"entitycore/internal/infra/persistence/postgres"
	"entitycore/internal/infra/persistence/sqlite"
	"entitycore/internal/telemetry"
	"entitycore/pkg/domain"
)

// Backend bundles the persistence contracts a lifecycle runs on.
type Backend struct {
	Driver  StorageDriver
	Storage domain.Storage
	Tx      domain.TxControl
	Rows    domain.RowLoader
	Ledger  domain.Ledger

	closers []func() error
}

// Open wires the storage backend named by cfg. The caller closes it.
func Open(ctx context.Context, cfg *Config) (*Backend, error) {
	b := &Backend{Driver: cfg.Storage.Driver}
	switch cfg.Storage.Driver {
	case StorageMemory:
		store := memory.NewStore(memoryUnique(cfg.Storage.Unique)...)
		b.Storage, b.Tx, b.Rows = store, store, store
		b.Ledger = memory.NewLedger()
	case StorageSQLite:
		db, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		store := sqlite.NewStore(db, sqliteUnique(cfg.Storage.Unique)...)
		b.Storage, b.Tx, b.Rows = store, store, store
		b.Ledger = sqlite.NewLedger(db)
		b.closers = append(b.closers, db.Close)
	case StoragePostgres:
		ledger, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		store := memory.NewStore(memoryUnique(cfg.Storage.Unique)...)
		b.Storage, b.Tx, b.Rows = store, store, store
		b.Ledger = ledger
		b.closers = append(b.closers, ledger.Close)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	return b, nil
}

// Lifecycle builds a lifecycle over the backend.
func (b *Backend) Lifecycle(opts ...core.Option) *core.Lifecycle {
	return core.NewLifecycle(b.Storage, b.Tx, b.Ledger, opts...)
}

// Close releases every connection the backend opened.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// OpenBlob builds the archive blob store.
func OpenBlob(ctx context.Context, cfg *Config) (blob.Store, error) {
	return blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.Blob.Driver),
		FSRoot: cfg.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    cfg.Blob.S3.Bucket,
			Region:    cfg.Blob.S3.Region,
			Endpoint:  cfg.Blob.S3.Endpoint,
			PathStyle: cfg.Blob.S3.PathStyle,
		},
	})
}

// OpenListener builds the Kafka listener, or returns nil when no brokers are
// configured.
func OpenListener(cfg *Config, logger kafka.Logger) (*kafka.Listener, error) {
	if !cfg.Kafka.Enabled() {
		return nil, nil
	}
	return kafka.NewListener(kafka.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		WriteTimeout: cfg.Kafka.WriteTimeout.Duration(),
	}, kafka.WithLogger(logger))
}

// NewLogger builds the slog logger described by cfg.Log.
func NewLogger(cfg *Config) *slog.Logger {
	return telemetry.NewLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// Redaction returns the lifecycle redaction map for cfg.Audit.Redact.
func (c *Config) Redaction() core.RedactMap {
	if len(c.Audit.Redact) == 0 {
		return nil
	}
	out := make(core.RedactMap, len(c.Audit.Redact))
	for _, field := range c.Audit.Redact {
		out[field] = core.Mask
	}
	return out
}

func sortedTypes(unique map[string][]string) []string {
	types := make([]string, 0, len(unique))
	for t := range unique {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func memoryUnique(unique map[string][]string) []memory.Option {
	var opts []memory.Option
	for _, t := range sortedTypes(unique) {
		opts = append(opts, memory.WithUniqueFields(domain.EntityType(t), unique[t]...))
	}
	return opts
}

func sqliteUnique(unique map[string][]string) []sqlite.Option {
	var opts []sqlite.Option
	for _, t := range sortedTypes(unique) {
		opts = append(opts, sqlite.WithUniqueFields(domain.EntityType(t), unique[t]...))
	}
	return opts
}
