package blob

import (
	"context"
	"fmt"

	fsstore "entitycore/internal/infra/blob/fs"
	memorystore "entitycore/internal/infra/blob/memory"
	s3store "entitycore/internal/infra/blob/s3"
)

// S3Config configures the S3 backend.
type S3Config = s3store.Config

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	// FSRoot is the directory used by the fs driver.
	FSRoot string
	S3     S3Config
}

// Open builds the store named by cfg.Driver, fs when empty.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns a process-local store.
func NewMemory() Store { return memorystore.New() }

// NewFilesystem returns a store rooted at root.
func NewFilesystem(root string) (Store, error) {
	s, err := fsstore.New(root)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewS3 returns a store over one S3 bucket.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	s, err := s3store.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}
