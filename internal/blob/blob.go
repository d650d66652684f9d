// Package blob is the only entry point to object storage backends. Callers
// depend on Store and obtain one through Open.
package blob

import (
	"context"
	"fmt"

	"librarycore/internal/blob/core"
	"librarycore/internal/infra/blob/fs"
	"librarycore/internal/infra/blob/memory"
	"librarycore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrNotFound reports a missing key.
	ErrNotFound = core.ErrNotFound
	// ErrExists reports a Put on an existing key.
	ErrExists = core.ErrExists
	// ErrInvalidKey reports a key the backend refuses.
	ErrInvalidKey = core.ErrInvalidKey
)

// Config selects and parameterizes a backend.
type Config struct {
	Driver Driver
	// Root is the directory for the filesystem driver.
	Root string
	S3   S3Config
}

// S3Config carries the bucket settings for DriverS3.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
}

// Open returns the Store described by cfg. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.Root)
	case DriverS3:
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			SessionToken:    cfg.S3.SessionToken,
			PathStyle:       cfg.S3.PathStyle,
		})
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return memory.New() }
