// Package blob re-exports the blob storage contract and selects a backend.
// Checkpoint artifacts live here, separate from the relational store.
package blob

import (
	"context"
	"fmt"
	"os"

	"cytocore/internal/blob/core"
	"cytocore/internal/infra/blob/fs"
	"cytocore/internal/infra/blob/memory"
	"cytocore/internal/infra/blob/s3"
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
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

// ErrUnsupported indicates an operation isn't supported by a driver.
var ErrUnsupported = core.ErrUnsupported

// NewMemory returns the in-memory backend. It is intended for tests.
func NewMemory() Store {
	return memory.New()
}

// Open selects a blob.Store implementation using environment variables.
//
//	CYTOCORE_CHECKPOINT_DRIVER: fs|s3|memory (default fs)
//	CYTOCORE_CHECKPOINT_FS_ROOT: directory root when driver=fs (default ./checkpoints)
//	(S3 specific variables documented in the s3 package)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("CYTOCORE_CHECKPOINT_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return fs.New(os.Getenv("CYTOCORE_CHECKPOINT_FS_ROOT"))
	case DriverS3:
		return s3.OpenFromEnv(ctx)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint driver %s", driver)
	}
}
