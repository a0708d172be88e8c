// Package blob exposes the blob store contract and constructs backends. It is
// the only package allowed to import internal/infra/blob.
package blob

import (
	"entitycore/internal/blob/core"
)

type (
	// Driver names a blob backend.
	Driver = core.Driver
	// PutOptions carries optional object attributes.
	PutOptions = core.PutOptions
	// Object describes a stored blob.
	Object = core.Object
	// Store is the blob store contract.
	Store = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// ErrNotFound is returned for missing keys.
var ErrNotFound = core.ErrNotFound
