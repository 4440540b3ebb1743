// Package storage is the object-store layer behind audit archiving. Backends
// live in sub-packages and add themselves to the factory from init(); the
// server blank-imports each one it should offer:
//
//	import _ "github.com/auditcore/auditcore/internal/storage/s3"
package storage

import (
	"context"
	"io"
)

// Storage is a write-once object store. Nothing in this module overwrites an
// object in place.
type Storage interface {
	// Upload writes size bytes from reader to path.
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*Object, error)
	Exists(ctx context.Context, path string) (bool, error)
	// Delete is idempotent: a missing object is not an error.
	Delete(ctx context.Context, path string) error
}

// Object describes a stored object. Checksum is the hex sha256 of the bytes
// the backend received.
type Object struct {
	Path     string
	Size     int64
	Checksum string
}
