// Package storage defines the Storage interface used to archive exported audit log
// ranges before retention purges them.
//
// Backends register themselves with the factory from an init() function in their
// own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The binary selects the available backends with blank imports in cmd/server/main.go.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Download when no object exists at the path
var ErrNotFound = errors.New("object not found")

// Storage defines the interface for all archive backends
type Storage interface {
	// Upload stores an object and returns its path, size and checksum.
	// size may be -1 when the length is not known up front.
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves an object; it returns ErrNotFound when the path is absent
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	// Path is the storage path where the object was stored
	Path string

	// Size is the object size in bytes
	Size int64

	// Checksum is the hex SHA256 of the object contents
	Checksum string
}
