// Package physical defines the storage backends behind the metadata store.
package physical

import (
	"context"
	"errors"

	"github.com/gezibash/arc-sign/pkg/reference"
)

var (
	// ErrNotFound indicates the requested object was not found.
	ErrNotFound = errors.New("metadata object not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// Stats contains storage statistics.
type Stats struct {
	SizeBytes   int64
	BackendType string
}

// Backend stores opaque bytes under their content reference.
// All implementations must be safe for concurrent use.
type Backend interface {
	Put(ctx context.Context, r reference.Reference, data []byte) error
	Get(ctx context.Context, r reference.Reference) ([]byte, error)
	Exists(ctx context.Context, r reference.Reference) (bool, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
