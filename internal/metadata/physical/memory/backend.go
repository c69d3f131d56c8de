// Package memory provides an in-memory metadata backend for tests and
// development.
package memory

import (
	"context"

	"github.com/gezibash/arc-sign/internal/metadata/physical"
	"github.com/gezibash/arc-sign/internal/metadata/physical/badger"
)

func init() {
	physical.Register("memory", NewFactory, nil)
}

// NewFactory creates an empty in-memory backend. Config is ignored.
func NewFactory(_ context.Context, _ map[string]string) (physical.Backend, error) {
	return badger.OpenInMemory()
}
