// Package memory provides an in-memory ledger record store backed by
// BadgerDB's in-memory mode.
package memory

import (
	"context"

	"github.com/gezibash/arc-sign/internal/ledger/physical"
	"github.com/gezibash/arc-sign/internal/ledger/physical/badger"
)

func init() {
	physical.Register("memory", NewFactory, nil)
}

// NewFactory creates an empty in-memory record store. Config is ignored.
func NewFactory(_ context.Context, _ map[string]string) (physical.Backend, error) {
	return badger.OpenInMemory()
}
