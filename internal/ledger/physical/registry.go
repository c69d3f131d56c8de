package physical

import (
	"context"
	"log/slog"

	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/internal/storage"
)

// Factory creates a backend from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Backend, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() map[string]string

var registry = storage.NewRegistry[Factory]("ledger record store")

// Register registers a backend factory with the given name.
// Panics if a backend with the same name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	registry.Register(name, factory, defaults)
}

// GetDefaults returns the default configuration for a backend.
func GetDefaults(name string) map[string]string {
	return registry.Defaults(name)
}

// ListBackends returns the names of all registered backends.
func ListBackends() []string {
	return registry.Names()
}

// IsRegistered reports whether a backend with the given name is registered.
func IsRegistered(name string) bool {
	return registry.Has(name)
}

// New creates a backend by name with its defaults overlaid by config.
func New(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (b Backend, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "ledger.physical.new")
	defer func() { op.End(err) }()

	factory, merged, err := registry.Lookup(name, config)
	if err != nil {
		return nil, err
	}
	if b, err = factory(ctx, merged); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "ledger record store created", "backend", name)
	return b, nil
}
