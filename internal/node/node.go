// Package node assembles an arc-sign API process from its configuration.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"

	"github.com/gezibash/arc-sign/internal/auth"
	"github.com/gezibash/arc-sign/internal/config"
	"github.com/gezibash/arc-sign/internal/coordinator"
	"github.com/gezibash/arc-sign/internal/ephemeral"
	"github.com/gezibash/arc-sign/internal/events"
	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/internal/ledger/ethereum"
	"github.com/gezibash/arc-sign/internal/ledgerclient"
	"github.com/gezibash/arc-sign/internal/metadata"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/internal/server"
	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/logging"

	// Register ledger record stores
	_ "github.com/gezibash/arc-sign/internal/ledger/physical/badger"
	_ "github.com/gezibash/arc-sign/internal/ledger/physical/memory"
	_ "github.com/gezibash/arc-sign/internal/ledger/physical/redis"
	_ "github.com/gezibash/arc-sign/internal/ledger/physical/sqlite"

	// Register metadata backends
	_ "github.com/gezibash/arc-sign/internal/metadata/physical/badger"
	_ "github.com/gezibash/arc-sign/internal/metadata/physical/fs"
	_ "github.com/gezibash/arc-sign/internal/metadata/physical/memory"
	_ "github.com/gezibash/arc-sign/internal/metadata/physical/s3"

	// Register event hubs and ephemeral stores
	_ "github.com/gezibash/arc-sign/internal/ephemeral/memory"
	_ "github.com/gezibash/arc-sign/internal/ephemeral/redis"
	_ "github.com/gezibash/arc-sign/internal/events/memory"
	_ "github.com/gezibash/arc-sign/internal/events/redis"
)

const pathKey = "path"

// Node is a running API process.
type Node struct {
	Ledger      ledger.Ledger
	Client      *ledgerclient.Client
	Metadata    *metadata.Store
	Ephemeral   ephemeral.Store
	Hub         events.Hub
	Relay       *events.Relay
	Auth        *auth.Authenticator
	Coordinator *coordinator.Coordinator
	Server      *server.Server

	obs *observability.Observability
}

// New opens every component named by cfg. Each opened component registers
// its close with obs.Shutdown, so a failure part way through is cleaned up
// by closing obs.
func New(ctx context.Context, cfg config.Config, obs *observability.Observability) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	n := &Node{obs: obs}
	log := logging.New(obs.Logger)
	dataDir := cfg.ResolvedDataDir()

	l, err := ledger.Open(ctx, LedgerConfig(cfg), obs.Metrics)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	n.Ledger = l
	obs.Shutdown.Register("ledger", func(context.Context) error { return l.Close() })
	n.Client = ledgerclient.New(l, ledgerclient.WithMetrics(obs.Metrics), ledgerclient.WithLogger(log))

	meta, err := metadata.Open(ctx, metadata.Config{
		Backend:        cfg.Metadata.Backend,
		Config:         withDefaultPath(cfg.Metadata.Backend, cfg.Metadata.Config, filepath.Join(dataDir, "metadata")),
		MaxObjectBytes: cfg.Metadata.MaxObjectBytes,
	}, obs.Metrics)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	n.Metadata = meta
	obs.Shutdown.Register("metadata", func(context.Context) error { return meta.Close() })

	eph, err := ephemeral.Open(ctx, ephemeral.Config{Backend: cfg.Ephemeral.Backend, Config: cfg.Ephemeral.Config})
	if err != nil {
		return nil, fmt.Errorf("open ephemeral store: %w", err)
	}
	n.Ephemeral = eph
	obs.Shutdown.Register("ephemeral", func(context.Context) error { return eph.Close() })

	hub, err := events.Open(ctx, events.Config{Backend: cfg.Events.Backend, Config: cfg.Events.Config}, obs.Metrics)
	if err != nil {
		return nil, fmt.Errorf("open event hub: %w", err)
	}
	n.Hub = hub
	obs.Shutdown.Register("events", func(context.Context) error { return hub.Close() })

	n.Auth, err = auth.New(auth.Config{
		Secret:   []byte(cfg.Auth.Secret),
		Issuer:   cfg.Auth.Issuer,
		TokenTTL: cfg.Auth.TokenTTL,
		NonceTTL: cfg.Auth.NonceTTL,
	}, eph)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}

	n.Coordinator = coordinator.New(n.Client, meta, coordinator.Config{
		MaxSigners:      cfg.Ledger.MaxSigners,
		MetadataTimeout: cfg.Metadata.Timeout,
		CostCeiling:     cfg.Ledger.CostCeiling,
		VerifyParallel:  cfg.Ledger.VerifyParallel,
	}, coordinator.WithMetrics(obs.Metrics), coordinator.WithLogger(log))

	n.Relay = events.NewRelay(n.Client, hub, log)

	n.Server = server.New(ServerConfig(cfg), server.Deps{
		Coordinator: n.Coordinator,
		Auth:        n.Auth,
		Hub:         hub,
		Ephemeral:   eph,
		Metrics:     obs.Metrics,
		Logger:      log,
		Checks:      n.HealthChecks(),
	})
	return n, nil
}

// Start begins relaying ledger events and serving HTTP. Both stop through
// obs.Shutdown, server first.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Relay.Start(ctx); err != nil {
		return fmt.Errorf("start event relay: %w", err)
	}
	n.obs.Shutdown.Register("relay", func(context.Context) error {
		n.Relay.Stop()
		return nil
	})

	if err := n.Server.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	n.obs.Shutdown.Register("http-server", n.Server.Stop)
	slog.InfoContext(ctx, "serving", "addr", n.Server.Addr())
	return nil
}

// HealthChecks probes the ledger and the metadata store.
func (n *Node) HealthChecks() map[string]observability.HealthCheck {
	return map[string]observability.HealthCheck{
		"ledger": func(ctx context.Context) error {
			_, err := n.Client.GetUserDocuments(ctx, identity.Address{})
			return err
		},
		"metadata": func(ctx context.Context) error {
			_, err := n.Metadata.Stats(ctx)
			return err
		},
	}
}

// LedgerConfig maps the ledger section onto ledger.Config, placing on-disk
// record stores and the signer keyring under the data directory unless a
// path is configured.
func LedgerConfig(cfg config.Config) ledger.Config {
	lc := ledger.Config{
		Backend:     cfg.Ledger.Backend,
		Config:      maps.Clone(cfg.Ledger.Config),
		Store:       cfg.Ledger.Store.Backend,
		StoreConfig: cfg.Ledger.Store.Config,
	}
	switch lc.Backend {
	case "local":
		def := filepath.Join(cfg.ResolvedDataDir(), "ledger")
		if lc.Store == "sqlite" {
			def += ".db"
		}
		lc.StoreConfig = withDefaultPath(lc.Store, lc.StoreConfig, def)
	case "ethereum":
		if lc.Config == nil {
			lc.Config = map[string]string{}
		}
		if lc.Config[ethereum.KeyKeysDir] == "" {
			lc.Config[ethereum.KeyKeysDir] = cfg.ResolvedKeysDir()
		}
	}
	return lc
}

// ServerConfig maps the http, rate_limit and websocket sections.
func ServerConfig(cfg config.Config) server.Config {
	return server.Config{
		Addr:              cfg.HTTP.Addr,
		MaxUploadBytes:    cfg.HTTP.MaxUploadBytes,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		TrustProxy:        cfg.HTTP.TrustProxy,
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		RateLimit: server.RateLimitConfig{
			Enabled:  cfg.RateLimit.Enabled,
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
		},
		WebSocket: server.WebSocketConfig{
			MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
			Burst:             cfg.WebSocket.Burst,
			MaxSubscriptions:  cfg.WebSocket.MaxSubscriptions,
			PingInterval:      cfg.WebSocket.PingInterval,
		},
	}
}

// withDefaultPath sets the path of file-backed backends when unset.
func withDefaultPath(backend string, cfg map[string]string, path string) map[string]string {
	switch backend {
	case "badger", "sqlite", "fs":
	default:
		return cfg
	}
	if cfg[pathKey] != "" {
		return cfg
	}
	out := maps.Clone(cfg)
	if out == nil {
		out = map[string]string{}
	}
	out[pathKey] = path
	return out
}
