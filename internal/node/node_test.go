package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/arc-sign/internal/config"
	"github.com/gezibash/arc-sign/internal/ledger/ethereum"
	"github.com/gezibash/arc-sign/internal/observability"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load(viper.New(), "")
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Ledger.Store.Backend = "memory"
	cfg.Metadata.Backend = "memory"
	cfg.Auth.Secret = strings.Repeat("n", 32)
	return cfg
}

func TestNodeServes(t *testing.T) {
	ctx := context.Background()
	obs, err := observability.New(ctx, observability.ObsConfig{LogLevel: "error", LogFormat: "json"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Close(sctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	n, err := New(ctx, testConfig(t), obs)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(ctx); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + n.Server.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || body.Checks["ledger"] != "ok" || body.Checks["metadata"] != "ok" {
		t.Errorf("health: %d %v", resp.StatusCode, body.Checks)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Secret = ""
	obs, err := observability.New(context.Background(), observability.ObsConfig{LogLevel: "error"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer obs.Close(context.Background())

	if _, err := New(context.Background(), cfg, obs); err == nil || !strings.Contains(err.Error(), "auth.secret") {
		t.Errorf("err = %v", err)
	}
}

func TestLedgerConfigPaths(t *testing.T) {
	cfg := config.Config{}
	cfg.DataDir = "/var/lib/arc-sign"

	tests := []struct {
		name    string
		backend string
		store   string
		config  map[string]string
		check   func(t *testing.T, store, backend map[string]string)
	}{
		{"badger store", "local", "badger", nil, func(t *testing.T, store, _ map[string]string) {
			if store[pathKey] != "/var/lib/arc-sign/ledger" {
				t.Errorf("path = %q", store[pathKey])
			}
		}},
		{"sqlite store", "local", "sqlite", nil, func(t *testing.T, store, _ map[string]string) {
			if store[pathKey] != "/var/lib/arc-sign/ledger.db" {
				t.Errorf("path = %q", store[pathKey])
			}
		}},
		{"explicit path kept", "local", "badger", map[string]string{pathKey: "/mnt/ledger"}, func(t *testing.T, store, _ map[string]string) {
			if store[pathKey] != "/mnt/ledger" {
				t.Errorf("path = %q", store[pathKey])
			}
		}},
		{"redis store untouched", "local", "redis", nil, func(t *testing.T, store, _ map[string]string) {
			if _, ok := store[pathKey]; ok {
				t.Errorf("redis store got a path: %v", store)
			}
		}},
		{"ethereum keys", "ethereum", "", nil, func(t *testing.T, _, backend map[string]string) {
			if backend[ethereum.KeyKeysDir] != filepath.Join("/var/lib/arc-sign", "keys") {
				t.Errorf("keys_dir = %q", backend[ethereum.KeyKeysDir])
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			c.Ledger.Backend = tt.backend
			c.Ledger.Store.Backend = tt.store
			c.Ledger.Store.Config = tt.config
			lc := LedgerConfig(c)
			tt.check(t, lc.StoreConfig, lc.Config)
		})
	}
}
