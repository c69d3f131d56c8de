package config

import (
	"path/filepath"
	"testing"
)

func TestBaseConfig_ResolvedDataDir(t *testing.T) {
	t.Run("returns config value when set", func(t *testing.T) {
		cfg := BaseConfig{DataDir: "/custom/data"}
		if got := cfg.ResolvedDataDir(); got != "/custom/data" {
			t.Errorf("ResolvedDataDir() = %q, want %q", got, "/custom/data")
		}
	})

	t.Run("falls back to default", func(t *testing.T) {
		cfg := BaseConfig{}
		if got, want := cfg.ResolvedDataDir(), DefaultDataDir(); got != want {
			t.Errorf("ResolvedDataDir() = %q, want %q", got, want)
		}
	})
}

func TestBaseConfig_ResolvedKeysDir(t *testing.T) {
	tests := []struct {
		name string
		cfg  BaseConfig
		want string
	}{
		{"explicit", BaseConfig{DataDir: "/data", KeysDir: "/secrets/keys"}, "/secrets/keys"},
		{"under data dir", BaseConfig{DataDir: "/data"}, "/data/keys"},
		{"under default data dir", BaseConfig{}, filepath.Join(DefaultDataDir(), "keys")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ResolvedKeysDir(); got != tt.want {
				t.Errorf("ResolvedKeysDir() = %q, want %q", got, tt.want)
			}
		})
	}
}
