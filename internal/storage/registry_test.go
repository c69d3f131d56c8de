package storage

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

type factory func(string) string

func TestRegistry(t *testing.T) {
	r := NewRegistry[factory]("widget backend")
	r.Register("plain", func(s string) string { return "plain:" + s }, nil)
	r.Register("tuned", func(s string) string { return "tuned:" + s }, func() map[string]string {
		return map[string]string{"path": "/var/lib/widgets", "size": "10"}
	})

	if got := r.Names(); !slices.Equal(got, []string{"plain", "tuned"}) {
		t.Errorf("Names = %v", got)
	}
	if !r.Has("tuned") || r.Has("missing") {
		t.Error("Has reports wrong membership")
	}
	if r.Defaults("plain") != nil || r.Defaults("missing") != nil {
		t.Error("Defaults of a backend without defaults should be nil")
	}

	f, cfg, err := r.Lookup("tuned", map[string]string{"size": "20"})
	if err != nil {
		t.Fatal(err)
	}
	if f("x") != "tuned:x" {
		t.Errorf("factory = %q", f("x"))
	}
	if cfg["path"] != "/var/lib/widgets" || cfg["size"] != "20" {
		t.Errorf("merged config = %v", cfg)
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := NewRegistry[factory]("widget backend")
	r.Register("plain", nil, nil)

	_, _, err := r.Lookup("tape", nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	if cfgErr.Backend != "tape" || !strings.Contains(err.Error(), "available: [plain]") {
		t.Errorf("err = %v", err)
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry[factory]("widget backend")
	r.Register("plain", nil, nil)
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	r.Register("plain", nil, nil)
}
