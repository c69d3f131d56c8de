// Package config loads arc-sign configuration from flags, environment and
// config files.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// EnvPrefix prefixes every environment override, e.g. ARC_SIGN_HTTP_ADDR.
const EnvPrefix = "ARC_SIGN"

// Common contains defaults shared by every arc-sign command.
var Common = struct {
	LogLevel  string
	LogFormat string
	DataDir   string
}{
	LogLevel:  "info",
	LogFormat: "auto",
	DataDir:   DefaultDataDir(),
}

// DefaultDataDir returns the default data directory (~/.arc-sign).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc-sign"
	}
	return filepath.Join(home, ".arc-sign")
}

// ServerDefaults contains default values for arc-sign serve.
var ServerDefaults = struct {
	HTTPAddr          string
	MetricsAddr       string
	MaxUploadBytes    int64
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration

	LedgerBackend  string
	LedgerStore    string
	MaxSigners     int
	VerifyParallel int

	MetadataBackend string
	MetadataTimeout time.Duration
	MaxObjectBytes  int

	EventsBackend    string
	EphemeralBackend string

	Issuer   string
	TokenTTL time.Duration
	NonceTTL time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration
}{
	HTTPAddr:          ":8080",
	MetricsAddr:       ":9090",
	MaxUploadBytes:    16 << 20, // 16MB
	ReadHeaderTimeout: 10 * time.Second,
	WriteTimeout:      2 * time.Minute,
	ShutdownTimeout:   15 * time.Second,

	LedgerBackend:  "local",
	LedgerStore:    "badger",
	MaxSigners:     32,
	VerifyParallel: 8,

	MetadataBackend: "badger",
	MetadataTimeout: 5 * time.Second,
	MaxObjectBytes:  1 << 20, // 1MB

	EventsBackend:    "memory",
	EphemeralBackend: "memory",

	Issuer:   "arc-sign",
	TokenTTL: time.Hour,
	NonceTTL: 5 * time.Minute,

	RateLimitRequests: 120,
	RateLimitWindow:   time.Minute,
}
