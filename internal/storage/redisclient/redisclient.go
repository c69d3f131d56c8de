// Package redisclient opens go-redis clients from backend config maps. It
// is shared by the ledger record store, the event hub and the ephemeral
// store so all three read the same keys.
package redisclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-sign/internal/storage"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"
)

// Defaults returns the default connection settings. prefix namespaces keys.
func Defaults(prefix string) map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    prefix,
	}
}

// Options parses config into client options and the key prefix.
func Options(backend string, config map[string]string) (*redis.Options, string, error) {
	r := storage.NewReader(backend, config)
	addr := r.Required(KeyAddr)
	db := r.Int(KeyDB, 0)
	maxRetries := r.Int(KeyMaxRetries, 3)
	dialTimeout := r.Duration(KeyDialTimeout, 5*time.Second)
	readTimeout := r.Duration(KeyReadTimeout, 3*time.Second)
	writeTimeout := r.Duration(KeyWriteTimeout, 3*time.Second)
	poolSize := r.Int(KeyPoolSize, 0)
	password := r.String(KeyPassword, "")
	prefix := r.String(KeyKeyPrefix, "arc-sign:")
	if err := r.Err(); err != nil {
		return nil, "", err
	}
	if db < 0 {
		return nil, "", &storage.ConfigError{Backend: backend, Field: KeyDB, Value: config[KeyDB], Message: "must be non-negative"}
	}

	opts := &redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	return opts, prefix, nil
}

// Open parses config, connects and pings.
func Open(ctx context.Context, backend string, config map[string]string) (*redis.Client, string, error) {
	opts, prefix, err := Options(backend, config)
	if err != nil {
		return nil, "", err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, "", &storage.ConfigError{Backend: backend, Field: KeyAddr, Value: opts.Addr, Message: "failed to connect", Cause: err}
	}

	slog.Info("redis connected", "backend", backend, "addr", opts.Addr, "db", opts.DB, "key_prefix", prefix)
	return client, prefix, nil
}
