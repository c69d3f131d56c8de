package storage

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Reader pulls typed values out of a backend's string config. The first
// parse failure is kept and reported by Err; later reads return defaults.
type Reader struct {
	backend string
	config  map[string]string
	err     error
}

// NewReader wraps config for the named backend.
func NewReader(backend string, config map[string]string) *Reader {
	if config == nil {
		config = map[string]string{}
	}
	return &Reader{backend: backend, config: config}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) fail(field, value, message string, cause error) {
	if r.err != nil {
		return
	}
	r.err = &ConfigError{Backend: r.backend, Field: field, Value: value, Message: message, Cause: cause}
}

func (r *Reader) raw(key string) (string, bool) {
	v, ok := r.config[key]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// String returns the value of key, or def when unset or empty.
func (r *Reader) String(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

// Required returns the value of key and records an error when it is unset.
func (r *Reader) Required(key string) string {
	v, ok := r.raw(key)
	if !ok {
		r.fail(key, "", "is required", nil)
	}
	return v
}

// Path returns the value of key with ~ expanded.
func (r *Reader) Path(key, def string) string {
	v := r.String(key, def)
	if v == "" {
		return ""
	}
	return ExpandPath(v)
}

// Bool accepts true/false, 1/0 and yes/no in any case.
func (r *Reader) Bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	r.fail(key, v, "must be a boolean (true/false, 1/0, yes/no)", nil)
	return def
}

// Int parses key as a base-10 int.
func (r *Reader) Int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "must be an integer", err)
		return def
	}
	return i
}

// Int64 parses key as a base-10 int64.
func (r *Reader) Int64(key string, def int64) int64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, v, "must be an integer", err)
		return def
	}
	return i
}

// Uint64 parses key as a non-negative base-10 integer.
func (r *Reader) Uint64(key string, def uint64) uint64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		r.fail(key, v, "must be a non-negative integer", err)
		return def
	}
	return i
}

// Duration accepts Go duration strings ("5s", "1m30s") or integer seconds.
func (r *Reader) Duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	r.fail(key, v, "must be a duration (e.g., '5s', '1m30s') or integer seconds", nil)
	return def
}

// ExpandPath expands ~ to the user's home directory and cleans the path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}

// MergeConfig returns a new map holding dst overlaid with src.
func MergeConfig(dst, src map[string]string) map[string]string {
	result := make(map[string]string, len(dst)+len(src))
	maps.Copy(result, dst)
	maps.Copy(result, src)
	return result
}
