package config

import "path/filepath"

// BaseConfig holds the fields every arc-sign command reads. Config embeds
// it with mapstructure:",squash"; client commands such as keys and token
// load it on its own.
type BaseConfig struct {
	DataDir       string              `mapstructure:"data_dir"`
	KeysDir       string              `mapstructure:"keys_dir"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string  `mapstructure:"log_level"`
	LogFormat      string  `mapstructure:"log_format"`
	MetricsAddr    string  `mapstructure:"metrics_addr"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string  `mapstructure:"otlp_protocol"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
}

// ResolvedDataDir returns the data directory from config, or the default.
func (c BaseConfig) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// ResolvedKeysDir returns the signer keyring directory, <data_dir>/keys
// unless set.
func (c BaseConfig) ResolvedKeysDir() string {
	if c.KeysDir != "" {
		return c.KeysDir
	}
	return filepath.Join(c.ResolvedDataDir(), "keys")
}
