package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full arc-sign serve configuration.
type Config struct {
	BaseConfig `mapstructure:",squash"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Events    BackendConfig   `mapstructure:"events"`
	Ephemeral BackendConfig   `mapstructure:"ephemeral"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// BackendConfig names a registered backend and its settings.
type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	TrustProxy        bool          `mapstructure:"trust_proxy"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// LedgerConfig selects the ledger backend. Store is the record store of
// the local backend and is ignored by ethereum.
type LedgerConfig struct {
	BackendConfig `mapstructure:",squash"`

	Store          BackendConfig `mapstructure:"store"`
	MaxSigners     int           `mapstructure:"max_signers"`
	CostCeiling    uint64        `mapstructure:"cost_ceiling"`
	VerifyParallel int           `mapstructure:"verify_parallel"`
}

type MetadataConfig struct {
	BackendConfig `mapstructure:",squash"`

	// Timeout bounds each best-effort upload.
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxObjectBytes int           `mapstructure:"max_object_bytes"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	NonceTTL time.Duration `mapstructure:"nonce_ttl"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type WebSocketConfig struct {
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxSubscriptions  int           `mapstructure:"max_subscriptions"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
}

func setDefaults(v *viper.Viper) {
	d := ServerDefaults
	SetCommonDefaults(v)

	v.SetDefault("http.addr", d.HTTPAddr)
	v.SetDefault("http.max_upload_bytes", d.MaxUploadBytes)
	v.SetDefault("http.read_header_timeout", d.ReadHeaderTimeout)
	v.SetDefault("http.write_timeout", d.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("http.trust_proxy", false)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("observability.metrics_addr", d.MetricsAddr)
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.sample_ratio", 1.0)
	v.SetDefault("observability.service_name", "arc-sign")
	v.SetDefault("observability.service_version", "dev")

	v.SetDefault("ledger.backend", d.LedgerBackend)
	v.SetDefault("ledger.store.backend", d.LedgerStore)
	v.SetDefault("ledger.max_signers", d.MaxSigners)
	v.SetDefault("ledger.cost_ceiling", 0)
	v.SetDefault("ledger.verify_parallel", d.VerifyParallel)

	v.SetDefault("metadata.backend", d.MetadataBackend)
	v.SetDefault("metadata.timeout", d.MetadataTimeout)
	v.SetDefault("metadata.max_object_bytes", d.MaxObjectBytes)

	v.SetDefault("events.backend", d.EventsBackend)
	v.SetDefault("ephemeral.backend", d.EphemeralBackend)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", d.Issuer)
	v.SetDefault("auth.token_ttl", d.TokenTTL)
	v.SetDefault("auth.nonce_ttl", d.NonceTTL)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", d.RateLimitRequests)
	v.SetDefault("rate_limit.window", d.RateLimitWindow)

	v.SetDefault("websocket.messages_per_second", 5.0)
	v.SetDefault("websocket.burst", 10)
	v.SetDefault("websocket.max_subscriptions", 64)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
}

// BindServeFlags binds cobra flags to viper for the serve command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	BindCommonFlags(cmd, v)

	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.String("ledger", "", "ledger backend (local, ethereum)")
	f.String("ledger-store", "", "record store of the local ledger (memory, badger, sqlite, redis)")
	f.String("metadata", "", "metadata backend (memory, badger, fs, s3)")
	f.Bool("no-rate-limit", false, "disable the request rate limiter")

	_ = v.BindPFlag("http.addr", f.Lookup("addr"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("ledger.backend", f.Lookup("ledger"))
	_ = v.BindPFlag("ledger.store.backend", f.Lookup("ledger-store"))
	_ = v.BindPFlag("metadata.backend", f.Lookup("metadata"))
	_ = v.BindPFlag("no_rate_limit", f.Lookup("no-rate-limit"))
}

// Load reads config from flags, env, and file, returning the merged Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)
	if err := Read(v, configFile); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if v.GetBool("no_rate_limit") {
		cfg.RateLimit.Enabled = false
	}
	return cfg, nil
}

// Validate reports every setting that would stop the server from starting.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Ledger.Backend == "" {
		errs = append(errs, errors.New("ledger.backend is required"))
	}
	if c.Ledger.MaxSigners <= 0 {
		errs = append(errs, fmt.Errorf("ledger.max_signers must be positive, got %d", c.Ledger.MaxSigners))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, fmt.Errorf("auth.secret is required (set %s_AUTH_SECRET)", EnvPrefix))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limit.requests and rate_limit.window must be positive"))
	}
	return errors.Join(errs...)
}
