package config

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// SetCommonDefaults configures standard defaults on a Viper instance.
func SetCommonDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", Common.DataDir)
	v.SetDefault("keys_dir", "")
	v.SetDefault("observability.log_level", Common.LogLevel)
	v.SetDefault("observability.log_format", Common.LogFormat)
}

// BindCommonFlags binds the flags every command accepts.
func BindCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()

	f.String("data-dir", "", "data directory (default ~/.arc-sign)")
	f.String("keys-dir", "", "signer keyring directory (default <data-dir>/keys)")
	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (auto, json, text)")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("keys_dir", f.Lookup("keys-dir"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
}

// Read wires env lookups and reads the config file. A missing file is only
// an error when configFile names it explicitly.
func Read(v *viper.Viper, configFile string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("arc-sign")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arc-sign")
		v.AddConfigPath("/etc/arc-sign")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return err
		}
	}
	return nil
}

// LoadBase reads the shared fields only, for commands that don't serve.
func LoadBase(v *viper.Viper, configFile string) (BaseConfig, error) {
	SetCommonDefaults(v)
	if err := Read(v, configFile); err != nil {
		return BaseConfig{}, err
	}
	var cfg BaseConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BaseConfig{}, err
	}
	return cfg, nil
}
