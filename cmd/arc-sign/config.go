package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/gezibash/arc-sign/internal/config"
)

const redacted = "<redacted>"

func newConfigCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective server configuration",
		Long: `Print the configuration serve would run with after merging defaults,
the config file, environment and flags, as YAML that serve accepts back.
The auth secret is redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			settings := effectiveSettings(v, cfg)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(settings); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return nil
		},
	}
	config.BindServeFlags(cmd, v)
	return cmd
}

// effectiveSettings is v's merged key tree with resolved directories and
// the secret hidden.
func effectiveSettings(v *viper.Viper, cfg config.Config) map[string]any {
	settings := v.AllSettings()
	delete(settings, "no_rate_limit")
	settings["data_dir"] = cfg.ResolvedDataDir()
	settings["keys_dir"] = cfg.ResolvedKeysDir()
	if a, ok := settings["auth"].(map[string]any); ok && cfg.Auth.Secret != "" {
		a["secret"] = redacted
	}
	if rl, ok := settings["rate_limit"].(map[string]any); ok {
		rl["enabled"] = cfg.RateLimit.Enabled
	}
	return settings
}
