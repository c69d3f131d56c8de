package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sign/internal/auth"
	"github.com/gezibash/arc-sign/internal/cli"
	"github.com/gezibash/arc-sign/internal/config"
	"github.com/gezibash/arc-sign/internal/ephemeral/memory"
	"github.com/gezibash/arc-sign/internal/keyring"
	"github.com/gezibash/arc-sign/pkg/identity"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API bearer tokens",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	v := viper.New()
	var (
		address string
		key     string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token with the server's secret",
		Long: `Issue a bearer token for an address without the challenge login.
The token is signed with auth.secret, so it is only accepted by servers
sharing that secret. Pass --address, or --key to use a keyring entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			addr, err := tokenAddress(cmd.Context(), cfg, address, key)
			if err != nil {
				return err
			}

			store := memory.New(memory.WithSweepInterval(0))
			defer func() { _ = store.Close() }()
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			a, err := auth.New(auth.Config{
				Secret:   []byte(cfg.Auth.Secret),
				Issuer:   cfg.Auth.Issuer,
				TokenTTL: ttl,
			}, store)
			if err != nil {
				return fmt.Errorf("init auth: %w (set ARC_SIGN_AUTH_SECRET)", err)
			}
			token, exp, err := a.Issue(addr)
			if err != nil {
				return err
			}

			out := cli.NewOutput(cli.ParseFormat(v.GetString("output")), cmd.OutOrStdout())
			return out.KV("token").
				Set("Address", addr.Hex()).
				Set("Expires At", exp.UTC().Format(time.RFC3339)).
				Set("Token", token).
				Render()
		},
	}

	config.BindCommonFlags(cmd, v)
	cli.BindOutputFlag(cmd, v)
	cmd.Flags().StringVar(&address, "address", "", "address the token asserts")
	cmd.Flags().StringVarP(&key, "key", "k", "", "keyring alias or address to take the address from")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	cmd.MarkFlagsMutuallyExclusive("address", "key")
	return cmd
}

func tokenAddress(ctx context.Context, cfg config.Config, address, key string) (identity.Address, error) {
	if address != "" {
		return identity.ParseAddress(address)
	}
	kr := keyring.New(cfg.ResolvedKeysDir())
	var (
		k   *keyring.Key
		err error
	)
	if key != "" {
		k, err = kr.Load(ctx, key)
	} else {
		k, err = kr.LoadDefault(ctx)
	}
	if err != nil {
		return identity.Address{}, fmt.Errorf("load key: %w", err)
	}
	return k.Address, nil
}
