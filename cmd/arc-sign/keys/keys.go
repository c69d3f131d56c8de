// Package keys implements the arc-sign keys commands over the local
// secp256k1 keyring.
package keys

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sign/internal/cli"
	"github.com/gezibash/arc-sign/internal/config"
	"github.com/gezibash/arc-sign/internal/keyring"
)

func Entrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signer keys",
		Long: `Manage secp256k1 signer keys with alias support.
Keys are stored in <keys-dir>/keys/ with a keyring.json alias map. The
ethereum ledger signs transactions with these keys.`,
	}

	cmd.AddCommand(
		newGenerateCmd(),
		newImportCmd(),
		newListCmd(),
		newDefaultCmd(),
		newDeleteCmd(),
		newSignCmd(),
	)
	return cmd
}

// keysCmd holds the viper instance shared by a keys subcommand's flags.
type keysCmd struct {
	v *viper.Viper
}

func newKeysCmd(cmd *cobra.Command) *keysCmd {
	k := &keysCmd{v: viper.New()}
	config.BindCommonFlags(cmd, k.v)
	cli.BindOutputFlag(cmd, k.v)
	return k
}

func (k *keysCmd) keyring(cmd *cobra.Command) (*keyring.Keyring, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadBase(k.v, configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return keyring.New(cfg.ResolvedKeysDir()), nil
}

func (k *keysCmd) output(cmd *cobra.Command) *cli.Output {
	return cli.NewOutput(cli.ParseFormat(k.v.GetString("output")), cmd.OutOrStdout())
}

func loadKey(ctx context.Context, kr *keyring.Keyring, nameOrAddress string) (*keyring.Key, error) {
	if nameOrAddress == "" {
		key, err := kr.LoadDefault(ctx)
		if err != nil {
			return nil, fmt.Errorf("load default key: %w", err)
		}
		return key, nil
	}
	key, err := kr.Load(ctx, nameOrAddress)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", nameOrAddress, err)
	}
	return key, nil
}
