package keys

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gezibash/arc-sign/internal/keyring"
)

func newGenerateCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "generate [alias]",
		Short: "Generate a new signer key",
		Args:  cobra.MaximumNArgs(1),
	}
	k := newKeysCmd(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		alias := keyring.DefaultAlias
		if len(args) > 0 {
			alias = args[0]
		}

		ctx := cmd.Context()
		kr, err := k.keyring(cmd)
		if err != nil {
			return err
		}

		if !force {
			if _, err := kr.Load(ctx, alias); err == nil {
				return fmt.Errorf("key with alias %q already exists (use --force to overwrite)", alias)
			}
		}

		key, err := kr.Generate(ctx, alias)
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}

		if alias == keyring.DefaultAlias {
			_ = kr.SetDefault(alias)
		}

		return k.output(cmd).Result("key-generated", fmt.Sprintf("Key created: %s", alias)).
			With("Address", key.Address.Hex()).
			With("Stored at", filepath.Join(kr.Dir(), "keys")).
			Render()
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing alias")
	return cmd
}
