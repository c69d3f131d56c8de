package keys

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <private-key-hex> [alias]",
		Short: "Import a key from a hex-encoded private key",
		Args:  cobra.RangeArgs(1, 2),
	}
	k := newKeysCmd(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		alias := ""
		if len(args) > 1 {
			alias = args[1]
		}

		kr, err := k.keyring(cmd)
		if err != nil {
			return err
		}
		key, err := kr.Import(cmd.Context(), args[0], alias)
		if err != nil {
			return fmt.Errorf("import key: %w", err)
		}

		r := k.output(cmd).Result("key-imported", "Key imported").
			With("Address", key.Address.Hex())
		if alias != "" {
			r.With("Alias", alias)
		}
		return r.Render()
	}
	return cmd
}
