package keys

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDefaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "default <alias>",
		Short: "Set the default key",
		Args:  cobra.ExactArgs(1),
	}
	k := newKeysCmd(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		kr, err := k.keyring(cmd)
		if err != nil {
			return err
		}
		if err := kr.SetDefault(args[0]); err != nil {
			return fmt.Errorf("set default: %w", err)
		}
		return k.output(cmd).Result("default-set", fmt.Sprintf("Default key set to %q", args[0])).
			With("Alias", args[0]).
			Render()
	}
	return cmd
}
