package keys

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <alias|address>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
	}
	k := newKeysCmd(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		kr, err := k.keyring(cmd)
		if err != nil {
			return err
		}
		if err := kr.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
		return k.output(cmd).Result("key-deleted", fmt.Sprintf("Key %q deleted", args[0])).
			With("Key", args[0]).
			Render()
	}
	return cmd
}
