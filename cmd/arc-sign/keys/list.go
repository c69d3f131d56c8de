package keys

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gezibash/arc-sign/internal/cli"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all keys",
		Args:  cobra.NoArgs,
	}
	k := newKeysCmd(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		kr, err := k.keyring(cmd)
		if err != nil {
			return err
		}
		infos, err := kr.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}

		out := k.output(cmd)
		if len(infos) == 0 && out.Format() == cli.FormatText {
			fmt.Fprintln(cmd.OutOrStdout(), "No keys found. Create one with: arc-sign keys generate")
			return nil
		}

		tbl := out.Table("key-list", "Address", "Aliases", "Created", "Default")
		for _, info := range infos {
			aliases := strings.Join(info.Aliases, ", ")
			if aliases == "" {
				aliases = "-"
			}
			def := ""
			if info.IsDefault {
				def = "*"
			}
			tbl.AddRow(info.Address.Hex(), aliases, info.CreatedAt.Format(time.RFC3339), def)
		}
		return tbl.Render()
	}
	return cmd
}
