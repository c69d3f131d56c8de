package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sign/internal/cli"
	"github.com/gezibash/arc-sign/pkg/document"
)

func newHashCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "hash <file|->",
		Short: "Print the document hash of a file",
		Long: `Print the SHA-256 document hash the API would register for a file.
Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			out := cli.NewOutput(cli.ParseFormat(v.GetString("output")), cmd.OutOrStdout())
			return out.KV("document-hash").
				Set("File", args[0]).
				Set("Size", len(data)).
				Set("Hash", document.Compute(data).Hex()).
				Render()
		},
	}
	cli.BindOutputFlag(cmd, v)
	return cmd
}
