package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gezibash/arc-sign/cmd/arc-sign/keys"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "arc-sign",
		Short:         "Multi-party document signing service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(keys.Entrypoint())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newHashCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
