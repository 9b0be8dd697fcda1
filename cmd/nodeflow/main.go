// Command nodeflow runs and inspects nodeflow workflow engines.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "nodeflow",
		Short:         "Graph-based workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default ./nodeflow.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newValidateCmd(),
		newStartCmd(opts),
		newStatusCmd(opts),
	)
	return cmd
}
