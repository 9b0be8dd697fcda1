package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/petrijr/nodeflow/internal/config"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Print the state of an instance as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer rt.Close()

			state, err := rt.Engine.GetInstanceState(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}
}
