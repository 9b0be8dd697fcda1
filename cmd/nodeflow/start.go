package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/nodeflow/internal/config"
	"github.com/petrijr/nodeflow/pkg/api"
)

func newStartCmd(opts *rootOptions) *cobra.Command {
	var (
		entityType string
		input      string
	)
	cmd := &cobra.Command{
		Use:   "start <definition-key> <entity-id>",
		Short: "Start an instance and print its ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			var data api.StateData
			if input != "" {
				if err := json.Unmarshal([]byte(input), &data); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer rt.Close()

			if entityType == "" {
				def, err := rt.Engine.GetDefinition(ctx, args[0])
				if err != nil {
					return err
				}
				entityType = def.EntityType
			}
			id, err := rt.Engine.StartInstance(ctx, args[0], entityType, args[1], data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type (default: the definition's)")
	cmd.Flags().StringVar(&input, "input", "", "initial state as a JSON object")
	return cmd
}
