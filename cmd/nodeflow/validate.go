package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/nodeflow/internal/definition"
)

var errInvalidDefinitions = errors.New("invalid definitions")

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Compile YAML definition files and report graph errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				f, err := definition.LoadFile(path)
				if err == nil {
					err = definition.Validate(f)
				}
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%s, %d versions)\n", path, f.Key, len(f.Versions))
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d files", errInvalidDefinitions, failed, len(args))
			}
			return nil
		},
	}
}
