package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitDBCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the job database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			cfg, _ := ctx.ensureConfig()
			fmt.Fprintf(cmd.OutOrStdout(), "Database ready at %s\n", cfg.DBPath)
			return nil
		},
	}
}
