package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marketflow/marketflow/internal/config"
	"github.com/marketflow/marketflow/internal/job"
	"github.com/marketflow/marketflow/internal/queue"
	"github.com/marketflow/marketflow/internal/service"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var in job.Request

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a workflow job on the shared broker and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Queue.Broker == config.BrokerMemory {
				return errors.New("submit needs queue.broker set to redis or amqp; use the HTTP API with the memory broker")
			}

			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			broker, err := ctx.openBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer broker.Close()

			dispatcher := queue.NewDispatcher(broker, nil, ctx.dispatcherOptions())
			id, err := service.New(store, dispatcher).Kickoff(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&in.CustomerDomain, "domain", "", "Customer domain to research")
	cmd.Flags().StringVar(&in.ProjectDescription, "description", "", "Project description")
	return cmd
}
