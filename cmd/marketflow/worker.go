package main

import (
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marketflow/marketflow/internal/config"
	"github.com/marketflow/marketflow/internal/queue"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from the shared broker until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Queue.Broker == config.BrokerMemory {
				return errors.New("worker needs queue.broker set to redis or amqp; the memory broker only lives inside serve")
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := ctx.openStore(runCtx)
			if err != nil {
				return err
			}
			defer store.Close()

			broker, err := ctx.openBroker(runCtx)
			if err != nil {
				return err
			}
			defer broker.Close()

			exec, err := ctx.newExecutor(runCtx, store)
			if err != nil {
				return err
			}

			startKeepalive(cfg.LLM)

			dispatcher := queue.NewDispatcher(broker, exec.Execute, ctx.dispatcherOptions())
			if err := dispatcher.Start(runCtx); err != nil {
				return err
			}
			slog.Info("worker started", "broker", cfg.Queue.Broker, "queue", cfg.Queue.Name, "concurrency", cfg.Queue.Concurrency)

			<-runCtx.Done()
			slog.Info("worker stopping")
			dispatcher.Wait()
			return nil
		},
	}
}
