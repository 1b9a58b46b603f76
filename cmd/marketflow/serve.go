package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketflow/marketflow/internal/api"
	"github.com/marketflow/marketflow/internal/config"
	"github.com/marketflow/marketflow/internal/queue"
	"github.com/marketflow/marketflow/internal/service"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, unless disabled, in-process workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if noWorkers && cfg.Queue.Broker == config.BrokerMemory {
				return errors.New("--no-workers needs an external broker; the memory broker is only consumed in-process")
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

			var handler queue.Handler
			if !noWorkers {
				exec, err := ctx.newExecutor(runCtx, store)
				if err != nil {
					return err
				}
				handler = exec.Execute
				startKeepalive(cfg.LLM)
			}
			dispatcher := queue.NewDispatcher(broker, handler, ctx.dispatcherOptions())
			if !noWorkers {
				if err := dispatcher.Start(runCtx); err != nil {
					return err
				}
				// Workers only return once runCtx is done, including when the
				// server fails before any signal arrives.
				defer func() {
					stop()
					dispatcher.Wait()
				}()
			}

			return serveHTTP(runCtx, cfg, service.New(store, dispatcher))
		},
	}

	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Only accept and report jobs; run workers with `marketflow worker`")
	return cmd
}

func serveHTTP(ctx context.Context, cfg *config.Config, svc *service.Service) error {
	mux := http.NewServeMux()
	api.NewHandler(svc).RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.Server.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.Server.APIKeys),
		api.RateLimit(ctx, cfg.Server.RateLimit, cfg.Server.RateBurst),
	)

	srv := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// SSE streams stay open until the job finishes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("marketflow listening", "addr", cfg.Server.ListenAddr, "broker", cfg.Queue.Broker)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
