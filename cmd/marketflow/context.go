package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/marketflow/marketflow/internal/config"
	"github.com/marketflow/marketflow/internal/crew"
	"github.com/marketflow/marketflow/internal/job"
	"github.com/marketflow/marketflow/internal/llm"
	"github.com/marketflow/marketflow/internal/pipeline"
	"github.com/marketflow/marketflow/internal/queue"
	"github.com/marketflow/marketflow/internal/webhook"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func setupLogging(w io.Writer, cfg config.Log) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case "json", "":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("log format %q must be json or text", cfg.Format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func (c *commandContext) openStore(ctx context.Context) (*job.SQLiteStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return job.OpenSQLiteStore(ctx, cfg.DBPath)
}

func (c *commandContext) openBroker(ctx context.Context) (queue.Broker, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	q := cfg.Queue
	switch q.Broker {
	case config.BrokerRedis:
		return queue.NewRedisBroker(ctx, q.RedisURL, q.Name)
	case config.BrokerAMQP:
		// Deliveries waiting out a retry backoff stay unacked, so leave
		// headroom beyond the worker count.
		return queue.NewAMQPBroker(q.AMQPURL, q.Name, 2*q.Concurrency)
	default:
		return queue.NewMemoryBroker(q.Size), nil
	}
}

// newExecutor wires the model client, crew stages and completion notifier.
func (c *commandContext) newExecutor(ctx context.Context, store job.Store) (*pipeline.Executor, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	model, err := llm.New(llm.Config{
		Provider:       cfg.LLM.Provider,
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		CLIPath:        cfg.LLM.ClaudePath,
	})
	if err != nil {
		return nil, err
	}
	first, second, err := crew.DefaultStages()
	if err != nil {
		return nil, err
	}
	exec := pipeline.New(store, model, first, second)

	if cfg.Notify.URL != "" {
		var opts []webhook.Option
		if cfg.Notify.AllowPrivate {
			opts = append(opts, webhook.WithAllowPrivate())
		}
		n, err := webhook.NewNotifier(ctx, cfg.Notify.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("notify url: %w", err)
		}
		exec.WithObserver(n)
	}
	return exec, nil
}

func (c *commandContext) dispatcherOptions() queue.Options {
	cfg, _ := c.ensureConfig()
	return queue.Options{
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryBase:   cfg.Queue.RetryBase(),
		TaskTimeout: cfg.Queue.TimeLimit(),
	}
}
