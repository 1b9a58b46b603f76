// Package llm provides the model clients the pipeline stages talk to.
package llm

import (
	"context"
	"fmt"
)

const (
	ProviderOpenAI    = "openai"
	ProviderClaudeCLI = "claude-cli"
)

// Request is a single prompt sent to a model.
type Request struct {
	System string
	Prompt string
	// JSON asks the model for a raw JSON object; the returned text has code
	// fences stripped.
	JSON bool
	// OnChunk, when set, receives partial output as it is produced.
	OnChunk func(text string)
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config selects and configures a Client.
type Config struct {
	Provider       string
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float64
	MaxTokens      int
	TimeoutSeconds int
	// CLIPath is the claude binary used by the claude-cli provider.
	CLIPath string
}

// New returns the client for cfg.Provider.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg), nil
	case ProviderClaudeCLI:
		return NewCLIClient(cfg.CLIPath, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
