// Package agent connects admitted inbound messages to an agent runtime and
// streams the runtime's output back through the channel delivery loop.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
)

// Request is one agent run for one inbound message.
type Request struct {
	RunID      string
	SessionKey string
	Channel    string
	ChatID     string
	PeerKind   string
	SenderID   string
	SenderName string
	Message    string
	Metadata   map[string]string
}

// Chunk is one piece of streamed output. A chunk with Err set ends the run.
type Chunk struct {
	Text string
	Err  error
}

// Runtime produces a reply. The returned channel is closed when the run ends;
// implementations must stop promptly once ctx is cancelled.
type Runtime interface {
	Name() string
	Run(ctx context.Context, req Request) (<-chan Chunk, error)
}

// RuntimeConfig selects and configures a runtime.
type RuntimeConfig struct {
	Name         string
	APIBase      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// NewRuntime returns the runtime registered under cfg.Name.
func NewRuntime(cfg RuntimeConfig) (Runtime, error) {
	switch cfg.Name {
	case "", "echo":
		return &Echo{}, nil
	case "openai":
		if cfg.Model == "" {
			return nil, fmt.Errorf("openai runtime: model is required")
		}
		return &LLM{
			Provider:     providers.NewOpenAIProvider("openai", cfg.APIKey, cfg.APIBase, cfg.Model),
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
		}, nil
	default:
		return nil, fmt.Errorf("unknown agent runtime %q", cfg.Name)
	}
}

// Echo streams the inbound text back word by word. It stands in for a real
// model when running the gateway standalone.
type Echo struct {
	// Delay between chunks; zero sends them back to back.
	Delay time.Duration
}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Run(ctx context.Context, req Request) (<-chan Chunk, error) {
	words := strings.SplitAfter(strings.TrimSpace(req.Message), " ")
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for i, w := range words {
			if i > 0 && e.Delay > 0 {
				t := time.NewTimer(e.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			select {
			case out <- Chunk{Text: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
