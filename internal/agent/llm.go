package agent

import (
	"context"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
)

// LLM streams replies from a chat completion provider. Each run is a single
// turn: the optional system prompt followed by the inbound message.
type LLM struct {
	Provider     providers.Provider
	SystemPrompt string
	MaxTokens    int
}

func (l *LLM) Name() string { return l.Provider.Name() }

func (l *LLM) Run(ctx context.Context, req Request) (<-chan Chunk, error) {
	msgs := make([]providers.Message, 0, 2)
	if l.SystemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: l.SystemPrompt})
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: req.Message})

	out := make(chan Chunk)
	go func() {
		defer close(out)
		send := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stopped := false
		_, err := l.Provider.ChatStream(ctx, providers.ChatRequest{
			Messages:  msgs,
			MaxTokens: l.MaxTokens,
		}, func(sc providers.StreamChunk) {
			if stopped || sc.Content == "" {
				return
			}
			stopped = !send(Chunk{Text: sc.Content})
		})
		if err != nil && ctx.Err() == nil {
			send(Chunk{Err: err})
		}
	}()
	return out, nil
}
