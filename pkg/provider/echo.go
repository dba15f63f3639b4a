package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Echo replies with the prompt it was given. It needs no network access.
type Echo struct {
	name string
}

var _ Provider = (*Echo)(nil)

// NewEcho creates an echo provider.
func NewEcho(name string) *Echo {
	return &Echo{name: name}
}

// Name returns the provider name.
func (e *Echo) Name() string { return e.name }

// Chat returns the prompt unchanged, or wrapped in {"reply": ...} in JSON mode.
func (e *Echo) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	text := req.Prompt

	if req.JSON {
		data, err := json.Marshal(map[string]string{"reply": req.Prompt})
		if err != nil {
			return nil, err
		}

		text = string(data)
	}

	return &ChatResponse{Text: text, Elapsed: time.Since(start)}, nil
}
