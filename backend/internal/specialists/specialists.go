// Package specialists implements the agents a turn can be dispatched to and
// the clients of the external services behind them.
package specialists

import (
	"context"
	"encoding/json"

	"biochat/backend/internal/adapter"
)

// Model is a chat model.
type Model interface {
	Generate(ctx context.Context, systemPrompt, userMsg string, opts ...adapter.Option) (*adapter.Response, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// maxContextChars bounds the JSON handed to a model as context.
const maxContextChars = 12000

func compactJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return truncate(string(data), maxContextChars)
}
