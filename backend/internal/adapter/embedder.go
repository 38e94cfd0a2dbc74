package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"biochat/backend/pkg/logger"
)

// Embedder turns texts into dense vectors of a fixed dimension.
type Embedder struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	dimension int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewEmbedder creates an embedder against an OpenAI-compatible endpoint.
func NewEmbedder(baseURL, apiKey, modelID string, dimension int, timeout time.Duration) *Embedder {
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimSuffix(baseURL, "/")

	return &Embedder{
		client:    openai.NewClientWithConfig(config),
		model:     openai.EmbeddingModel(modelID),
		dimension: dimension,
		timeout:   timeout,
		logger:    logger.Named("embedder"),
	}
}

// Dimension returns the vector size every embedding has.
func (e *Embedder) Dimension() int {
	return e.dimension
}

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp openai.EmbeddingResponse
	err := Call(ctx, "embedding", e.timeout, func(ctx context.Context) error {
		var err error
		resp, err = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: e.model,
		})
		return err
	})
	if err != nil {
		e.logger.Error("Embedding request failed", zap.Int("texts", len(texts)), zap.Error(err))
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != e.dimension {
			return nil, fmt.Errorf("embedding has dimension %d, expected %d", len(d.Embedding), e.dimension)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
