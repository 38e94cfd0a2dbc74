package adapter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"biochat/backend/internal/observability"
	"biochat/backend/pkg/logger"
)

// LLMAdapter handles communication with an OpenAI-compatible chat endpoint
type LLMAdapter struct {
	client  *openai.Client
	model   string
	name    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewLLMAdapter creates a new LLM adapter. name labels the adapter in logs and
// metrics ("basic", "advanced").
func NewLLMAdapter(name, baseURL, apiKey, modelID string, timeout time.Duration) *LLMAdapter {
	// Local gateways accept any key
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimSuffix(baseURL, "/")

	return &LLMAdapter{
		client:  openai.NewClientWithConfig(config),
		model:   modelID,
		name:    name,
		timeout: timeout,
		logger:  logger.Named("llm").With(zap.String("adapter", name)),
	}
}

// Model returns the model id used by this adapter
func (a *LLMAdapter) Model() string {
	return a.model
}

// Response represents the LLM's response
type Response struct {
	Content string
	Model   string
}

type generateOptions struct {
	json        bool
	temperature float32
}

// Option tunes a single Generate call.
type Option func(*generateOptions)

// JSONMode asks the endpoint for a JSON object reply.
func JSONMode() Option {
	return func(o *generateOptions) { o.json = true }
}

// Temperature overrides the sampling temperature. Zero is sent as the
// smallest positive float32 because the client omits a zero temperature.
func Temperature(t float32) Option {
	return func(o *generateOptions) { o.temperature = t }
}

// Generate sends a system and a user message and returns the first choice.
func (a *LLMAdapter) Generate(ctx context.Context, systemPrompt, userMsg string, opts ...Option) (*Response, error) {
	options := generateOptions{temperature: 0.2}
	for _, opt := range opts {
		opt(&options)
	}

	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMsg},
		},
		Temperature: wireTemperature(options.temperature),
	}
	if options.json {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var resp openai.ChatCompletionResponse
	start := time.Now()
	err := Call(ctx, "model:"+a.name, a.timeout, func(ctx context.Context) error {
		var err error
		resp, err = a.client.CreateChatCompletion(ctx, req)
		return err
	})
	observability.Get().RecordModelCall(a.name, err)
	observability.Get().ObserveStage("model_"+a.name, start)
	if err != nil {
		a.logger.Error("LLM request failed",
			zap.Error(err),
			zap.String("model", a.model),
		)
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in LLM response")
	}

	a.logger.Debug("LLM request completed",
		zap.String("model", a.model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("latency", time.Since(start)),
	)

	return &Response{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:   resp.Model,
	}, nil
}

func wireTemperature(t float32) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}
