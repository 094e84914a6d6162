// Package provider wraps a hosted OpenAI-compatible API for embedding and
// completion calls. Any provider speaking the same wire format (OpenAI,
// SiliconFlow, DashScope, a local server) works by overriding the base URL.
package provider

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Client is the surface the rest of the service consumes: text in, a
// fixed-length vector or generated text out.
type Client interface {
	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Complete sends system instructions plus a user prompt and returns
	// the generated text.
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config holds provider connection settings.
type Config struct {
	APIKey     string
	BaseURL    string // empty = provider default
	EmbedModel string
	ChatModel  string
	Dimensions int // expected embedding dimensionality
}

// OpenAI implements Client over an OpenAI-compatible HTTP API.
type OpenAI struct {
	client     *openai.Client
	embedModel string
	chatModel  string
	dimensions int
}

var _ Client = (*OpenAI)(nil)

// NewOpenAI creates a client from the given config.
func NewOpenAI(cfg Config) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:     openai.NewClientWithConfig(clientConfig),
		embedModel: cfg.EmbedModel,
		chatModel:  cfg.ChatModel,
		dimensions: cfg.Dimensions,
	}
}

// Embed generates the vector for a single text.
func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("no text provided for embedding")
	}

	req := openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(p.embedModel),
		Dimensions: p.dimensions,
	}
	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create embeddings failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// Complete returns the first chat completion choice for the prompt.
func (p *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
