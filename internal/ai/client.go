package ai

import (
	"context"
	"fmt"

	"papergrader/internal/ai/prompts"

	openai "github.com/sashabaranov/go-openai"
)

// Client wraps an OpenAI-compatible API for the extraction and scoring
// capabilities. A vision-capable model reads page images; a reasoning
// model grades answers.
type Client struct {
	api          *openai.Client
	visionModel  string
	scoringModel string
	variant      prompts.Variant
}

// New creates a new AI client.
func New(baseURL, apiKey, visionModel, scoringModel string, variant prompts.Variant) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:          openai.NewClientWithConfig(config),
		visionModel:  visionModel,
		scoringModel: scoringModel,
		variant:      variant,
	}
}

// Ping verifies the API endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("AI endpoint unreachable: %w", err)
	}
	return nil
}
