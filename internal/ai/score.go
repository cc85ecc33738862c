package ai

import (
	"context"
	"fmt"
	"log/slog"

	"papergrader/internal/ai/prompts"
	"papergrader/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// scoreResponse is the expected shape of a scoring reply.
type scoreResponse struct {
	Points        float64 `json:"points"`
	Feedback      string  `json:"feedback"`
	Reasoning     string  `json:"reasoning"`
	Confidence    string  `json:"confidence"`
	FlagForReview bool    `json:"flag_for_review"`
	Breakdown     []struct {
		Criterion string  `json:"criterion"`
		Points    float64 `json:"points"`
		MaxPoints float64 `json:"max_points"`
	} `json:"criteria_breakdown"`
}

// ScoreAnswer grades one answer against its question and the rubric
// guidelines. The returned points are NOT clamped here; the caller owns
// range enforcement because the model is untrusted.
func (c *Client) ScoreAnswer(ctx context.Context, q model.Question, answer string, g model.RubricGuidelines) (*model.ScoreResult, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.scoringModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompts.Scoring(c.variant, q, g),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompts.SanitizeAnswer(answer),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("scoring returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("scoring response", "model", c.scoringModel, "question", q.Number, "raw", raw)

	var parsed scoreResponse
	if err := decodeResponse(raw, &parsed); err != nil {
		return nil, err
	}
	if parsed.Feedback == "" {
		return nil, fmt.Errorf("scoring response missing feedback (raw: %s)", truncate(raw, 500))
	}

	result := &model.ScoreResult{
		Points:        parsed.Points,
		Feedback:      parsed.Feedback,
		Reasoning:     parsed.Reasoning,
		Confidence:    normalizeConfidence(parsed.Confidence),
		FlagForReview: parsed.FlagForReview,
	}
	for _, b := range parsed.Breakdown {
		result.Breakdown = append(result.Breakdown, model.CriterionScore{
			Criterion: b.Criterion,
			Points:    b.Points,
			MaxPoints: b.MaxPoints,
		})
	}
	return result, nil
}

func normalizeConfidence(s string) model.Confidence {
	switch model.Confidence(s) {
	case model.ConfidenceHigh, model.ConfidenceMedium, model.ConfidenceLow:
		return model.Confidence(s)
	}
	return model.ConfidenceLow
}
