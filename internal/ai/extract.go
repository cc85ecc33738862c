package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"papergrader/internal/ai/prompts"
	"papergrader/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// pageResponse is the expected shape of a vision extraction reply.
type pageResponse struct {
	RawText string `json:"raw_text"`
	Answers []struct {
		QuestionNumber int    `json:"question_number"`
		Answer         string `json:"answer"`
	} `json:"answers"`
}

// ExtractPage transcribes one scanned page image. The expected question
// list is a hint only: the model may return answers for any subset of it,
// and the caller reconciles against the schema.
func (c *Client) ExtractPage(ctx context.Context, image []byte, mimeType string, expected []model.Question) (*model.PageExtraction, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty page image")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompts.Extraction(expected),
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Transcribe this test page.",
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("extraction returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("extraction response", "model", c.visionModel, "raw", raw)

	var parsed pageResponse
	if err := decodeResponse(raw, &parsed); err != nil {
		return nil, err
	}

	result := &model.PageExtraction{RawText: parsed.RawText}
	for _, a := range parsed.Answers {
		result.Answers = append(result.Answers, model.ExtractedAnswer{
			QuestionNumber: a.QuestionNumber,
			Answer:         a.Answer,
		})
	}
	return result, nil
}
