package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"fotocall/pkg/domain"
)

const defaultClaudeModel = "claude-haiku-4-5-20251001"

// ClaudeExtractor extracts contacts through the Anthropic Messages API.
type ClaudeExtractor struct {
	client *anthropic.Client
	model  string
}

// NewClaudeExtractor builds a Claude-based ContactExtractor. Extra request options
// (base URL, HTTP client) are passed through to the SDK.
func NewClaudeExtractor(apiKey, model string, opts ...option.RequestOption) (*ClaudeExtractor, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("claude api key required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultClaudeModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	client := anthropic.NewClient(opts...)
	return &ClaudeExtractor{client: &client, model: model}, nil
}

// ExtractContacts implements ContactExtractor.
func (c *ClaudeExtractor) ExtractContacts(ctx context.Context, img Image) ([]domain.Candidate, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(img.MediaType, img.Base64()),
				anthropic.NewTextBlock(ExtractionPrompt),
			),
		},
		System: []anthropic.TextBlockParam{
			{Text: "You extract contact details from images. Output only a valid JSON array."},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("calling Claude API: %w", err)
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("empty response from Claude")
	}
	return decodeCandidates(text)
}
