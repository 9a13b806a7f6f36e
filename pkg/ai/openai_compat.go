package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fotocall/pkg/domain"
)

// OpenAICompatExtractor calls any OpenAI-compatible /v1/chat/completions endpoint that
// accepts image_url content parts (OpenAI, vLLM, LiteLLM, OpenRouter, ...).
type OpenAICompatExtractor struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatExtractor builds an OpenAI-compatible ContactExtractor.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatExtractor(baseURL, apiKey, model string) *OpenAICompatExtractor {
	return &OpenAICompatExtractor{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// ExtractContacts implements ContactExtractor using a single vision chat completion.
func (e *OpenAICompatExtractor) ExtractContacts(ctx context.Context, img Image) ([]domain.Candidate, error) {
	if e.model == "" {
		return nil, fmt.Errorf("openai-compat extraction model required")
	}
	reqBody := oaiChatRequest{
		Model: e.model,
		Messages: []oaiMessage{
			{Role: "system", Content: "You extract contact details from images. Output only a valid JSON array."},
			{Role: "user", Content: []oaiContentPart{
				{Type: "text", Text: ExtractionPrompt},
				{Type: "image_url", ImageURL: &oaiImageURL{URL: img.DataURL()}},
			}},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("openai-compat api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("openai-compat api error: %s", resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from openai-compat api")
	}
	return decodeCandidates(chatResp.Choices[0].Message.Content)
}

// OpenAI-compatible request/response types.

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
