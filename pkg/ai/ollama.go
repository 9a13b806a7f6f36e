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

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaExtractor runs extraction against a local vision model served by Ollama.
type OllamaExtractor struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaExtractor constructs an extractor for the given base URL and model.
func NewOllamaExtractor(baseURL, model string) *OllamaExtractor {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaExtractor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// ExtractContacts implements ContactExtractor using Ollama /api/chat with structured output.
func (e *OllamaExtractor) ExtractContacts(ctx context.Context, img Image) ([]domain.Candidate, error) {
	if e.model == "" {
		return nil, fmt.Errorf("ollama extraction model required")
	}
	reqBody := ollamaChatRequest{
		Model: e.model,
		Messages: []ollamaChatMessage{
			{Role: "user", Content: ExtractionPrompt, Images: []string{img.Base64()}},
		},
		Format: ollamaSchema,
		Stream: false,
	}
	var resp ollamaChatResponse
	if err := e.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("ollama extract: %w", err)
	}
	return decodeCandidates(resp.Message.Content)
}

func (e *OllamaExtractor) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return fmt.Errorf("ollama api error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ollamaSchema is the JSON-schema spelling of candidateSchema that Ollama's format field expects.
var ollamaSchema = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":    map[string]any{"type": "string"},
			"phone":   map[string]any{"type": "string"},
			"company": map[string]any{"type": "string"},
			"notes":   map[string]any{"type": "string"},
		},
		"required": []string{"phone"},
	},
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Format   any                 `json:"format,omitempty"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
