package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
)

func TestParseDataURL(t *testing.T) {
	payload := []byte("fake-image-bytes")
	encoded := base64.StdEncoding.EncodeToString(payload)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "png", raw: "data:image/png;base64," + encoded, want: MediaTypePNG},
		{name: "jpeg", raw: "data:image/jpeg;base64," + encoded, want: MediaTypeJPEG},
		{name: "jpg alias", raw: "data:image/jpg;base64," + encoded, want: MediaTypeJPEG},
		{name: "webp", raw: "data:image/webp;base64," + encoded, want: MediaTypeWEBP},
		{name: "gif falls back", raw: "data:image/gif;base64," + encoded, want: MediaTypeJPEG},
		{name: "bare base64", raw: encoded, want: MediaTypeJPEG},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := ParseDataURL(tt.raw)
			if err != nil {
				t.Fatalf("ParseDataURL: %v", err)
			}
			if img.MediaType != tt.want {
				t.Fatalf("media type = %q, want %q", img.MediaType, tt.want)
			}
			if string(img.Data) != string(payload) {
				t.Fatalf("payload = %q", img.Data)
			}
		})
	}
}

func TestParseDataURLRejectsGarbage(t *testing.T) {
	if _, err := ParseDataURL("data:image/png;base64,@@@"); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := ParseDataURL(""); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestNormalizeMediaType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	if got := NormalizeMediaType("image/webp", png); got != MediaTypeWEBP {
		t.Fatalf("declared type should win, got %q", got)
	}
	if got := NormalizeMediaType("", png); got != MediaTypePNG {
		t.Fatalf("sniffed type = %q", got)
	}
	if got := NormalizeMediaType("application/octet-stream", []byte("plain")); got != MediaTypeJPEG {
		t.Fatalf("fallback = %q", got)
	}
}

func TestDecodeCandidates(t *testing.T) {
	got, err := decodeCandidates(`[{"name":" Ann ","phone":"555-1234","company":"Acme","notes":"plumber"},{"phone":"555-9999"}]`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Name != "Ann" || got[0].Company != "Acme" || got[0].Notes != "plumber" {
		t.Fatalf("unexpected first candidate: %+v", got[0])
	}
	if got[1].Name != "" || got[1].Phone != "555-9999" {
		t.Fatalf("unexpected second candidate: %+v", got[1])
	}
}

func TestDecodeCandidatesVariants(t *testing.T) {
	fenced := "```json\n[{\"phone\":\"1\"}]\n```"
	got, err := decodeCandidates(fenced)
	if err != nil || len(got) != 1 {
		t.Fatalf("fenced: got %v err %v", got, err)
	}
	got, err = decodeCandidates(`{"contacts":[{"phone":"2"}]}`)
	if err != nil || len(got) != 1 || got[0].Phone != "2" {
		t.Fatalf("wrapped: got %v err %v", got, err)
	}
	got, err = decodeCandidates(`[]`)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty: got %v err %v", got, err)
	}
}

func TestDecodeCandidatesSchemaViolations(t *testing.T) {
	for _, body := range []string{
		`[{"name":"No Phone"}]`,
		`[{"phone":"  "}]`,
		`not json`,
		`{"other":[]}`,
		`{"contacts":null}`,
		`null`,
		"```json\nnull\n```",
		``,
	} {
		if _, err := decodeCandidates(body); err == nil {
			t.Fatalf("expected error for %q", body)
		}
	}
}

func testImage() Image {
	return Image{MediaType: MediaTypePNG, Data: []byte("img")}
}

func TestGeminiExtractor(t *testing.T) {
	var gotPath string
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": `[{"name":"Bob","phone":"123"}]`}}},
			}},
		})
	}))
	defer srv.Close()

	client, err := NewGeminiClient("test-key")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ext := NewGeminiExtractor(client.WithBaseURL(srv.URL), "")
	got, err := ext.ExtractContacts(context.Background(), testImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Bob" || got[0].Phone != "123" {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if gotPath != "/models/gemini-2.5-flash:generateContent" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if len(gotReq.Contents) != 1 || len(gotReq.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected request: %+v", gotReq)
	}
	inline := gotReq.Contents[0].Parts[0].InlineData
	if inline == nil || inline.MimeType != MediaTypePNG || inline.Data != base64.StdEncoding.EncodeToString([]byte("img")) {
		t.Fatalf("unexpected inline data: %+v", inline)
	}
	if gotReq.GenerationConfig == nil || gotReq.GenerationConfig.ResponseMimeType != "application/json" {
		t.Fatalf("structured output not requested")
	}
}

func TestGeminiExtractorAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"API key not valid"}}`)
	}))
	defer srv.Close()

	client, _ := NewGeminiClient("bad")
	_, err := NewGeminiExtractor(client.WithBaseURL(srv.URL), "gemini-2.5-flash").ExtractContacts(context.Background(), testImage())
	if err == nil || !strings.Contains(err.Error(), "API key not valid") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	if _, err := NewGeminiClient("  "); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenAICompatExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"image_url":{"url":"data:image/png;base64,`) {
			t.Errorf("image part missing: %s", body)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"[{\"phone\":\"777\",\"notes\":\"client\"}]"}}]}`)
	}))
	defer srv.Close()

	got, err := NewOpenAICompatExtractor(srv.URL+"/v1/", "sk-test", "gpt-4o-mini").ExtractContacts(context.Background(), testImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 1 || got[0].Phone != "777" || got[0].Notes != "client" {
		t.Fatalf("unexpected candidates: %+v", got)
	}
}

func TestOllamaExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 || len(req.Messages[0].Images) != 1 {
			t.Errorf("image not attached: %+v", req)
		}
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"[]"}}`)
	}))
	defer srv.Close()

	got, err := NewOllamaExtractor(srv.URL, "llava").ExtractContacts(context.Background(), testImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
}

func TestClaudeExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5-20251001",
			"content":[{"type":"text","text":"[{\"name\":\"Cara\",\"phone\":\"444\"}]"}],
			"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}
		}`)
	}))
	defer srv.Close()

	ext, err := NewClaudeExtractor("test-key", "", option.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	got, err := ext.ExtractContacts(context.Background(), testImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Cara" {
		t.Fatalf("unexpected candidates: %+v", got)
	}
}
