package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"fotocall/pkg/domain"
)

// ContactExtractor turns one image into zero or more candidate contact records.
// Implementations hold no per-call state and are safe for concurrent use.
type ContactExtractor interface {
	ExtractContacts(ctx context.Context, img Image) ([]domain.Candidate, error)
}

// Image is a single binary image plus its media type tag.
type Image struct {
	MediaType string
	Data      []byte
}

// Base64 returns the payload encoded for transport.
func (img Image) Base64() string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

// DataURL renders the image as a data URL.
func (img Image) DataURL() string {
	return "data:" + img.MediaType + ";base64," + img.Base64()
}

const (
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
	MediaTypeWEBP = "image/webp"
)

// ExtractionPrompt is the fixed instruction sent with every image.
const ExtractionPrompt = `Analyze this image and extract any contact information found.
Focus on Names, Phone Numbers, and Company names if available.
If there is context (like "plumber", "client", hand-written notes), add it to the notes field.
Return a JSON array of objects with the fields name, phone, company and notes; phone is required.
Return an empty array if no clear contacts are found.`

// candidateSchema is the response schema: an array of objects that require phone.
var candidateSchema = map[string]any{
	"type": "ARRAY",
	"items": map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"name":    map[string]any{"type": "STRING", "description": "Name of the person or entity"},
			"phone":   map[string]any{"type": "STRING", "description": "Phone number found"},
			"company": map[string]any{"type": "STRING", "description": "Company name if applicable"},
			"notes":   map[string]any{"type": "STRING", "description": "Any additional context or notes found near the number"},
		},
		"required": []string{"phone"},
	},
}

var dataURLPrefix = regexp.MustCompile(`^data:([^;,]*)(;[^,]*)?,`)

// ParseDataURL strips a data URL prefix, derives the media type from it and decodes the
// base64 payload. Input without a prefix is treated as bare base64 JPEG.
func ParseDataURL(raw string) (Image, error) {
	raw = strings.TrimSpace(raw)
	mediaType := ""
	if m := dataURLPrefix.FindStringSubmatch(raw); m != nil {
		mediaType = m[1]
		raw = raw[len(m[0]):]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Image{}, fmt.Errorf("decode image payload: %w", err)
	}
	if len(data) == 0 {
		return Image{}, errors.New("empty image payload")
	}
	return Image{MediaType: canonicalMediaType(mediaType), Data: data}, nil
}

// NormalizeMediaType resolves the media type for an uploaded file. The declared content
// type wins when it is supported; otherwise the payload is sniffed.
func NormalizeMediaType(contentType string, data []byte) string {
	if mt := supportedMediaType(contentType); mt != "" {
		return mt
	}
	if len(data) > 0 {
		if mt := supportedMediaType(http.DetectContentType(data)); mt != "" {
			return mt
		}
	}
	return MediaTypeJPEG
}

func canonicalMediaType(raw string) string {
	if mt := supportedMediaType(raw); mt != "" {
		return mt
	}
	return MediaTypeJPEG
}

func supportedMediaType(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	switch raw {
	case "image/png":
		return MediaTypePNG
	case "image/jpeg", "image/jpg":
		return MediaTypeJPEG
	case "image/webp":
		return MediaTypeWEBP
	default:
		return ""
	}
}

var codeFence = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// decodeCandidates parses a model reply into candidates. It accepts a bare array or an
// object wrapping the array under "contacts". Every element must carry a phone.
func decodeCandidates(text string) ([]domain.Candidate, error) {
	text = strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	if text == "" {
		return nil, errors.New("empty extraction response")
	}
	var raw []rawCandidate
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		var wrapped struct {
			Contacts *[]rawCandidate `json:"contacts"`
		}
		if err2 := json.Unmarshal([]byte(text), &wrapped); err2 != nil || wrapped.Contacts == nil || *wrapped.Contacts == nil {
			return nil, fmt.Errorf("parse extraction response: %w", err)
		}
		raw = *wrapped.Contacts
	}
	if raw == nil {
		return nil, errors.New("extraction response is not an array")
	}
	out := make([]domain.Candidate, 0, len(raw))
	for i, rc := range raw {
		if rc.Phone == nil || strings.TrimSpace(*rc.Phone) == "" {
			return nil, fmt.Errorf("extraction response item %d: phone is required", i)
		}
		out = append(out, domain.Candidate{
			Name:    trimPtr(rc.Name),
			Phone:   strings.TrimSpace(*rc.Phone),
			Company: trimPtr(rc.Company),
			Notes:   trimPtr(rc.Notes),
		})
	}
	return out, nil
}

type rawCandidate struct {
	Name    *string `json:"name"`
	Phone   *string `json:"phone"`
	Company *string `json:"company"`
	Notes   *string `json:"notes"`
}

func trimPtr(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
