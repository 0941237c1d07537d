package types //nolint:revive // package name is intentional

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// ContentPart represents one element of a multimodal message content array.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

// ImageURLPart carries an image reference for multimodal models.
// The URL must survive request transformation verbatim.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentText extracts the plain-text portion of a message content value.
// String content is returned as-is; for part arrays the text parts are
// concatenated.
func ContentText(content json.RawMessage) (string, error) {
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, nil
	}

	parts, err := ContentParts(content)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for _, p := range parts {
		if p.Type == "text" {
			buf.WriteString(p.Text)
		}
	}
	return buf.String(), nil
}

// ContentParts parses an array-shaped message content value.
// Returns nil for string content.
func ContentParts(content json.RawMessage) ([]ContentPart, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return nil, fmt.Errorf("parse content parts: %w", err)
	}
	return parts, nil
}

// TextContent builds a string-shaped content value.
func TextContent(text string) json.RawMessage {
	data, _ := json.Marshal(text)
	return data
}
