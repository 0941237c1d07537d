package types //nolint:revive // package name is intentional

import "fmt"

// ImageRequest represents an OpenAI-compatible image generation request.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	User           string `json:"user,omitempty"`
}

// Validate checks the image generation request.
func (r *ImageRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// ImageResponse represents an OpenAI-compatible image generation response.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ImageData holds one generated image.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// SpeechRequest represents an OpenAI-compatible text-to-speech request.
type SpeechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
}

// Validate checks the speech request.
func (r *SpeechRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Input == "" {
		return fmt.Errorf("input is required")
	}
	return nil
}

// SpeechResponse carries raw synthesized audio.
type SpeechResponse struct {
	Audio       []byte `json:"-"`
	ContentType string `json:"-"`
}

// TranscriptionRequest represents an OpenAI-compatible transcription request.
type TranscriptionRequest struct {
	Model          string  `json:"model"`
	FileName       string  `json:"-"`
	File           []byte  `json:"-"`
	Language       string  `json:"language,omitempty"`
	Prompt         string  `json:"prompt,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

// Validate checks the transcription request.
func (r *TranscriptionRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.File) == 0 {
		return fmt.Errorf("file is required")
	}
	return nil
}

// TranscriptionResponse represents a transcription result.
type TranscriptionResponse struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}
