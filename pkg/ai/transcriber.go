package ai

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"schemesathi/pkg/domain"
)

// Transcriber converts recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (domain.Transcript, error)
}

// SpeechClient calls a hosted speech-to-text provider that accepts an audio
// upload and returns transcript, confidence, and detected language.
type SpeechClient struct {
	client   *resty.Client
	language string
}

// NewSpeechClient builds the client. language is an optional hint passed to
// the provider ("" lets the provider auto-detect).
func NewSpeechClient(baseURL, apiKey, language string) *SpeechClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")).
		SetTimeout(60 * time.Second)
	if strings.TrimSpace(apiKey) != "" {
		client.SetHeader("Authorization", "Bearer "+strings.TrimSpace(apiKey))
	}
	return &SpeechClient{client: client, language: strings.TrimSpace(language)}
}

type speechResponse struct {
	Transcript   string  `json:"transcript"`
	Confidence   float64 `json:"confidence"`
	LanguageCode string  `json:"language_code"`
	Error        string  `json:"error,omitempty"`
}

// Transcribe uploads the audio and returns the provider's transcript.
func (c *SpeechClient) Transcribe(ctx context.Context, audio []byte, mimeType string) (domain.Transcript, error) {
	if len(audio) == 0 {
		return domain.Transcript{}, fmt.Errorf("empty audio")
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "audio/webm"
	}
	var result speechResponse
	req := c.client.R().
		SetContext(ctx).
		SetFileReader("file", "recording", bytes.NewReader(audio)).
		SetMultipartFormData(map[string]string{"mime_type": mimeType}).
		SetResult(&result)
	if c.language != "" {
		req.SetMultipartFormData(map[string]string{"language_code": c.language})
	}
	resp, err := req.Post("/v1/transcribe")
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("speech request: %w", err)
	}
	if resp.IsError() {
		if result.Error != "" {
			return domain.Transcript{}, fmt.Errorf("speech api error: %s", result.Error)
		}
		return domain.Transcript{}, fmt.Errorf("speech api error: %s", resp.Status())
	}
	if strings.TrimSpace(result.Transcript) == "" {
		return domain.Transcript{}, fmt.Errorf("speech api returned empty transcript")
	}
	return domain.Transcript{
		Text:       strings.TrimSpace(result.Transcript),
		Confidence: result.Confidence,
		Language:   result.LanguageCode,
	}, nil
}
