package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenRouterGenerator calls an OpenAI-compatible /v1/chat/completions
// endpoint. Works with OpenRouter and any compatible gateway (vLLM,
// LiteLLM, self-hosted models).
type OpenRouterGenerator struct {
	baseURL      string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
}

// NewOpenRouterGenerator builds the generator. baseURL should include the
// /v1 prefix, e.g. "https://openrouter.ai/api/v1". apiKey can be empty for
// local gateways that do not require authentication.
func NewOpenRouterGenerator(baseURL, apiKey, defaultModel string) *OpenRouterGenerator {
	return &OpenRouterGenerator{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:       strings.TrimSpace(apiKey),
		defaultModel: strings.TrimSpace(defaultModel),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// GenerateChat implements TextGenerator with a non-streaming call.
func (g *OpenRouterGenerator) GenerateChat(ctx context.Context, model string, messages []ChatMessage) (string, error) {
	resp, err := g.send(ctx, model, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openrouter decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openrouter")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openrouter")
	}
	return text, nil
}

// StreamChat implements StreamingGenerator. It reads the text/event-stream
// response line by line, invoking onDelta per fragment. Termination follows
// finish_reason as well as the [DONE] sentinel, since some gateways never
// send the latter.
func (g *OpenRouterGenerator) StreamChat(ctx context.Context, model string, messages []ChatMessage, onDelta func(string)) (string, error) {
	resp, err := g.send(ctx, model, messages, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var full strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()
		default:
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			full.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("openrouter stream: %w", err)
	}
	text := strings.TrimSpace(full.String())
	if text == "" {
		return "", fmt.Errorf("empty response from openrouter")
	}
	return text, nil
}

// Ping checks the gateway is reachable and the key is accepted.
func (g *OpenRouterGenerator) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openrouter ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("openrouter ping: status %s", resp.Status)
	}
	return nil
}

func (g *OpenRouterGenerator) send(ctx context.Context, model string, messages []ChatMessage, stream bool) (*http.Response, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = g.defaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("generation model required")
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("at least one message required")
	}
	body, err := json.Marshal(oaiChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openrouter request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("openrouter api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("openrouter api error: %s", resp.Status)
	}
	return resp, nil
}

// OpenAI-compatible request/response types.

type oaiChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
