package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	anthropicAPIURL  = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	// anthropicMaxTokens is used when no limit is configured; the API requires one.
	anthropicMaxTokens = 2048
)

// AnthropicService answers through the Anthropic Messages API.
type AnthropicService struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicStreamEvent is the data of one server-sent event.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicService creates a new Anthropic LLM service.
func NewAnthropicService(apiKey, model string) (*AnthropicService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	return &AnthropicService{
		apiKey: apiKey,
		model:  model,
		url:    anthropicAPIURL,
		client: newHTTPClient(),
	}, nil
}

// request moves system messages into the separate system field the API expects.
func (s *AnthropicService) request(messages []Message, opts CompletionOptions, stream bool) anthropicRequest {
	var system []string
	var turns []anthropicMessage
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	return anthropicRequest{
		Model:       s.model,
		Messages:    turns,
		System:      strings.Join(system, "\n\n"),
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
}

func (s *AnthropicService) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", s.apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

// Complete generates a completion for the given messages.
func (s *AnthropicService) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	log.Debug("Requesting completion from Anthropic", "model", s.model)

	resp, err := postJSON(ctx, s.client, ProviderAnthropic, s.url, s.header(), s.request(messages, opts, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	var answer strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			answer.WriteString(c.Text)
		}
	}
	if answer.Len() == 0 {
		return "", fmt.Errorf("no text in response (stop reason %q)", result.StopReason)
	}
	return answer.String(), nil
}

// Stream reads the server-sent events of a streamed reply, keeping text deltas.
func (s *AnthropicService) Stream(ctx context.Context, messages []Message, opts CompletionOptions, onDelta DeltaFunc) (string, error) {
	log.Debug("Streaming completion from Anthropic", "model", s.model)

	resp, err := postJSON(ctx, s.client, ProviderAnthropic, s.url, s.header(), s.request(messages, opts, true))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var answer strings.Builder
	err = scanLines(resp.Body, func(line []byte) (bool, error) {
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			// event names and comments
			return false, nil
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal(bytes.TrimSpace(data), &event); err != nil {
			return true, fmt.Errorf("failed to decode event: %w", err)
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" {
				emit(&answer, onDelta, event.Delta.Text)
			}
		case "error":
			msg := "unknown error"
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			return true, fmt.Errorf("anthropic stream failed: %s", msg)
		case "message_stop":
			return true, nil
		}
		return false, nil
	})
	return streamResult(ctx, &answer, err)
}

// Provider returns the provider name.
func (s *AnthropicService) Provider() Provider {
	return ProviderAnthropic
}

// ModelName returns the model name.
func (s *AnthropicService) ModelName() string {
	return s.model
}
