package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaService answers through a local Ollama server's /api/chat endpoint.
type OllamaService struct {
	baseURL string
	model   string
	client  *http.Client
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaChatResponse is a whole reply, or one line of a streamed reply.
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// NewOllamaService creates a service for model on the Ollama server at baseURL.
func NewOllamaService(baseURL, model string) (*OllamaService, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  newHTTPClient(),
	}, nil
}

func (s *OllamaService) request(messages []Message, opts CompletionOptions, stream bool) ollamaChatRequest {
	converted := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		converted[i] = ollamaMessage{Role: m.Role, Content: m.Content}
	}
	return ollamaChatRequest{
		Model:    s.model,
		Messages: converted,
		Stream:   stream,
		Options: &ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}
}

// Complete generates a completion for the given messages.
func (s *OllamaService) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	log.Debug("Requesting completion from Ollama", "model", s.model)

	resp, err := postJSON(ctx, s.client, ProviderOllama, s.baseURL+"/api/chat", nil, s.request(messages, opts, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("ollama: %s", result.Error)
	}
	return result.Message.Content, nil
}

// Stream reads Ollama's newline-delimited JSON reply.
func (s *OllamaService) Stream(ctx context.Context, messages []Message, opts CompletionOptions, onDelta DeltaFunc) (string, error) {
	log.Debug("Streaming completion from Ollama", "model", s.model)

	resp, err := postJSON(ctx, s.client, ProviderOllama, s.baseURL+"/api/chat", nil, s.request(messages, opts, true))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var answer strings.Builder
	err = scanLines(resp.Body, func(line []byte) (bool, error) {
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return true, fmt.Errorf("failed to decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return true, fmt.Errorf("ollama: %s", chunk.Error)
		}
		emit(&answer, onDelta, chunk.Message.Content)
		return chunk.Done, nil
	})
	return streamResult(ctx, &answer, err)
}

// Provider returns the provider name.
func (s *OllamaService) Provider() Provider {
	return ProviderOllama
}

// ModelName returns the model name.
func (s *OllamaService) ModelName() string {
	return s.model
}
