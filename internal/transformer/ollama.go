package transformer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"resume-server/internal/models"

	"github.com/ollama/ollama/api"
)

type ollamaBackend struct {
	client      *api.Client
	model       string
	temperature float32
}

func newOllamaBackend(cfg Config) (*ollamaBackend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama backend: model is required")
	}
	// api.NewClient ожидает URL без суффикса /v1
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/v1")
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ollama base URL '%s': %w", baseURL, err)
	}

	return &ollamaBackend{
		client:      api.NewClient(parsedURL, &http.Client{Timeout: cfg.Timeout}),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

func (b *ollamaBackend) Name() string { return BackendOllama }

func (b *ollamaBackend) Complete(ctx context.Context, systemPrompt, userInput string) (*completion, error) {
	stream := false
	req := &api.ChatRequest{
		Model: b.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userInput},
		},
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]interface{}{
			"temperature": b.temperature,
		},
	}

	var resp api.ChatResponse
	err := b.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %v", models.ErrQuotaExceeded, err)
		}
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.Message.Content == "" {
		return nil, fmt.Errorf("ollama returned empty response")
	}

	return &completion{
		Text:             resp.Message.Content,
		Model:            b.model,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}, nil
}
