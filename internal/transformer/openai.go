package transformer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"resume-server/internal/models"

	"github.com/pkoukk/tiktoken-go"
	openaigo "github.com/sashabaranov/go-openai"
)

type openAIBackend struct {
	client      *openaigo.Client
	model       string
	temperature float32
}

func newOpenAIBackend(cfg Config) (*openAIBackend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai backend: model is required")
	}
	openaiConfig := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}
	openaiConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &openAIBackend{
		client:      openaigo.NewClientWithConfig(openaiConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

func (b *openAIBackend) Name() string { return BackendOpenAI }

func (b *openAIBackend) Complete(ctx context.Context, systemPrompt, userInput string) (*completion, error) {
	req := openaigo.ChatCompletionRequest{
		Model: b.model,
		Messages: []openaigo.ChatCompletionMessage{
			{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openaigo.ChatMessageRoleUser, Content: userInput},
		},
		Temperature: b.temperature,
		ResponseFormat: &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if isQuotaError(err) {
			return nil, fmt.Errorf("%w: %v", models.ErrQuotaExceeded, err)
		}
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	c := &completion{
		Text:             resp.Choices[0].Message.Content,
		Model:            b.model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if resp.Model != "" {
		c.Model = resp.Model
	}
	if resp.Usage.PromptTokensDetails != nil {
		c.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	if c.PromptTokens == 0 && c.CompletionTokens == 0 {
		c.PromptTokens, c.CompletionTokens = estimateTokens(b.model, systemPrompt+userInput, c.Text)
	}
	return c, nil
}

// isQuotaError распознает ответы провайдера об исчерпанной квоте или лимите.
func isQuotaError(err error) bool {
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			return true
		}
		return apiErr.Type == "insufficient_quota"
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}

// estimateTokens считает токены через tiktoken, когда провайдер не вернул usage.
func estimateTokens(model, prompt, output string) (int, int) {
	name := model
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	tke, err := tiktoken.EncodingForModel(name)
	if err != nil {
		tke, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			return 0, 0
		}
	}
	return len(tke.Encode(prompt, nil, nil)), len(tke.Encode(output, nil, nil))
}
