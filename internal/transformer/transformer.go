package transformer

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"go.uber.org/zap"
)

//go:embed prompts/*.md
var promptFS embed.FS

const (
	BackendOpenAI  = "openai"
	BackendOllama  = "ollama"
	BackendCommand = "command"
)

// Config - настройки AI-бэкенда.
type Config struct {
	Backend     string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration

	// Для BackendCommand: исполняемый файл и аргументы.
	Command     string
	CommandArgs []string
}

// completion - сырой ответ модели.
type completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CachedTokens     int
	CompletionTokens int
}

// completer - минимальный контракт бэкенда: системный промпт + JSON-вход -> JSON-текст.
type completer interface {
	Complete(ctx context.Context, systemPrompt, userInput string) (*completion, error)
	Name() string
}

// Service реализует interfaces.ContentTransformer поверх одного completer.
type Service struct {
	backend     completer
	prompts     map[models.PhaseType]string
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
}

var _ interfaces.ContentTransformer = (*Service)(nil)

// New создает трансформер для бэкенда из конфига.
func New(cfg Config, logger *zap.Logger) (*Service, error) {
	var (
		backend completer
		err     error
	)
	switch strings.ToLower(cfg.Backend) {
	case BackendOpenAI, "":
		backend, err = newOpenAIBackend(cfg)
	case BackendOllama:
		backend, err = newOllamaBackend(cfg)
	case BackendCommand:
		backend, err = newCommandBackend(cfg)
	default:
		return nil, fmt.Errorf("unsupported transformer backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return newService(backend, cfg, logger)
}

func newService(backend completer, cfg Config, logger *zap.Logger) (*Service, error) {
	prompts, err := loadPrompts()
	if err != nil {
		return nil, err
	}
	s := &Service{
		backend:     backend,
		prompts:     prompts,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger.Named("Transformer"),
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 1
	}
	if s.retryDelay <= 0 {
		s.retryDelay = time.Second
	}
	return s, nil
}

func loadPrompts() (map[models.PhaseType]string, error) {
	read := func(name string) (string, error) {
		b, err := promptFS.ReadFile("prompts/" + name)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
		return string(b), nil
	}
	classify, err := read("classify.md")
	if err != nil {
		return nil, err
	}
	section, err := read("section.md")
	if err != nil {
		return nil, err
	}
	recompose, err := read("recompose.md")
	if err != nil {
		return nil, err
	}

	prompts := map[models.PhaseType]string{
		models.PhaseClassify:  classify,
		models.PhaseRecompose: recompose,
	}
	for _, p := range models.AllPhases() {
		if p.IsSection() {
			prompts[p] = section
		}
	}
	return prompts, nil
}

// Transform выполняет фазу с повторами. Квота и отмена не повторяются.
func (s *Service) Transform(ctx context.Context, req interfaces.TransformRequest) (*interfaces.TransformResult, error) {
	log := s.logger.With(
		zap.String("phase", string(req.Phase)),
		zap.String("taskID", req.TaskID.String()),
		zap.String("offerID", req.OfferID.String()),
	)

	systemPrompt, ok := s.prompts[req.Phase]
	if !ok || req.Input == nil || req.Input.Phase() != req.Phase {
		return nil, fmt.Errorf("%w: phase %q has no matching input", models.ErrInvalidInput, req.Phase)
	}
	userInput, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s input: %w", req.Phase, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrAborted, ctx.Err())
		}

		start := time.Now()
		result, err := s.attempt(ctx, req, systemPrompt, string(userInput))
		status := "success"
		if err != nil {
			status = "error"
		}
		requestsTotal.WithLabelValues(s.backend.Name(), string(req.Phase), status).Inc()
		requestDuration.WithLabelValues(s.backend.Name(), string(req.Phase)).Observe(time.Since(start).Seconds())

		if err == nil {
			log.Debug("Transform completed",
				zap.Int("attempt", attempt),
				zap.String("model", result.Model),
				zap.Int("promptTokens", result.PromptTokens),
				zap.Int("completionTokens", result.CompletionTokens),
			)
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrAborted, ctx.Err())
		}
		if !retryable(err) {
			return nil, err
		}
		log.Warn("Transform attempt failed", zap.Int("attempt", attempt), zap.Int("maxAttempts", s.maxAttempts), zap.Error(err))
		if attempt == s.maxAttempts {
			break
		}

		delay := float64(s.retryDelay) * float64(int64(1)<<(attempt-1))
		jitter := delay * 0.1
		delay += jitter * (rand.Float64()*2 - 1)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", models.ErrAborted, ctx.Err())
		case <-time.After(time.Duration(delay)):
		}
	}
	return nil, fmt.Errorf("%w: %v", models.ErrTransformFailed, lastErr)
}

func (s *Service) attempt(ctx context.Context, req interfaces.TransformRequest, systemPrompt, userInput string) (*interfaces.TransformResult, error) {
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	c, err := s.backend.Complete(callCtx, systemPrompt, userInput)
	if err != nil {
		return nil, err
	}
	output, err := parseOutput(req.Phase, c.Text)
	if err != nil {
		return nil, err
	}
	tokensTotal.WithLabelValues(c.Model, "prompt").Add(float64(c.PromptTokens))
	tokensTotal.WithLabelValues(c.Model, "completion").Add(float64(c.CompletionTokens))

	return &interfaces.TransformResult{
		Output:           output,
		Model:            c.Model,
		PromptTokens:     c.PromptTokens,
		CachedTokens:     c.CachedTokens,
		CompletionTokens: c.CompletionTokens,
	}, nil
}

func retryable(err error) bool {
	return !errors.Is(err, models.ErrQuotaExceeded) &&
		!errors.Is(err, models.ErrAborted) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, models.ErrInvalidInput)
}

// parseOutput разбирает JSON-ответ модели в результат фазы.
func parseOutput(phase models.PhaseType, text string) (models.PhaseOutput, error) {
	raw := []byte(stripCodeFence(text))
	if !json.Valid(raw) {
		return nil, fmt.Errorf("model returned invalid JSON for %s", phase)
	}

	switch {
	case phase == models.PhaseClassify:
		var out models.ClassifyOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to parse classify output: %w", err)
		}
		if strings.TrimSpace(out.Role) == "" {
			return nil, fmt.Errorf("classify output has no role")
		}
		return out, nil
	case phase.IsSection():
		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("failed to parse %s output: %w", phase, err)
		}
		if len(body.Content) == 0 || string(body.Content) == "null" {
			return nil, fmt.Errorf("%s output has no content", phase)
		}
		return models.SectionOutput{Section: phase, Content: body.Content}, nil
	case phase == models.PhaseRecompose:
		var body struct {
			Document json.RawMessage `json:"document"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("failed to parse recompose output: %w", err)
		}
		if len(body.Document) == 0 || string(body.Document) == "null" {
			return nil, fmt.Errorf("recompose output has no document")
		}
		return models.RecomposeOutput{Document: body.Document}, nil
	}
	return nil, fmt.Errorf("%w: unknown phase %q", models.ErrInvalidInput, phase)
}

// stripCodeFence убирает обертку ```json ... ```, которую модели иногда добавляют.
func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
