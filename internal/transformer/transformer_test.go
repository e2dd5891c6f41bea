package transformer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedBackend struct {
	calls   atomic.Int32
	replies []func(ctx context.Context) (*completion, error)
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Complete(ctx context.Context, _, _ string) (*completion, error) {
	n := int(b.calls.Add(1)) - 1
	if n >= len(b.replies) {
		n = len(b.replies) - 1
	}
	return b.replies[n](ctx)
}

func reply(text string) func(context.Context) (*completion, error) {
	return func(context.Context) (*completion, error) {
		return &completion{Text: text, Model: "test-model", PromptTokens: 10, CompletionTokens: 5}, nil
	}
}

func fail(err error) func(context.Context) (*completion, error) {
	return func(context.Context) (*completion, error) { return nil, err }
}

func newTestService(t *testing.T, backend completer, attempts int) *Service {
	t.Helper()
	s, err := newService(backend, Config{MaxAttempts: attempts, RetryDelay: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func classifyRequest() interfaces.TransformRequest {
	return interfaces.TransformRequest{
		Phase:   models.PhaseClassify,
		UserID:  "user-1",
		TaskID:  uuid.New(),
		OfferID: uuid.New(),
		Input: models.ClassifyInput{
			SourceDocument: json.RawMessage(`{"name":"Ann"}`),
			Posting:        models.Posting{Ref: "p1", Title: "Go developer"},
			Mode:           models.ModeAdapt,
		},
	}
}

const classifyJSON = `{"role":"Backend developer","seniority":"senior","keywords":["go","postgres"]}`

func TestTransformRetriesTransientErrors(t *testing.T) {
	backend := &scriptedBackend{replies: []func(context.Context) (*completion, error){
		fail(errors.New("connection reset")),
		fail(errors.New("bad gateway")),
		reply(classifyJSON),
	}}
	s := newTestService(t, backend, 3)

	res, err := s.Transform(context.Background(), classifyRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(3), backend.calls.Load())
	assert.Equal(t, "test-model", res.Model)
	out, ok := res.Output.(models.ClassifyOutput)
	require.True(t, ok)
	assert.Equal(t, "Backend developer", out.Role)
	assert.Equal(t, []string{"go", "postgres"}, out.Keywords)
}

func TestTransformGivesUpAfterMaxAttempts(t *testing.T) {
	backend := &scriptedBackend{replies: []func(context.Context) (*completion, error){
		fail(errors.New("upstream down")),
	}}
	s := newTestService(t, backend, 2)

	_, err := s.Transform(context.Background(), classifyRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransformFailed)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestTransformDoesNotRetryQuota(t *testing.T) {
	backend := &scriptedBackend{replies: []func(context.Context) (*completion, error){
		fail(fmt.Errorf("%w: 429", models.ErrQuotaExceeded)),
	}}
	s := newTestService(t, backend, 5)

	_, err := s.Transform(context.Background(), classifyRequest())
	assert.ErrorIs(t, err, models.ErrQuotaExceeded)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestTransformAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &scriptedBackend{replies: []func(context.Context) (*completion, error){
		func(c context.Context) (*completion, error) {
			cancel()
			<-c.Done()
			return nil, c.Err()
		},
	}}
	s := newTestService(t, backend, 3)

	_, err := s.Transform(ctx, classifyRequest())
	assert.ErrorIs(t, err, models.ErrAborted)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestTransformRejectsMismatchedInput(t *testing.T) {
	backend := &scriptedBackend{replies: []func(context.Context) (*completion, error){reply(classifyJSON)}}
	s := newTestService(t, backend, 1)

	req := classifyRequest()
	req.Phase = models.PhaseRecompose
	_, err := s.Transform(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestParseOutput(t *testing.T) {
	t.Run("section with code fence", func(t *testing.T) {
		out, err := parseOutput(models.PhaseBatchSkills, "```json\n{\"content\":[\"go\",\"sql\"]}\n```")
		require.NoError(t, err)
		sec, ok := out.(models.SectionOutput)
		require.True(t, ok)
		assert.Equal(t, models.PhaseBatchSkills, sec.Section)
		assert.JSONEq(t, `["go","sql"]`, string(sec.Content))
	})
	t.Run("recompose", func(t *testing.T) {
		out, err := parseOutput(models.PhaseRecompose, `{"document":{"name":"Ann"}}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"Ann"}`, string(out.(models.RecomposeOutput).Document))
	})
	t.Run("invalid json", func(t *testing.T) {
		_, err := parseOutput(models.PhaseClassify, "not json")
		assert.Error(t, err)
	})
	t.Run("missing content", func(t *testing.T) {
		_, err := parseOutput(models.PhaseBatchSummary, `{"other":1}`)
		assert.Error(t, err)
	})
	t.Run("classify without role", func(t *testing.T) {
		_, err := parseOutput(models.PhaseClassify, `{"keywords":[]}`)
		assert.Error(t, err)
	})
}

func TestOpenAIBackend(t *testing.T) {
	var lastBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &lastBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"role\":\"Go developer\",\"keywords\":[\"go\"]}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150, "prompt_tokens_details": {"cached_tokens": 40}}
		}`))
	}))
	defer srv.Close()

	s, err := New(Config{Backend: BackendOpenAI, BaseURL: srv.URL, APIKey: "test", Model: "gpt-4o-mini", Timeout: 5 * time.Second, MaxAttempts: 1}, zap.NewNop())
	require.NoError(t, err)

	res, err := s.Transform(context.Background(), classifyRequest())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", res.Model)
	assert.Equal(t, 120, res.PromptTokens)
	assert.Equal(t, 40, res.CachedTokens)
	assert.Equal(t, 30, res.CompletionTokens)
	assert.Equal(t, "Go developer", res.Output.(models.ClassifyOutput).Role)

	require.NotNil(t, lastBody)
	assert.Equal(t, "gpt-4o-mini", lastBody["model"])
	format, _ := lastBody["response_format"].(map[string]any)
	assert.Equal(t, "json_object", format["type"])
}

func TestOpenAIBackendQuota(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "You exceeded your current quota", "type": "insufficient_quota", "code": "insufficient_quota"}}`))
	}))
	defer srv.Close()

	s, err := New(Config{Backend: BackendOpenAI, BaseURL: srv.URL, APIKey: "test", Model: "gpt-4o-mini", Timeout: 5 * time.Second, MaxAttempts: 3, RetryDelay: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Transform(context.Background(), classifyRequest())
	assert.ErrorIs(t, err, models.ErrQuotaExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCommandBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	script := `cat > /dev/null; printf '%s' '{"output":{"content":"rewritten"},"model":"local","usage":{"prompt_tokens":7,"completion_tokens":3}}'`
	s, err := New(Config{Backend: BackendCommand, Command: "sh", CommandArgs: []string{"-c", script}, MaxAttempts: 1}, zap.NewNop())
	require.NoError(t, err)

	req := classifyRequest()
	req.Phase = models.PhaseBatchSummary
	req.Input = models.SectionInput{Section: models.PhaseBatchSummary, Mode: models.ModeAdapt}

	res, err := s.Transform(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "local", res.Model)
	assert.Equal(t, 7, res.PromptTokens)
	assert.JSONEq(t, `"rewritten"`, string(res.Output.(models.SectionOutput).Content))
}

func TestCommandBackendTerminatedOnCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	s, err := New(Config{Backend: BackendCommand, Command: "sh", CommandArgs: []string{"-c", "sleep 30"}, MaxAttempts: 1}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err = s.Transform(ctx, classifyRequest())
	assert.ErrorIs(t, err, models.ErrAborted)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "carrier-pigeon"}, zap.NewNop())
	assert.Error(t, err)
}
