package transformer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"resume-server/internal/cancellation"
	"resume-server/internal/models"
)

// commandBackend запускает внешний процесс на каждый вызов.
// stdin: {"system": "...", "input": {...}}
// stdout: {"output": {...}, "model": "...", "usage": {...}}
type commandBackend struct {
	path  string
	args  []string
	model string
}

type commandRequest struct {
	System string          `json:"system"`
	Input  json.RawMessage `json:"input"`
}

type commandResponse struct {
	Output json.RawMessage `json:"output"`
	Model  string          `json:"model,omitempty"`
	Error  string          `json:"error,omitempty"`
	Usage  *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CachedTokens     int `json:"cached_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

func newCommandBackend(cfg Config) (*commandBackend, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command backend: command is required")
	}
	model := cfg.Model
	if model == "" {
		model = BackendCommand
	}
	return &commandBackend{path: cfg.Command, args: cfg.CommandArgs, model: model}, nil
}

func (b *commandBackend) Name() string { return BackendCommand }

func (b *commandBackend) Complete(ctx context.Context, systemPrompt, userInput string) (*completion, error) {
	stdin, err := json.Marshal(commandRequest{System: systemPrompt, Input: json.RawMessage(userInput)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command request: %w", err)
	}

	cmd := exec.Command(b.path, b.args...)
	cancellation.PrepareCommand(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", b.path, err)
	}
	proc := cancellation.NewCommand(cmd)
	detach := cancellation.AttachProcess(ctx, proc)
	stop := context.AfterFunc(ctx, proc.Terminate)
	waitErr := cmd.Wait()
	stop()
	detach()

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: %v", models.ErrAborted, ctx.Err())
		}
		return nil, fmt.Errorf("command %s: %w", b.path, ctx.Err())
	}
	if waitErr != nil {
		return nil, fmt.Errorf("command %s failed: %w: %s", b.path, waitErr, strings.TrimSpace(stderr.String()))
	}

	var resp commandResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse command output: %w", err)
	}
	if resp.Error != "" {
		if strings.Contains(strings.ToLower(resp.Error), "quota") {
			return nil, fmt.Errorf("%w: %s", models.ErrQuotaExceeded, resp.Error)
		}
		return nil, fmt.Errorf("command reported error: %s", resp.Error)
	}
	if len(resp.Output) == 0 {
		return nil, fmt.Errorf("command returned no output")
	}

	c := &completion{Text: string(resp.Output), Model: b.model}
	if resp.Model != "" {
		c.Model = resp.Model
	}
	if resp.Usage != nil {
		c.PromptTokens = resp.Usage.PromptTokens
		c.CachedTokens = resp.Usage.CachedTokens
		c.CompletionTokens = resp.Usage.CompletionTokens
	} else {
		c.PromptTokens, c.CompletionTokens = estimateTokens(c.Model, systemPrompt+userInput, c.Text)
	}
	return c, nil
}
