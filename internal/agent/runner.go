package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/pkg/logx"
)

// Runner is the stateless bridge: one subprocess per request, JSON output.
type Runner struct {
	mu  sync.Mutex
	opt Options
	log logx.Logger
}

func NewRunner(opt Options, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(opt.Binary) == "" {
		opt.Binary = "claude"
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	return &Runner{opt: opt, log: log}
}

func (r *Runner) Living() bool { return false }

// options returns a snapshot so a concurrent /project or /model switch can't
// tear an in-flight invocation.
func (r *Runner) options() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opt
}

func (r *Runner) ProjectDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opt.ProjectDir
}

func (r *Runner) SetProjectDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opt.ProjectDir = dir
}

func (r *Runner) Model() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opt.Model
}

func (r *Runner) SetModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opt.Model = model
}

func (r *Runner) AskAs(ctx context.Context, platform, userID, message string) Response {
	_ = platform
	_ = userID
	return r.Ask(ctx, message, "")
}

// Ask runs the agent binary and parses its JSON output. Timeouts and launch
// failures come back as failure-shaped responses, never as errors.
func (r *Runner) Ask(ctx context.Context, prompt, resume string) Response {
	opt := r.options()
	args := buildArgs(opt, prompt, resume)

	cctx, cancel := context.WithTimeout(ctx, opt.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, opt.Binary, args...)
	cmd.Dir = opt.ProjectDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	if cctx.Err() == context.DeadlineExceeded {
		r.log.Error("agent timed out", logx.Duration("timeout", opt.Timeout))
		return Response{
			Text:     fmt.Sprintf("Timeout after %s", opt.Timeout),
			ExitCode: -1,
			IsError:  true,
		}
	}
	if err != nil && errors.Is(err, exec.ErrNotFound) {
		r.log.Error("agent binary not found", logx.String("binary", opt.Binary))
		return Response{
			Text:     opt.Binary + " CLI not found, is it installed and on PATH?",
			ExitCode: -1,
			IsError:  true,
		}
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	resp := parseResponse(stdout.Bytes(), exitCode)
	if exitCode != 0 && resp.Text == "" {
		resp.Text = strings.TrimSpace(stderr.String())
		if resp.Text == "" {
			resp.Text = "unknown error"
		}
		resp.IsError = true
	}

	r.log.Info("agent response",
		logx.Int("chars", len(resp.Text)),
		logx.Float64("cost_usd", resp.CostUSD),
		logx.Int("turns", resp.NumTurns),
		logx.Duration("took", time.Since(start)),
		logx.Bool("is_error", resp.IsError))
	return resp
}

func (r *Runner) buildArgs(prompt, resume string) []string {
	return buildArgs(r.options(), prompt, resume)
}

func buildArgs(opt Options, prompt, resume string) []string {
	args := []string{"-p", prompt, "--output-format", "json"}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	if opt.Model != "" {
		args = append(args, "--model", opt.Model)
	}
	if len(opt.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opt.AllowedTools, ","))
	}
	if opt.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(opt.MaxBudgetUSD, 'f', -1, 64))
	}
	return args
}

// wireResponse mirrors the agent CLI's JSON output shape.
type wireResponse struct {
	Result        string  `json:"result"`
	CostUSD       float64 `json:"cost_usd"`
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
	NumTurns      int     `json:"num_turns"`
	SessionID     string  `json:"session_id"`
	IsError       *bool   `json:"is_error"`
}

// parseResponse decodes the agent's JSON output, falling back to raw text
// when the output is not JSON (the agent prints plain text on some errors).
func parseResponse(stdout []byte, exitCode int) Response {
	var w wireResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &w); err != nil {
		return Response{
			Text:     strings.TrimSpace(string(stdout)),
			ExitCode: exitCode,
			IsError:  exitCode != 0,
		}
	}

	isErr := exitCode != 0
	if w.IsError != nil {
		isErr = *w.IsError
	}
	text := w.Result
	if text == "" {
		text = strings.TrimSpace(string(stdout))
	}
	return Response{
		Text:          text,
		ExitCode:      exitCode,
		CostUSD:       w.CostUSD,
		DurationMS:    w.DurationMS,
		APIDurationMS: w.DurationAPIMS,
		NumTurns:      w.NumTurns,
		SessionID:     w.SessionID,
		IsError:       isErr,
	}
}
