package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"relaybot/pkg/logx"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()
	r := NewRunner(Options{
		Model:        "sonnet",
		AllowedTools: []string{"Bash", "Edit"},
		MaxBudgetUSD: 1.5,
	}, logx.Nop())

	args := r.buildArgs("do things", "sess-9")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-p do things",
		"--output-format json",
		"--resume sess-9",
		"--model sonnet",
		"--allowedTools Bash,Edit",
		"--max-budget-usd 1.5",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}

func TestBuildArgsMinimal(t *testing.T) {
	t.Parallel()
	r := NewRunner(Options{}, logx.Nop())
	args := r.buildArgs("hi", "")
	joined := strings.Join(args, " ")
	for _, banned := range []string{"--resume", "--model", "--allowedTools", "--max-budget-usd"} {
		if strings.Contains(joined, banned) {
			t.Fatalf("unexpected flag %s in %q", banned, joined)
		}
	}
}

func TestParseResponseJSON(t *testing.T) {
	t.Parallel()
	out := []byte(`{"result":"done","cost_usd":0.0123,"duration_ms":4200,` +
		`"duration_api_ms":3100,"num_turns":3,"session_id":"abc","is_error":false}`)

	got := parseResponse(out, 0)
	if got.Text != "done" || got.CostUSD != 0.0123 || got.NumTurns != 3 {
		t.Fatalf("unexpected response: %+v", got)
	}
	if got.SessionID != "abc" {
		t.Fatalf("session id = %q", got.SessionID)
	}
	if got.IsError {
		t.Fatal("is_error should be false")
	}
}

func TestParseResponseExplicitError(t *testing.T) {
	t.Parallel()
	out := []byte(`{"result":"budget exceeded","is_error":true}`)
	got := parseResponse(out, 0)
	if !got.IsError {
		t.Fatal("is_error from payload must win over exit code 0")
	}
}

func TestParseResponseNonJSON(t *testing.T) {
	t.Parallel()
	got := parseResponse([]byte("plain text output\n"), 1)
	if got.Text != "plain text output" {
		t.Fatalf("Text = %q", got.Text)
	}
	if !got.IsError || got.ExitCode != 1 {
		t.Fatalf("non-zero exit must be an error: %+v", got)
	}
}

func TestRunnerDefaults(t *testing.T) {
	t.Parallel()
	r := NewRunner(Options{}, logx.Nop())
	if r.opt.Binary != "claude" {
		t.Fatalf("default binary = %q", r.opt.Binary)
	}
	if r.opt.Timeout != DefaultTimeout {
		t.Fatalf("default timeout = %v", r.opt.Timeout)
	}
	if r.Living() {
		t.Fatal("runner must report stateless")
	}
}

// The timeout failure shape is load-bearing: the dispatcher reports it and
// the text carries the configured timeout value.
func TestAskTimeoutShape(t *testing.T) {
	t.Parallel()
	script := filepath.Join(t.TempDir(), "slowagent")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 10\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(Options{Binary: script, Timeout: 50 * time.Millisecond}, logx.Nop())
	resp := r.Ask(context.Background(), "hello", "")
	if !resp.IsError {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if !strings.Contains(resp.Text, "50ms") {
		t.Fatalf("timeout text must carry the configured value: %q", resp.Text)
	}
	if resp.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", resp.ExitCode)
	}
}

// History truncation must never tear a multi-byte rune.
func TestTruncateRuneBoundary(t *testing.T) {
	t.Parallel()
	got := truncate(strings.Repeat("日", 50), 100) // 3 bytes per rune
	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid UTF-8: %q", got)
	}
	if len(got) > 103 { // 100 bytes plus the ellipsis
		t.Fatalf("truncated to %d bytes, want <= 103", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("missing ellipsis: %q", got)
	}

	if got := truncate("short", 100); got != "short" {
		t.Fatalf("short text altered: %q", got)
	}
}
