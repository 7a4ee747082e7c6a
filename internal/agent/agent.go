// Package agent wraps the external command-line agent behind one Client
// interface with two implementations: a stateless Runner that shells out per
// request, and a LivingClient that adds persistent memory and per-user
// session continuity. The variant is chosen once at startup; callers never
// branch on the concrete type.
package agent

import (
	"context"
	"time"
)

// Response is the structured result of one agent invocation.
type Response struct {
	Text          string
	ExitCode      int
	CostUSD       float64
	DurationMS    int64
	APIDurationMS int64
	NumTurns      int
	SessionID     string
	IsError       bool
}

// Options configure a single invocation target.
type Options struct {
	Binary       string // agent executable, default "claude"
	ProjectDir   string // working directory for the agent
	Model        string
	AllowedTools []string
	MaxBudgetUSD float64       // 0 = no cap
	Timeout      time.Duration // 0 = DefaultTimeout
}

// DefaultTimeout bounds an invocation when no per-call timeout is set.
const DefaultTimeout = 300 * time.Second

// Client is the agent interface shared by both bridge variants.
//
// Ask never returns an error: every failure mode (timeout, missing binary,
// non-zero exit, malformed output) is converted into a failure-shaped
// Response so a single bad call can never abort a caller's loop.
type Client interface {
	// Ask sends a prompt, optionally resuming a prior conversation.
	Ask(ctx context.Context, prompt, resume string) Response

	// AskAs sends a message on behalf of a platform user. Implementations
	// with session continuity resume and update that user's conversation;
	// stateless ones treat it as a plain Ask.
	AskAs(ctx context.Context, platform, userID, message string) Response

	// Living reports whether memory and session continuity are active.
	Living() bool
}
