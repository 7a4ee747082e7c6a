package agent

import (
	"context"
	"fmt"
	"unicode/utf8"

	"relaybot/internal/brain"
	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

// LivingClient is the brain-aware bridge: every prompt is wrapped with the
// persistent memory, per-user conversations are resumed through the session
// store, and each interaction is logged to the brain's history.
type LivingClient struct {
	runner   *Runner
	brain    *brain.Brain
	sessions *session.Store
	log      logx.Logger
}

func NewLivingClient(runner *Runner, b *brain.Brain, sessions *session.Store, log logx.Logger) *LivingClient {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LivingClient{runner: runner, brain: b, sessions: sessions, log: log}
}

func (c *LivingClient) Living() bool { return true }

// Brain exposes the memory for front-end commands (/brain).
func (c *LivingClient) Brain() *brain.Brain { return c.brain }

// Sessions exposes the session store for front-end commands (/reset).
func (c *LivingClient) Sessions() *session.Store { return c.sessions }

func (c *LivingClient) Ask(ctx context.Context, prompt, resume string) Response {
	return c.runner.Ask(ctx, prompt, resume)
}

// AskAs wraps the message with brain context, resumes the user's session,
// stores the fresh continuation token, and records a history event.
func (c *LivingClient) AskAs(ctx context.Context, platform, userID, message string) Response {
	prompt, err := c.livingPrompt(message)
	if err != nil {
		c.log.Warn("brain context unavailable, sending bare prompt", logx.Err(err))
		prompt = message
	}

	resume, err := c.sessions.Get(platform, userID)
	if err != nil {
		c.log.Warn("session lookup failed", logx.Err(err))
	}

	resp := c.runner.Ask(ctx, prompt, resume)

	if resp.SessionID != "" {
		if err := c.sessions.Set(platform, userID, resp.SessionID); err != nil {
			c.log.Warn("session store update failed", logx.Err(err))
		}
	}

	c.logEvent(platform, userID, message, resp)
	return resp
}

func (c *LivingClient) livingPrompt(message string) (string, error) {
	ctxPrompt, err := c.brain.ContextPrompt()
	if err != nil {
		return "", err
	}
	return ctxPrompt + "\n\n---\n\nUser message:\n" + message + "\n\n---\n\n" +
		"Respond to the user's message. If you learn anything new about the " +
		"user's preferences or if there are important events to remember, " +
		"note them — your brain will be updated after this.", nil
}

func (c *LivingClient) logEvent(platform, userID, message string, resp Response) {
	label := platform + ":" + userID
	var event string
	if resp.IsError {
		event = fmt.Sprintf("[%s] Error: %s", label, truncate(resp.Text, 100))
	} else {
		event = fmt.Sprintf("[%s] Q: %s (cost=$%.4f, turns=%d)",
			label, truncate(message, 80), resp.CostUSD, resp.NumTurns)
	}
	if err := c.brain.AddEvent(event); err != nil {
		c.log.Warn("brain history update failed", logx.Err(err))
	}
}

// truncate caps s at n bytes, backing up to a rune boundary so history
// events never carry a torn UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
