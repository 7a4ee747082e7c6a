// Package bot is the platform-neutral chat front end: it routes incoming
// updates to command handlers, forwards plain text to the agent, and delivers
// queued notifications to opted-in users.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/agent"
	"relaybot/internal/brain"
	"relaybot/internal/kvstore"
	"relaybot/internal/notify"
	"relaybot/internal/session"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// maxMessageLen is Telegram's hard per-message limit. Longer agent output is
// split on line boundaries.
const maxMessageLen = 4096

const platform = "telegram"

type Config struct {
	// AllowedUsers is the allowlist. Empty allows everyone, which matches a
	// private bot instance whose token is the only gate.
	AllowedUsers []int64
	// PollInterval is the fallback cadence for draining the notification
	// queue; the queue file is also watched. Zero means 5s.
	PollInterval time.Duration
	// RatePerSec throttles outbound notification sends. Zero means 1/s.
	RatePerSec float64
	// UpdateBuffer sizes the incoming update channel. Zero means 64.
	UpdateBuffer int
}

type Service struct {
	cfg     Config
	log     logx.Logger
	adapter transport.Adapter
	client  agent.Client
	runner  *agent.Runner // shared invocation settings, mutated by /project and /model

	// Living-mode collaborators. All nil when the client is stateless.
	brain    *brain.Brain
	sessions *session.Store
	queue    *notify.Queue
	prefs    *kvstore.Store[bool]

	allowed map[int64]bool
	limiter *rate.Limiter
}

func New(cfg Config, adapter transport.Adapter, client agent.Client, runner *agent.Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 64
	}

	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		client:  client,
		runner:  runner,
		allowed: allowed,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
}

// EnableLiving wires the brain-backed collaborators. Called once at startup
// when the living client initialized; never toggled afterwards.
func (s *Service) EnableLiving(b *brain.Brain, sess *session.Store, queue *notify.Queue, prefs *kvstore.Store[bool]) {
	s.brain = b
	s.sessions = sess
	s.queue = queue
	s.prefs = prefs
}

func (s *Service) living() bool { return s.client.Living() }

// Run starts the adapter and processes updates until the context is done.
func (s *Service) Run(ctx context.Context) error {
	updates := make(chan transport.Update, s.cfg.UpdateBuffer)
	if err := s.adapter.Start(ctx, updates); err != nil {
		return fmt.Errorf("adapter start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.adapter.Stop(stopCtx)
	}()

	if err := s.adapter.SetCommands(ctx, s.commandMenu()); err != nil {
		s.log.Warn("command menu update failed", logx.Err(err))
	}

	if s.queue != nil {
		go s.deliverNotifications(ctx)
	}

	mode := "stateless"
	if s.living() {
		mode = "living"
	}
	s.log.Info("bot started",
		logx.String("mode", mode),
		logx.Int("allowed_users", len(s.allowed)))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("bot stopped")
			return nil
		case up := <-updates:
			if up.Message == nil {
				continue
			}
			s.handleMessage(ctx, *up.Message)
		}
	}
}

func (s *Service) isAllowed(userID int64) bool {
	if len(s.allowed) == 0 {
		return true
	}
	return s.allowed[userID]
}

func (s *Service) handleMessage(ctx context.Context, m transport.Message) {
	if !s.isAllowed(m.FromID) {
		s.log.Debug("message from unlisted user dropped", logx.Int64("user", m.FromID))
		return
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		s.handleCommand(ctx, m, text)
		return
	}
	s.handlePrompt(ctx, m, text)
}

// handlePrompt forwards text to the agent and replies with the result plus a
// cost footer.
func (s *Service) handlePrompt(ctx context.Context, m transport.Message, prompt string) {
	resp := s.client.AskAs(ctx, platform, strconv.FormatInt(m.FromID, 10), prompt)
	if resp.IsError {
		s.reply(ctx, m, "Error: "+resp.Text)
		return
	}

	text := resp.Text
	if text == "" {
		text = "(empty response)"
	}
	footer := fmt.Sprintf("\n\n[cost=$%.4f | turns=%d]", resp.CostUSD, resp.NumTurns)
	s.reply(ctx, m, text+footer)
}

func (s *Service) reply(ctx context.Context, m transport.Message, text string) {
	to := transport.ChatTarget{ChatID: m.ChatID}
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := s.adapter.SendText(ctx, to, chunk, nil); err != nil {
			s.log.Warn("send failed", logx.Int64("chat", m.ChatID), logx.Err(err))
			return
		}
	}
}

// splitMessage chops text into chunks within limit, preferring line breaks.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		at := strings.LastIndex(text[:limit], "\n")
		if at <= 0 {
			at = limit
		}
		chunks = append(chunks, text[:at])
		text = strings.TrimLeft(text[at:], "\n")
	}
	return chunks
}
