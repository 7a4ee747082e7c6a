package bot

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

func (s *Service) commandMenu() []transport.Command {
	cmds := []transport.Command{
		{Name: "start", Description: "Welcome message"},
		{Name: "help", Description: "Show all commands"},
		{Name: "ask", Description: "Ask the agent a question"},
		{Name: "project", Description: "Show or switch the working directory"},
		{Name: "model", Description: "Show or switch the model"},
	}
	if s.living() {
		cmds = append(cmds,
			transport.Command{Name: "reset", Description: "Clear your session"},
			transport.Command{Name: "brain", Description: "Show the agent's memory"},
			transport.Command{Name: "notify", Description: "Toggle proactive notifications"},
		)
	}
	return cmds
}

func (s *Service) handleCommand(ctx context.Context, m transport.Message, text string) {
	name, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)
	// "/ask@my_bot" arrives in group chats.
	name, _, _ = strings.Cut(name, "@")

	switch name {
	case "/start":
		s.cmdStart(ctx, m)
	case "/help":
		s.cmdHelp(ctx, m)
	case "/ask":
		s.cmdAsk(ctx, m, args)
	case "/project":
		s.cmdProject(ctx, m, args)
	case "/model":
		s.cmdModel(ctx, m, args)
	case "/reset":
		s.cmdReset(ctx, m)
	case "/brain":
		s.cmdBrain(ctx, m)
	case "/notify":
		s.cmdNotify(ctx, m)
	default:
		// Unknown commands are ignored, same as messages from other bots.
		s.log.Debug("unknown command", logx.String("command", name))
	}
}

func (s *Service) cmdStart(ctx context.Context, m transport.Message) {
	mode := "stateless"
	if s.living() {
		mode = "living agent"
	}
	s.reply(ctx, m, "Hello! I'm an agent relay bot ("+mode+" mode).\n\n"+
		"Send me a message or use /ask <prompt> to talk to the agent.\n"+
		"Type /help to see all commands.")
}

func (s *Service) cmdHelp(ctx context.Context, m transport.Message) {
	lines := []string{
		"Available commands:",
		"",
		"/start  - Welcome message",
		"/ask <prompt>  - Ask the agent a question",
		"/project <path>  - Switch the agent's working directory",
		"/model <model>  - Switch the agent model",
	}
	if s.living() {
		lines = append(lines,
			"/reset  - Clear your session (start fresh)",
			"/brain  - Show the agent's current memory",
			"/notify  - Toggle proactive notifications",
		)
	}
	lines = append(lines,
		"/help  - Show this help message",
		"",
		"You can also send a plain text message and it will be forwarded to the agent as a prompt.",
	)
	s.reply(ctx, m, strings.Join(lines, "\n"))
}

func (s *Service) cmdAsk(ctx context.Context, m transport.Message, args string) {
	if args == "" {
		s.reply(ctx, m, "Usage: /ask <your prompt>")
		return
	}
	s.handlePrompt(ctx, m, args)
}

func (s *Service) cmdProject(ctx context.Context, m transport.Message, args string) {
	if args == "" {
		current := s.runner.ProjectDir()
		if current == "" {
			current = "(not set)"
		}
		s.reply(ctx, m, "Current project directory: "+current+"\n\nUsage: /project <path>")
		return
	}

	path := expandHome(args)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		s.reply(ctx, m, "Directory not found: "+path)
		return
	}
	s.runner.SetProjectDir(path)
	s.log.Info("project directory switched", logx.String("dir", path), logx.Int64("user", m.FromID))
	s.reply(ctx, m, "Project directory set to: "+path)
}

func (s *Service) cmdModel(ctx context.Context, m transport.Message, args string) {
	if args == "" {
		current := s.runner.Model()
		if current == "" {
			current = "(default)"
		}
		s.reply(ctx, m, "Current model: "+current+"\n\nUsage: /model <model-name>")
		return
	}
	s.runner.SetModel(args)
	s.log.Info("model switched", logx.String("model", args), logx.Int64("user", m.FromID))
	s.reply(ctx, m, "Model set to: "+args)
}

func (s *Service) cmdReset(ctx context.Context, m transport.Message) {
	if !s.living() || s.sessions == nil {
		s.reply(ctx, m, "Reset is only available in living agent mode.")
		return
	}
	if err := s.sessions.Clear(platform, strconv.FormatInt(m.FromID, 10)); err != nil {
		s.log.Warn("session clear failed", logx.Int64("user", m.FromID), logx.Err(err))
		s.reply(ctx, m, "Could not clear the session, try again later.")
		return
	}
	s.reply(ctx, m, "Session cleared. Your next message will start a fresh conversation.")
}

func (s *Service) cmdBrain(ctx context.Context, m transport.Message) {
	if !s.living() || s.brain == nil {
		s.reply(ctx, m, "Brain is only available in living agent mode.")
		return
	}
	content, err := s.brain.Context()
	if err != nil {
		s.log.Warn("brain read failed", logx.Err(err))
		s.reply(ctx, m, "Could not read the brain, try again later.")
		return
	}
	if strings.TrimSpace(content) == "" {
		s.reply(ctx, m, "Brain is empty.")
		return
	}
	s.reply(ctx, m, content)
}

func (s *Service) cmdNotify(ctx context.Context, m transport.Message) {
	if !s.living() || s.prefs == nil {
		s.reply(ctx, m, "Notifications are only available in living agent mode.")
		return
	}

	key := strconv.FormatInt(m.FromID, 10)
	cur, _, err := s.prefs.Get(key)
	if err != nil {
		s.log.Warn("notify prefs read failed", logx.Err(err))
	}
	next := !cur
	if err := s.prefs.Set(key, next); err != nil {
		s.log.Warn("notify prefs write failed", logx.Err(err))
		s.reply(ctx, m, "Could not update notification settings, try again later.")
		return
	}
	if next {
		s.reply(ctx, m, "Proactive notifications enabled. I'll message you when I have updates.")
	} else {
		s.reply(ctx, m, "Proactive notifications disabled.")
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
