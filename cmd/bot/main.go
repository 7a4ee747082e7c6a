package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/internal/adapters/telegram"
	"relaybot/internal/agent"
	"relaybot/internal/bot"
	"relaybot/internal/brain"
	"relaybot/internal/config"
	"relaybot/internal/kvstore"
	"relaybot/internal/notify"
	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	log, closeLog := logx.New(cfg.LogConfig())
	defer func() { _ = closeLog() }()

	if cfg.Telegram.Token == "" {
		log.Error("telegram.token is not set")
		os.Exit(1)
	}

	runner := agent.NewRunner(cfg.AgentOptions(), log)

	var client agent.Client = runner
	living := setupLiving(cfg, runner, &client, log)

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeout(),
	}, log)
	if err != nil {
		log.Error("telegram init failed", logx.Err(err))
		os.Exit(1)
	}

	service := bot.New(bot.Config{
		AllowedUsers: cfg.Telegram.AllowedUsers,
		PollInterval: cfg.NotifyPollInterval(),
		RatePerSec:   cfg.Notify.RatePerSec,
	}, adapter, client, runner, log)
	if living != nil {
		service.EnableLiving(living.brain, living.sessions, living.queue, living.prefs)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }()

	if err := service.Run(ctx); err != nil {
		log.Error("bot exited", logx.Err(err))
		os.Exit(1)
	}
}

// livingDeps groups the state shared by the brain-backed client.
type livingDeps struct {
	brain    *brain.Brain
	sessions *session.Store
	queue    *notify.Queue
	prefs    *kvstore.Store[bool]
}

// setupLiving upgrades the client to living mode when configured. A data dir
// that can't be initialized falls back to the stateless client with a
// warning instead of refusing to start.
func setupLiving(cfg *config.Config, runner *agent.Runner, client *agent.Client, log logx.Logger) *livingDeps {
	if !cfg.Agent.Living {
		log.Info("running in stateless mode")
		return nil
	}

	b := brain.New(cfg.BrainPath(), log)
	if _, err := b.Context(); err != nil {
		log.Warn("living mode init failed, falling back to stateless", logx.Err(err))
		return nil
	}

	deps := &livingDeps{
		brain:    b,
		sessions: session.New(cfg.SessionsPath(), log),
		queue:    notify.NewQueue(cfg.NotificationsPath(), log),
		prefs:    kvstore.New[bool](cfg.PrefsPath(), 0, log),
	}
	*client = agent.NewLivingClient(runner, deps.brain, deps.sessions, log)
	log.Info("living mode active, brain and sessions enabled")
	return deps
}
