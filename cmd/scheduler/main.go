package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/internal/brain"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/notify"
	"relaybot/internal/scheduler"
	"relaybot/internal/tasks"
	"relaybot/pkg/logx"
)

func main() {
	var (
		cfgPath   string
		tasksPath string
		interval  time.Duration
		once      bool
		list      bool
		history   int
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&tasksPath, "tasks", "", "path to tasks file (default from config)")
	flag.DurationVar(&interval, "interval", 0, "daemon check interval (default from config)")
	flag.BoolVar(&once, "once", false, "run one due check and exit")
	flag.BoolVar(&list, "list", false, "list next fire times and exit")
	flag.IntVar(&history, "history", 0, "print the N most recent runs and exit")
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

	if history > 0 {
		os.Exit(printHistory(ctx, cfg, history, log))
	}

	if tasksPath == "" {
		tasksPath = cfg.TasksPath()
	}
	// A missing or unparseable task source is the one fatal condition here.
	// Individual bad entries were already skipped with a warning inside Load.
	reg, err := tasks.Load(tasksPath, cfg.Notify.Platforms, log)
	if err != nil {
		log.Error("cannot load task source", logx.String("path", tasksPath), logx.Err(err))
		os.Exit(1)
	}
	log.Info("task registry loaded", logx.Int("tasks", len(reg)), logx.String("path", tasksPath))

	index, err := dispatch.OpenRunIndex(cfg.RunsDBPath(), log)
	if err != nil {
		log.Warn("run index unavailable", logx.Err(err))
		index = nil
	}
	defer func() { _ = index.Close() }()

	disp := dispatch.New(dispatch.Config{LogsDir: cfg.LogsDir()},
		notify.NewQueue(cfg.NotificationsPath(), log),
		brain.New(cfg.BrainPath(), log),
		index, log)

	if interval <= 0 {
		interval = cfg.SchedulerInterval()
	}
	svc := scheduler.New(scheduler.Config{
		StatePath: cfg.LastRunPath(),
		Interval:  interval,
	}, reg, disp, log)

	switch {
	case list:
		if err := svc.ListNext(os.Stdout); err != nil {
			log.Error("list failed", logx.Err(err))
		}
	case once:
		ran, err := svc.CheckOnce(ctx)
		if err != nil {
			log.Error("check failed", logx.Err(err))
			break
		}
		log.Info("check complete", logx.Int("dispatched", ran))
	default:
		_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		_ = svc.Run(ctx)
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}
}

func printHistory(ctx context.Context, cfg *config.Config, n int, log logx.Logger) int {
	index, err := dispatch.OpenRunIndex(cfg.RunsDBPath(), log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run index unavailable:", err)
		return 1
	}
	defer func() { _ = index.Close() }()

	recent, err := index.Recent(ctx, n)
	if err != nil {
		fmt.Fprintln(os.Stderr, "history query failed:", err)
		return 1
	}

	fmt.Printf("%-28s %-17s %-8s %-10s %s\n", "TASK", "STARTED", "STATUS", "COST", "LOG")
	for _, r := range recent {
		status := "ok"
		if r.IsError {
			status = "FAILED"
		}
		fmt.Printf("%-28s %-17s %-8s $%-9.4f %s\n",
			r.Task, r.StartedAt.Format("2006-01-02 15:04"), status, r.CostUSD, r.LogPath)
	}
	return 0
}
