// Package scheduler decides which tasks are due and hands them to the
// dispatcher. It deliberately does no catch-up: a fire time that passed while
// the process was down is gone, the task simply waits for its next slot.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"relaybot/internal/dispatch"
	"relaybot/internal/tasks"
	"relaybot/pkg/logx"
)

// DefaultInterval is the daemon check cadence. One minute matches the finest
// cron granularity, so no slot can be skipped between checks.
const DefaultInterval = time.Minute

type Config struct {
	// StatePath is the last-run table file.
	StatePath string
	// Interval between due checks in daemon mode. Zero means DefaultInterval.
	Interval time.Duration
}

type Service struct {
	cfg   Config
	log   logx.Logger
	tasks []tasks.Task
	disp  *dispatch.Dispatcher

	now func() time.Time
}

func New(cfg Config, reg []tasks.Task, disp *dispatch.Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Service{cfg: cfg, log: log, tasks: reg, disp: disp, now: time.Now}
}

// due reports whether a task should fire now. Without a last-run entry the
// lookback window is one minute, so a freshly registered task fires on its
// first slot but never replays older ones.
func due(t tasks.Task, last time.Time, hasLast bool, now time.Time) bool {
	if !t.Enabled {
		return false
	}
	base := last
	if !hasLast {
		base = now.Add(-time.Minute)
	}
	next := t.Next(base)
	return !next.After(now)
}

// CheckOnce runs a single due-check cycle and returns how many tasks were
// dispatched. Registry order is dispatch order. Per-task failures are folded
// into their run result; only a broken last-run table is returned as an error.
func (s *Service) CheckOnce(ctx context.Context) (int, error) {
	now := s.now().Truncate(time.Second)
	lastRuns, err := loadLastRuns(s.cfg.StatePath, s.log)
	if err != nil {
		return 0, fmt.Errorf("load last-run table: %w", err)
	}

	ran := 0
	for _, t := range s.tasks {
		last, hasLast := lastRuns[t.Name]
		if !due(t, last, hasLast, now) {
			continue
		}

		s.disp.Dispatch(ctx, t)
		ran++

		// Recorded only after the dispatch finished. A crash before this
		// point re-runs the task next cycle rather than silently losing it.
		lastRuns[t.Name] = now
		if err := recordLastRun(s.cfg.StatePath, t.Name, now); err != nil {
			s.log.Error("last-run update failed",
				logx.String("task", t.Name), logx.Err(err))
		}
	}
	return ran, nil
}

// Run is the daemon loop: an immediate check, then one per interval. Shutdown
// is cooperative and only honored between cycles, so an in-flight dispatch
// always runs to completion or hits its own timeout.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("scheduler daemon started",
		logx.Int("tasks", len(s.tasks)),
		logx.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.CheckOnce(context.Background()); err != nil {
			s.log.Error("check cycle failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler daemon stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ListNext prints a dry-run table of every task with its next fire time,
// without dispatching anything or touching the last-run table.
func (s *Service) ListNext(w io.Writer) error {
	now := s.now().Truncate(time.Second)
	lastRuns, err := loadLastRuns(s.cfg.StatePath, s.log)
	if err != nil {
		return fmt.Errorf("load last-run table: %w", err)
	}

	rows := make([]tasks.Task, len(s.tasks))
	copy(rows, s.tasks)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

	fmt.Fprintf(w, "%-28s %-9s %-20s %s\n", "TASK", "ENABLED", "SCHEDULE", "NEXT RUN")
	for _, t := range rows {
		next := "disabled"
		if t.Enabled {
			base := now.Add(-time.Minute)
			if last, ok := lastRuns[t.Name]; ok {
				base = last
			}
			next = t.Next(base).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%-28s %-9v %-20s %s\n", t.Name, t.Enabled, t.Schedule, next)
	}
	return nil
}
