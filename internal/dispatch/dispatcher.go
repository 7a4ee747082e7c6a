// Package dispatch executes one due task end to end: agent invocation,
// durable run log, rolling history, and delivery notifications. A failing
// task is reported through the same channels as a succeeding one and never
// propagates an error into the scheduling loop.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"relaybot/internal/agent"
	"relaybot/internal/brain"
	"relaybot/internal/notify"
	"relaybot/internal/tasks"
	"relaybot/pkg/logx"
)

// summaryLimit caps the notification body before the "(truncated)" marker.
const summaryLimit = 500

type Config struct {
	// LogsDir receives one append-only log file per run, keyed by task name
	// and timestamp. Files are never overwritten.
	LogsDir string

	// NewClient overrides how the per-invocation agent client is built.
	// Nil means a stateless runner with the task's options.
	NewClient func(agent.Options) agent.Client
}

type Dispatcher struct {
	cfg   Config
	log   logx.Logger
	queue *notify.Queue
	brain *brain.Brain // nil disables history events
	index *RunIndex    // nil disables the run index

	// newClient builds the agent client for one invocation; swapped in tests.
	newClient func(agent.Options) agent.Client

	now func() time.Time
}

// Result describes one completed dispatch.
type Result struct {
	RunID     string
	Task      tasks.Task
	Response  agent.Response
	StartedAt time.Time
	Duration  time.Duration
	LogPath   string
}

func New(cfg Config, queue *notify.Queue, b *brain.Brain, index *RunIndex, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{cfg: cfg, log: log, queue: queue, brain: b, index: index, now: time.Now}
	d.newClient = cfg.NewClient
	if d.newClient == nil {
		d.newClient = func(opt agent.Options) agent.Client {
			return agent.NewRunner(opt, log)
		}
	}
	return d
}

// Dispatch runs a task to completion. The returned Result is informational;
// dispatch failures are folded into Result.Response, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, t tasks.Task) Result {
	started := d.now()
	runID := uuid.NewString()
	d.log.Info("running task", logx.String("task", t.Name), logx.String("run_id", runID))

	client := d.newClient(agent.Options{
		ProjectDir:   t.ProjectDir,
		Model:        t.Model,
		AllowedTools: t.AllowedTools,
		MaxBudgetUSD: t.MaxBudgetUSD,
		Timeout:      t.Timeout,
	})
	resp := client.Ask(ctx, t.Prompt, "")

	res := Result{
		RunID:     runID,
		Task:      t,
		Response:  resp,
		StartedAt: started,
		Duration:  d.now().Sub(started),
	}

	res.LogPath = d.writeRunLog(res)
	d.recordIndex(ctx, res)
	d.recordHistory(res)
	d.notifyResult(res)

	if resp.IsError {
		d.log.Error("task failed",
			logx.String("task", t.Name),
			logx.Int("exit_code", resp.ExitCode),
			logx.String("error", truncate(resp.Text, 200)))
	} else {
		d.log.Info("task completed",
			logx.String("task", t.Name),
			logx.Float64("cost_usd", resp.CostUSD),
			logx.Int("chars", len(resp.Text)),
			logx.Duration("took", res.Duration))
	}
	return res
}

// writeRunLog persists the structured run log to a per-run file. Collisions
// on the timestamped name get the run id appended rather than overwriting.
func (d *Dispatcher) writeRunLog(r Result) string {
	if d.cfg.LogsDir == "" {
		return ""
	}
	if err := os.MkdirAll(d.cfg.LogsDir, 0o755); err != nil {
		d.log.Warn("run log dir unavailable", logx.Err(err))
		return ""
	}

	stamp := r.StartedAt.Format("20060102_150405")
	base := safeName(r.Task.Name) + "_" + stamp
	path := filepath.Join(d.cfg.LogsDir, base+".log")

	content := fmt.Sprintf(
		"Task: %s\nRun: %s\nTime: %s\nSchedule: %s\nProject: %s\nExit code: %d\nCost: $%.4f\nDuration: %dms\nError: %v\n%s\n%s\n",
		r.Task.Name, r.RunID, stamp, r.Task.Schedule, r.Task.ProjectDir,
		r.Response.ExitCode, r.Response.CostUSD, r.Response.DurationMS, r.Response.IsError,
		strings.Repeat("=", 60), r.Response.Text,
	)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		path = filepath.Join(d.cfg.LogsDir, base+"_"+r.RunID[:8]+".log")
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		d.log.Warn("run log write failed", logx.String("task", r.Task.Name), logx.Err(err))
		return ""
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		d.log.Warn("run log write failed", logx.String("task", r.Task.Name), logx.Err(err))
	}
	return path
}

func (d *Dispatcher) recordIndex(ctx context.Context, r Result) {
	if d.index == nil {
		return
	}
	if err := d.index.Record(ctx, r); err != nil {
		d.log.Warn("run index insert failed", logx.String("task", r.Task.Name), logx.Err(err))
	}
}

func (d *Dispatcher) recordHistory(r Result) {
	if d.brain == nil {
		return
	}
	var event string
	if r.Response.IsError {
		event = fmt.Sprintf("[scheduler:%s] Failed: %s", r.Task.Name, truncate(r.Response.Text, 100))
	} else {
		event = fmt.Sprintf("[scheduler:%s] Completed (cost=$%.4f, %d chars)",
			r.Task.Name, r.Response.CostUSD, len(r.Response.Text))
	}
	if err := d.brain.AddEvent(event); err != nil {
		d.log.Warn("history update failed", logx.Err(err))
	}
}

// notifyResult enqueues one broadcast entry per configured delivery platform.
func (d *Dispatcher) notifyResult(r Result) {
	if d.queue == nil || !r.Task.Notify {
		return
	}

	var header string
	if r.Response.IsError {
		header = fmt.Sprintf("Task '%s' FAILED", r.Task.Name)
	} else {
		header = fmt.Sprintf("Task '%s' completed (cost=$%.4f)", r.Task.Name, r.Response.CostUSD)
	}

	body := strings.TrimSpace(r.Response.Text)
	if len(body) > summaryLimit {
		body = cut(body, summaryLimit) + "\n...(truncated)"
	}
	text := header
	if body != "" {
		text += "\n\n" + body
	}

	source := "scheduler:" + r.Task.Name
	for _, platform := range r.Task.NotifyPlatforms {
		if err := d.queue.PushBroadcast(platform, text, source); err != nil {
			d.log.Warn("notification enqueue failed",
				logx.String("task", r.Task.Name),
				logx.String("platform", platform),
				logx.Err(err))
		}
	}
}

func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\':
			return '_'
		default:
			return r
		}
	}, name)
}

// cut trims s to at most n bytes without splitting a UTF-8 sequence.
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return cut(s, n) + "..."
}
