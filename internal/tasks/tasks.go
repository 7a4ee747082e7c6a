// Package tasks loads and validates the declarative task list the scheduler
// runs from. Parsing is skip-and-warn: a broken task never aborts the whole
// load, only a missing or unreadable file does.
package tasks

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"

	"relaybot/pkg/logx"
)

// DefaultTimeout applies when a task declares none.
const DefaultTimeout = 300 * time.Second

// Parser accepts the classic 5-field cron syntax plus @descriptors
// (@daily, @every 5m, ...).
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Task is a validated, fully defaulted task definition. Immutable once
// loaded; edits to the source file require a restart in daemon mode.
type Task struct {
	Name            string
	Schedule        string
	Prompt          string
	ProjectDir      string
	Model           string
	AllowedTools    []string
	MaxBudgetUSD    float64
	Timeout         time.Duration
	Enabled         bool
	Notify          bool
	NotifyPlatforms []string

	sched cron.Schedule
}

// Next returns the first fire time strictly after t.
func (t Task) Next(after time.Time) time.Time { return t.sched.Next(after) }

// stringList accepts either a YAML sequence or a comma-separated scalar.
type stringList []string

func (l *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*l = out
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := value.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("expected string or list, got yaml kind %d", value.Kind)
	}
}

type rawTask struct {
	Name            string     `yaml:"name"`
	Schedule        string     `yaml:"schedule"`
	Prompt          string     `yaml:"prompt"`
	ProjectDir      string     `yaml:"project_dir"`
	Model           string     `yaml:"model"`
	AllowedTools    stringList `yaml:"allowed_tools"`
	MaxBudgetUSD    float64    `yaml:"max_budget_usd"`
	TimeoutSeconds  int        `yaml:"timeout_seconds"`
	Enabled         *bool      `yaml:"enabled"`
	Notify          *bool      `yaml:"notify"`
	NotifyPlatforms stringList `yaml:"notify_platforms"`
}

type taskFile struct {
	Tasks []rawTask `yaml:"tasks"`
}

// Load reads the task list at path. platforms is the set of known delivery
// platforms, used as the default notify routing. Duplicate task names are
// kept as independent tasks; nothing deduplicates them.
func Load(path string, platforms []string, log logx.Logger) ([]Task, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task source %s: %w", path, err)
	}

	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse task source %s: %w", path, err)
	}
	if f.Tasks == nil {
		return nil, fmt.Errorf("task source %s: missing top-level 'tasks' key", path)
	}

	out := make([]Task, 0, len(f.Tasks))
	for i, rt := range f.Tasks {
		name := strings.TrimSpace(rt.Name)
		if name == "" {
			name = fmt.Sprintf("task_%d", i)
		}

		if strings.TrimSpace(rt.Prompt) == "" {
			log.Warn("task has no prompt, skipping", logx.String("task", name))
			continue
		}
		if strings.TrimSpace(rt.Schedule) == "" {
			log.Warn("task has no schedule, skipping", logx.String("task", name))
			continue
		}
		sched, err := Parser.Parse(rt.Schedule)
		if err != nil {
			log.Warn("task has invalid schedule, skipping",
				logx.String("task", name),
				logx.String("schedule", rt.Schedule),
				logx.Err(err))
			continue
		}

		t := Task{
			Name:            name,
			Schedule:        rt.Schedule,
			Prompt:          rt.Prompt,
			ProjectDir:      rt.ProjectDir,
			Model:           rt.Model,
			AllowedTools:    rt.AllowedTools,
			MaxBudgetUSD:    rt.MaxBudgetUSD,
			Timeout:         DefaultTimeout,
			Enabled:         true,
			Notify:          true,
			NotifyPlatforms: platforms,
			sched:           sched,
		}
		if rt.TimeoutSeconds > 0 {
			t.Timeout = time.Duration(rt.TimeoutSeconds) * time.Second
		}
		if rt.Enabled != nil {
			t.Enabled = *rt.Enabled
		}
		if rt.Notify != nil {
			t.Notify = *rt.Notify
		}
		if rt.NotifyPlatforms != nil {
			t.NotifyPlatforms = rt.NotifyPlatforms
		}

		out = append(out, t)
	}

	log.Info("task source loaded", logx.String("path", path), logx.Int("valid", len(out)), logx.Int("total", len(f.Tasks)))
	return out, nil
}
