package config

import "path/filepath"

type Config struct {
	// DataDir holds every state file the two binaries share: sessions,
	// notification queue, delivery preferences, brain, last-run table and
	// the run index. Default "data".
	DataDir string `json:"data_dir"`

	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Agent     AgentConfig     `json:"agent"`
	Notify    NotifyConfig    `json:"notify"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    string `json:"file,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AllowedUsers is the allowlist. Empty allows everyone; the bot token
	// is then the only gate, as for a private bot instance.
	AllowedUsers []int64 `json:"allowed_users"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// AgentConfig describes how the external CLI is invoked for interactive
// chats. Scheduled tasks carry their own per-task overrides.
type AgentConfig struct {
	Binary       string   `json:"binary,omitempty"`
	ProjectDir   string   `json:"project_dir,omitempty"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	MaxBudgetUSD float64  `json:"max_budget_usd,omitempty"`
	// Timeout is a Go duration string. Zero means the built-in default.
	Timeout string `json:"timeout,omitempty"`
	// Living enables the brain-backed client with persistent memory and
	// resumable sessions. Off means plain stateless invocations.
	Living bool `json:"living"`
}

type NotifyConfig struct {
	// Platforms lists the delivery channels tasks may target.
	Platforms []string `json:"platforms"`
	// PollInterval is a Go duration string. The queue file is also watched,
	// so polling is only the fallback cadence.
	PollInterval string `json:"poll_interval,omitempty"`
	// RatePerSec throttles outbound deliveries. Zero means 1/s.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	// TasksPath points at the task registry YAML. Default <data_dir>/tasks.yaml.
	TasksPath string `json:"tasks_path,omitempty"`
	// Interval is a Go duration string for daemon mode checks.
	Interval string `json:"interval,omitempty"`
	// LogsDir receives per-run log files. Default <data_dir>/logs.
	LogsDir string `json:"logs_dir,omitempty"`
}

func (c *Config) dataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return "data"
}

func (c *Config) SessionsPath() string      { return filepath.Join(c.dataDir(), "sessions.json") }
func (c *Config) NotificationsPath() string { return filepath.Join(c.dataDir(), "notifications.json") }
func (c *Config) PrefsPath() string         { return filepath.Join(c.dataDir(), "notify_prefs.json") }
func (c *Config) BrainPath() string         { return filepath.Join(c.dataDir(), "brain.md") }
func (c *Config) LastRunPath() string       { return filepath.Join(c.dataDir(), "lastrun.json") }
func (c *Config) RunsDBPath() string        { return filepath.Join(c.dataDir(), "runs.db") }

func (c *Config) TasksPath() string {
	if c.Scheduler.TasksPath != "" {
		return c.Scheduler.TasksPath
	}
	return filepath.Join(c.dataDir(), "tasks.yaml")
}

func (c *Config) LogsDir() string {
	if c.Scheduler.LogsDir != "" {
		return c.Scheduler.LogsDir
	}
	return filepath.Join(c.dataDir(), "logs")
}
