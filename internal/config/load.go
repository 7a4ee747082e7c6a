// Package config loads the shared configuration of the bot and scheduler
// binaries. YAML is coerced to JSON so a single strict decoder catches
// unknown keys regardless of the on-disk format.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"relaybot/internal/agent"
	"relaybot/pkg/logx"
)

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: trailing data after config", path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// Duration strings are validated up front so a typo fails at startup,
	// not at first use hours later.
	fields := []struct{ name, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"agent.timeout", c.Agent.Timeout},
		{"notify.poll_interval", c.Notify.PollInterval},
		{"scheduler.interval", c.Scheduler.Interval},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.name, f.raw); err != nil {
			return err
		}
	}
	if c.Notify.RatePerSec < 0 {
		return fmt.Errorf("notify.rate_per_sec: must be >= 0")
	}
	if c.Agent.MaxBudgetUSD < 0 {
		return fmt.Errorf("agent.max_budget_usd: must be >= 0")
	}
	return nil
}

// coerceToJSONBytes re-encodes a YAML document as JSON. JSON input passes
// through untouched.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML stringifies map keys so the tree can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

func ParseDurationField(name, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", name)
	}
	return d, nil
}

func ParseDurationOrDefault(name, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Parsed-duration accessors. Load already validated the strings, so these
// fall back to their defaults silently.

func (c *Config) PollTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	return d
}

func (c *Config) NotifyPollInterval() time.Duration {
	d, _ := ParseDurationOrDefault("notify.poll_interval", c.Notify.PollInterval, 5*time.Second)
	return d
}

func (c *Config) SchedulerInterval() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.interval", c.Scheduler.Interval, time.Minute)
	return d
}

// LogConfig maps the logging section onto the logger's config. A non-empty
// file path enables the file sink.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File != "",
			Path:    c.Logging.File,
		},
	}
}

// AgentOptions maps the agent section onto invocation options for the
// interactive client.
func (c *Config) AgentOptions() agent.Options {
	timeout, _ := ParseDurationField("agent.timeout", c.Agent.Timeout)
	return agent.Options{
		Binary:       c.Agent.Binary,
		ProjectDir:   c.Agent.ProjectDir,
		Model:        c.Agent.Model,
		AllowedTools: c.Agent.AllowedTools,
		MaxBudgetUSD: c.Agent.MaxBudgetUSD,
		Timeout:      timeout,
	}
}
