// Package config loads the YAML configuration and hot-reloads it when
// the file changes on disk.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the process configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Logging   LoggingConfig   `yaml:"logging"`
	Persist   PersistConfig   `yaml:"persist,omitempty"`
	Snapshot  PersistConfig   `yaml:"snapshot,omitempty"`
	Session   SessionConfig   `yaml:"session,omitempty"`
	Broadcast BroadcastConfig `yaml:"broadcast,omitempty"`

	// Categories is the ordered keyword table shared by all tenants.
	// Earlier rules win when several match a group name.
	Categories []CategoryRule `yaml:"categories,omitempty"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	PollTimeout string `yaml:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `yaml:"level,omitempty"`
	Console bool          `yaml:"console"`
	File    LogFileConfig `yaml:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// PersistConfig configures one mirror backend ("file" or "sqlite";
// empty or "none" disables it).
type PersistConfig struct {
	Driver      string `yaml:"driver,omitempty"`
	Path        string `yaml:"path,omitempty"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // sqlite only
}

type SessionConfig struct {
	SelectionTimeout   string `yaml:"selection_timeout,omitempty"`
	ImageDir           string `yaml:"image_dir,omitempty"`
	OverrideMembership bool   `yaml:"override_membership,omitempty"`
}

type BroadcastConfig struct {
	RatePerSec        int    `yaml:"rate_per_sec,omitempty"`
	RetryMax          int    `yaml:"retry_max,omitempty"`
	SendTimeout       string `yaml:"send_timeout,omitempty"`
	SkipAfterFailures int    `yaml:"skip_after_failures,omitempty"`
	ReportSkipCap     int    `yaml:"report_skip_cap,omitempty"`

	Pacing PacingConfig `yaml:"pacing,omitempty"`
}

type PacingConfig struct {
	BatchStart int `yaml:"batch_start,omitempty"`
	BatchMin   int `yaml:"batch_min,omitempty"`
	BatchMax   int `yaml:"batch_max,omitempty"`

	PerSendDelayStart string `yaml:"per_send_delay_start,omitempty"`
	PerSendDelayMin   string `yaml:"per_send_delay_min,omitempty"`
	PerSendDelayMax   string `yaml:"per_send_delay_max,omitempty"`

	BatchDelayStart string `yaml:"batch_delay_start,omitempty"`
	BatchDelayMin   string `yaml:"batch_delay_min,omitempty"`
	BatchDelayMax   string `yaml:"batch_delay_max,omitempty"`

	AdjustEvery string `yaml:"adjust_every,omitempty"`
}

type CategoryRule struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// Validate rejects configs that would fail at wiring time.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	fields := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"persist.busy_timeout", c.Persist.BusyTimeout},
		{"snapshot.busy_timeout", c.Snapshot.BusyTimeout},
		{"session.selection_timeout", c.Session.SelectionTimeout},
		{"broadcast.send_timeout", c.Broadcast.SendTimeout},
		{"broadcast.pacing.per_send_delay_start", c.Broadcast.Pacing.PerSendDelayStart},
		{"broadcast.pacing.per_send_delay_min", c.Broadcast.Pacing.PerSendDelayMin},
		{"broadcast.pacing.per_send_delay_max", c.Broadcast.Pacing.PerSendDelayMax},
		{"broadcast.pacing.batch_delay_start", c.Broadcast.Pacing.BatchDelayStart},
		{"broadcast.pacing.batch_delay_min", c.Broadcast.Pacing.BatchDelayMin},
		{"broadcast.pacing.batch_delay_max", c.Broadcast.Pacing.BatchDelayMax},
		{"broadcast.pacing.adjust_every", c.Broadcast.Pacing.AdjustEvery},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	for i, r := range c.Categories {
		if strings.TrimSpace(r.Category) == "" {
			return fmt.Errorf("categories[%d]: category name is empty", i)
		}
	}
	return nil
}

// ParseDurationField parses an optional duration string; empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault falls back to def for empty/zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
