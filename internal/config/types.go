// Package config loads and watches the upwatch YAML configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Runner    RunnerConfig    `yaml:"runner"`
	Probe     ProbeConfig     `yaml:"probe"`
	Alert     AlertConfig     `yaml:"alert"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"file"`
}

type StoreConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval between scheduled run triggers ("@every" semantics).
	Interval Duration `yaml:"interval"`
}

type RunnerConfig struct {
	MaxRunDuration    Duration `yaml:"max_run_duration"`
	LockTTL           Duration `yaml:"lock_ttl"`
	LockHeartbeat     Duration `yaml:"lock_heartbeat"`
	BreakerThreshold  int      `yaml:"breaker_threshold"`
	PageSize          int      `yaml:"page_size"`
	MaxPages          int      `yaml:"max_pages"`
	TargetInFlight    int      `yaml:"target_in_flight"`
	BatchCap          int      `yaml:"batch_cap"`
	SmoothRatePerSec  float64  `yaml:"smooth_rate_per_sec"`
	TransientFlipAt   int      `yaml:"transient_flip_at"`
	RecheckDelay      Duration `yaml:"recheck_delay"`
	RecheckCooldown   Duration `yaml:"recheck_cooldown"`
	DisableAfterFails int      `yaml:"disable_after_fails"`

	History HistoryConfig `yaml:"history"`
}

type HistoryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	MaxAge      Duration `yaml:"max_age"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	FlushEvery  int      `yaml:"flush_every"`
}

type ProbeConfig struct {
	Timeout   Duration `yaml:"timeout"`
	UserAgent string   `yaml:"user_agent"`
}

type AlertConfig struct {
	// Mode selects the transport: "log" (default) or "telegram".
	Mode     string `yaml:"mode"`
	Telegram struct {
		Token      string `yaml:"token"`
		ChatID     int64  `yaml:"chat_id"`
		RatePerMin int    `yaml:"rate_per_min"`
	} `yaml:"telegram"`
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Alert.Mode)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(c.Alert.Telegram.Token) == "" {
			return fmt.Errorf("alert.telegram.token is required for alert.mode=telegram")
		}
	default:
		return fmt.Errorf("alert.mode %q is not supported", c.Alert.Mode)
	}
	if c.Scheduler.Interval.Value() < 0 {
		return fmt.Errorf("scheduler.interval must be >= 0")
	}
	return nil
}

// Interval returns the effective trigger interval.
func (c *Config) Interval() time.Duration {
	if d := c.Scheduler.Interval.Value(); d > 0 {
		return d
	}
	return 5 * time.Minute
}
