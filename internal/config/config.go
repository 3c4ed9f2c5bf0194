// Package config defines the process-wide configuration surface, bound
// from environment/flags/file via viper at startup.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SchedulerConfig governs the Job Scheduler and Job Executor.
type SchedulerConfig struct {
	// MaxConcurrent bounds the running set. Default: 4.
	MaxConcurrent int
	// JobTimeoutSecondsDefault is applied when a job does not specify its own timeout. Default: 300.
	JobTimeoutSecondsDefault int
	// CancelGraceSeconds is the grace window between terminate and force-kill. Default: 5.
	CancelGraceSeconds int
	// ShutdownDrainSeconds bounds how long Shutdown waits for running jobs to drain. Default: 10.
	ShutdownDrainSeconds int
	// AssistantCliCommand is the absolute path or PATH name of the assistant CLI binary.
	AssistantCliCommand string
}

func (c *SchedulerConfig) JobTimeoutDefault() time.Duration {
	return time.Duration(c.JobTimeoutSecondsDefault) * time.Second
}

func (c *SchedulerConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

func (c *SchedulerConfig) ShutdownDrain() time.Duration {
	return time.Duration(c.ShutdownDrainSeconds) * time.Second
}

// WorkspaceConfig governs the CoW Workspace Manager and Job Store layout.
type WorkspaceConfig struct {
	// WorkspaceRoot is the absolute path under which <jobId>/ directories live.
	WorkspaceRoot string
	// ReposRoot is the absolute path holding canonical repository clones.
	ReposRoot string
}

// RegistryConfig governs the Repository Registry's persistent store.
type RegistryConfig struct {
	// DatabasePath is the absolute path to the sqlite-backed registry database.
	DatabasePath string
	// IndexerCommand, if non-empty, enables semantic index builds after clone.
	IndexerCommand string
}

// TokenConfig governs the Token Issuer.
type TokenConfig struct {
	// Secret is the process-wide HMAC signing secret. Startup fails if empty.
	Secret string
	// LifetimeSeconds is the default token lifetime. Default: 3600. Minimum: 60.
	LifetimeSeconds int
}

func (c *TokenConfig) Lifetime() time.Duration {
	return time.Duration(c.LifetimeSeconds) * time.Second
}

// JanitorConfig governs the Background Janitor.
type JanitorConfig struct {
	// IntervalSeconds between sweeps. Default: 300.
	IntervalSeconds int
	// UploadRetentionHours: uploads belonging to jobs deleted longer ago than this are purged. Default: 24.
	UploadRetentionHours int
	// CronSchedule, if non-empty, overrides IntervalSeconds with a cron expression (robfig/cron syntax).
	CronSchedule string
}

func (c *JanitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c *JanitorConfig) UploadRetention() time.Duration {
	return time.Duration(c.UploadRetentionHours) * time.Hour
}

// NotificationBusConfig governs the embedded NATS server backing the
// Scheduler's state-change bus and the Output Stream Broker's fan-out.
type NotificationBusConfig struct {
	// EmbeddedPort for the in-process NATS server. 0 picks an OS-assigned port.
	EmbeddedPort int
}

// Config is the composed root configuration for the process.
type Config struct {
	Scheduler        SchedulerConfig
	Workspace        WorkspaceConfig
	Registry         RegistryConfig
	Token            TokenConfig
	Janitor          JanitorConfig
	NotificationBus  NotificationBusConfig
	PasswdPath       string
	ShadowPath       string
	SessionSearchDir string
}

// DefaultConfig returns a Config with every field set to its documented
// default, except the fields that have no safe default (workspace roots,
// token secret) which remain empty and must be overridden.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrent:            4,
			JobTimeoutSecondsDefault: 300,
			CancelGraceSeconds:       5,
			ShutdownDrainSeconds:     10,
		},
		Token: TokenConfig{
			LifetimeSeconds: 3600,
		},
		Janitor: JanitorConfig{
			IntervalSeconds:      300,
			UploadRetentionHours: 24,
		},
	}
}

// Load reads configuration from the given viper instance (already
// populated from flags/env/file by the caller) into a Config, applying
// DefaultConfig for anything unset, then validates required fields.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if v.IsSet("scheduler.maxConcurrent") {
		cfg.Scheduler.MaxConcurrent = v.GetInt("scheduler.maxConcurrent")
	}
	if v.IsSet("scheduler.jobTimeoutSecondsDefault") {
		cfg.Scheduler.JobTimeoutSecondsDefault = v.GetInt("scheduler.jobTimeoutSecondsDefault")
	}
	if v.IsSet("scheduler.cancelGraceSeconds") {
		cfg.Scheduler.CancelGraceSeconds = v.GetInt("scheduler.cancelGraceSeconds")
	}
	if v.IsSet("scheduler.shutdownDrainSeconds") {
		cfg.Scheduler.ShutdownDrainSeconds = v.GetInt("scheduler.shutdownDrainSeconds")
	}
	cfg.Scheduler.AssistantCliCommand = v.GetString("scheduler.assistantCliCommand")

	cfg.Workspace.WorkspaceRoot = v.GetString("workspace.workspaceRoot")
	cfg.Workspace.ReposRoot = v.GetString("workspace.reposRoot")

	cfg.Registry.DatabasePath = v.GetString("registry.databasePath")
	cfg.Registry.IndexerCommand = v.GetString("registry.indexerCommand")

	cfg.Token.Secret = v.GetString("token.secret")
	if v.IsSet("token.lifetimeSeconds") {
		cfg.Token.LifetimeSeconds = v.GetInt("token.lifetimeSeconds")
	}

	if v.IsSet("janitor.intervalSeconds") {
		cfg.Janitor.IntervalSeconds = v.GetInt("janitor.intervalSeconds")
	}
	if v.IsSet("janitor.uploadRetentionHours") {
		cfg.Janitor.UploadRetentionHours = v.GetInt("janitor.uploadRetentionHours")
	}
	cfg.Janitor.CronSchedule = v.GetString("janitor.cronSchedule")

	cfg.NotificationBus.EmbeddedPort = v.GetInt("notificationBus.embeddedPort")

	cfg.PasswdPath = v.GetString("auth.passwdPath")
	cfg.ShadowPath = v.GetString("auth.shadowPath")
	cfg.SessionSearchDir = v.GetString("assistant.sessionSearchDir")

	return cfg, cfg.Validate()
}

// Validate fails loudly on absent required values, per the spec's
// "Absent required values cause startup to fail loudly" directive.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("config: scheduler.maxConcurrent must be >= 1")
	}
	if c.Scheduler.JobTimeoutSecondsDefault < 1 {
		return fmt.Errorf("config: scheduler.jobTimeoutSecondsDefault must be >= 1")
	}
	if c.Scheduler.CancelGraceSeconds < 0 {
		return fmt.Errorf("config: scheduler.cancelGraceSeconds must be >= 0")
	}
	if c.Scheduler.AssistantCliCommand == "" {
		return fmt.Errorf("config: scheduler.assistantCliCommand is required")
	}
	if c.Workspace.WorkspaceRoot == "" {
		return fmt.Errorf("config: workspace.workspaceRoot is required")
	}
	if c.Workspace.ReposRoot == "" {
		return fmt.Errorf("config: workspace.reposRoot is required")
	}
	if c.Registry.DatabasePath == "" {
		return fmt.Errorf("config: registry.databasePath is required")
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("config: token.secret is required")
	}
	if c.Token.LifetimeSeconds < 60 {
		return fmt.Errorf("config: token.lifetimeSeconds must be >= 60")
	}
	if c.Janitor.IntervalSeconds < 1 {
		return fmt.Errorf("config: janitor.intervalSeconds must be >= 1")
	}
	if c.PasswdPath == "" {
		return fmt.Errorf("config: auth.passwdPath is required")
	}
	if c.ShadowPath == "" {
		return fmt.Errorf("config: auth.shadowPath is required")
	}
	return nil
}
