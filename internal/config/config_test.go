package config

import (
	"testing"

	"github.com/spf13/viper"
)

func validViper() *viper.Viper {
	v := viper.New()
	v.Set("scheduler.assistantCliCommand", "/usr/bin/assistant")
	v.Set("workspace.workspaceRoot", "/var/lib/forgeyard/jobs")
	v.Set("workspace.reposRoot", "/var/lib/forgeyard/repos")
	v.Set("registry.databasePath", "/var/lib/forgeyard/registry.db")
	v.Set("token.secret", "super-secret")
	v.Set("auth.passwdPath", "/var/lib/forgeyard/passwd")
	v.Set("auth.shadowPath", "/var/lib/forgeyard/shadow")
	return v
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(validViper())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent default = %d, want 4", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Token.LifetimeSeconds != 3600 {
		t.Errorf("LifetimeSeconds default = %d, want 3600", cfg.Token.LifetimeSeconds)
	}
	if cfg.Janitor.IntervalSeconds != 300 {
		t.Errorf("IntervalSeconds default = %d, want 300", cfg.Janitor.IntervalSeconds)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	v := validViper()
	v.Set("scheduler.maxConcurrent", 8)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.Scheduler.MaxConcurrent)
	}
}

func TestLoad_MissingRequiredFieldsFail(t *testing.T) {
	cases := []string{
		"scheduler.assistantCliCommand",
		"workspace.workspaceRoot",
		"workspace.reposRoot",
		"registry.databasePath",
		"token.secret",
		"auth.passwdPath",
		"auth.shadowPath",
	}
	for _, key := range cases {
		t.Run(key, func(t *testing.T) {
			v := validViper()
			v.Set(key, "")
			if _, err := Load(v); err == nil {
				t.Errorf("expected error when %s is unset", key)
			}
		})
	}
}

func TestLoad_RejectsShortTokenLifetime(t *testing.T) {
	v := validViper()
	v.Set("token.lifetimeSeconds", 10)
	if _, err := Load(v); err == nil {
		t.Error("expected error for lifetimeSeconds < 60")
	}
}
