package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithNoFileOrEnv(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(Overrides{ConfigPath: filepath.Join(dir, "missing.yaml")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 6789 {
		t.Errorf("Server.Port = %d, want 6789", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Calendar.Timezone != "Asia/Shanghai" {
		t.Errorf("Calendar.Timezone = %q, want Asia/Shanghai", cfg.Calendar.Timezone)
	}
	if cfg.Calendar.SessionMinutes != 242 {
		t.Errorf("Calendar.SessionMinutes = %d, want 242", cfg.Calendar.SessionMinutes)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quotefeed.yaml")
	body := "server:\n  port: 7000\n  datadir: /var/lib/quotefeed\ncalendar:\n  timezone: UTC\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(Overrides{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Server.DataDir != "/var/lib/quotefeed" {
		t.Errorf("Server.DataDir = %q", cfg.Server.DataDir)
	}
	if cfg.Calendar.Timezone != "UTC" {
		t.Errorf("Calendar.Timezone = %q", cfg.Calendar.Timezone)
	}
}

func TestFlagOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quotefeed.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(Overrides{ConfigPath: path, Port: 8000})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000 (flag override)", cfg.Server.Port)
	}
}

func TestEnvSetsAuthPassword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quotefeed.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 6789\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("QUOTEFEED_AUTH_PASSWORD", "envpw")

	cfg, err := Load(Overrides{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.AuthPassword != "envpw" {
		t.Errorf("Server.AuthPassword = %q, want envpw", cfg.Server.AuthPassword)
	}
}

func TestFlagAuthPasswordOverridesEnv(t *testing.T) {
	t.Setenv("QUOTEFEED_AUTH_PASSWORD", "envpw")
	cfg, err := Load(Overrides{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"), AuthPassword: "flagpw"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.AuthPassword != "flagpw" {
		t.Errorf("Server.AuthPassword = %q, want flagpw", cfg.Server.AuthPassword)
	}
}
