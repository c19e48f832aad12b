package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STOCKBOT_API_URL", "https://alerts.example.com")
	t.Setenv("STOCKBOT_TELEGRAM_TOKEN", "123:abc")
}

func TestLoadEnvOnly(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "https://alerts.example.com" {
		t.Fatalf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.Poll.Interval.Std() != 2*time.Minute || cfg.Poll.Cooldown.Std() != 5*time.Minute {
		t.Fatalf("poll defaults wrong: %+v", cfg.Poll)
	}
	if cfg.Commands.Prefix != "!" {
		t.Fatalf("default prefix = %q", cfg.Commands.Prefix)
	}
}

func TestMissingFileIsFine(t *testing.T) {
	setRequiredEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "stockbot.yaml")
	body := strings.Join([]string{
		"api:",
		"  base_url: https://file.example.com",
		"poll:",
		"  interval: 10m",
		"  cooldown: 1m",
		"commands:",
		"  prefix: '?'",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	t.Setenv("STOCKBOT_POLL_INTERVAL", "30s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Env beats file where set; file beats defaults otherwise.
	if cfg.API.BaseURL != "https://alerts.example.com" {
		t.Fatalf("env should win: %q", cfg.API.BaseURL)
	}
	if cfg.Poll.Interval.Std() != 30*time.Second {
		t.Fatalf("interval = %v", cfg.Poll.Interval.Std())
	}
	if cfg.Poll.Cooldown.Std() != time.Minute {
		t.Fatalf("file cooldown ignored: %v", cfg.Poll.Cooldown.Std())
	}
	if cfg.Commands.Prefix != "?" {
		t.Fatalf("file prefix ignored: %q", cfg.Commands.Prefix)
	}
}

func TestTrailingSlashStripped(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STOCKBOT_API_URL", "https://alerts.example.com/")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if strings.HasSuffix(cfg.API.BaseURL, "/") {
		t.Fatalf("trailing slash survived: %q", cfg.API.BaseURL)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing url", map[string]string{"STOCKBOT_TELEGRAM_TOKEN": "t"}, "base_url"},
		{"missing token", map[string]string{"STOCKBOT_API_URL": "https://x"}, "token"},
		{"bad interval", map[string]string{
			"STOCKBOT_API_URL": "https://x", "STOCKBOT_TELEGRAM_TOKEN": "t",
			"STOCKBOT_POLL_INTERVAL": "-1m",
		}, "interval"},
		{"bad duration syntax", map[string]string{
			"STOCKBOT_API_URL": "https://x", "STOCKBOT_TELEGRAM_TOKEN": "t",
			"STOCKBOT_COOLDOWN": "five minutes",
		}, "STOCKBOT_COOLDOWN"},
		{"bad debug flag", map[string]string{
			"STOCKBOT_API_URL": "https://x", "STOCKBOT_TELEGRAM_TOKEN": "t",
			"STOCKBOT_DEBUG": "maybe",
		}, "STOCKBOT_DEBUG"},
		{"unknown audit driver", map[string]string{
			"STOCKBOT_API_URL": "https://x", "STOCKBOT_TELEGRAM_TOKEN": "t",
			"STOCKBOT_AUDIT_DRIVER": "postgres", "STOCKBOT_AUDIT_PATH": "/tmp/a",
		}, "driver"},
		{"audit path required", map[string]string{
			"STOCKBOT_API_URL": "https://x", "STOCKBOT_TELEGRAM_TOKEN": "t",
			"STOCKBOT_AUDIT_DRIVER": "file",
		}, "audit.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestInvalidYAMLRejected(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte(":\n  - ["), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("invalid yaml must fail")
	}
}
