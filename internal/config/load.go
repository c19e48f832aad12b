package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Load reads the optional YAML file at path (a missing file is not an
// error), then applies environment overrides, normalizes and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// env-only operation is fine
		default:
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	if strings.TrimSpace(cfg.Commands.Prefix) == "" {
		cfg.Commands.Prefix = "!"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays STOCKBOT_* variables onto cfg. The environment is the
// authoritative configuration surface; the file only supplies defaults.
func applyEnv(cfg *Config) error {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setDur := func(key string, dst *Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = Duration(d)
		return nil
	}

	setStr("STOCKBOT_API_URL", &cfg.API.BaseURL)
	setStr("STOCKBOT_TELEGRAM_TOKEN", &cfg.Telegram.Token)
	setStr("STOCKBOT_PREFIX", &cfg.Commands.Prefix)
	setStr("STOCKBOT_LOG_FILE", &cfg.Logging.File)
	setStr("STOCKBOT_AUDIT_DRIVER", &cfg.Audit.Driver)
	setStr("STOCKBOT_AUDIT_PATH", &cfg.Audit.Path)

	if err := setDur("STOCKBOT_POLL_INTERVAL", &cfg.Poll.Interval); err != nil {
		return err
	}
	if err := setDur("STOCKBOT_COOLDOWN", &cfg.Poll.Cooldown); err != nil {
		return err
	}
	if err := setDur("STOCKBOT_HTTP_TIMEOUT", &cfg.API.Timeout); err != nil {
		return err
	}

	if v, ok := os.LookupEnv("STOCKBOT_DEBUG"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("STOCKBOT_DEBUG: %w", err)
		}
		cfg.Logging.Debug = b
	}
	return nil
}
