package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full runtime configuration.
//
// Values come from an optional YAML file plus environment variables; the
// environment always wins. All durations accept Go duration strings
// (e.g. "30s", "2m").
type Config struct {
	API      APIConfig      `yaml:"api"`
	Telegram TelegramConfig `yaml:"telegram"`
	Commands CommandsConfig `yaml:"commands"`
	Poll     PollConfig     `yaml:"poll"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
}

type APIConfig struct {
	// BaseURL is the remote alerting API root, e.g. "https://alerts.example.com".
	// Required. A trailing slash is stripped.
	BaseURL string `yaml:"base_url"`
	// Timeout bounds every API call except price refresh (which gets 2x).
	Timeout Duration `yaml:"timeout"`
}

type TelegramConfig struct {
	Token       string   `yaml:"token"`
	PollTimeout Duration `yaml:"poll_timeout"`
}

type CommandsConfig struct {
	// Prefix introduces a command, e.g. "!login". Default "!".
	Prefix string `yaml:"prefix"`
	// Timeout bounds a single command handler run.
	Timeout Duration `yaml:"timeout"`
}

type PollConfig struct {
	// Interval between alert-monitoring cycles. Default 2m.
	Interval Duration `yaml:"interval"`
	// Cooldown suppresses repeat notifications for the same alert. Default 5m.
	Cooldown Duration `yaml:"cooldown"`
}

type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	File  string `yaml:"file"`
}

// AuditConfig controls the optional audit trail.
//
// Driver "" disables auditing entirely (the default); "file" appends JSON
// lines to Path; "sqlite" keeps a pruned table at Path.
type AuditConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Duration wraps time.Duration with YAML string support ("90s", "2m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns a config with every optional knob at its default.
func Default() Config {
	return Config{
		API:      APIConfig{Timeout: Duration(15 * time.Second)},
		Telegram: TelegramConfig{PollTimeout: Duration(10 * time.Second)},
		Commands: CommandsConfig{Prefix: "!", Timeout: Duration(30 * time.Second)},
		Poll: PollConfig{
			Interval: Duration(2 * time.Minute),
			Cooldown: Duration(5 * time.Minute),
		},
	}
}

// Validate rejects configs that cannot run. Called both at startup and
// before committing a hot reload.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required (STOCKBOT_API_URL)")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required (STOCKBOT_TELEGRAM_TOKEN)")
	}
	if c.Poll.Interval <= 0 {
		return errors.New("poll.interval must be positive")
	}
	if c.Poll.Cooldown < 0 {
		return errors.New("poll.cooldown must be >= 0")
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}
	switch strings.TrimSpace(c.Audit.Driver) {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("audit.driver: unknown driver %q", c.Audit.Driver)
	}
	if c.Audit.Driver != "" && strings.TrimSpace(c.Audit.Path) == "" {
		return errors.New("audit.path is required when audit.driver is set")
	}
	return nil
}
