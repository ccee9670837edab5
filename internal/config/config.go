package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" env-default:":8080"`
	BinaryPath      string        `env:"SPEEDTEST_BINARY" env-default:"./ookla-speedtest-gui/speedtest"`
	BinaryFallbacks []string      `env:"SPEEDTEST_FALLBACKS" env-separator:"," env-default:"ookla-speedtest/speedtest,/usr/local/bin/speedtest,/usr/bin/speedtest"`
	BinaryCommand   string        `env:"SPEEDTEST_COMMAND" env-default:"speedtest"`
	ProbeTimeout    time.Duration `env:"PROBE_TIMEOUT" env-default:"5s"`
	StderrTailLines int           `env:"STDERR_TAIL_LINES" env-default:"20"`
	// Zero disables recurring measurements.
	RunInterval time.Duration `env:"RUN_INTERVAL" env-default:"0s"`
	// Empty means the assets directory.
	DatabaseDir string `env:"DATABASE_DIR"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`
}

// Load reads a .env file if one exists, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to read environment")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ProbeTimeout <= 0 {
		return errors.New("PROBE_TIMEOUT must be positive")
	}
	if c.StderrTailLines <= 0 {
		return errors.New("STDERR_TAIL_LINES must be positive")
	}
	if c.RunInterval < 0 {
		return errors.New("RUN_INTERVAL must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Errorf("unknown log level %q", level)
}

func (c *Config) Log(log *slog.Logger) {
	log.Info("config loaded",
		slog.String("http_addr", c.HTTPAddr),
		slog.String("binary_path", c.BinaryPath),
		slog.Any("binary_fallbacks", c.BinaryFallbacks),
		slog.String("binary_command", c.BinaryCommand),
		slog.Duration("probe_timeout", c.ProbeTimeout),
		slog.Duration("run_interval", c.RunInterval),
		slog.String("log_level", c.LogLevel),
	)
}
