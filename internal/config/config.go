// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/logging"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	// Database is the run archive.
	Database struct {
		Enabled  bool   `env:"DB_ENABLED" envDefault:"false"`
		DSN      string `env:"DB_DSN" envDefault:"data/qlab.db"`
		MaxConns int    `env:"DB_MAX_CONNS" envDefault:"1"`
	}
	// Lab holds the defaults applied to run requests that leave a field out.
	Lab struct {
		Backend         string  `env:"LAB_BACKEND" envDefault:"native"`
		Qubits          int     `env:"LAB_QUBITS" envDefault:"1"`
		Shots           int     `env:"LAB_SHOTS" envDefault:"500"`
		FlipProbability float64 `env:"LAB_P_FLIP" envDefault:"0.05"`
		Steps           int     `env:"LAB_STEPS" envDefault:"40"`
		Seed            uint64  `env:"LAB_SEED" envDefault:"0"`
		PresetsFile     string  `env:"LAB_PRESETS_FILE" envDefault:"configs/presets.yaml"`
		MaxRuns         int64   `env:"LAB_MAX_RUNS" envDefault:"4"`
	}
}

// Load reads the environment, after loading the .env file named by
// QLAB_ENV_FILE (default ".env") when it exists. Variables already set in
// the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(GetEnv("QLAB_ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, laberrors.Wrap(err, "failed to read env file").WithKind(laberrors.KindConfig).WithOperation("Load")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, laberrors.Wrap(err, "failed to parse environment").WithKind(laberrors.KindConfig).WithOperation("Load")
	}

	// Development runs log at debug unless told otherwise.
	if cfg.Environment == "development" && os.Getenv("LOG_LEVEL") == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return laberrors.Config("Validate", format, args...).WithComponent("config")
	}
	switch {
	case c.HTTP.Port < 1 || c.HTTP.Port > math.MaxUint16:
		return bad("HTTP_PORT must be in [1, 65535], got %d", c.HTTP.Port)
	case math.IsNaN(c.Lab.FlipProbability) || c.Lab.FlipProbability < 0 || c.Lab.FlipProbability > 1:
		return bad("LAB_P_FLIP must be in [0, 1], got %v", c.Lab.FlipProbability)
	case c.Lab.Shots < 1:
		return bad("LAB_SHOTS must be >= 1, got %d", c.Lab.Shots)
	case c.Lab.Steps < 1:
		return bad("LAB_STEPS must be >= 1, got %d", c.Lab.Steps)
	case c.Lab.Qubits < 1:
		return bad("LAB_QUBITS must be >= 1, got %d", c.Lab.Qubits)
	case c.Lab.MaxRuns < 1:
		return bad("LAB_MAX_RUNS must be >= 1, got %d", c.Lab.MaxRuns)
	case c.Database.Enabled && c.Database.DSN == "":
		return bad("DB_DSN is required when DB_ENABLED is set")
	case c.Database.MaxConns < 1:
		return bad("DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	return nil
}

// LoggingConfig converts the logging section.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{Level: c.Logging.Level, Format: c.Logging.Format, Output: c.Logging.Output}
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
