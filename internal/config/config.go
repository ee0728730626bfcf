// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine kinds.
const (
	EngineDocker = "docker"
	EngineRemote = "remote"
)

// Config holds all application configuration.
type Config struct {
	Port                string
	FrontendURL         string
	DBPath              string
	TranscriptRetention time.Duration
	Bot                 BotConfig
	Engine              EngineConfig
}

// BotConfig controls how chat commands are recognised and answered.
type BotConfig struct {
	Prefix          string
	AutoDelete      bool
	AutoDeleteDelay time.Duration
	MaxDisplay      int
	EvalTimeout     time.Duration
}

// EngineConfig selects and tunes the evaluation engine.
type EngineConfig struct {
	Kind             string
	Image            string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	IdleTTL          time.Duration
	RemoteAddr       string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/eval.db"),
		TranscriptRetention: getEnvDuration("TRANSCRIPT_RETENTION", 7*24*time.Hour),
		Bot: BotConfig{
			Prefix:          getEnv("BOT_PREFIX", "!run"),
			AutoDelete:      getEnvBool("MESSAGES_AUTO_DELETE", false),
			AutoDeleteDelay: getEnvDuration("MESSAGES_AUTO_DELETE_DURATION", 15*time.Minute),
			MaxDisplay:      getEnvInt("MESSAGES_MAX_CONTEXT_DISPLAY", 3),
			EvalTimeout:     getEnvDuration("EVAL_TIMEOUT", 10*time.Second),
		},
		Engine: EngineConfig{
			Kind:             strings.ToLower(getEnv("ENGINE", EngineDocker)),
			Image:            getEnv("ENGINE_IMAGE", "bash:5.2"),
			ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
			IdleTTL:          getEnvDuration("ENGINE_IDLE_TTL", 60*time.Minute),
			RemoteAddr:       getEnv("REMOTE_ENGINE_ADDR", "localhost:50051"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.TranscriptRetention <= 0 {
		return fmt.Errorf("TRANSCRIPT_RETENTION must be > 0")
	}
	if c.Bot.Prefix == "" {
		return fmt.Errorf("BOT_PREFIX cannot be empty")
	}
	if c.Bot.AutoDelete && c.Bot.AutoDeleteDelay <= 0 {
		return fmt.Errorf("MESSAGES_AUTO_DELETE_DURATION must be > 0 when auto delete is enabled")
	}
	if c.Bot.MaxDisplay < 1 {
		return fmt.Errorf("MESSAGES_MAX_CONTEXT_DISPLAY must be >= 1")
	}
	if c.Bot.EvalTimeout <= 0 {
		return fmt.Errorf("EVAL_TIMEOUT must be > 0")
	}
	switch c.Engine.Kind {
	case EngineDocker:
		if c.Engine.Image == "" {
			return fmt.Errorf("ENGINE_IMAGE cannot be empty")
		}
		if c.Engine.IdleTTL <= 0 {
			return fmt.Errorf("ENGINE_IDLE_TTL must be > 0")
		}
	case EngineRemote:
		if c.Engine.RemoteAddr == "" {
			return fmt.Errorf("REMOTE_ENGINE_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("ENGINE must be %q or %q, got %q", EngineDocker, EngineRemote, c.Engine.Kind)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
