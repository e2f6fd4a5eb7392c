package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	LLM     LLMConfig
	Storage StorageConfig
	Limits  LimitsConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken protects every endpoint except /health. Required.
	APIToken string
}

type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	// ChatTemperature is used for the interactive intake stage only.
	ChatTemperature float64
	CallTimeout     time.Duration
}

type StorageConfig struct {
	DataDir string
}

// LimitsConfig holds the per-run generation budget and the two per-session
// rate windows. All limits are deployment-wide, not per stage.
type LimitsConfig struct {
	StageCallBudget int

	BurstLimit      int
	BurstWindow     time.Duration
	SustainedLimit  int
	SustainedWindow time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		LLM: LLMConfig{
			BaseURL:         "https://openrouter.ai/api/v1",
			Model:           "anthropic/claude-sonnet-4",
			Temperature:     0.3,
			ChatTemperature: 0.7,
			CallTimeout:     120 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Limits: LimitsConfig{
			StageCallBudget: 6,
			BurstLimit:      3,
			BurstWindow:     10 * time.Second,
			SustainedLimit:  30,
			SustainedWindow: 10 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "vibeflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vibeflow"
	}
	return filepath.Join(home, ".local", "share", "vibeflow")
}

// Load builds the configuration from defaults, an optional .env file in the
// working directory, and VIBEFLOW_* environment variables (highest priority).
func Load() (Config, error) {
	// .env is a convenience for local runs; absence is not an error.
	_ = godotenv.Load()

	cfg := defaults()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: generation API key (set VIBEFLOW_LLM_API_KEY)")
	}
	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: API bearer token (set VIBEFLOW_API_TOKEN)")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	for _, s := range envSpecs {
		raw, ok := os.LookupEnv(s.env)
		if !ok || raw == "" {
			continue
		}
		if err := s.apply(cfg, raw); err != nil {
			return fmt.Errorf("invalid %s: %w", s.env, err)
		}
	}
	return nil
}

type envSpec struct {
	env   string
	apply func(cfg *Config, raw string) error
}

func stringField(dst func(cfg *Config) *string) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		*dst(cfg) = raw
		return nil
	}
}

func intField(dst func(cfg *Config) *int) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*dst(cfg) = v
		return nil
	}
}

func floatField(dst func(cfg *Config) *float64) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*dst(cfg) = v
		return nil
	}
}

func durationField(dst func(cfg *Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*dst(cfg) = v
		return nil
	}
}

var envSpecs = []envSpec{
	{"VIBEFLOW_SERVER_PORT", intField(func(c *Config) *int { return &c.Server.Port })},
	{"VIBEFLOW_API_TOKEN", stringField(func(c *Config) *string { return &c.Server.APIToken })},
	{"VIBEFLOW_LLM_BASE_URL", stringField(func(c *Config) *string { return &c.LLM.BaseURL })},
	{"VIBEFLOW_LLM_API_KEY", stringField(func(c *Config) *string { return &c.LLM.APIKey })},
	{"VIBEFLOW_LLM_MODEL", stringField(func(c *Config) *string { return &c.LLM.Model })},
	{"VIBEFLOW_LLM_TEMPERATURE", floatField(func(c *Config) *float64 { return &c.LLM.Temperature })},
	{"VIBEFLOW_LLM_CHAT_TEMPERATURE", floatField(func(c *Config) *float64 { return &c.LLM.ChatTemperature })},
	{"VIBEFLOW_LLM_CALL_TIMEOUT", durationField(func(c *Config) *time.Duration { return &c.LLM.CallTimeout })},
	{"VIBEFLOW_DATA_DIR", stringField(func(c *Config) *string { return &c.Storage.DataDir })},
	{"VIBEFLOW_STAGE_CALL_BUDGET", intField(func(c *Config) *int { return &c.Limits.StageCallBudget })},
	{"VIBEFLOW_BURST_LIMIT", intField(func(c *Config) *int { return &c.Limits.BurstLimit })},
	{"VIBEFLOW_BURST_WINDOW", durationField(func(c *Config) *time.Duration { return &c.Limits.BurstWindow })},
	{"VIBEFLOW_SUSTAINED_LIMIT", intField(func(c *Config) *int { return &c.Limits.SustainedLimit })},
	{"VIBEFLOW_SUSTAINED_WINDOW", durationField(func(c *Config) *time.Duration { return &c.Limits.SustainedWindow })},
	{"VIBEFLOW_LOG_LEVEL", stringField(func(c *Config) *string { return &c.Log.Level })},
}
