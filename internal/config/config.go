package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ovenzeze/open-interpreter/internal/engine"
)

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 5001},
		Session: SessionConfig{
			Dir:         defaultSessionDir(),
			Timeout:     Duration(24 * time.Hour),
			LockTimeout: Duration(5 * time.Second),
		},
		Pool: PoolConfig{
			MaxActive:       3,
			InstanceTimeout: Duration(time.Hour),
			CleanupInterval: Duration(5 * time.Minute),
		},
		LLM: LLMConfig{
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Engine: EngineConfig{
			AutoRun:     true,
			MaxLoops:    3,
			ExecTimeout: Duration(60 * time.Second),
		},
		Storage: StorageConfig{
			Endpoint: "minio:9000",
			Bucket:   "interpreter-sessions",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func defaultSessionDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".sessions"
	}
	return filepath.Join(dir, "open-interpreter", "sessions")
}

// Load builds the configuration from defaults, the YAML file named by
// INTERPRETER_CONFIG (if any) and then the environment.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("INTERPRETER_CONFIG"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	loaders := []func(*Config) error{
		loadServerConfig,
		loadSessionConfig,
		loadPoolConfig,
		loadLLMConfig,
		loadEngineConfig,
		loadStorageConfig,
		loadLogConfig,
	}
	for _, load := range loaders {
		if err := load(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func loadServerConfig(cfg *Config) error {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	return envInt("SERVER_PORT", &cfg.Server.Port)
}

func loadSessionConfig(cfg *Config) error {
	if dir := os.Getenv("SESSION_DIR"); dir != "" {
		cfg.Session.Dir = dir
	}
	if err := envDuration("SESSION_TIMEOUT", &cfg.Session.Timeout); err != nil {
		return err
	}
	return envDuration("LOCK_TIMEOUT", &cfg.Session.LockTimeout)
}

func loadPoolConfig(cfg *Config) error {
	if err := envInt("MAX_ACTIVE_INSTANCES", &cfg.Pool.MaxActive); err != nil {
		return err
	}
	if err := envDuration("INSTANCE_TIMEOUT", &cfg.Pool.InstanceTimeout); err != nil {
		return err
	}
	if err := envDuration("CLEANUP_INTERVAL", &cfg.Pool.CleanupInterval); err != nil {
		return err
	}
	if sched := os.Getenv("SWEEP_SCHEDULE"); sched != "" {
		cfg.Pool.SweepSchedule = sched
	}
	return nil
}

func loadLLMConfig(cfg *Config) error {
	if p := os.Getenv("LLM_PROVIDER"); p != "" {
		cfg.LLM.Provider = p
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = DetectProvider()
	}
	if m := os.Getenv("LLM_MODEL"); m != "" {
		cfg.LLM.Model = m
	}
	if u := os.Getenv("LLM_BASE_URL"); u != "" {
		cfg.LLM.BaseURL = u
	}
	if err := envInt("MAX_TOKENS", &cfg.LLM.MaxTokens); err != nil {
		return err
	}
	if err := envFloat("TEMPERATURE", &cfg.LLM.Temperature); err != nil {
		return err
	}

	apiKey, err := getAPIKey(cfg.LLM.Provider, "LLM")
	if err != nil {
		return err
	}
	cfg.LLM.APIKey = apiKey
	return nil
}

func loadEngineConfig(cfg *Config) error {
	if err := envBool("AUTO_RUN", &cfg.Engine.AutoRun); err != nil {
		return err
	}
	if err := envInt("MAX_LOOPS", &cfg.Engine.MaxLoops); err != nil {
		return err
	}
	if dir := os.Getenv("SANDBOX_DIR"); dir != "" {
		cfg.Engine.SandboxDir = dir
	}
	if prompt := os.Getenv("SYSTEM_PROMPT"); prompt != "" {
		cfg.Engine.SystemPrompt = prompt
	}
	return envDuration("EXEC_TIMEOUT", &cfg.Engine.ExecTimeout)
}

func loadStorageConfig(cfg *Config) error {
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		cfg.Storage.Endpoint = endpoint
	}
	if bucket := os.Getenv("ARCHIVE_BUCKET"); bucket != "" {
		cfg.Storage.Bucket = bucket
	}

	cfg.Storage.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	cfg.Storage.SecretKey = os.Getenv("MINIO_SECRET_KEY")
	cfg.Storage.Enabled = cfg.Storage.AccessKey != "" && cfg.Storage.SecretKey != ""

	return envBool("MINIO_USE_SSL", &cfg.Storage.UseSSL)
}

func loadLogConfig(cfg *Config) error {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port))
	}
	if c.Session.Dir == "" {
		errs = append(errs, errors.New("SESSION_DIR must not be empty"))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("SESSION_TIMEOUT must be positive"))
	}
	if c.Session.LockTimeout < 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must not be negative"))
	}
	if c.Pool.MaxActive < 1 {
		errs = append(errs, fmt.Errorf("MAX_ACTIVE_INSTANCES must be at least 1, got %d", c.Pool.MaxActive))
	}
	if c.Pool.SweepSchedule == "" && c.Pool.CleanupInterval <= 0 {
		errs = append(errs, errors.New("CLEANUP_INTERVAL must be positive"))
	}
	if !engine.IsKnownProvider(c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is not supported", c.LLM.Provider))
	}
	if c.Engine.MaxLoops < 1 {
		errs = append(errs, fmt.Errorf("MAX_LOOPS must be at least 1, got %d", c.Engine.MaxLoops))
	}
	if c.Engine.ExecTimeout <= 0 {
		errs = append(errs, errors.New("EXEC_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

// DetectProvider picks a provider from whichever API key is present,
// falling back to the offline echo provider.
func DetectProvider() string {
	switch {
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		return "claude"
	case os.Getenv("OPENAI_API_KEY") != "":
		return "openai"
	case os.Getenv("KIMI_API_KEY") != "":
		return "kimi"
	default:
		return "echo"
	}
}

// EnvKeyForProvider returns the env var holding the provider's API key, or
// "" when the provider needs none.
func EnvKeyForProvider(provider string) string {
	switch provider {
	case "claude", "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "kimi":
		return "KIMI_API_KEY"
	case "echo", "ollama", "":
		return ""
	default:
		return strings.ToUpper(provider) + "_API_KEY"
	}
}

func getAPIKey(provider, prefix string) (string, error) {
	if key := os.Getenv(prefix + "_API_KEY"); key != "" {
		return key, nil
	}

	envKey := EnvKeyForProvider(provider)
	if envKey == "" {
		return "", nil
	}

	key := os.Getenv(envKey)
	if key == "" {
		return "", fmt.Errorf("%s not set", envKey)
	}
	return key, nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, v)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}
