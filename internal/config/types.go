package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Pool    PoolConfig    `yaml:"pool"`
	LLM     LLMConfig     `yaml:"llm"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type SessionConfig struct {
	Dir         string   `yaml:"dir"`
	Timeout     Duration `yaml:"timeout"`
	LockTimeout Duration `yaml:"lock_timeout"`
}

type PoolConfig struct {
	MaxActive       int      `yaml:"max_active_instances"`
	InstanceTimeout Duration `yaml:"instance_timeout"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	// SweepSchedule is a cron expression; it wins over CleanupInterval.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"-"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type EngineConfig struct {
	AutoRun      bool     `yaml:"auto_run"`
	MaxLoops     int      `yaml:"max_loops"`
	SandboxDir   string   `yaml:"sandbox_dir"`
	ExecTimeout  Duration `yaml:"exec_timeout"`
	SystemPrompt string   `yaml:"system_prompt"`
}

// StorageConfig holds MinIO settings for session archival
type StorageConfig struct {
	Enabled   bool   `yaml:"-"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration accepts Go duration syntax ("5m") or a bare number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
