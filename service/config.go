package service

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/chartrec/browser"
)

// Config holds all chartrecd configuration.
type Config struct {
	DBPath    string          `yaml:"db_path"`
	Listen    string          `yaml:"listen"`
	Browser   browser.Config  `yaml:"browser"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Commands  CommandConfig   `yaml:"commands"`
	Auth      AuthConfig      `yaml:"auth"`
}

// SchedulerConfig controls job lifecycle behaviour.
type SchedulerConfig struct {
	// ConfirmTimeout bounds the login-confirmation wait. 0 = no timeout.
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
	SkipLivenessCheck bool          `yaml:"skip_liveness_check"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	StallThreshold    time.Duration `yaml:"stall_threshold"`
}

// CommandConfig controls the durable command queue.
type CommandConfig struct {
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// AuthConfig enables HTTP Basic auth when both fields are set. PasswordHash
// is a bcrypt hash, never the cleartext password.
type AuthConfig struct {
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "chartrec.db"
	}
	if c.Listen == "" {
		c.Listen = ":8472"
	}
	if c.Scheduler.SweepInterval <= 0 {
		c.Scheduler.SweepInterval = time.Minute
	}
	if c.Scheduler.StallThreshold <= 0 {
		c.Scheduler.StallThreshold = 10 * time.Minute
	}
}

// LoadInto unmarshals the YAML config file into an arbitrary struct, letting
// callers read extra sections (portal adapter declarations) from the same
// file.
func LoadInto(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
