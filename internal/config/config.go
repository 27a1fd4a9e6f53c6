package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the three taskrelay processes.
// Each process validates only the sections it uses.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Worker   WorkerConfig   `yaml:"worker"`
	Beat     BeatConfig     `yaml:"beat"`
	Email    EmailConfig    `yaml:"email"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// DatabaseConfig points at the shared SQLite file backing the broker and the
// result tracker.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableDebug     bool          `yaml:"enable_debug"`
}

type BrokerConfig struct {
	Lease        time.Duration `yaml:"lease"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WorkerConfig struct {
	Queues          []string      `yaml:"queues"`
	Concurrency     int           `yaml:"concurrency"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	ResultRetention time.Duration `yaml:"result_retention"`
}

type BeatConfig struct {
	TickInterval time.Duration       `yaml:"tick_interval"`
	Jobs         []PeriodicJobConfig `yaml:"jobs"`
}

// PeriodicJobConfig declares one recurring task. Payload is a JSON document.
type PeriodicJobConfig struct {
	Name     string `yaml:"name"`
	Task     string `yaml:"task"`
	Schedule string `yaml:"schedule"` // cron expression or "@every <duration>"
	Payload  string `yaml:"payload"`
}

// EmailConfig configures the SMTP mailer. An empty host selects the logging
// mailer (development mode).
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validateCommon() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Broker.Lease < 0 || c.Broker.PollInterval < 0 {
		return fmt.Errorf("broker durations must not be negative")
	}
	return nil
}

// ValidateAPI checks the sections the api process uses.
func (c *Config) ValidateAPI() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	return nil
}

// ValidateWorker checks the sections the worker process uses.
func (c *Config) ValidateWorker() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if len(c.Worker.Queues) == 0 {
		return fmt.Errorf("worker needs at least one queue")
	}
	if c.Worker.PollTimeout <= 0 {
		return fmt.Errorf("worker poll_timeout must be positive")
	}
	return nil
}

// ValidateBeat checks the sections the beat process uses.
func (c *Config) ValidateBeat() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Beat.TickInterval <= 0 {
		return fmt.Errorf("beat tick_interval must be positive")
	}
	for _, job := range c.Beat.Jobs {
		if job.Name == "" || job.Task == "" || job.Schedule == "" {
			return fmt.Errorf("beat job %q: name, task and schedule are required", job.Name)
		}
	}
	return nil
}
