package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type SourceConfig struct {
	DSN               string `yaml:"dsn"`
	Slot              string `yaml:"slot"`
	Publication       string `yaml:"publication"`
	CreatePublication bool   `yaml:"create_publication"`
	CreateSlot        bool   `yaml:"create_slot"`
}

type TargetConfig struct {
	DSN           string `yaml:"dsn"`
	PositionQuery string `yaml:"position_query"`
}

// ReverseConfig describes the changefeed topics the failback stream
// consumes from the target cluster.
type ReverseConfig struct {
	Brokers []string          `yaml:"brokers"`
	GroupID string            `yaml:"group_id"`
	Topics  map[string]string `yaml:"topics"` // topic -> schema-qualified table
}

type StagingConfig struct {
	Dir          string `yaml:"dir"`
	RetentionHrs int    `yaml:"retention_hours"`
}

type TableConfig struct {
	Name       string   `yaml:"name"` // schema-qualified
	KeyColumns []string `yaml:"key_columns"`
}

type ApplyConfig struct {
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMs int `yaml:"flush_interval_ms"`
	MaxAttempts     int `yaml:"max_attempts"`
	BackoffInitMs   int `yaml:"backoff_initial_ms"`
	BackoffMaxMs    int `yaml:"backoff_max_ms"`
}

type DrainConfig struct {
	QuietPeriodMs       int `yaml:"quiet_period_ms"`
	ZeroBacklogWindowMs int `yaml:"zero_backlog_window_ms"`
	TimeoutMs           int `yaml:"timeout_ms"`
}

// CommandConfig is the argv of an external tool adapter.
type CommandConfig struct {
	Command []string `yaml:"command"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Source   SourceConfig  `yaml:"source"`
	Target   TargetConfig  `yaml:"target"`
	Reverse  ReverseConfig `yaml:"reverse"`
	Staging  StagingConfig `yaml:"staging"`
	Tables   []TableConfig `yaml:"tables"`
	Apply    ApplyConfig   `yaml:"apply"`
	Drain    DrainConfig   `yaml:"drain"`
	BulkLoad CommandConfig `yaml:"bulkload"`
	Verify   CommandConfig `yaml:"verify"`
	HTTP     HTTPConfig    `yaml:"http"`
}

// Load reads the YAML config at path, fills defaults and validates it.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Staging.Dir == "" {
		c.Staging.Dir = "./staging"
	}
	if c.Staging.RetentionHrs <= 0 {
		c.Staging.RetentionHrs = 24
	}
	if c.Apply.BatchSize <= 0 {
		c.Apply.BatchSize = 256
	}
	if c.Apply.FlushIntervalMs <= 0 {
		c.Apply.FlushIntervalMs = 200
	}
	if c.Apply.MaxAttempts <= 0 {
		c.Apply.MaxAttempts = 5
	}
	if c.Apply.BackoffInitMs <= 0 {
		c.Apply.BackoffInitMs = 100
	}
	if c.Apply.BackoffMaxMs <= 0 {
		c.Apply.BackoffMaxMs = 5000
	}
	if c.Drain.QuietPeriodMs <= 0 {
		c.Drain.QuietPeriodMs = 5000
	}
	if c.Drain.ZeroBacklogWindowMs <= 0 {
		c.Drain.ZeroBacklogWindowMs = 10000
	}
	if c.Drain.TimeoutMs <= 0 {
		c.Drain.TimeoutMs = 600000
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Reverse.GroupID == "" {
		c.Reverse.GroupID = "pgshift-reverse"
	}
}

// Validate rejects configs that cannot possibly run.
func (c *Config) Validate() error {
	if c.Source.DSN == "" {
		return errors.New("config: source.dsn is required")
	}
	if c.Source.Slot == "" || c.Source.Publication == "" {
		return errors.New("config: source.slot and source.publication are required")
	}
	if c.Target.DSN == "" {
		return errors.New("config: target.dsn is required")
	}
	if len(c.Tables) == 0 {
		return errors.New("config: at least one table is required")
	}
	for _, t := range c.Tables {
		if t.Name == "" {
			return errors.New("config: table name is required")
		}
		if len(t.KeyColumns) == 0 {
			return fmt.Errorf("config: table %s: key_columns is required", t.Name)
		}
	}
	if len(c.BulkLoad.Command) == 0 {
		return errors.New("config: bulkload.command is required")
	}
	if len(c.Verify.Command) == 0 {
		return errors.New("config: verify.command is required")
	}
	return nil
}

// TableNames lists the schema-qualified table names in config order.
func (c *Config) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// KeyColumns maps each table to its primary key columns.
func (c *Config) KeyColumns() map[string][]string {
	m := make(map[string][]string, len(c.Tables))
	for _, t := range c.Tables {
		m[t.Name] = t.KeyColumns
	}
	return m
}
