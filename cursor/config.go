package cursor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrorPolicy decides what a record error does to the run.
type ErrorPolicy string

const (
	// SkipAndContinue drops the bad record and keeps reading.
	SkipAndContinue ErrorPolicy = "skip"
	// StopAndReport halts the run; everything written so far stays.
	StopAndReport ErrorPolicy = "stop"
)

// ParseErrorPolicy accepts "skip" or "stop".
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch p := ErrorPolicy(s); p {
	case SkipAndContinue, StopAndReport:
		return p, nil
	case "":
		return SkipAndContinue, nil
	default:
		return "", fmt.Errorf("cursor: unknown error policy %q (want skip or stop)", s)
	}
}

// Config holds the cursor's settings. The cursor never reads the
// environment; everything comes through here.
type Config struct {
	DBPath        string       `yaml:"db_path"`
	RawDir        string       `yaml:"raw_dir"`
	ErrorPolicy   ErrorPolicy  `yaml:"error_policy"`
	ProgressEvery int          `yaml:"progress_every"`
	Defaults      FilterConfig `yaml:"default_filters"`
}

// FilterConfig is the YAML form of Filters.
type FilterConfig struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	SkipMedia bool   `yaml:"skip_media"`
	Limit     int    `yaml:"limit"`
}

// Filters parses the configured dates.
func (fc FilterConfig) Filters() (Filters, error) {
	from, err := ParseDate(fc.From)
	if err != nil {
		return Filters{}, err
	}
	to, err := ParseDate(fc.To)
	if err != nil {
		return Filters{}, err
	}
	return Filters{From: from, To: to, SkipMedia: fc.SkipMedia, Limit: fc.Limit}, nil
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "chanarchive.db"
	}
	if c.ErrorPolicy == "" {
		c.ErrorPolicy = SkipAndContinue
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 50
	}
}

// Validate checks values defaults() cannot repair.
func (c *Config) Validate() error {
	if _, err := ParseErrorPolicy(string(c.ErrorPolicy)); err != nil {
		return err
	}
	_, err := c.Defaults.Filters()
	return err
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
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
