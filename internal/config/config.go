// Package config models filigree.yml, the optional workspace configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"filigree/internal/errs"
)

// Config models filigree.yml. Every field has a usable default, so a missing
// file means a default workspace, not an error.
type Config struct {
	Project struct {
		Prefix string `yaml:"prefix"`
		Actor  string `yaml:"actor"`
	} `yaml:"project"`
	Workflows struct {
		Packs []string `yaml:"packs"`
	} `yaml:"workflows"`
	Findings struct {
		Threshold       string `yaml:"threshold"`
		AutoCreate      bool   `yaml:"auto_create"`
		ScanCooldownSec int    `yaml:"scan_cooldown_seconds"`
	} `yaml:"findings"`
	Archive struct {
		AgeDays int `yaml:"age_days"`
	} `yaml:"archive"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Default returns the default workspace configuration.
func Default() *Config {
	var cfg Config
	cfg.Project.Prefix = "fil"
	cfg.Project.Actor = "local-user"
	cfg.Findings.Threshold = "high"
	cfg.Findings.AutoCreate = true
	cfg.Findings.ScanCooldownSec = 300
	cfg.Archive.AgeDays = 30
	cfg.Server.Addr = "127.0.0.1:7133"
	return &cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "filigree.yml")
}

// Load reads the workspace config, falling back to defaults when the file is
// absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields take
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "invalid config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.Prefix == "" {
		return errs.New(errs.KindValidation, "config.project.prefix must not be empty")
	}
	switch c.Findings.Threshold {
	case "low", "medium", "high", "critical":
	default:
		return errs.New(errs.KindValidation, "config.findings.threshold must be low, medium, high, or critical")
	}
	if c.Findings.ScanCooldownSec < 0 {
		return errs.New(errs.KindValidation, "config.findings.scan_cooldown_seconds must not be negative")
	}
	if c.Archive.AgeDays < 0 {
		return errs.New(errs.KindValidation, "config.archive.age_days must not be negative")
	}
	return nil
}

// ScanCooldown returns the cooldown as a duration.
func (c *Config) ScanCooldown() time.Duration {
	return time.Duration(c.Findings.ScanCooldownSec) * time.Second
}

// ArchiveAge returns the archive cutoff age as a duration.
func (c *Config) ArchiveAge() time.Duration {
	return time.Duration(c.Archive.AgeDays) * 24 * time.Hour
}

// GenerateDefault returns default config YAML for fil init.
func GenerateDefault(prefix string) string {
	return fmt.Sprintf(defaultTemplate, prefix)
}

const defaultTemplate = `project:
  prefix: %s
  actor: local-user

workflows:
  packs: []

findings:
  threshold: high
  auto_create: true
  scan_cooldown_seconds: 300

archive:
  age_days: 30

server:
  addr: 127.0.0.1:7133
`
