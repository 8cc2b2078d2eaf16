package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"filigree/internal/errs"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.Prefix != "fil" || cfg.Findings.Threshold != "high" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.ScanCooldown() != 5*time.Minute {
		t.Fatalf("cooldown = %v", cfg.ScanCooldown())
	}
	if cfg.ArchiveAge() != 30*24*time.Hour {
		t.Fatalf("archive age = %v", cfg.ArchiveAge())
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := "project:\n  prefix: widget\nfindings:\n  threshold: critical\n"
	if err := os.WriteFile(filepath.Join(dir, "filigree.yml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.Prefix != "widget" {
		t.Fatalf("prefix = %s", cfg.Project.Prefix)
	}
	if cfg.Findings.Threshold != "critical" {
		t.Fatalf("threshold = %s", cfg.Findings.Threshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Archive.AgeDays != 30 || cfg.Server.Addr == "" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestFromYAMLValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty prefix", "project:\n  prefix: \"\"\n"},
		{"bad threshold", "findings:\n  threshold: mild\n"},
		{"negative cooldown", "findings:\n  scan_cooldown_seconds: -1\n"},
		{"negative age", "archive:\n  age_days: -7\n"},
		{"malformed yaml", "project: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromYAML([]byte(tc.raw)); !errs.Is(err, errs.KindValidation) {
				t.Fatalf("got %v", err)
			}
		})
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("acme")))
	if err != nil {
		t.Fatalf("generated config invalid: %v", err)
	}
	if cfg.Project.Prefix != "acme" {
		t.Fatalf("prefix = %s", cfg.Project.Prefix)
	}
}
