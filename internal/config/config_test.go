package config_test

import (
	"strings"
	"testing"
	"time"

	"gatekeeper/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if !cfg.RequiresCheck("lint") || cfg.RequiresCheck("performance") {
		t.Fatalf("unexpected required checks: %v", cfg.Gate.RequiredChecks)
	}
}

func TestGeneratedTemplateRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("demo")))
	if err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if cfg.Workers["lint-worker"].Pool != 2 {
		t.Fatalf("lint-worker pool = %d", cfg.Workers["lint-worker"].Pool)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing project id", func(c *config.Config) { c.Project.ID = "" }, "project.id"},
		{"no required checks", func(c *config.Config) { c.Gate.RequiredChecks = nil }, "required_checks"},
		{"duplicate check", func(c *config.Config) { c.Gate.RequiredChecks = []string{"lint", "lint"} }, "twice"},
		{"unknown check kind", func(c *config.Config) { c.Gate.RequiredChecks = []string{"lint", "lintt"} }, "unknown check kind"},
		{"zero freshness", func(c *config.Config) { c.Gate.Freshness.ValidationMinutes = 0 }, "validation_minutes"},
		{"coverage over 100", func(c *config.Config) { c.Gate.Thresholds.CoverageMin = 120 }, "coverage_min"},
		{"target below min", func(c *config.Config) {
			c.Gate.Thresholds.CoverageMin = 80
			c.Gate.Thresholds.CoverageTarget = 60
		}, "coverage_target"},
		{"negative retries", func(c *config.Config) { c.Queue.MaxRetries = -1 }, "max_retries"},
		{"retention below freshness", func(c *config.Config) {
			c.Gate.Freshness.ValidationMinutes = 200
			c.Queue.RetentionMinutes = 100
		}, "retention_minutes"},
		{"webhook without url", func(c *config.Config) {
			c.Webhooks = []config.WebhookConfig{{}}
		}, "url"},
	}
	for _, c := range cases {
		cfg := config.Default("proj-1")
		c.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: err = %v, want mention of %q", c.name, err, c.want)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Gate.Freshness.ValidationMinutes = 45
	cfg.Queue.ProcessingTimeout = 90
	if cfg.ValidationFreshness() != 45*time.Minute {
		t.Fatalf("freshness = %v", cfg.ValidationFreshness())
	}
	if cfg.ProcessingTimeout() != 90*time.Second {
		t.Fatalf("processing timeout = %v", cfg.ProcessingTimeout())
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte(":::")); err == nil {
		t.Fatal("expected parse error")
	}
}
