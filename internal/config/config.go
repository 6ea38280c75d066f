package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"gatekeeper/internal/domain"
)

// Config models gatekeeper.yml: the per-project gate policy plus the queue,
// worker and webhook settings. Nothing in the decision logic is hardcoded;
// it all flows from here.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Gate struct {
		RequiredChecks []string `yaml:"required_checks"`
		StrictDefault  bool     `yaml:"strict_default"`
		Freshness      struct {
			ValidationMinutes int `yaml:"validation_minutes"`
			VerdictMinutes    int `yaml:"verdict_minutes"`
			AlertMinutes      int `yaml:"alert_minutes"`
		} `yaml:"freshness"`
		Thresholds Thresholds `yaml:"thresholds"`
	} `yaml:"gate"`
	Queue struct {
		MaxRetries        int `yaml:"max_retries"`
		ProcessingTimeout int `yaml:"processing_timeout_seconds"`
		RetentionMinutes  int `yaml:"retention_minutes"`
		DequeueBatch      int `yaml:"dequeue_batch"`
	} `yaml:"queue"`
	Workers  map[string]WorkerConfig `yaml:"workers"`
	Webhooks []WebhookConfig         `yaml:"webhooks"`
}

// Thresholds are the numeric gates. Comparisons are inclusive at the
// boundary: coverage at exactly the minimum passes, a duration at exactly the
// maximum passes.
type Thresholds struct {
	CoverageMin          float64 `yaml:"coverage_min"`
	CoverageTarget       float64 `yaml:"coverage_target"`
	MaxBuildSeconds      float64 `yaml:"max_build_seconds"`
	MaxTestSeconds       float64 `yaml:"max_test_seconds"`
	MaxPerfRegressionPct float64 `yaml:"max_perf_regression_pct"`
}

type WorkerConfig struct {
	Pool    int      `yaml:"pool"`
	Command []string `yaml:"command,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with gk project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Gate.RequiredChecks) == 0 {
		return fmt.Errorf("config.gate.required_checks must not be empty")
	}
	known := map[string]bool{}
	for _, kind := range domain.CheckKinds() {
		known[kind] = true
	}
	seen := map[string]bool{}
	for _, kind := range c.Gate.RequiredChecks {
		if kind == "" {
			return fmt.Errorf("config.gate.required_checks contains empty check kind")
		}
		if !known[kind] {
			return fmt.Errorf("config.gate.required_checks names unknown check kind %s", kind)
		}
		if seen[kind] {
			return fmt.Errorf("config.gate.required_checks lists %s twice", kind)
		}
		seen[kind] = true
	}
	if c.Gate.Freshness.ValidationMinutes <= 0 {
		return fmt.Errorf("config.gate.freshness.validation_minutes must be positive")
	}
	if c.Gate.Freshness.VerdictMinutes <= 0 {
		return fmt.Errorf("config.gate.freshness.verdict_minutes must be positive")
	}
	if c.Gate.Freshness.AlertMinutes <= 0 {
		return fmt.Errorf("config.gate.freshness.alert_minutes must be positive")
	}
	if c.Gate.Thresholds.CoverageMin < 0 || c.Gate.Thresholds.CoverageMin > 100 {
		return fmt.Errorf("config.gate.thresholds.coverage_min must be between 0 and 100")
	}
	if c.Gate.Thresholds.CoverageTarget != 0 && c.Gate.Thresholds.CoverageTarget < c.Gate.Thresholds.CoverageMin {
		return fmt.Errorf("config.gate.thresholds.coverage_target below coverage_min")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config.queue.max_retries must not be negative")
	}
	if c.Queue.ProcessingTimeout <= 0 {
		return fmt.Errorf("config.queue.processing_timeout_seconds must be positive")
	}
	if c.Queue.RetentionMinutes <= 0 {
		return fmt.Errorf("config.queue.retention_minutes must be positive")
	}
	// Purge is keyed off result age; the retention floor keeps task bookkeeping
	// around at least as long as the decision engine's trailing window.
	if c.Queue.RetentionMinutes < c.Gate.Freshness.ValidationMinutes {
		return fmt.Errorf("config.queue.retention_minutes must cover gate.freshness.validation_minutes")
	}
	for capability, w := range c.Workers {
		if capability == "" {
			return fmt.Errorf("config.workers contains empty capability class")
		}
		if w.Pool < 0 {
			return fmt.Errorf("worker %s has negative pool size", capability)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// ValidationFreshness returns the freshness window for validation records.
func (c *Config) ValidationFreshness() time.Duration {
	return time.Duration(c.Gate.Freshness.ValidationMinutes) * time.Minute
}

// VerdictFreshness returns the freshness window for review verdicts.
func (c *Config) VerdictFreshness() time.Duration {
	return time.Duration(c.Gate.Freshness.VerdictMinutes) * time.Minute
}

// AlertWindow returns the trailing window for alert events.
func (c *Config) AlertWindow() time.Duration {
	return time.Duration(c.Gate.Freshness.AlertMinutes) * time.Minute
}

// Retention returns how long completed work items are retained.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Queue.RetentionMinutes) * time.Minute
}

// ProcessingTimeout returns how long an item may sit in processing before the
// liveness sweep reclaims it.
func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.Queue.ProcessingTimeout) * time.Second
}

// RequiresCheck reports whether kind is in the required check list.
func (c *Config) RequiresCheck(kind string) bool {
	for _, k := range c.Gate.RequiredChecks {
		if k == kind {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gatekeeper.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

gate:
  required_checks: [lint, build, test, coverage]
  strict_default: false
  freshness:
    validation_minutes: 60
    verdict_minutes: 60
    alert_minutes: 60
  thresholds:
    coverage_min: 70
    coverage_target: 85
    max_build_seconds: 600
    max_test_seconds: 900
    max_perf_regression_pct: 10

queue:
  max_retries: 3
  processing_timeout_seconds: 600
  retention_minutes: 120
  dequeue_batch: 10

workers:
  lint-worker:
    pool: 2
  build-worker:
    pool: 1
  test-worker:
    pool: 2
  coverage-worker:
    pool: 1
  perf-worker:
    pool: 1
  review-worker:
    pool: 1
  general-worker:
    pool: 1

webhooks: []
`
