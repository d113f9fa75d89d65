package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stegops/internal/domain"
)

// FileName is the project config file looked up at the workspace root.
const FileName = "stegops.yml"

// Config models stegops.yml.
type Config struct {
	Intake struct {
		Label string `yaml:"label"`
	} `yaml:"intake"`
	Storage struct {
		LeadsDir string `yaml:"leads_dir"`
	} `yaml:"storage"`
	Labels Labels `yaml:"labels"`
	Trust  struct {
		Authorized []string `yaml:"authorized"`
	} `yaml:"trust"`
	Pricing   Pricing `yaml:"pricing"`
	Workspace struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"workspace"`
	Lock      Lock `yaml:"lock"`
	Lifecycle struct {
		AllowReopen bool `yaml:"allow_reopen"`
	} `yaml:"lifecycle"`
	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"journal"`
	Validation struct {
		AllowedPaths []string `yaml:"allowed_paths"`
	} `yaml:"validate"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Labels names the tracker labels that drive transitions.
type Labels struct {
	Qualified          string `yaml:"qualified"`
	SOWGenerated       string `yaml:"sow_generated"`
	InvoiceGenerated   string `yaml:"invoice_generated"`
	PaymentClaimed     string `yaml:"payment_claimed"`
	VerifyPayment      string `yaml:"verify_payment"`
	DeliverablesPushed string `yaml:"deliverables_pushed"`
	NoResponse         string `yaml:"no_response"`
	Monthly            string `yaml:"monthly"`
	Audit              string `yaml:"audit"`
}

type Pricing struct {
	Monthly string `yaml:"monthly"`
	OneTime string `yaml:"one_time"`
}

// For returns the suggested amount for a service line.
func (p Pricing) For(s domain.Service) string {
	if s == domain.ServiceMonthly {
		return p.Monthly
	}
	return p.OneTime
}

type Lock struct {
	Timeout    time.Duration `yaml:"timeout"`
	Poll       time.Duration `yaml:"poll"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type Webhook struct {
	ID             string            `yaml:"id"`
	URL            string            `yaml:"url"`
	Events         []string          `yaml:"events"`
	Secret         string            `yaml:"secret"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Enabled        *bool             `yaml:"enabled"`
}

// IsEnabled treats an unset flag as enabled.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with stegops config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Intake.Label) == "" {
		return fmt.Errorf("config.intake.label is required")
	}
	leads := strings.TrimSpace(c.Storage.LeadsDir)
	if leads == "" {
		return fmt.Errorf("config.storage.leads_dir is required")
	}
	if filepath.IsAbs(leads) || strings.HasPrefix(filepath.Clean(leads), "..") {
		return fmt.Errorf("config.storage.leads_dir must be relative to the workspace")
	}
	labels := map[string]string{
		"qualified":           c.Labels.Qualified,
		"sow_generated":       c.Labels.SOWGenerated,
		"invoice_generated":   c.Labels.InvoiceGenerated,
		"payment_claimed":     c.Labels.PaymentClaimed,
		"verify_payment":      c.Labels.VerifyPayment,
		"deliverables_pushed": c.Labels.DeliverablesPushed,
		"no_response":         c.Labels.NoResponse,
		"monthly":             c.Labels.Monthly,
		"audit":               c.Labels.Audit,
	}
	for key, v := range labels {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("config.labels.%s is required", key)
		}
	}
	if len(c.Trust.Authorized) == 0 {
		return fmt.Errorf("config.trust.authorized must list at least one trust level")
	}
	for _, lvl := range c.Trust.Authorized {
		if strings.TrimSpace(lvl) == "" {
			return fmt.Errorf("config.trust.authorized contains an empty trust level")
		}
	}
	if c.Pricing.Monthly == "" || c.Pricing.OneTime == "" {
		return fmt.Errorf("config.pricing.monthly and config.pricing.one_time are required")
	}
	if !strings.HasPrefix(c.Workspace.BaseURL, "https://") {
		return fmt.Errorf("config.workspace.base_url must be an https url")
	}
	if c.Lock.Timeout < 0 || c.Lock.Poll <= 0 || c.Lock.StaleAfter < 0 {
		return fmt.Errorf("config.lock requires timeout >= 0, poll > 0, stale_after >= 0")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Dir) == "" {
		return fmt.Errorf("config.journal.dir is required when the journal is enabled")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the effective config.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const defaultTemplate = `intake:
  label: stegops

storage:
  leads_dir: leads

labels:
  qualified: qualified
  sow_generated: sow-generated
  invoice_generated: invoice-generated
  payment_claimed: payment-claimed
  verify_payment: verify-payment
  deliverables_pushed: deliverables-pushed
  no_response: no-response
  monthly: monthly
  audit: audit

trust:
  authorized: [OWNER, MEMBER, COLLABORATOR]

pricing:
  monthly: "$99 / month"
  one_time: "$2,500 USD"

workspace:
  base_url: https://github.com/StegVerse-Labs/StegOps-Deliverables/tree/main

lock:
  timeout: 45s
  poll: 250ms
  stale_after: 0s

lifecycle:
  allow_reopen: false

journal:
  enabled: true
  dir: .stegops

validate:
  allowed_paths: [.stegops/]

webhooks: []
`
