package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models vintrack.yml.
type Config struct {
	Winery struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"winery"`
	Varietals struct {
		Catalog map[string]struct {
			Name string `yaml:"name"`
		} `yaml:"catalog"`
	} `yaml:"varietals"`
	Roles struct {
		Elevated []string `yaml:"elevated"`
	} `yaml:"roles"`
	Alerting struct {
		SMS   ChannelConfig `yaml:"sms"`
		Email ChannelConfig `yaml:"email"`
	} `yaml:"alerting"`
	Scheduler struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		LookaheadHours  int `yaml:"lookahead_hours"`
	} `yaml:"scheduler"`
}

// ChannelConfig describes one outbound delivery provider endpoint.
type ChannelConfig struct {
	URL            string `yaml:"url"`
	Enabled        *bool  `yaml:"enabled"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// On reports whether the channel is enabled (default true when a URL is set).
func (c ChannelConfig) On() bool {
	if c.URL == "" {
		return false
	}
	return c.Enabled == nil || *c.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run vt init or import one", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Winery.ID == "" {
		return fmt.Errorf("config.winery.id is required")
	}
	if len(c.Roles.Elevated) == 0 {
		return fmt.Errorf("config.roles.elevated must list at least one role")
	}
	for _, role := range c.Roles.Elevated {
		if role == "" {
			return fmt.Errorf("config.roles.elevated contains empty role")
		}
	}
	for code, v := range c.Varietals.Catalog {
		if code == "" {
			return fmt.Errorf("config.varietals.catalog contains empty code")
		}
		if v.Name == "" {
			return fmt.Errorf("varietal %s has empty name", code)
		}
	}
	if c.Scheduler.IntervalSeconds < 0 {
		return fmt.Errorf("config.scheduler.interval_seconds must not be negative")
	}
	if c.Scheduler.LookaheadHours < 0 {
		return fmt.Errorf("config.scheduler.lookahead_hours must not be negative")
	}
	return nil
}

// KnownVarietal reports whether a varietal code is in the catalog. An empty
// catalog accepts any code.
func (c *Config) KnownVarietal(code string) bool {
	if len(c.Varietals.Catalog) == 0 {
		return true
	}
	_, ok := c.Varietals.Catalog[code]
	return ok
}

// ElevatedRole reports whether any of the given roles is elevated.
func (c *Config) ElevatedRole(roles []string) bool {
	for _, r := range roles {
		for _, e := range c.Roles.Elevated {
			if r == e {
				return true
			}
		}
	}
	return false
}

// SchedulerInterval returns the scan interval in seconds, defaulted.
func (c *Config) SchedulerInterval() int {
	if c.Scheduler.IntervalSeconds > 0 {
		return c.Scheduler.IntervalSeconds
	}
	return 300
}

// SchedulerLookahead returns the approaching-step horizon in hours, defaulted.
func (c *Config) SchedulerLookahead() int {
	if c.Scheduler.LookaheadHours > 0 {
		return c.Scheduler.LookaheadHours
	}
	return 12
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vintrack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(wineryID string) string {
	return fmt.Sprintf(defaultTemplate, wineryID)
}

// Default returns the default Config struct for a winery.
func Default(wineryID string) *Config {
	var cfg Config
	cfg.Winery.ID = wineryID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, wineryID))).Decode(&cfg)
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

const defaultTemplate = `winery:
  id: %s
  name: Default Winery

varietals:
  catalog:
    CAB:
      name: "Cabernet Sauvignon"
    PIN:
      name: "Pinot Noir"
    CHA:
      name: "Chardonnay"
    SYR:
      name: "Syrah"
    RIE:
      name: "Riesling"

roles:
  elevated: [winemaker, cellar_master]

alerting:
  sms:
    url: ""
    timeout_seconds: 5
  email:
    url: ""
    timeout_seconds: 5

scheduler:
  interval_seconds: 300
  lookahead_hours: 12
`
