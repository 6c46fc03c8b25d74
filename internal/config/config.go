package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Platform struct {
		GovernanceAccount string `yaml:"governance_account"`
		Authorities       []string `yaml:"authorities"`
	} `yaml:"platform"`
	Catalog struct {
		Categories map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"categories"`
		Tags []string `yaml:"tags"`
		Tokens map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"tokens"`
	} `yaml:"catalog"`
	Fees struct {
		PlatformBPS  int64 `yaml:"platform_bps"`
		AuthorityBPS int64 `yaml:"authority_bps"`
		PenaltyBPS   int64 `yaml:"penalty_bps"`
	} `yaml:"fees"`
	Claims struct {
		Bond               int64 `yaml:"bond"`
		ForgivenessSeconds int64 `yaml:"forgiveness_seconds"`
		MinDeadlineSeconds int64 `yaml:"min_deadline_seconds"`
		MaxDeadlineSeconds int64 `yaml:"max_deadline_seconds"`
	} `yaml:"claims"`
	Disputes struct {
		OpenWindowSeconds int64 `yaml:"open_window_seconds"`
	} `yaml:"disputes"`
	Contest struct {
		EntryCutoffSeconds int64 `yaml:"entry_cutoff_seconds"`
	} `yaml:"contest"`
	KYC struct {
		DefaultPolicy string `yaml:"default_policy"`
	} `yaml:"kyc"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Catalog.Categories) == 0 {
		return fmt.Errorf("config.catalog.categories is required")
	}
	for name := range c.Catalog.Categories {
		if name == "" {
			return fmt.Errorf("config.catalog.categories contains empty name")
		}
	}
	for _, tag := range c.Catalog.Tags {
		if tag == "" {
			return fmt.Errorf("config.catalog.tags contains empty tag")
		}
	}
	if len(c.Catalog.Tokens) == 0 {
		return fmt.Errorf("config.catalog.tokens is required")
	}
	for token := range c.Catalog.Tokens {
		if token == "" {
			return fmt.Errorf("config.catalog.tokens contains empty token id")
		}
	}
	if c.Fees.PlatformBPS < 0 || c.Fees.PlatformBPS > 10000 {
		return fmt.Errorf("config.fees.platform_bps must be within [0,10000]")
	}
	if c.Fees.AuthorityBPS < 0 || c.Fees.AuthorityBPS > 10000 {
		return fmt.Errorf("config.fees.authority_bps must be within [0,10000]")
	}
	if c.Fees.PenaltyBPS < 0 || c.Fees.PenaltyBPS > c.Fees.PlatformBPS {
		return fmt.Errorf("config.fees.penalty_bps must be within [0,platform_bps]")
	}
	if c.Claims.Bond < 0 {
		return fmt.Errorf("config.claims.bond must not be negative")
	}
	if c.Claims.MinDeadlineSeconds < 0 || c.Claims.MaxDeadlineSeconds < 0 {
		return fmt.Errorf("config.claims deadline bounds must not be negative")
	}
	if c.Claims.MaxDeadlineSeconds > 0 && c.Claims.MinDeadlineSeconds > c.Claims.MaxDeadlineSeconds {
		return fmt.Errorf("config.claims.min_deadline_seconds exceeds max_deadline_seconds")
	}
	if c.Disputes.OpenWindowSeconds < 0 {
		return fmt.Errorf("config.disputes.open_window_seconds must not be negative")
	}
	switch c.KYC.DefaultPolicy {
	case "", "none", "required", "deferred":
	default:
		return fmt.Errorf("config.kyc.default_policy must be none, required or deferred")
	}
	return nil
}

// HasCategory reports whether a category is in the catalog.
func (c *Config) HasCategory(name string) bool {
	_, ok := c.Catalog.Categories[name]
	return ok
}

// HasTag reports whether a tag is in the catalog. An empty tag catalog
// accepts any tag.
func (c *Config) HasTag(tag string) bool {
	if len(c.Catalog.Tags) == 0 {
		return true
	}
	for _, t := range c.Catalog.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasToken reports whether a token is in the catalog.
func (c *Config) HasToken(token string) bool {
	_, ok := c.Catalog.Tokens[token]
	return ok
}

// IsAuthority reports whether an account is a configured delegated authority.
func (c *Config) IsAuthority(account string) bool {
	for _, a := range c.Platform.Authorities {
		if a == account {
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
	return filepath.Join(workspace, "bountyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `platform:
  governance_account: dao.governance
  authorities: []

catalog:
  categories:
    development:
      description: "Software development work"
    design:
      description: "Design and UX work"
    marketing:
      description: "Content, outreach and promotion"
    research:
      description: "Analysis and research tasks"
    other:
      description: "Anything else"
  tags: []
  tokens:
    usdt.token:
      description: "Bridged USDT"
    wrap.token:
      description: "Wrapped native token"

fees:
  platform_bps: 1000
  authority_bps: 500
  penalty_bps: 0

claims:
  bond: 1000
  forgiveness_seconds: 86400
  min_deadline_seconds: 3600
  max_deadline_seconds: 7776000

disputes:
  open_window_seconds: 604800

contest:
  entry_cutoff_seconds: 0

kyc:
  default_policy: none
`
