package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models catalog.yml. Secret values are never stored here, only the
// names of the environment variables or secret ids that hold them.
type Config struct {
	Catalog struct {
		Name string `yaml:"name" json:"name"`
	} `yaml:"catalog" json:"catalog"`
	Database struct {
		Driver string `yaml:"driver" json:"driver"`
		DSN    string `yaml:"dsn" json:"-"`
	} `yaml:"database" json:"database"`
	VCS     VCSConfig     `yaml:"vcs" json:"vcs"`
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Roles   struct {
		Editors []string `yaml:"editors" json:"editors"`
		Admins  []string `yaml:"admins" json:"admins"`
	} `yaml:"roles" json:"roles"`
	Notifications []NotificationConfig `yaml:"notifications" json:"notifications"`
}

type VCSConfig struct {
	Provider          string   `yaml:"provider" json:"provider"`
	APIURL            string   `yaml:"api_url" json:"api_url"`
	Owner             string   `yaml:"owner" json:"owner"`
	Repo              string   `yaml:"repo" json:"repo"`
	BaseBranch        string   `yaml:"base_branch" json:"base_branch"`
	TokenEnv          string   `yaml:"token_env" json:"token_env"`
	TokenSecretID     string   `yaml:"token_secret_id" json:"token_secret_id"`
	TokenSecretRegion string   `yaml:"token_secret_region" json:"token_secret_region"`
	Committer         Identity `yaml:"committer" json:"committer"`
	MaxRetries        int      `yaml:"max_retries" json:"max_retries"`
	TimeoutSeconds    int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type Identity struct {
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email" json:"email"`
}

type WebhookConfig struct {
	SecretEnv    string `yaml:"secret_env" json:"secret_env"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" json:"max_body_bytes"`
}

type SyncConfig struct {
	Mode           string `yaml:"mode" json:"mode"`
	Workers        int    `yaml:"workers" json:"workers"`
	QueueSize      int    `yaml:"queue_size" json:"queue_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// NotificationConfig is one outbound subscriber for catalog events.
type NotificationConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	SecretEnv      string   `yaml:"secret_env" json:"secret_env"`
	Enabled        *bool    `yaml:"enabled" json:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

const (
	ProviderGitHub = "github"
	ProviderMemory = "memory"

	SyncModeAwait = "await"
	SyncModeAsync = "async"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with catalog config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	switch c.VCS.Provider {
	case ProviderMemory:
	case ProviderGitHub:
		if c.VCS.Owner == "" || c.VCS.Repo == "" {
			return fmt.Errorf("config.vcs.owner and config.vcs.repo are required for github")
		}
		if c.VCS.TokenEnv == "" && c.VCS.TokenSecretID == "" {
			return fmt.Errorf("config.vcs.token_env or config.vcs.token_secret_id is required for github")
		}
	default:
		return fmt.Errorf("config.vcs.provider must be github or memory")
	}
	if c.VCS.BaseBranch == "" {
		return fmt.Errorf("config.vcs.base_branch is required")
	}
	if c.VCS.Committer.Name == "" || c.VCS.Committer.Email == "" {
		return fmt.Errorf("config.vcs.committer name and email are required")
	}
	switch c.Sync.Mode {
	case SyncModeAwait, SyncModeAsync:
	default:
		return fmt.Errorf("config.sync.mode must be await or async")
	}
	if c.Sync.Workers < 0 || c.Sync.QueueSize < 0 {
		return fmt.Errorf("config.sync workers and queue_size must not be negative")
	}
	for i, n := range c.Notifications {
		if strings.TrimSpace(n.URL) == "" {
			return fmt.Errorf("config.notifications[%d].url is required", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.VCS.Provider == "" {
		c.VCS.Provider = ProviderMemory
	}
	if c.VCS.BaseBranch == "" {
		c.VCS.BaseBranch = "main"
	}
	if c.VCS.Committer.Name == "" {
		c.VCS.Committer.Name = "Catalog Bot"
	}
	if c.VCS.Committer.Email == "" {
		c.VCS.Committer.Email = "catalog-bot@users.noreply.github.com"
	}
	if c.Webhook.SecretEnv == "" {
		c.Webhook.SecretEnv = "CATALOG_WEBHOOK_SECRET"
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 5 << 20
	}
	if c.Sync.Mode == "" {
		c.Sync.Mode = SyncModeAwait
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 2
	}
	if c.Sync.QueueSize == 0 {
		c.Sync.QueueSize = 64
	}
	if c.Sync.TimeoutSeconds <= 0 {
		c.Sync.TimeoutSeconds = 30
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "catalog.yml")
}

// Default returns the default Config: in-memory host, awaited sync, sqlite.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

const DefaultTemplate = `catalog:
  name: community-catalog

database:
  driver: sqlite

vcs:
  # github talks to the REST API; memory keeps branches and pull requests in-process.
  provider: memory
  api_url: https://api.github.com
  owner: ""
  repo: ""
  base_branch: main
  token_env: GITHUB_TOKEN
  committer:
    name: Catalog Bot
    email: catalog-bot@users.noreply.github.com

webhook:
  secret_env: CATALOG_WEBHOOK_SECRET

sync:
  mode: await
  workers: 2
  queue_size: 64
  timeout_seconds: 30

roles:
  editors: []
  admins: []
`
