package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"breakline/internal/accounts"
	"breakline/internal/domain"
)

const (
	FileName = "breakline.yml"

	DefaultAddr               = "127.0.0.1:8080"
	DefaultBasePath           = "/v0"
	DefaultTokenTTLMinutes    = 720
	DefaultLoginRatePerMinute = 10
)

// Config models breakline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret          string `yaml:"jwt_secret"`
		TokenTTLMinutes    int    `yaml:"token_ttl_minutes"`
		LoginRatePerMinute *int   `yaml:"login_rate_per_minute"`
	} `yaml:"auth"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Bootstrap struct {
		Manager *BootstrapAccount `yaml:"manager"`
	} `yaml:"bootstrap"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// BootstrapAccount is the first manager, created by bl init so that someone
// can provision the rest of the staff.
type BootstrapAccount struct {
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must not be negative")
	}
	if r := c.Auth.LoginRatePerMinute; r != nil && *r < 0 {
		return fmt.Errorf("config.auth.login_rate_per_minute must not be negative")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if len(c.RBAC.Roles) > 0 {
		for _, role := range []domain.Role{domain.RoleReporter, domain.RoleManager, domain.RoleTechnician} {
			if _, ok := c.RBAC.Roles[string(role)]; !ok {
				return fmt.Errorf("config.rbac.roles must include %s", role)
			}
		}
		for roleID, role := range c.RBAC.Roles {
			if !domain.Role(roleID).Valid() {
				return fmt.Errorf("config.rbac.roles contains unknown role %q", roleID)
			}
			for _, perm := range role.Permissions {
				if strings.TrimSpace(perm) == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	if m := c.Bootstrap.Manager; m != nil {
		if m.Name == "" || m.Email == "" || m.Password == "" {
			return fmt.Errorf("config.bootstrap.manager needs name, email and password")
		}
		if err := accounts.ValidatePassword(m.Password); err != nil {
			return fmt.Errorf("config.bootstrap.manager: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Permissions returns the permissions granted to role, sorted.
func (c *Config) Permissions(role domain.Role) []string {
	r, ok := c.RBAC.Roles[string(role)]
	if !ok {
		return nil
	}
	perms := append([]string(nil), r.Permissions...)
	sort.Strings(perms)
	return perms
}

// Addr returns the listen address, defaulted.
func (c *Config) Addr() string {
	if c.Server.Addr == "" {
		return DefaultAddr
	}
	return c.Server.Addr
}

func (c *Config) BasePath() string {
	if c.Server.BasePath == "" {
		return DefaultBasePath
	}
	return c.Server.BasePath
}

func (c *Config) TokenTTLMinutes() int {
	if c.Auth.TokenTTLMinutes == 0 {
		return DefaultTokenTTLMinutes
	}
	return c.Auth.TokenTTLMinutes
}

// LoginRatePerMinute is the login attempt cap per client address. An
// explicit 0 disables the limit; leaving it out uses the default.
func (c *Config) LoginRatePerMinute() int {
	if c.Auth.LoginRatePerMinute == nil {
		return DefaultLoginRatePerMinute
	}
	return *c.Auth.LoginRatePerMinute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML with the given signing secret.
func GenerateDefault(jwtSecret string) string {
	return fmt.Sprintf(defaultTemplate, jwtSecret)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(""))).Decode(&cfg)
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  jwt_secret: "%s"
  token_ttl_minutes: 720
  login_rate_per_minute: 10

log:
  level: info

rbac:
  roles:
    reporter:
      description: "Files breakdown reports and follows their progress"
      permissions:
        - report.create
        - report.edit
        - report.delete
        - view.reporter
    manager:
      description: "Triages reports, assigns technicians, manages staff"
      permissions:
        - report.edit
        - report.delete
        - report.assign
        - view.manager
        - user.read
        - user.provision
        - user.deprovision
    technician:
      description: "Works and resolves the reports assigned to them"
      permissions:
        - report.work
        - report.resolve
        - view.technician

# bootstrap:
#   manager:
#     name: Site Manager
#     email: manager@example.com
#     password: change1!

webhooks: []
`
