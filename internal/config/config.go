package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fleetline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		PublicURL string `yaml:"public_url"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Deploy struct {
		PollInterval string `yaml:"poll_interval"`
		WaitBudget   string `yaml:"wait_budget"`
	} `yaml:"deploy"`
	Firmware struct {
		MaxSize   int64  `yaml:"max_size"`
		Extension string `yaml:"extension"`
		Storage   string `yaml:"storage"`
		Dir       string `yaml:"dir"`
		S3        struct {
			Endpoint  string `yaml:"endpoint"`
			Bucket    string `yaml:"bucket"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			UseSSL    bool   `yaml:"use_ssl"`
			URLExpiry string `yaml:"url_expiry"`
		} `yaml:"s3"`
	} `yaml:"firmware"`
	Registry struct {
		OfflineAfter string `yaml:"offline_after"`
	} `yaml:"registry"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"deploy.poll_interval":   c.Deploy.PollInterval,
		"deploy.wait_budget":     c.Deploy.WaitBudget,
		"registry.offline_after": c.Registry.OfflineAfter,
		"firmware.s3.url_expiry": c.Firmware.S3.URLExpiry,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config.%s: invalid duration %q", name, v)
		}
	}
	if c.Firmware.MaxSize < 0 {
		return fmt.Errorf("config.firmware.max_size must not be negative")
	}
	switch c.Firmware.Storage {
	case "", "local":
	case "s3":
		if c.Firmware.S3.Endpoint == "" {
			return fmt.Errorf("config.firmware.s3.endpoint is required for s3 storage")
		}
		if c.Firmware.S3.Bucket == "" {
			return fmt.Errorf("config.firmware.s3.bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("config.firmware.storage must be 'local' or 's3'")
	}
	if c.Firmware.Extension != "" && !strings.HasPrefix(c.Firmware.Extension, ".") {
		return fmt.Errorf("config.firmware.extension must start with a dot")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (c *Config) duration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// PollInterval is the watcher check interval for deployments.
func (c *Config) PollInterval() time.Duration {
	return c.duration(c.Deploy.PollInterval, 10*time.Second)
}

// WaitBudget is the bounded wait for one device's OTA outcome.
func (c *Config) WaitBudget() time.Duration {
	return c.duration(c.Deploy.WaitBudget, 5*time.Minute)
}

// OfflineAfter is the heartbeat staleness threshold.
func (c *Config) OfflineAfter() time.Duration {
	return c.duration(c.Registry.OfflineAfter, 60*time.Second)
}

// URLExpiry is the lifetime of presigned firmware download URLs.
func (c *Config) URLExpiry() time.Duration {
	return c.duration(c.Firmware.S3.URLExpiry, time.Hour)
}

// MaxFirmwareSize is the upload size cap in bytes.
func (c *Config) MaxFirmwareSize() int64 {
	if c.Firmware.MaxSize == 0 {
		return 2 * 1024 * 1024
	}
	return c.Firmware.MaxSize
}

// FirmwareExtension is the accepted artifact extension.
func (c *Config) FirmwareExtension() string {
	if c.Firmware.Extension == "" {
		return ".bin"
	}
	return c.Firmware.Extension
}

// ListenAddr is the HTTP bind address.
func (c *Config) ListenAddr() string {
	if c.Server.Addr == "" {
		return ":8080"
	}
	return c.Server.Addr
}

// BasePath is the API prefix.
func (c *Config) BasePath() string {
	if c.Server.BasePath == "" {
		return "/v0"
	}
	return c.Server.BasePath
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fleetline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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
  addr: ":8080"
  base_path: /v0
  public_url: http://localhost:8080

deploy:
  poll_interval: 10s
  wait_budget: 5m

firmware:
  max_size: 2097152
  extension: .bin
  storage: local

registry:
  offline_after: 60s
`
