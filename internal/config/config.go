package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models greeter.yml.
type Config struct {
	Node struct {
		ID            string `yaml:"id"`
		AdvertiseAddr string `yaml:"advertise_addr"`
	} `yaml:"node"`
	HTTP struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"http"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Service    ServiceConfig    `yaml:"service"`
}

// ClusterConfig controls the singleton lease shared by all peers.
type ClusterConfig struct {
	// Path is the coordination database; empty means the storage database.
	Path          string        `yaml:"path"`
	LeaseName     string        `yaml:"lease_name"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	RenewInterval time.Duration `yaml:"renew_interval"`
	MemberTTL     time.Duration `yaml:"member_ttl"`
	Secret        string        `yaml:"secret"`
}

type SupervisorConfig struct {
	MinBackoff   time.Duration `yaml:"min_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	Factor       float64       `yaml:"factor"`
	RandomFactor float64       `yaml:"random_factor"`
	ResetAfter   time.Duration `yaml:"reset_after"`
}

type ServiceConfig struct {
	AskTimeout      time.Duration `yaml:"ask_timeout"`
	DefaultGreeting string        `yaml:"default_greeting"`
	QueueSize       int           `yaml:"queue_size"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.ID) == "" {
		return fmt.Errorf("config.node.id is required")
	}
	if c.Node.AdvertiseAddr == "" {
		return fmt.Errorf("config.node.advertise_addr is required")
	}
	u, err := url.Parse(c.Node.AdvertiseAddr)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.node.advertise_addr must be an http(s) URL, got %q", c.Node.AdvertiseAddr)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config.http.addr is required")
	}
	if !strings.HasPrefix(c.HTTP.BasePath, "/") {
		return fmt.Errorf("config.http.base_path must start with '/'")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config.storage.path is required")
	}
	if c.Cluster.LeaseName == "" {
		return fmt.Errorf("config.cluster.lease_name is required")
	}
	if c.Cluster.LeaseDuration <= 0 || c.Cluster.RenewInterval <= 0 {
		return fmt.Errorf("config.cluster lease_duration and renew_interval must be positive")
	}
	if c.Cluster.RenewInterval*2 > c.Cluster.LeaseDuration {
		return fmt.Errorf("config.cluster.renew_interval %s must be at most half of lease_duration %s",
			c.Cluster.RenewInterval, c.Cluster.LeaseDuration)
	}
	if c.Cluster.MemberTTL <= 0 {
		return fmt.Errorf("config.cluster.member_ttl must be positive")
	}
	s := c.Supervisor
	if s.MinBackoff <= 0 {
		return fmt.Errorf("config.supervisor.min_backoff must be positive")
	}
	if s.MaxBackoff < s.MinBackoff {
		return fmt.Errorf("config.supervisor.max_backoff %s is below min_backoff %s", s.MaxBackoff, s.MinBackoff)
	}
	if s.Factor < 1 {
		return fmt.Errorf("config.supervisor.factor must be >= 1")
	}
	if s.RandomFactor < 0 || s.RandomFactor > 1 {
		return fmt.Errorf("config.supervisor.random_factor must be within [0,1]")
	}
	if s.ResetAfter <= 0 {
		return fmt.Errorf("config.supervisor.reset_after must be positive")
	}
	if c.Service.AskTimeout <= 0 {
		return fmt.Errorf("config.service.ask_timeout must be positive")
	}
	if c.Service.DefaultGreeting == "" {
		return fmt.Errorf("config.service.default_greeting is required")
	}
	if c.Service.QueueSize <= 0 {
		return fmt.Errorf("config.service.queue_size must be positive")
	}
	return nil
}

// CoordinationPath returns the database used for leases and membership.
func (c *Config) CoordinationPath() string {
	if c.Cluster.Path != "" {
		return c.Cluster.Path
	}
	return c.Storage.Path
}

// Path returns the default config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "greeter.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(nodeID string) string {
	return fmt.Sprintf(defaultTemplate, nodeID)
}

// Default returns the default Config struct for a node. The node id is set
// after decoding so any string is accepted verbatim.
func Default(nodeID string) *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(""))).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("config: built-in default template is invalid: %v", err))
	}
	cfg.Node.ID = nodeID
	return &cfg
}

// LoadOptional returns the defaults if the file does not exist.
func LoadOptional(path, nodeID string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(nodeID), nil
		}
		return nil, err
	}
	return FromYAML(data, nodeID)
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte, nodeID string) (*Config, error) {
	cfg := Default(nodeID)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path, nodeID string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data, nodeID)
}

const defaultTemplate = `node:
  id: %q
  advertise_addr: http://127.0.0.1:9000

http:
  addr: 127.0.0.1:9000
  base_path: /v0

storage:
  path: .greeter/greeter.db

cluster:
  lease_name: greeting-singleton
  lease_duration: 10s
  renew_interval: 3s
  member_ttl: 15s
  secret: ""

supervisor:
  min_backoff: 3s
  max_backoff: 30s
  factor: 2
  random_factor: 0.2
  reset_after: 30s

service:
  ask_timeout: 10s
  default_greeting: Hello
  queue_size: 256
`
