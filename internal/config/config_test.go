package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("node-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "node-1", cfg.Node.ID)
	assert.Equal(t, 3*time.Second, cfg.Supervisor.MinBackoff)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.MaxBackoff)
	assert.Equal(t, 10*time.Second, cfg.Service.AskTimeout)
	assert.Equal(t, cfg.Storage.Path, cfg.CoordinationPath(), "coordination path should default to storage path")
}

func TestDefaultKeepsNodeIDVerbatim(t *testing.T) {
	for _, id := range []string{"a:b", "node #1", "- item", `quote"d`} {
		cfg := Default(id)
		assert.Equal(t, id, cfg.Node.ID)
		require.NoError(t, cfg.Validate())

		var printed Config
		require.NoError(t, yaml.Unmarshal([]byte(GenerateDefault(id)), &printed), "generated yaml for %q", id)
		assert.Equal(t, id, printed.Node.ID)
		assert.Equal(t, cfg.HTTP.Addr, printed.HTTP.Addr)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
node:
  advertise_addr: http://10.0.0.2:9100
service:
  default_greeting: Hi
cluster:
  path: /tmp/coord.db
`), "node-2")
	require.NoError(t, err)
	assert.Equal(t, "node-2", cfg.Node.ID)
	assert.Equal(t, "http://10.0.0.2:9100", cfg.Node.AdvertiseAddr)
	assert.Equal(t, "Hi", cfg.Service.DefaultGreeting)
	assert.Equal(t, 256, cfg.Service.QueueSize, "queue size default lost")
	assert.Equal(t, "/tmp/coord.db", cfg.CoordinationPath())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"advertise_addr":   func(c *Config) { c.Node.AdvertiseAddr = "127.0.0.1:9000" },
		"base_path":        func(c *Config) { c.HTTP.BasePath = "v0" },
		"renew_interval":   func(c *Config) { c.Cluster.RenewInterval = c.Cluster.LeaseDuration },
		"max_backoff":      func(c *Config) { c.Supervisor.MaxBackoff = time.Second },
		"factor":           func(c *Config) { c.Supervisor.Factor = 0.5 },
		"random_factor":    func(c *Config) { c.Supervisor.RandomFactor = 2 },
		"default_greeting": func(c *Config) { c.Service.DefaultGreeting = "" },
		"queue_size":       func(c *Config) { c.Service.QueueSize = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default("node-1")
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(Path(dir), "node-3")
	require.NoError(t, err)
	assert.Equal(t, "node-3", cfg.Node.ID, "expected defaults for missing file")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.yml"), []byte("http:\n  addr: 127.0.0.1:9999\n"), 0o644))
	cfg, err = LoadOptional(Path(dir), "node-3")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)
}
