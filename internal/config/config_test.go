package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database: /tmp/q.db
storage:
  driver: local
  local_root: /srv/proofs
queue:
  max_attempts: 5
transfer:
  strategy: socket
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/q.db", cfg.Database)
	assert.Equal(t, "local", cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, "socket", cfg.Transfer.Strategy)
	// untouched defaults survive
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, 60, cfg.Proof.Quality)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: local
  local_root: /srv/proofs
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-attempts", 3, "")
	flags.String("strategy", "auto", "")
	flags.Int("batch-size", 10, "")
	require.NoError(t, flags.Parse([]string{"--max-attempts=7", "--strategy=sequential"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.Equal(t, "sequential", cfg.Transfer.Strategy)
	assert.Equal(t, 10, cfg.Queue.BatchSize, "unchanged flag must not override")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"s3 needs endpoint", func(c *Config) { c.Storage.Driver = "s3" }, "endpoint"},
		{"local needs root", func(c *Config) { c.Storage.Driver = "local" }, "local root"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "ftp" }, "unknown storage driver"},
		{"bad strategy", func(c *Config) { c.Storage = localStorage(); c.Transfer.Strategy = "carrier-pigeon" }, "strategy"},
		{"bad quality", func(c *Config) { c.Storage = localStorage(); c.Proof.Quality = 0 }, "quality"},
		{"small part", func(c *Config) { c.Storage = localStorage(); c.Retry.PartSize = 1024 }, "5MB"},
		{"zero attempts", func(c *Config) { c.Storage = localStorage(); c.Queue.MaxAttempts = 0 }, "max attempts"},
		{"zero max pixels", func(c *Config) { c.Storage = localStorage(); c.Proof.MaxPixels = 0 }, "max pixels"},
		{"negative poll interval", func(c *Config) { c.Storage = localStorage(); c.Transfer.PollIntervalMs = -1 }, "poll interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	cfg := Default()
	cfg.Storage = localStorage()
	assert.NoError(t, cfg.Validate())
}

func localStorage() Storage {
	return Storage{Driver: "local", LocalRoot: "/srv/proofs", SignExpirySec: 300}
}
