package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server_command: [gopls, serve]
privileged_socket: /tmp/priv.sock
read_chunk_size: 512
probe_interval: 250ms
probe_max_interval: 2s
write_high_water_mark: 1048576
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"gopls", "serve"}, cfg.ServerCommand)
	assert.Equal(t, "/tmp/priv.sock", cfg.PrivilegedSocket)
	assert.Equal(t, 512, cfg.ReadChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.ProbeIntervalDuration())
	assert.Equal(t, 2*time.Second, cfg.ProbeMaxIntervalDuration())
	assert.Equal(t, 1048576, cfg.WriteHighWaterMark)

	// untouched keys keep their defaults
	assert.Equal(t, DefaultIDPrefix, cfg.IDPrefix)
	assert.Equal(t, DefaultPollTimeout, cfg.PollTimeoutDuration())
	require.NoError(t, cfg.Validate())
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "server_comand: [gopls]\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults with command", func(*Config) {}, true},
		{"no command", func(c *Config) { c.ServerCommand = nil }, false},
		{"same sockets", func(c *Config) { c.PrivilegedSocket = c.SideChannelSocket }, false},
		{"zero chunk", func(c *Config) { c.ReadChunkSize = 0 }, false},
		{"negative high water mark", func(c *Config) { c.WriteHighWaterMark = -1 }, false},
		{"empty prefix", func(c *Config) { c.IDPrefix = "" }, false},
		{"bad duration", func(c *Config) { c.PollTimeout = "soon" }, false},
		{"zero duration", func(c *Config) { c.ProbeInterval = "0s" }, false},
		{"max below interval", func(c *Config) { c.ProbeInterval = "2s"; c.ProbeMaxInterval = "1s" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ServerCommand = []string{"gopls"}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.ServerCommand = []string{"clangd"}

	data, err := cfg.Marshal()
	require.NoError(t, err)

	path := writeConfig(t, string(data))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
