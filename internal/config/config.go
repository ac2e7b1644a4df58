package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Config is the effective runtime configuration. It is read from an optional
// YAML file and then overridden by command-line flags.
type Config struct {
	ServerCommand     []string `yaml:"server_command,omitempty"`
	SideChannelSocket string   `yaml:"side_channel_socket"`
	PrivilegedSocket  string   `yaml:"privileged_socket"`
	LogFile           string   `yaml:"log_file"`
	LogLevel          string   `yaml:"log_level"`
	ReadChunkSize     int      `yaml:"read_chunk_size"`
	PollTimeout       string   `yaml:"poll_timeout"`
	ProbeInterval     string   `yaml:"probe_interval"`
	ProbeMaxInterval  string   `yaml:"probe_max_interval"`
	IDPrefix          string   `yaml:"id_prefix"`

	// WriteHighWaterMark pauses reading from the editor and peers while the
	// server's write queue holds more than this many bytes. Zero disables it.
	WriteHighWaterMark int `yaml:"write_high_water_mark"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		SideChannelSocket: filepath.Join(runtimeDir(), fmt.Sprintf("%d.sock", os.Getpid())),
		PrivilegedSocket:  filepath.Join(runtimeDir(), DefaultPrivilegedSocketName),
		LogFile:           defaultLogPath(),
		LogLevel:          DefaultLogLevel,
		ReadChunkSize:     DefaultReadChunkSize,
		PollTimeout:       DefaultPollTimeout.String(),
		ProbeInterval:     DefaultProbeInterval.String(),
		ProbeMaxInterval:  DefaultProbeMaxInterval.String(),
		IDPrefix:          DefaultIDPrefix,
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks that every field holds a usable value.
func (c *Config) Validate() error {
	if len(c.ServerCommand) == 0 || strings.TrimSpace(c.ServerCommand[0]) == "" {
		return errors.New("no language server command given")
	}
	if c.SideChannelSocket == "" {
		return errors.New("side_channel_socket must not be empty")
	}
	if c.PrivilegedSocket == "" {
		return errors.New("privileged_socket must not be empty")
	}
	if c.SideChannelSocket == c.PrivilegedSocket {
		return errors.New("side_channel_socket and privileged_socket must differ")
	}
	if c.ReadChunkSize <= 0 {
		return errors.Errorf("read_chunk_size must be positive, got %d", c.ReadChunkSize)
	}
	if c.WriteHighWaterMark < 0 {
		return errors.Errorf("write_high_water_mark must not be negative, got %d", c.WriteHighWaterMark)
	}
	if c.IDPrefix == "" {
		return errors.New("id_prefix must not be empty")
	}

	durations := []struct {
		name  string
		value string
	}{
		{"poll_timeout", c.PollTimeout},
		{"probe_interval", c.ProbeInterval},
		{"probe_max_interval", c.ProbeMaxInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return errors.Wrapf(err, "%s", d.name)
		}
		if v <= 0 {
			return errors.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	if c.ProbeMaxIntervalDuration() < c.ProbeIntervalDuration() {
		return errors.New("probe_max_interval must not be below probe_interval")
	}

	return nil
}

// PollTimeoutDuration returns the parsed poll timeout, falling back to the default.
func (c *Config) PollTimeoutDuration() time.Duration {
	return parseOr(c.PollTimeout, DefaultPollTimeout)
}

// ProbeIntervalDuration returns the parsed probe interval, falling back to the default.
func (c *Config) ProbeIntervalDuration() time.Duration {
	return parseOr(c.ProbeInterval, DefaultProbeInterval)
}

// ProbeMaxIntervalDuration returns the parsed probe backoff cap, falling back to the default.
func (c *Config) ProbeMaxIntervalDuration() time.Duration {
	return parseOr(c.ProbeMaxInterval, DefaultProbeMaxInterval)
}

func parseOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, DefaultConfigDirName)
	}
	return filepath.Join(os.TempDir(), DefaultConfigDirName)
}

func defaultLogPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "langserv-mux.log")
	}
	return filepath.Join(homeDir, ".config", DefaultConfigDirName, "mux.log")
}
