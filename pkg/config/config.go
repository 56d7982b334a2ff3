// Copyright 2024-2026 Aiku AI

// Package config loads, upgrades and validates the relay configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/watermark-relay/pkg/inpaint"
	"github.com/aiku/watermark-relay/pkg/mask"
	"github.com/aiku/watermark-relay/pkg/retry"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Supported values for Config.Network.
const (
	NetworkMattermost = "mattermost"
	NetworkMatrix     = "matrix"
)

// Environment variables that override secrets from the file.
const (
	EnvMattermostToken   = "WATERMARK_MATTERMOST_TOKEN"
	EnvMatrixAccessToken = "WATERMARK_MATRIX_ACCESS_TOKEN"
)

// Config is the full relay configuration. It is immutable once loaded.
type Config struct {
	Network    string           `yaml:"network"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Matrix     MatrixConfig     `yaml:"matrix"`

	SourceChatID string   `yaml:"source_chat_id"`
	TargetChatID string   `yaml:"target_chat_id"`
	AllowedChats []string `yaml:"allowed_chats"`

	InputDir  string `yaml:"input_dir"`
	MaskDir   string `yaml:"mask_dir"`
	OutputDir string `yaml:"output_dir"`

	MaskX      int `yaml:"mask_x"`
	MaskY      int `yaml:"mask_y"`
	MaskWidth  int `yaml:"mask_width"`
	MaskHeight int `yaml:"mask_height"`

	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the base backoff in seconds.
	RetryDelay float64 `yaml:"retry_delay"`

	Inpaint InpaintConfig `yaml:"inpaint"`

	PingCommand       string `yaml:"ping_command"`
	MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
	CleanupArtifacts  bool   `yaml:"cleanup_artifacts"`

	MetricsAddr string `yaml:"metrics_addr"`
	Tracing     bool   `yaml:"tracing"`

	Logging zeroconfig.Config `yaml:"logging"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
}

type InpaintConfig struct {
	Command string `yaml:"command"`
	Model   string `yaml:"model"`
	Device  string `yaml:"device"`
	// Timeout is the per-attempt limit in seconds.
	Timeout        int   `yaml:"timeout"`
	FatalExitCodes []int `yaml:"fatal_exit_codes"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults that the example config cannot express.
func (c *Config) PostProcess() {
	if len(c.AllowedChats) == 0 && c.SourceChatID != "" {
		c.AllowedChats = []string{c.SourceChatID}
	}
	if c.PingCommand == "" {
		c.PingCommand = "!ping"
	}
	if c.Inpaint.Command == "" {
		c.Inpaint.Command = "iopaint"
	}
	if c.Inpaint.Timeout <= 0 {
		c.Inpaint.Timeout = int(inpaint.DefaultTimeout / time.Second)
	}
}

// ApplyEnv overrides secrets with environment variables when they are set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvMattermostToken); ok && v != "" {
		c.Mattermost.Token = v
	}
	if v, ok := lookup(EnvMatrixAccessToken); ok && v != "" {
		c.Matrix.AccessToken = v
	}
}

// Validate reports every problem found, each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Network {
	case NetworkMattermost:
		if c.Mattermost.ServerURL == "" {
			invalid("mattermost.server_url is required")
		}
		if c.Mattermost.Token == "" {
			invalid("mattermost.token is required")
		}
	case NetworkMatrix:
		if c.Matrix.HomeserverURL == "" {
			invalid("matrix.homeserver_url is required")
		}
		if c.Matrix.UserID == "" {
			invalid("matrix.user_id is required")
		}
		if c.Matrix.AccessToken == "" {
			invalid("matrix.access_token is required")
		}
	default:
		invalid("unknown network %q", c.Network)
	}

	if c.SourceChatID == "" {
		invalid("source_chat_id is required")
	}
	if c.TargetChatID == "" {
		invalid("target_chat_id is required")
	}
	if slices.Contains(c.AllowedChats, "") {
		invalid("allowed_chats must not contain empty IDs")
	}
	for name, dir := range map[string]string{"input_dir": c.InputDir, "mask_dir": c.MaskDir, "output_dir": c.OutputDir} {
		if dir == "" {
			invalid("%s is required", name)
		}
	}
	if c.MaskWidth <= 0 || c.MaskHeight <= 0 {
		invalid("mask size must be positive, got %dx%d", c.MaskWidth, c.MaskHeight)
	}
	if c.MaxRetries < 0 {
		invalid("max_retries must not be negative")
	}
	if c.RetryDelay < 0 {
		invalid("retry_delay must not be negative")
	}
	if c.MaxConcurrentRuns < 0 {
		invalid("max_concurrent_runs must not be negative")
	}
	return errors.Join(errs...)
}

// Region returns the configured watermark region.
func (c *Config) Region() mask.Region {
	return mask.Region{OffsetX: c.MaskX, OffsetY: c.MaskY, Width: c.MaskWidth, Height: c.MaskHeight}
}

// RetryPolicy returns the backoff policy shared by download and inpainting.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  time.Duration(c.RetryDelay * float64(time.Second)),
	}
}

// InpaintTimeout returns the per-attempt inpainting limit.
func (c *Config) InpaintTimeout() time.Duration {
	return time.Duration(c.Inpaint.Timeout) * time.Second
}

// EnsureDirs creates the working directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.InputDir, c.MaskDir, c.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "network")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "access_token")
	helper.Copy(up.Str|up.Int, "source_chat_id")
	helper.Copy(up.Str|up.Int, "target_chat_id")
	helper.Copy(up.List, "allowed_chats")
	helper.Copy(up.Str, "input_dir")
	helper.Copy(up.Str, "mask_dir")
	helper.Copy(up.Str, "output_dir")
	helper.Copy(up.Int, "mask_x")
	helper.Copy(up.Int, "mask_y")
	helper.Copy(up.Int, "mask_width")
	helper.Copy(up.Int, "mask_height")
	helper.Copy(up.Int, "max_retries")
	helper.Copy(up.Int|up.Float, "retry_delay")
	helper.Copy(up.Str, "inpaint", "command")
	helper.Copy(up.Str, "inpaint", "model")
	helper.Copy(up.Str, "inpaint", "device")
	helper.Copy(up.Int, "inpaint", "timeout")
	helper.Copy(up.List, "inpaint", "fatal_exit_codes")
	helper.Copy(up.Str, "ping_command")
	helper.Copy(up.Int, "max_concurrent_runs")
	helper.Copy(up.Bool, "cleanup_artifacts")
	helper.Copy(up.Str|up.Null, "metrics_addr")
	helper.Copy(up.Bool, "tracing")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file into the current example layout.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}

// WriteExample writes the example config to path.
func WriteExample(path string) error {
	if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}

// Load reads path, upgrades it to the current layout (saving the result
// when save is true) and applies defaults. It does not validate. A missing file is
// reported with an error matching os.ErrNotExist.
func Load(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data and applies defaults without validating.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.PostProcess()
	return &cfg, nil
}
