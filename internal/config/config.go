// Package config loads and persists the daemon's key/value configuration.
//
// The configuration lives in ~/.discode/config.json (mode 0600). Every key is
// optional; DISCODE_* environment variables overlay the file on load so that
// one-off overrides never have to touch disk.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultHookServerPort is the loopback port the hook server binds when the
// config does not specify one.
const DefaultHookServerPort = 18470

// Platform identifiers for the messaging capability.
const (
	PlatformDiscord = "discord"
	PlatformSlack   = "slack"
)

// Runtime mode identifiers.
const (
	RuntimeTmux = "tmux"
	RuntimePTY  = "pty"
)

// Config holds the persisted daemon configuration. All fields are optional;
// zero values fall back to documented defaults at the point of use.
type Config struct {
	Token             string `json:"token,omitempty"`
	ServerID          string `json:"serverId,omitempty"`
	ChannelID         string `json:"channelId,omitempty"`
	HookServerPort    int    `json:"hookServerPort,omitempty"`
	DefaultAgentCLI   string `json:"defaultAgentCli,omitempty"`
	OpencodePermMode  string `json:"opencodePermissionMode,omitempty"` // "allow" or "default"
	KeepChannelOnStop bool   `json:"keepChannelOnStop,omitempty"`
	SlackBotToken     string `json:"slackBotToken,omitempty"`
	SlackAppToken     string `json:"slackAppToken,omitempty"`
	MessagingPlatform string `json:"messagingPlatform,omitempty"` // "discord" (default) or "slack"
	RuntimeMode       string `json:"runtimeMode,omitempty"`       // "tmux" (default) or "pty"
	TelemetryEnabled  bool   `json:"telemetryEnabled,omitempty"`
	TelemetryEndpoint string `json:"telemetryEndpoint,omitempty"`
	TelemetryInstall  string `json:"telemetryInstallId,omitempty"`
}

// Store reads and writes the config file.
type Store struct {
	path string
}

// NewStore creates a Store rooted at the given config file path.
// An empty path resolves to ~/.discode/config.json.
func NewStore(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config.NewStore: %w", err)
		}
		path = filepath.Join(home, ".discode", "config.json")
	}
	return &Store{path: path}, nil
}

// Path returns the config file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the config file, applies the DISCODE_* environment overlay, and
// validates the result. A missing file yields a zero Config with the overlay
// applied.
func (s *Store) Load() (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if unmarshalErr := json.Unmarshal(data, cfg); unmarshalErr != nil {
			return nil, fmt.Errorf("config.Store.Load: parse %s: %w", s.path, unmarshalErr)
		}
	case os.IsNotExist(err):
		// First run: defaults plus env overlay.
	default:
		return nil, fmt.Errorf("config.Store.Load: %w", err)
	}

	applyEnvOverlay(cfg)

	if validateErr := cfg.validate(); validateErr != nil {
		return nil, fmt.Errorf("config.Store.Load: %w", validateErr)
	}

	return cfg, nil
}

// Save writes the config atomically (temp file + rename) with mode 0600.
func (s *Store) Save(cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("config.Store.Save: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("config.Store.Save: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config.Store.Save: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("config.Store.Save: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config.Store.Save: %w", err)
	}

	return nil
}

// Port returns the configured hook server port or the default.
func (c *Config) Port() int {
	if c.HookServerPort > 0 {
		return c.HookServerPort
	}
	return DefaultHookServerPort
}

// Platform returns the configured messaging platform, defaulting to Discord.
func (c *Config) Platform() string {
	if c.MessagingPlatform != "" {
		return c.MessagingPlatform
	}
	return PlatformDiscord
}

// Runtime returns the configured runtime mode, defaulting to tmux.
func (c *Config) Runtime() string {
	if c.RuntimeMode != "" {
		return c.RuntimeMode
	}
	return RuntimeTmux
}

// PermissionAllow reports whether OpenCode should run with all permissions
// granted.
func (c *Config) PermissionAllow() bool {
	return c.OpencodePermMode == "allow"
}

// validate checks enum fields and value bounds.
func (c *Config) validate() error {
	if c.HookServerPort < 0 || c.HookServerPort > 65535 {
		return fmt.Errorf("hookServerPort must be 0-65535, got %d", c.HookServerPort)
	}
	switch c.MessagingPlatform {
	case "", PlatformDiscord, PlatformSlack:
	default:
		return fmt.Errorf("messagingPlatform must be %q or %q, got %q", PlatformDiscord, PlatformSlack, c.MessagingPlatform)
	}
	switch c.RuntimeMode {
	case "", RuntimeTmux, RuntimePTY:
	default:
		return fmt.Errorf("runtimeMode must be %q or %q, got %q", RuntimeTmux, RuntimePTY, c.RuntimeMode)
	}
	switch c.OpencodePermMode {
	case "", "allow", "default":
	default:
		return errors.New(`opencodePermissionMode must be "allow" or "default"`)
	}
	return nil
}

// applyEnvOverlay overrides config fields from DISCODE_* environment variables.
func applyEnvOverlay(cfg *Config) {
	overlayString(&cfg.Token, "DISCODE_TOKEN")
	overlayString(&cfg.ServerID, "DISCODE_SERVER_ID")
	overlayString(&cfg.ChannelID, "DISCODE_CHANNEL_ID")
	overlayInt(&cfg.HookServerPort, "DISCODE_HOOK_SERVER_PORT")
	overlayString(&cfg.DefaultAgentCLI, "DISCODE_DEFAULT_AGENT_CLI")
	overlayString(&cfg.OpencodePermMode, "DISCODE_OPENCODE_PERMISSION_MODE")
	overlayBool(&cfg.KeepChannelOnStop, "DISCODE_KEEP_CHANNEL_ON_STOP")
	overlayString(&cfg.SlackBotToken, "DISCODE_SLACK_BOT_TOKEN")
	overlayString(&cfg.SlackAppToken, "DISCODE_SLACK_APP_TOKEN")
	overlayString(&cfg.MessagingPlatform, "DISCODE_MESSAGING_PLATFORM")
	overlayString(&cfg.RuntimeMode, "DISCODE_RUNTIME_MODE")
	overlayBool(&cfg.TelemetryEnabled, "DISCODE_TELEMETRY_ENABLED")
	overlayString(&cfg.TelemetryEndpoint, "DISCODE_TELEMETRY_ENDPOINT")
	overlayString(&cfg.TelemetryInstall, "DISCODE_TELEMETRY_INSTALL_ID")
}

func overlayString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overlayInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func overlayBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*dst = b
}
