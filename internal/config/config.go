// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for markvii.
//
// Configuration lives in ~/.markvii/config.toml with sensible defaults,
// environment variable overrides, and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete markvii configuration.
type Config struct {
	// General settings
	Version string `toml:"version"`

	// Remote configuration service
	Remote RemoteConfig `toml:"remote"`

	// Provider credentials and identity headers
	Providers ProvidersConfig `toml:"providers"`

	// Chat behavior
	Chat ChatConfig `toml:"chat"`

	// Session storage
	Storage StorageConfig `toml:"storage"`

	// UI configuration
	UI UIConfig `toml:"ui"`
}

// RemoteConfig points at the hosted configuration service.
type RemoteConfig struct {
	// BaseURL is the config service endpoint. Empty disables remote config
	// and the app runs on local settings only.
	BaseURL string `toml:"base_url"`
}

// ProvidersConfig contains provider credentials. Keys set here override
// keys delivered by the remote config service.
type ProvidersConfig struct {
	// OpenRouterKey is the OpenRouter API key override
	OpenRouterKey string `toml:"openrouter_key"`
	// GeminiKey is the Google Gemini API key override
	GeminiKey string `toml:"gemini_key"`
	// Referer is sent as the HTTP-Referer attribution header
	Referer string `toml:"referer"`
	// Title is sent as the X-Title attribution header
	Title string `toml:"title"`
}

// ChatConfig contains chat behavior configuration.
type ChatConfig struct {
	// DefaultProvider is the provider answering new sessions:
	// "openrouter" or "gemini"
	DefaultProvider string `toml:"default_provider"`
	// GeminiModel is the preferred Gemini model
	GeminiModel string `toml:"gemini_model"`
}

// StorageConfig contains session persistence configuration.
type StorageConfig struct {
	// DBPath is the sqlite database path (empty = ~/.markvii/sessions.db)
	DBPath string `toml:"db_path"`
	// UserID namespaces stored sessions. Derived from the system username
	// when empty.
	UserID string `toml:"user_id"`
}

// UIConfig contains UI configuration.
type UIConfig struct {
	// Theme selects the glamour rendering style: "dark", "light", "auto"
	Theme string `toml:"theme"`
	// ShowModel displays the answering model under each response
	ShowModel bool `toml:"show_model"`
	// CompactMode reduces message spacing
	CompactMode bool `toml:"compact_mode"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Remote: RemoteConfig{
			BaseURL: "",
		},

		Providers: ProvidersConfig{
			OpenRouterKey: "",
			GeminiKey:     "",
			Referer:       "https://github.com/jeranaias/markvii-tui",
			Title:         "Mark VII",
		},

		Chat: ChatConfig{
			DefaultProvider: "openrouter",
			GeminiModel:     "",
		},

		Storage: StorageConfig{
			DBPath: "",
			UserID: "",
		},

		UI: UIConfig{
			Theme:       "dark",
			ShowModel:   true,
			CompactMode: false,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the markvii configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".markvii"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions fixes overly permissive modes on config files.
// SECURITY: Config files should be 0600 to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file, falling back to defaults
// when none exists. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := LoadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load TOML config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		return err
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// LoadFromPath loads configuration from an explicit path, applying env
// overrides and validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults backfills zero values that a hand-edited file may have
// cleared but the app requires.
func fillDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = Default().Version
	}
	if cfg.Chat.DefaultProvider == "" {
		cfg.Chat.DefaultProvider = "openrouter"
	}
	if cfg.Providers.Referer == "" {
		cfg.Providers.Referer = Default().Providers.Referer
	}
	if cfg.Providers.Title == "" {
		cfg.Providers.Title = Default().Providers.Title
	}
	if cfg.UI.Theme == "" {
		cfg.UI.Theme = "dark"
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML path.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# markvii configuration file")
	fmt.Fprintln(file, "# Generated by markvii - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidateErrors aggregates all validation failures.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, ValidationError{
				Field:   "remote.base_url",
				Message: "must be an http(s) URL",
			})
		}
	}

	switch c.Chat.DefaultProvider {
	case "openrouter", "gemini":
	default:
		errs = append(errs, ValidationError{
			Field:   "chat.default_provider",
			Message: `must be "openrouter" or "gemini"`,
		})
	}

	switch c.UI.Theme {
	case "dark", "light", "auto":
	default:
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: `must be "dark", "light", or "auto"`,
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies MARKVII_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MARKVII_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("MARKVII_OPENROUTER_KEY"); v != "" {
		c.Providers.OpenRouterKey = v
	}
	if v := os.Getenv("MARKVII_GEMINI_KEY"); v != "" {
		c.Providers.GeminiKey = v
	}
	if v := os.Getenv("MARKVII_PROVIDER"); v != "" {
		c.Chat.DefaultProvider = strings.ToLower(v)
	}
	if v := os.Getenv("MARKVII_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("MARKVII_THEME"); v != "" {
		c.UI.Theme = strings.ToLower(v)
	}
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance, loading it on first
// access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return nil
}

// ResetGlobalForTesting resets the global config state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
