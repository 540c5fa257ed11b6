// Package config loads lmsync configuration from layered sources using
// koanf: built-in defaults, then an optional YAML file, then LMSYNC_*
// environment variables. Later layers win.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"lmsync.yaml",
	"lmsync.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "LMSYNC_CONFIG"

// envPrefix is stripped from environment variables before mapping.
const envPrefix = "LMSYNC_"

// Config is the complete lmsync configuration.
type Config struct {
	// DownloadRoot is the directory tree that mirrors course content.
	DownloadRoot string `koanf:"download_root"`

	// Concurrency bounds the number of items synced in parallel.
	Concurrency int `koanf:"concurrency"`

	// MaxRPS is the default per-host request rate for all outbound traffic.
	MaxRPS float64 `koanf:"max_rps"`

	Canvas  CanvasConfig  `koanf:"canvas"`
	Zoom    ZoomConfig    `koanf:"zoom"`
	Logging LoggingConfig `koanf:"logging"`
}

// CanvasConfig configures access to the LMS REST API.
type CanvasConfig struct {
	// BaseURL is the LMS instance root, e.g. https://lms.example.edu.
	BaseURL string `koanf:"base_url"`

	// Token is the API bearer token. Takes precedence over TokenCmd.
	Token string `koanf:"token"`

	// TokenCmd is a shell command whose stdout is the API token,
	// for keeping the token out of config files.
	TokenCmd string `koanf:"token_cmd"`

	// IgnoredCourses are course ids to skip entirely.
	IgnoredCourses []int64 `koanf:"ignored_courses"`

	// SSOEmail and SSOPassword are used to complete the institution
	// login form when recording capture hits an identity provider.
	SSOEmail    string `koanf:"sso_email"`
	SSOPassword string `koanf:"sso_password"`
}

// ZoomConfig configures recording capture through the browser.
type ZoomConfig struct {
	// Enabled turns recording sync on.
	Enabled bool `koanf:"enabled"`

	// DevToolsURL is the browser's DevTools endpoint.
	DevToolsURL string `koanf:"devtools_url"`

	// FFmpegPath overrides the ffmpeg binary looked up on PATH.
	FFmpegPath string `koanf:"ffmpeg_path"`

	// UserAgent is sent on replayed download requests so they match
	// what the browser sent during capture.
	UserAgent string `koanf:"user_agent"`

	// ExternalToolID is the LMS external tool id of the recordings tab.
	// Zero discovers the tool by name in each course's tool list.
	ExternalToolID int64 `koanf:"external_tool_id"`

	// KeepTabs leaves capture tabs open for debugging.
	KeepTabs bool `koanf:"keep_tabs"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ConfigError describes an invalid configuration value.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		DownloadRoot: "",
		Concurrency:  4,
		MaxRPS:       2.0,
		Canvas: CanvasConfig{
			BaseURL:        "",
			Token:          "",
			TokenCmd:       "",
			IgnoredCourses: nil,
			SSOEmail:       "",
			SSOPassword:    "",
		},
		Zoom: ZoomConfig{
			Enabled:        false,
			DevToolsURL:    "http://127.0.0.1:9222",
			FFmpegPath:     "",
			UserAgent:      "",
			ExternalToolID: 187,
			KeepTabs:       false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration with layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. LMSYNC_* environment variables (highest priority)
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile searches for a config file, env override first.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps LMSYNC_* variable names to koanf paths.
//
// Examples:
//   - LMSYNC_DOWNLOAD_ROOT      -> download_root
//   - LMSYNC_CANVAS_BASE_URL    -> canvas.base_url
//   - LMSYNC_ZOOM_ENABLED       -> zoom.enabled
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	envMappings := map[string]string{
		"download_root": "download_root",
		"concurrency":   "concurrency",
		"max_rps":       "max_rps",

		"canvas_base_url":        "canvas.base_url",
		"canvas_token":           "canvas.token",
		"canvas_token_cmd":       "canvas.token_cmd",
		"canvas_ignored_courses": "canvas.ignored_courses",
		"canvas_sso_email":       "canvas.sso_email",
		"canvas_sso_password":    "canvas.sso_password",

		"zoom_enabled":          "zoom.enabled",
		"zoom_devtools_url":     "zoom.devtools_url",
		"zoom_ffmpeg_path":      "zoom.ffmpeg_path",
		"zoom_user_agent":       "zoom.user_agent",
		"zoom_external_tool_id": "zoom.external_tool_id",
		"zoom_keep_tabs":        "zoom.keep_tabs",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	// Unmapped keys are skipped so stray environment variables
	// don't pollute the config.
	return ""
}

// sliceConfigPaths are paths parsed as comma-separated lists when they
// arrive from the environment as strings.
var sliceConfigPaths = []string{
	"canvas.ignored_courses",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DownloadRoot == "" {
		return &ConfigError{Field: "download_root", Msg: "required"}
	}
	if c.Concurrency < 1 {
		return &ConfigError{Field: "concurrency", Msg: "must be at least 1"}
	}
	if c.MaxRPS <= 0 {
		return &ConfigError{Field: "max_rps", Msg: "must be positive"}
	}

	if c.Canvas.BaseURL == "" {
		return &ConfigError{Field: "canvas.base_url", Msg: "required"}
	}
	u, err := url.Parse(c.Canvas.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Field: "canvas.base_url", Msg: "must be an absolute URL"}
	}
	if c.Canvas.Token == "" && c.Canvas.TokenCmd == "" {
		return &ConfigError{Field: "canvas.token", Msg: "either token or token_cmd is required"}
	}

	if c.Zoom.Enabled {
		if c.Zoom.DevToolsURL == "" {
			return &ConfigError{Field: "zoom.devtools_url", Msg: "required when zoom is enabled"}
		}
		if c.Zoom.ExternalToolID < 0 {
			return &ConfigError{Field: "zoom.external_tool_id", Msg: "must not be negative"}
		}
	}
	return nil
}

// ResolveToken returns the API token, running TokenCmd if no literal token
// is configured. The command's stdout is trimmed of surrounding whitespace.
func (c *CanvasConfig) ResolveToken(ctx context.Context) (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	if c.TokenCmd == "" {
		return "", &ConfigError{Field: "canvas.token", Msg: "no token configured"}
	}

	out, err := exec.CommandContext(ctx, "sh", "-c", c.TokenCmd).Output()
	if err != nil {
		return "", fmt.Errorf("token command failed: %w", err)
	}
	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", &ConfigError{Field: "canvas.token_cmd", Msg: "command produced no token"}
	}
	return token, nil
}

// IsIgnoredCourse reports whether a course id is excluded from syncing.
func (c *CanvasConfig) IsIgnoredCourse(id int64) bool {
	for _, ignored := range c.IgnoredCourses {
		if ignored == id {
			return true
		}
	}
	return false
}
