// Package config loads steward configuration from layered jsonc files and
// the environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/steward-ai/steward/internal/permission"
	"github.com/steward-ai/steward/pkg/types"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Config is the merged steward configuration.
type Config struct {
	LogLevel string               `json:"logLevel,omitempty"`
	DataDir  string               `json:"dataDir,omitempty"`
	Mode     types.PermissionMode `json:"mode,omitempty"`
	Server   ServerConfig         `json:"server,omitempty"`

	// Permissions are user rules, appended after the built-in defaults so
	// they win whenever both match a probe.
	Permissions permission.Ruleset `json:"permissions,omitempty"`

	// Paths of the files that contributed, in load order.
	Sources []string `json:"-"`
}

// defaultRules is the built-in rule table. User rules are concatenated
// after it, later entries taking precedence.
var defaultRules = permission.Ruleset{
	{Permission: "read", Pattern: "*", Action: permission.ActionAllow},
	{Permission: "glob", Pattern: "*", Action: permission.ActionAllow},
	{Permission: "grep", Pattern: "*", Action: permission.ActionAllow},
	{Permission: "list", Pattern: "*", Action: permission.ActionAllow},
	{Permission: "edit", Pattern: "*", Action: permission.ActionAsk},
	{Permission: "write", Pattern: "*", Action: permission.ActionAsk},
	{Permission: "bash", Pattern: "*", Action: permission.ActionAsk},
	{Permission: "webfetch", Pattern: "*", Action: permission.ActionAsk},
	{Permission: "edit", Pattern: "*.env", Action: permission.ActionAsk},
}

// Load reads configuration for a working directory. Sources, lowest to
// highest precedence: global ~/.steward/steward.json[c], project
// .steward/steward.json[c], STEWARD_CONFIG file, environment variables.
func Load(directory string) (*Config, error) {
	// .env files feed the env overrides below.
	_ = godotenv.Load(filepath.Join(directory, ".env"))

	cfg := &Config{
		Mode: types.ModeDefault,
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[abs] = true
			cfg.Sources = append(cfg.Sources, abs)
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		globalDir := filepath.Join(home, ".steward")
		loadOnce(filepath.Join(globalDir, "steward.json"))
		loadOnce(filepath.Join(globalDir, "steward.jsonc"))
	}
	if directory != "" {
		projectDir := filepath.Join(directory, ".steward")
		loadOnce(filepath.Join(projectDir, "steward.json"))
		loadOnce(filepath.Join(projectDir, "steward.jsonc"))
	}
	if path := os.Getenv("STEWARD_CONFIG"); path != "" {
		loadOnce(path)
	}

	applyEnv(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = directory
		}
		cfg.DataDir = filepath.Join(home, ".steward", "data")
	}
	return cfg, nil
}

// loadFile merges one jsonc file into cfg. Later files override scalars and
// append permission rules.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var layer Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &layer); err != nil {
		return err
	}
	if layer.LogLevel != "" {
		cfg.LogLevel = layer.LogLevel
	}
	if layer.DataDir != "" {
		cfg.DataDir = layer.DataDir
	}
	if layer.Mode != "" {
		cfg.Mode = layer.Mode
	}
	if layer.Server.Hostname != "" {
		cfg.Server.Hostname = layer.Server.Hostname
	}
	if layer.Server.Port != 0 {
		cfg.Server.Port = layer.Server.Port
	}
	cfg.Permissions = append(cfg.Permissions, layer.Permissions...)
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STEWARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEWARD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STEWARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// Ruleset returns the effective rule table: defaults then user rules, so
// user rules win on conflict.
func (c *Config) Ruleset() permission.Ruleset {
	out := make(permission.Ruleset, 0, len(defaultRules)+len(c.Permissions))
	out = append(out, defaultRules...)
	out = append(out, c.Permissions...)
	return out
}

// DefaultRules exposes the built-in rule table.
func DefaultRules() permission.Ruleset {
	out := make(permission.Ruleset, len(defaultRules))
	copy(out, defaultRules)
	return out
}
