// Package config handles loading the gateway configuration from YAML
// files with credential management via environment variables and .env
// files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/wagate/pkg/wagate/gateway"
	"github.com/jholhewres/wagate/pkg/wagate/transport"
)

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// Config is the full application configuration.
type Config struct {
	// StoreDir is the root directory for per-session credential stores.
	StoreDir string `yaml:"store_dir"`

	Logging   LoggingConfig          `yaml:"logging"`
	Gateway   gateway.Config         `yaml:"gateway"`
	Transport transport.DialerConfig `yaml:"transport"`
	Dispatch  DispatchConfig         `yaml:"dispatch"`
	TTS       TTSConfig              `yaml:"tts"`

	// Sessions are per-session behavior profiles applied at startup,
	// keyed by session id.
	Sessions map[string]gateway.SessionConfig `yaml:"sessions"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DispatchConfig configures the model backend.
type DispatchConfig struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxHistoryTurns int           `yaml:"max_history_turns"`
}

// TTSConfig configures voice-note synthesis.
type TTSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	Voice   string `yaml:"voice"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		StoreDir: "sessions",
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Gateway:  gateway.DefaultConfig(),
		Transport: transport.DialerConfig{
			DeviceName: "WAGate",
		},
		Dispatch: DispatchConfig{
			Model:   "gemini-2.0-flash",
			Timeout: 60 * time.Second,
		},
		TTS: TTSConfig{Voice: "Aoede"},
	}
}

// LoadFile reads and parses a YAML configuration file. .env files are
// loaded first and ${VAR} references expand before parsing.
func LoadFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	return Parse([]byte(expanded))
}

// Parse parses YAML bytes into a Config, overlaying the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Gateway.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Find searches for a config file in standard locations. Returns empty
// string when none exists.
func Find() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"wagate.yaml",
		"wagate.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// godotenv.Load does NOT overwrite existing env vars.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and $VAR references in a string with
// their environment variable values. Unset references stay verbatim.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}
