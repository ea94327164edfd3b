// Package config loads the gateway's runtime configuration from
// configs/config.json (or a YAML equivalent) with environment overrides
// applied on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// System-prompt overlay modes.
const (
	SystemPromptAppend    = "append"
	SystemPromptOverwrite = "overwrite"
)

// Prompt log modes.
const (
	PromptLogNone    = "none"
	PromptLogConsole = "console"
	PromptLogFile    = "file"
)

// Config is the gateway's runtime configuration. JSON and YAML files share
// the same field names.
type Config struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	RequiredAPIKey string `json:"requiredApiKey" yaml:"requiredApiKey"`

	ProviderPoolsFilePath string `json:"providerPoolsFilePath" yaml:"providerPoolsFilePath"`
	MaxErrorCount         int    `json:"maxErrorCount" yaml:"maxErrorCount"`

	RequestMaxRetries  int `json:"requestMaxRetries" yaml:"requestMaxRetries"`
	RequestBaseDelayMS int `json:"requestBaseDelay" yaml:"requestBaseDelay"`

	CronRefreshToken bool `json:"cronRefreshToken" yaml:"cronRefreshToken"`
	CronNearMinutes  int  `json:"cronNearMinutes" yaml:"cronNearMinutes"`

	SystemPromptFilePath string `json:"systemPromptFilePath" yaml:"systemPromptFilePath"`
	SystemPromptMode     string `json:"systemPromptMode" yaml:"systemPromptMode"`

	PromptLogMode     string `json:"promptLogMode" yaml:"promptLogMode"`
	PromptLogBaseName string `json:"promptLogBaseName" yaml:"promptLogBaseName"`

	Debug bool `json:"debug" yaml:"debug"`
}

// Default returns the configuration used when no file and no env are set.
func Default() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		ProviderPoolsFilePath: filepath.Join("configs", "provider_pools.json"),
		MaxErrorCount:         3,
		RequestMaxRetries:     3,
		RequestBaseDelayMS:    1000,
		CronRefreshToken:      true,
		CronNearMinutes:       15,
		SystemPromptMode:      SystemPromptAppend,
		PromptLogMode:         PromptLogNone,
		PromptLogBaseName:     "prompt",
	}
}

// Load reads the config file at path (JSON or YAML by extension; a missing
// file is fine) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decode yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decode json %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overlays the recognized environment options.
func (c *Config) applyEnv() {
	setString(&c.Host, "HOST")
	setInt(&c.Port, "SERVER_PORT")
	setString(&c.RequiredAPIKey, "REQUIRED_API_KEY")
	setString(&c.ProviderPoolsFilePath, "PROVIDER_POOLS_FILE_PATH")
	setInt(&c.MaxErrorCount, "MAX_ERROR_COUNT")
	setInt(&c.RequestMaxRetries, "REQUEST_MAX_RETRIES")
	setInt(&c.RequestBaseDelayMS, "REQUEST_BASE_DELAY")
	setBool(&c.CronRefreshToken, "CRON_REFRESH_TOKEN")
	setInt(&c.CronNearMinutes, "CRON_NEAR_MINUTES")
	setString(&c.SystemPromptFilePath, "SYSTEM_PROMPT_FILE_PATH")
	setString(&c.SystemPromptMode, "SYSTEM_PROMPT_MODE")
	setString(&c.PromptLogMode, "PROMPT_LOG_MODE")
	setString(&c.PromptLogBaseName, "PROMPT_LOG_BASE_NAME")
	setBool(&c.Debug, "DEBUG")
}

func (c *Config) validate() error {
	switch c.SystemPromptMode {
	case SystemPromptAppend, SystemPromptOverwrite:
	default:
		return fmt.Errorf("config: invalid systemPromptMode %q", c.SystemPromptMode)
	}
	switch c.PromptLogMode {
	case PromptLogNone, PromptLogConsole, PromptLogFile:
	default:
		return fmt.Errorf("config: invalid promptLogMode %q", c.PromptLogMode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
