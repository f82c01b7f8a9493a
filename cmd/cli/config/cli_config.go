package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CLIConfig holds the client-side settings persisted under ~/.modelplane.
type CLIConfig struct {
	ServerURL     string        `mapstructure:"server_url" json:"server_url"`
	DefaultOutput string        `mapstructure:"default_output" json:"default_output"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`
	Preferences   Preferences   `mapstructure:"preferences" json:"preferences"`
}

// Preferences carries display settings that never affect server calls.
type Preferences struct {
	ColorOutput bool   `mapstructure:"color_output" json:"color_output"`
	TimeZone    string `mapstructure:"timezone" json:"timezone"`
}

// NewDefaultConfig returns the settings used when no config file exists yet.
func NewDefaultConfig() *CLIConfig {
	return &CLIConfig{
		ServerURL:     "http://localhost:8080",
		DefaultOutput: "table",
		Timeout:       30 * time.Second,
		Preferences: Preferences{
			ColorOutput: true,
			TimeZone:    "UTC",
		},
	}
}

// LoadConfig reads the CLI configuration from cfgFile (or the default
// ~/.modelplane search path) and the MODELPLANE_* environment, layered over
// the defaults. A missing config file is not an error.
func LoadConfig(cfgFile string) (*CLIConfig, error) {
	config := NewDefaultConfig()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(filepath.Join(home, ".modelplane"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MODELPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_url", config.ServerURL)
	v.SetDefault("default_output", config.DefaultOutput)
	v.SetDefault("timeout", config.Timeout)
	v.SetDefault("preferences.color_output", config.Preferences.ColorOutput)
	v.SetDefault("preferences.timezone", config.Preferences.TimeZone)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the configuration to cfgFile, or to the default path when
// cfgFile is empty, creating the parent directory as needed.
func SaveConfig(config *CLIConfig, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = GetDefaultConfigPath()
		if cfgFile == "" {
			return fmt.Errorf("cannot resolve home directory for config path")
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfgFile), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	v := viper.New()
	v.Set("server_url", config.ServerURL)
	v.Set("default_output", config.DefaultOutput)
	// Written as "30s" rather than nanoseconds so the file stays editable.
	v.Set("timeout", config.Timeout.String())
	v.Set("preferences.color_output", config.Preferences.ColorOutput)
	v.Set("preferences.timezone", config.Preferences.TimeZone)

	return v.WriteConfigAs(cfgFile)
}

// GetDefaultConfigPath returns ~/.modelplane/config.yaml, or "" when the home
// directory cannot be resolved.
func GetDefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".modelplane", "config.yaml")
}
