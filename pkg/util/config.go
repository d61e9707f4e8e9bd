// Package util provides configuration loading and host helpers for the
// xhci-rebind watchdog.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/supporttools/xhci-rebind/pkg/types"
)

// LoadConfig loads configuration from a file (TOML, YAML or JSON).
// The file format is determined by extension (.toml, .yaml, .yml, .json).
// Values are decoded on top of the defaults, so keys missing from the file
// keep their default. Environment variables are substituted before parsing.
// The result is not validated; call Validate once flag overrides are applied.
func LoadConfig(path string) (*types.WatchdogConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ConfigError{Err: fmt.Errorf("failed to read config file %s: %w", path, err)}
	}

	data = []byte(os.ExpandEnv(string(data)))

	config := types.NewWatchdogConfig()
	if err := decodeConfig(filepath.Ext(path), data, config); err != nil {
		return nil, &types.ConfigError{Err: fmt.Errorf("failed to parse config file %s: %w", path, err)}
	}

	config.ApplyDefaults()
	return config, nil
}

// LoadConfigOrDefault loads configuration from a file, or returns the
// defaults when path is empty or the file does not exist.
func LoadConfigOrDefault(path string) (*types.WatchdogConfig, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// DefaultConfig returns the default configuration. BusID is left empty and
// must be supplied by a file or flag before Validate passes.
func DefaultConfig() *types.WatchdogConfig {
	return types.NewWatchdogConfig()
}

func decodeConfig(ext string, data []byte, config *types.WatchdogConfig) error {
	switch ext {
	case ".toml":
		return decodeTOML(data, config)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		// Try TOML first since that is what the packaged config ships as.
		if err := decodeTOML(data, config); err == nil {
			return nil
		}
		return yaml.Unmarshal(data, config)
	}
}

func decodeTOML(data []byte, config *types.WatchdogConfig) error {
	meta, err := toml.Decode(string(data), config)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}
	return nil
}

// EncodeConfig writes config to w in the given format (toml, yaml or json).
// It backs the --print-config flag.
func EncodeConfig(w io.Writer, config *types.WatchdogConfig, format string) error {
	switch format {
	case "toml", "":
		return toml.NewEncoder(w).Encode(config)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(config)
	default:
		return fmt.Errorf("unsupported config format: %s (use toml, yaml, or json)", format)
	}
}

// ValidateConfigFile loads and validates a configuration file.
func ValidateConfigFile(path string) error {
	config, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return config.Validate()
}
