package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir

const configFileName = "localport.yaml"

// DefaultConfigPath returns the first existing candidate config file, or
// the preferred user path when none exists yet. Candidates, in order:
// ./localport.yaml, $XDG_CONFIG_HOME/localport/localport.yaml,
// ~/.config/localport/localport.yaml.
func DefaultConfigPath() (string, error) {
	var candidates []string
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, configFileName))
	}
	userPath, err := userConfigPath()
	if err != nil {
		return "", err
	}
	candidates = append(candidates, userPath)

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return userPath, nil
}

func userConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "localport", configFileName), nil
	}
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "localport", configFileName), nil
}

// Load reads, expands, parses, validates, and resolves the configuration
// file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse turns raw config bytes into a validated, default-resolved Config.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return Resolve(cfg), nil
}
