package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI configuration.
type CLIConfig struct {
	Address   string `yaml:"address"`
	APIKey    string `yaml:"api_key"`
	TLSCACert string `yaml:"tls_ca_cert"`
}

var cfg CLIConfig

func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".accessgate", "config.yaml")
}

// loadConfig reads the CLI config, keeping defaults when there is none.
func loadConfig() error {
	cfg = CLIConfig{Address: "http://127.0.0.1:8300"}
	data, err := os.ReadFile(configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, &cfg)
}

func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
