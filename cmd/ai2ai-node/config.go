package main

import (
	"github.com/ai2ai-project/ai2ai-node/config"
)

// loadConfig loads configPath if set, otherwise returns the defaulted
// configuration (environment overrides still apply either way).
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(configPath)
}
