package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// runnerConfig is the optional agx.yaml next to the working tree. Flags
// override anything set here.
type runnerConfig struct {
	Agent    string `yaml:"agent"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIBase  string `yaml:"api_base"`
	Project  string `yaml:"project"`
}

func loadRunnerConfig(path string) (runnerConfig, error) {
	var cfg runnerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
