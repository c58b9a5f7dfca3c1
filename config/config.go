// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure for a ToM node.
type Config struct {
	Environment string      `yaml:"environment" json:"environment"`
	Mesh        MeshConfig  `yaml:"mesh" json:"mesh"`
	Logging     *LoggingConfig `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig  `yaml:"health" json:"health"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}

// LoadFromFile loads configuration from a file
func LoadFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	// Try to parse as YAML first
	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Try JSON if YAML fails
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	// Set defaults
	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file
func SaveToFile(cfg *Config, path string) error {
	// Determine format by extension
	var data []byte
	var err error

	if path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	defaultMesh := DefaultMeshConfig()
	if cfg.Mesh.SignalingURL == "" {
		cfg.Mesh.SignalingURL = defaultMesh.SignalingURL
	}
	if cfg.Mesh.IdentityPath == "" {
		cfg.Mesh.IdentityPath = defaultMesh.IdentityPath
	}
	if cfg.Mesh.Heartbeat.Interval == 0 {
		cfg.Mesh.Heartbeat = defaultMesh.Heartbeat
	}
	if cfg.Mesh.Role.ReevaluateInterval == 0 {
		cfg.Mesh.Role = defaultMesh.Role
	}
	if cfg.Mesh.Router.DedupWindowSize == 0 {
		cfg.Mesh.Router.DedupWindowSize = defaultMesh.Router.DedupWindowSize
	}
	if cfg.Mesh.Router.TrackerWindow == 0 {
		cfg.Mesh.Router.TrackerWindow = defaultMesh.Router.TrackerWindow
	}
	if cfg.Mesh.Router.MaxHops == 0 {
		cfg.Mesh.Router.MaxHops = defaultMesh.Router.MaxHops
	}
	if cfg.Mesh.Backup.TTL == 0 {
		cfg.Mesh.Backup = defaultMesh.Backup
	}
	if cfg.Mesh.Group.MaxMembers == 0 {
		cfg.Mesh.Group = defaultMesh.Group
	}

	if cfg.Logging != nil {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "info"
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = "json"
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = "stdout"
		}
	}

	if cfg.Metrics != nil && cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Health != nil && cfg.Health.Port == 0 {
		cfg.Health.Port = 8080
	}
}
