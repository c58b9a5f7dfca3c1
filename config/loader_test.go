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
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	cfg, err := Load(LoaderOptions{
		ConfigDir:      ".",
		Environment:    "development",
		SkipValidation: true,
	})

	if err != nil {
		t.Fatalf("Failed to load development config: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "development")
	}

	if cfg.Mesh.Heartbeat.Interval == 0 {
		t.Error("Mesh.Heartbeat.Interval should have a default value")
	}
}

func TestLoadForEnvironment(t *testing.T) {
	tests := []string{"development", "staging", "production", "local"}

	for _, env := range tests {
		t.Run(env, func(t *testing.T) {
			cfg, err := Load(LoaderOptions{
				ConfigDir:      ".",
				Environment:    env,
				SkipValidation: true,
			})
			if err != nil {
				t.Fatalf("Failed to load %s config: %v", env, err)
			}

			if cfg.Environment != env {
				t.Errorf("Environment = %q, want %q", cfg.Environment, env)
			}
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	os.Setenv("TOMNODE_SIGNALING_URL", "wss://override-signal:9443")
	os.Setenv("SAGE_LOG_LEVEL", "debug")
	defer os.Unsetenv("TOMNODE_SIGNALING_URL")
	defer os.Unsetenv("SAGE_LOG_LEVEL")

	cfg, err := Load(LoaderOptions{
		ConfigDir:      ".",
		Environment:    "development",
		SkipValidation: true,
	})

	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Mesh.SignalingURL != "wss://override-signal:9443" {
		t.Errorf("SignalingURL = %q, want %q", cfg.Mesh.SignalingURL, "wss://override-signal:9443")
	}

	if cfg.Logging != nil && cfg.Logging.Level != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoadWithCustomConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	testConfig := `
environment: test
logging:
  level: info
  format: json
`
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(LoaderOptions{
		ConfigDir:      tmpDir,
		Environment:    "test",
		SkipValidation: true,
	})

	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg == nil {
		t.Fatal("Config should not be nil")
	}
}

func TestDefaultLoaderOptions(t *testing.T) {
	opts := DefaultLoaderOptions()

	if opts.ConfigDir != "config" {
		t.Errorf("ConfigDir = %q, want %q", opts.ConfigDir, "config")
	}

	if opts.SkipEnvSubstitution {
		t.Error("SkipEnvSubstitution should be false by default")
	}

	if opts.SkipValidation {
		t.Error("SkipValidation should be false by default")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	if cfg.Environment != "development" {
		t.Errorf("Default environment = %q, want %q", cfg.Environment, "development")
	}
}

func TestMeshConfigDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	want := DefaultMeshConfig()
	if cfg.Mesh.Heartbeat != want.Heartbeat {
		t.Errorf("Heartbeat = %+v, want %+v", cfg.Mesh.Heartbeat, want.Heartbeat)
	}
	if cfg.Mesh.Backup.TTL != want.Backup.TTL {
		t.Errorf("Backup.TTL = %v, want %v", cfg.Mesh.Backup.TTL, want.Backup.TTL)
	}
	if cfg.Mesh.Group.MaxMembers != want.Group.MaxMembers {
		t.Errorf("Group.MaxMembers = %d, want %d", cfg.Mesh.Group.MaxMembers, want.Group.MaxMembers)
	}
}

func TestMeshConfigPartialOverrideKeepsSection(t *testing.T) {
	cfg := &Config{}
	cfg.Mesh.Router.MaxHops = 2
	setDefaults(cfg)

	// A non-zero Router section should not be replaced wholesale by defaults.
	if cfg.Mesh.Router.MaxHops != 2 {
		t.Errorf("MaxHops = %d, want %d (explicit value should survive)", cfg.Mesh.Router.MaxHops, 2)
	}
}
