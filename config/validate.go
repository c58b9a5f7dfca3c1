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
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Level   string // "error", "warning", "info"
}

// ValidateConfiguration validates the entire configuration, grounded on the
// teacher's deployments/config validator: collect every issue rather than
// failing on the first, and distinguish hard errors (refuse to start) from
// warnings (log and continue).
func ValidateConfiguration(cfg *Config) []ValidationError {
	var errors []ValidationError

	errors = append(errors, validateEnvironment(cfg.Environment)...)
	errors = append(errors, validateMeshConfig(&cfg.Mesh)...)

	return errors
}

func validateMeshConfig(cfg *MeshConfig) []ValidationError {
	var errors []ValidationError

	if cfg.SignalingURL != "" {
		if _, err := url.Parse(cfg.SignalingURL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "Mesh.SignalingURL",
				Message: fmt.Sprintf("invalid signaling URL: %v", err),
				Level:   "error",
			})
		}
	} else {
		errors = append(errors, ValidationError{
			Field:   "Mesh.SignalingURL",
			Message: "no signaling URL configured; node will run isolated until one is set",
			Level:   "warning",
		})
	}

	if cfg.IdentityPath == "" {
		errors = append(errors, ValidationError{
			Field:   "Mesh.IdentityPath",
			Message: "identity path is required",
			Level:   "error",
		})
	}

	if cfg.Heartbeat.StaleAfter <= cfg.Heartbeat.Interval {
		errors = append(errors, ValidationError{
			Field:   "Mesh.Heartbeat.StaleAfter",
			Message: "stale threshold must exceed the heartbeat interval or peers flap needlessly",
			Level:   "error",
		})
	}
	if cfg.Heartbeat.OfflineAfter <= cfg.Heartbeat.StaleAfter {
		errors = append(errors, ValidationError{
			Field:   "Mesh.Heartbeat.OfflineAfter",
			Message: "offline threshold must exceed the stale threshold (spec §4.5: 10s stale, 30s offline)",
			Level:   "error",
		})
	}

	if cfg.Router.DedupWindowSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Mesh.Router.DedupWindowSize",
			Message: "dedup window must exceed worst-case concurrent in-flight envelopes",
			Level:   "error",
		})
	}
	if cfg.Router.MaxHops <= 0 || cfg.Router.MaxHops > 8 {
		errors = append(errors, ValidationError{
			Field:   "Mesh.Router.MaxHops",
			Message: "max hops should stay close to the spec default of 4",
			Level:   "warning",
		})
	}

	if cfg.Backup.ReplicationThreshold <= cfg.Backup.DeletionThreshold {
		errors = append(errors, ValidationError{
			Field:   "Mesh.Backup.ReplicationThreshold",
			Message: "replication threshold must exceed the deletion threshold or hosts delete before replicating",
			Level:   "error",
		})
	}

	if cfg.Group.RateLimitPerSec <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Mesh.Group.RateLimitPerSec",
			Message: "group rate limit must be positive",
			Level:   "error",
		})
	}

	return errors
}

func validateEnvironment(env string) []ValidationError {
	var errors []ValidationError

	validEnvs := []string{"local", "development", "staging", "production", "test"}
	env = strings.ToLower(env)

	valid := false
	for _, v := range validEnvs {
		if env == v {
			valid = true
			break
		}
	}

	if !valid {
		errors = append(errors, ValidationError{
			Field:   "Environment",
			Message: fmt.Sprintf("invalid environment: %s (valid: %v)", env, validEnvs),
			Level:   "error",
		})
	}

	return errors
}
