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

// Package config provides configuration management for the ToM node: every
// tunable named in the node specification (heartbeat cadence, role quotas,
// backup thresholds, group rate limits) plus the ambient logging/metrics/
// health sections the teacher codebase carries.
package config

import "time"

// MeshConfig holds every protocol tunable named in the node specification.
type MeshConfig struct {
	SignalingURL string `yaml:"signaling_url" json:"signaling_url"`
	IdentityPath string `yaml:"identity_path" json:"identity_path"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
	Role      RoleConfig      `yaml:"role" json:"role"`
	Router    RouterConfig    `yaml:"router" json:"router"`
	Backup    BackupConfig    `yaml:"backup" json:"backup"`
	Group     GroupConfig     `yaml:"group" json:"group"`
}

// HeartbeatConfig controls liveness beaconing and offline classification.
type HeartbeatConfig struct {
	Interval      time.Duration `yaml:"interval" json:"interval"`
	StaleAfter    time.Duration `yaml:"stale_after" json:"stale_after"`
	OfflineAfter  time.Duration `yaml:"offline_after" json:"offline_after"`
	DebounceDelay time.Duration `yaml:"debounce_delay" json:"debounce_delay"`
}

// RoleConfig controls deterministic role assignment.
type RoleConfig struct {
	ReevaluateInterval time.Duration `yaml:"reevaluate_interval" json:"reevaluate_interval"`
	MinOnlineAge       time.Duration `yaml:"min_online_age" json:"min_online_age"`
}

// RouterConfig controls dispatch/dedup behavior.
type RouterConfig struct {
	DedupWindowSize int `yaml:"dedup_window_size" json:"dedup_window_size"`
	TrackerWindow   int `yaml:"tracker_window" json:"tracker_window"`
	MaxHops         int `yaml:"max_hops" json:"max_hops"`
}

// BackupConfig controls the "virus survival" subsystem.
type BackupConfig struct {
	TTL                  time.Duration `yaml:"ttl" json:"ttl"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	ReplicationThreshold float64       `yaml:"replication_threshold" json:"replication_threshold"`
	DeletionThreshold    float64       `yaml:"deletion_threshold" json:"deletion_threshold"`
}

// GroupConfig controls the hub/fanout subsystem.
type GroupConfig struct {
	MaxMembers        int           `yaml:"max_members" json:"max_members"`
	HistoryPerGroup   int           `yaml:"history_per_group" json:"history_per_group"`
	HubHeartbeat      time.Duration `yaml:"hub_heartbeat" json:"hub_heartbeat"`
	HubFailThreshold  int           `yaml:"hub_fail_threshold" json:"hub_fail_threshold"`
	RateLimitPerSec   int           `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	NonceTTL          time.Duration `yaml:"nonce_ttl" json:"nonce_ttl"`
	RequireSignatures bool          `yaml:"require_signatures" json:"require_signatures"`
	RequireNonces     bool          `yaml:"require_nonces" json:"require_nonces"`
}

// DefaultMeshConfig returns the defaults named directly by the specification.
func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		IdentityPath: ".tomnode/identity.json",
		Heartbeat: HeartbeatConfig{
			Interval:      5 * time.Second,
			StaleAfter:    10 * time.Second,
			OfflineAfter:  30 * time.Second,
			DebounceDelay: 2 * time.Second,
		},
		Role: RoleConfig{
			ReevaluateInterval: 30 * time.Second,
			MinOnlineAge:       5 * time.Second,
		},
		Router: RouterConfig{
			DedupWindowSize: 10000,
			TrackerWindow:   10000,
			MaxHops:         4,
		},
		Backup: BackupConfig{
			TTL:                  24 * time.Hour,
			CleanupInterval:      60 * time.Second,
			ReplicationThreshold: 0.30,
			DeletionThreshold:    0.10,
		},
		Group: GroupConfig{
			MaxMembers:        200,
			HistoryPerGroup:   200,
			HubHeartbeat:      30 * time.Second,
			HubFailThreshold:  3,
			RateLimitPerSec:   5,
			NonceTTL:          5 * time.Minute,
			RequireSignatures: false,
			RequireNonces:     false,
		},
	}
}
