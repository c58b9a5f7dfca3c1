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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tom-mesh/tomnode/config"
	"github.com/tom-mesh/tomnode/internal/logger"
	"github.com/tom-mesh/tomnode/internal/metrics"
	"github.com/tom-mesh/tomnode/node"
	"github.com/tom-mesh/tomnode/node/identity"
	"github.com/tom-mesh/tomnode/node/transport"
)

var (
	runConfigDir    string
	runSignalingURL string
	runIdentityPath string
	runMetricsAddr  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one mesh node until interrupted",
	Long: `Loads (or bootstraps) this node's identity, wires every protocol
subsystem (router, role manager, backup, groups), optionally dials the
bootstrap signaling server to announce presence, and blocks until
SIGINT/SIGTERM.

The WebRTC/QUIC byte-transport substrate is explicitly out of scope for
the protocol core (spec §1): this command wires transport.MemoryBus, the
same in-process simulation Transport the test suite uses, as the
concrete implementation a real deployment swaps for a QUIC/WebRTC one.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigDir, "config-dir", "config", "directory containing environment config YAML files")
	runCmd.Flags().StringVar(&runSignalingURL, "signaling-url", "", "override the bootstrap signaling server URL")
	runCmd.Flags().StringVar(&runIdentityPath, "identity", "", "override the identity file path")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigDir: runConfigDir})
	if err != nil {
		cfg = &config.Config{Mesh: config.DefaultMeshConfig()}
	}
	if runSignalingURL != "" {
		cfg.Mesh.SignalingURL = runSignalingURL
	}
	if runIdentityPath != "" {
		cfg.Mesh.IdentityPath = runIdentityPath
	}

	log := logger.NewDefaultLogger()

	id, err := identity.Load(cfg.Mesh.IdentityPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info("identity loaded", logger.String("nodeId", id.NodeID()))

	if runMetricsAddr != "" {
		go func() {
			if err := metrics.StartServer(runMetricsAddr); err != nil {
				log.Error("metrics server stopped", logger.Error(err))
			}
		}()
		log.Info("metrics server listening", logger.String("addr", runMetricsAddr))
	}

	bus := transport.NewMemoryBus()
	tr := bus.Register(id.NodeID())

	n, err := node.New(node.Config{
		Mesh:      cfg.Mesh,
		Identity:  id,
		Transport: tr,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Shutdown()

	if cfg.Mesh.SignalingURL != "" {
		session, err := announcePresence(ctx, cfg.Mesh.SignalingURL, id.NodeID(), log)
		if err != nil {
			log.Warn("signaling bootstrap failed, running isolated", logger.Error(err))
		} else {
			defer session.Close()
		}
	}

	log.Info("node running", logger.String("nodeId", id.NodeID()))
	waitForShutdown(log)
	log.Info("node shutting down", logger.String("nodeId", id.NodeID()))
	return nil
}

// announcePresence dials the bootstrap signaling server and sends a
// presence-join so other already-connected nodes' gossip can discover this
// one (spec §6 "Bootstrap signaling interface").
func announcePresence(ctx context.Context, url, nodeID string, log logger.Logger) (*transport.Session, error) {
	client := transport.NewSignalingClient()
	session, err := client.Connect(ctx, url, nodeID)
	if err != nil {
		return nil, err
	}
	session.OnMessage(func(msg transport.SignalingMessage) {
		log.Debug("signaling message", logger.String("type", msg.Type), logger.String("from", msg.From))
	})
	payload, _ := json.Marshal(map[string]string{"nodeId": nodeID})
	if err := session.Send(transport.SignalingMessage{Type: "presence-join", From: nodeID, Payload: payload}); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

func waitForShutdown(log logger.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("received signal", logger.String("signal", s.String()))
}
