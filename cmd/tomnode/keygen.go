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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tom-mesh/tomnode/node/identity"
)

var keygenOutputPath string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate and persist a new node identity",
	Long: `Generates a fresh Ed25519 keypair and persists it as
{publicKey, secretKey} hex to the given path (spec §6 "Identity
persistence"). Refuses to overwrite an existing identity file — delete it
first if regeneration is really intended; a node's identity is never
rotated in place.`,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOutputPath, "out", ".tomnode/identity.json", "path to write the identity file")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(keygenOutputPath); err == nil {
		return fmt.Errorf("identity file already exists at %s; refusing to overwrite", keygenOutputPath)
	}

	id, err := identity.New()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	if err := id.Save(keygenOutputPath); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}

	fmt.Printf("nodeId: %s\nsaved to: %s\n", id.NodeID(), keygenOutputPath)
	return nil
}
