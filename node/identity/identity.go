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

// Package identity owns the one Ed25519 keypair a node is built around: it
// signs and verifies envelopes, derives the node's hex nodeId, and seals/
// opens payloads for end-to-end encrypted chat.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tom-mesh/tomnode/crypto/keys"
	"github.com/tom-mesh/tomnode/internal/metrics"
)

// Identity is a node's long-lived cryptographic identity. Created once on
// first launch, persisted, never rotated.
type Identity struct {
	nodeID     string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

type persistedIdentity struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// New generates a fresh Ed25519 identity.
func New() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Identity{
		nodeID:     hex.EncodeToString(pub),
		publicKey:  pub,
		privateKey: priv,
	}, nil
}

// Load reads an identity from path, generating and persisting a new one if
// the file does not exist. No other node state is persisted (spec §6).
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		id, genErr := New()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := id.Save(path); saveErr != nil {
			return nil, saveErr
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	var p persistedIdentity
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("identity: corrupt identity file %s: %w", path, err)
	}

	pub, err := hex.DecodeString(p.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: corrupt public key in %s", path)
	}
	priv, err := hex.DecodeString(p.SecretKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: corrupt secret key in %s", path)
	}

	return &Identity{
		nodeID:     hex.EncodeToString(pub),
		publicKey:  pub,
		privateKey: priv,
	}, nil
}

// Save persists the identity to path verbatim, as {publicKey, secretKey} hex.
func (id *Identity) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("identity: create %s: %w", dir, err)
		}
	}
	p := persistedIdentity{
		PublicKey: hex.EncodeToString(id.publicKey),
		SecretKey: hex.EncodeToString(id.privateKey),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// NodeID returns the hex-encoded public key identifying this node.
func (id *Identity) NodeID() string {
	return id.nodeID
}

// PublicKey returns the raw Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.publicKey
}

// Sign signs message with the node's private key.
func (id *Identity) Sign(message []byte) []byte {
	start := time.Now()
	sig := ed25519.Sign(id.privateKey, message)
	metrics.CryptoOperations.WithLabelValues("sign", "ed25519").Inc()
	metrics.CryptoOperationDuration.WithLabelValues("sign", "ed25519").Observe(time.Since(start).Seconds())
	return sig
}

// Verify checks a signature against a remote peer's hex nodeId.
func Verify(nodeID string, message, signature []byte) bool {
	start := time.Now()
	ok := verify(nodeID, message, signature)
	metrics.CryptoOperationDuration.WithLabelValues("verify", "ed25519").Observe(time.Since(start).Seconds())
	metrics.CryptoOperations.WithLabelValues("verify", "ed25519").Inc()
	if !ok {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
	}
	return ok
}

func verify(nodeID string, message, signature []byte) bool {
	pub, err := hex.DecodeString(nodeID)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// Seal end-to-end encrypts payload for the holder of recipientNodeID, per
// the spec's encrypt(recipientPk, payload) contract. Reuses the teacher's
// Ed25519-to-X25519 ECDH + HKDF + AES-GCM helper verbatim.
func Seal(recipientNodeID string, payload []byte) ([]byte, error) {
	start := time.Now()
	pub, err := hex.DecodeString(recipientNodeID)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return nil, fmt.Errorf("identity: invalid recipient nodeId")
	}
	out, err := keys.EncryptWithEd25519Peer(ed25519.PublicKey(pub), payload)
	metrics.CryptoOperationDuration.WithLabelValues("encrypt", "x25519").Observe(time.Since(start).Seconds())
	metrics.CryptoOperations.WithLabelValues("encrypt", "x25519").Inc()
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
	}
	return out, err
}

// Open decrypts a payload sealed with Seal using this identity's private key.
func (id *Identity) Open(packet []byte) ([]byte, error) {
	start := time.Now()
	out, err := keys.DecryptWithEd25519Peer(id.privateKey, packet)
	metrics.CryptoOperationDuration.WithLabelValues("decrypt", "x25519").Observe(time.Since(start).Seconds())
	metrics.CryptoOperations.WithLabelValues("decrypt", "x25519").Inc()
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
	}
	return out, err
}
