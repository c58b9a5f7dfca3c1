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

// Package crypto provides the cryptographic capabilities a node identity
// needs: Ed25519 signing keys and X25519 key agreement for the envelope
// encryption contract described by the node protocol.
package crypto

import (
	"crypto"
	"errors"
)

// KeyType represents the type of cryptographic key
type KeyType string

const (
	KeyTypeEd25519 KeyType = "Ed25519"
	KeyTypeX25519  KeyType = "X25519"
)

// KeyPair represents a cryptographic key pair
type KeyPair interface {
	// PublicKey returns the public key
	PublicKey() crypto.PublicKey

	// PrivateKey returns the private key
	PrivateKey() crypto.PrivateKey

	// Type returns the key type
	Type() KeyType

	// Sign signs the given message
	Sign(message []byte) ([]byte, error)

	// Verify verifies the signature
	Verify(message, signature []byte) error

	// ID returns a unique identifier for this key pair
	ID() string
}

// KeyStorage provides storage for keys, keyed by an opaque ID
type KeyStorage interface {
	// Store stores a key pair with the given ID
	Store(id string, keyPair KeyPair) error

	// Load loads a key pair by ID
	Load(id string) (KeyPair, error)

	// Delete removes a key pair by ID
	Delete(id string) error

	// List returns all stored key IDs
	List() ([]string, error)

	// Exists checks if a key exists
	Exists(id string) bool
}

// KeyManager is the main interface for key management
type KeyManager interface {
	// GenerateKeyPair generates a new key pair
	GenerateKeyPair(keyType KeyType) (KeyPair, error)

	// GetStorage returns the key storage
	GetStorage() KeyStorage
}

// Common errors
var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrInvalidKeyType     = errors.New("invalid key type")
	ErrKeyExists          = errors.New("key already exists")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrSignNotSupported   = errors.New("signing not supported")
	ErrVerifyNotSupported = errors.New("verification not supported")
)
