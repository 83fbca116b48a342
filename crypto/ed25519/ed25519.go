// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ed25519 wraps the standard library ed25519 package with types that
// are comparable against both each other and the standard library types, and
// helpers for the unpadded base64 representation used on the wire.
package ed25519

import (
	"bytes"
	"crypto"
	cryptoed25519 "crypto/ed25519"
	"encoding/base64"
	"io"

	"go.mau.fi/mauverify/id"
)

const (
	PublicKeySize  = cryptoed25519.PublicKeySize
	PrivateKeySize = cryptoed25519.PrivateKeySize
	SignatureSize  = cryptoed25519.SignatureSize
	SeedSize       = cryptoed25519.SeedSize
)

type PublicKey cryptoed25519.PublicKey

func (p PublicKey) Equal(x crypto.PublicKey) bool {
	switch x := x.(type) {
	case PublicKey:
		return bytes.Equal(p, x)
	case cryptoed25519.PublicKey:
		return bytes.Equal(p, x)
	default:
		return false
	}
}

// B64 returns the unpadded base64 representation of the public key.
func (p PublicKey) B64() id.Ed25519 {
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(p))
}

// Verify reports whether sig is a valid signature of message by the key.
func (p PublicKey) Verify(message, sig []byte) bool {
	return cryptoed25519.Verify(cryptoed25519.PublicKey(p), message, sig)
}

type PrivateKey cryptoed25519.PrivateKey

func (p PrivateKey) Public() PublicKey {
	return PublicKey(cryptoed25519.PrivateKey(p).Public().(cryptoed25519.PublicKey))
}

func (p PrivateKey) Equal(x crypto.PrivateKey) bool {
	switch x := x.(type) {
	case PrivateKey:
		return bytes.Equal(p, x)
	case cryptoed25519.PrivateKey:
		return bytes.Equal(p, x)
	default:
		return false
	}
}

// Seed returns the 32-byte seed of the private key.
func (p PrivateKey) Seed() []byte {
	return cryptoed25519.PrivateKey(p).Seed()
}

// Sign signs the message with the private key.
func (p PrivateKey) Sign(message []byte) []byte {
	return cryptoed25519.Sign(cryptoed25519.PrivateKey(p), message)
}

// GenerateKey generates a new key pair. If rand is nil, crypto/rand.Reader is
// used.
func GenerateKey(rand io.Reader) (PublicKey, PrivateKey, error) {
	pub, priv, err := cryptoed25519.GenerateKey(rand)
	return PublicKey(pub), PrivateKey(priv), err
}

// NewKeyFromSeed derives a private key from a 32-byte seed. It panics if the
// seed has the wrong length, like the standard library equivalent.
func NewKeyFromSeed(seed []byte) PrivateKey {
	return PrivateKey(cryptoed25519.NewKeyFromSeed(seed))
}
