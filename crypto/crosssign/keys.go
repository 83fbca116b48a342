// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crosssign

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.mau.fi/mauverify/crypto/ed25519"
	"go.mau.fi/mauverify/crypto/signatures"
	"go.mau.fi/mauverify/id"
)

// KeyInfo is the wire format of a single cross-signing key: the key itself,
// its usage, and the signatures on it. The object is immutable once signed,
// apart from additional signatures being attached.
type KeyInfo struct {
	UserID     id.UserID               `json:"user_id"`
	Usage      []id.CrossSigningUsage  `json:"usage"`
	Keys       map[id.KeyID]id.Ed25519 `json:"keys"`
	Signatures signatures.Signatures   `json:"signatures,omitempty"`
}

// NewKeyInfo creates a KeyInfo for a single public key with the given usage.
func NewKeyInfo(userID id.UserID, usage id.CrossSigningUsage, key id.Ed25519) *KeyInfo {
	return &KeyInfo{
		UserID: userID,
		Usage:  []id.CrossSigningUsage{usage},
		Keys: map[id.KeyID]id.Ed25519{
			id.NewKeyID(id.KeyAlgorithmEd25519, key.String()): key,
		},
	}
}

// FirstKey returns the first key in the key map. Cross-signing key objects
// are expected to contain exactly one key.
func (k *KeyInfo) FirstKey() id.Ed25519 {
	for _, key := range k.Keys {
		return key
	}
	return ""
}

// HasUsage checks whether the key is marked with the given usage.
func (k *KeyInfo) HasUsage(usage id.CrossSigningUsage) bool {
	for _, u := range k.Usage {
		if u == usage {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the key object.
func (k *KeyInfo) Clone() *KeyInfo {
	if k == nil {
		return nil
	}
	clone := &KeyInfo{
		UserID: k.UserID,
		Usage:  slices.Clone(k.Usage),
		Keys:   maps.Clone(k.Keys),
	}
	if k.Signatures != nil {
		clone.Signatures = signatures.Signatures{}
		for signer, sigs := range k.Signatures {
			clone.Signatures[signer] = maps.Clone(sigs)
		}
	}
	return clone
}

// AttachSignature adds a signature to the key object.
func (k *KeyInfo) AttachSignature(signerUserID id.UserID, signerKey id.Ed25519, signature string) {
	if k.Signatures == nil {
		k.Signatures = signatures.Signatures{}
	}
	if k.Signatures[signerUserID] == nil {
		k.Signatures[signerUserID] = map[id.KeyID]string{}
	}
	k.Signatures[signerUserID][id.NewKeyID(id.KeyAlgorithmEd25519, signerKey.String())] = signature
}

// ed25519PublicKey decodes the unpadded base64 wire form of a public key.
func ed25519PublicKey(key id.Ed25519) ed25519.PublicKey {
	return ed25519.PublicKey(key.Bytes())
}

// Signing is a seed-backed ed25519 signing key for one cross-signing slot.
type Signing struct {
	key  ed25519.PrivateKey
	seed []byte
}

// NewSigning generates a Signing with a random seed.
func NewSigning() (*Signing, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return NewSigningFromSeed(seed)
}

// NewSigningFromSeed constructs a Signing from a 32-byte seed.
func NewSigningFromSeed(seed []byte) (*Signing, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d", len(seed))
	}
	return &Signing{key: ed25519.NewKeyFromSeed(seed), seed: seed}, nil
}

// Seed returns the seed of the key pair.
func (s *Signing) Seed() []byte {
	return s.seed
}

// PublicKey returns the public key of the key pair, base64 encoded.
func (s *Signing) PublicKey() id.Ed25519 {
	return s.key.Public().B64()
}

// SignJSON creates a signature for the given object after encoding it to
// canonical JSON.
func (s *Signing) SignJSON(obj any) (string, error) {
	return signatures.SignJSON(s.key, obj)
}

// Seeds holds the private seeds of the cross-signing key triplet. The caller
// is responsible for storing these securely; the Keyring only ever hands them
// to its Store collaborator.
type Seeds struct {
	Master      []byte `json:"master_key"`
	SelfSigning []byte `json:"self_signing_key"`
	UserSigning []byte `json:"user_signing_key"`
}

// Level is a level in the cross-signing key hierarchy. Resetting a level
// regenerates that key and everything below it, since subordinate keys must
// be re-signed by a new master.
type Level int

const (
	LevelMaster Level = iota
	LevelSelfSigning
	LevelUserSigning
)

func (l Level) String() string {
	switch l {
	case LevelMaster:
		return "master"
	case LevelSelfSigning:
		return "self_signing"
	case LevelUserSigning:
		return "user_signing"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}
