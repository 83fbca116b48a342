// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crosssign

import (
	"context"
	"errors"
	"sync"

	"go.mau.fi/mauverify/id"
)

var ErrSeedNotFound = errors.New("seed not found in store")

// Store is the secure storage collaborator of the [Keyring]. It persists the
// private seeds of the cross-signing keys and the signatures the keyring has
// made or verified. The keyring itself never persists key material.
type Store interface {
	// GetSeed returns the stored seed for the given usage, or
	// [ErrSeedNotFound].
	GetSeed(ctx context.Context, usage id.CrossSigningUsage) ([]byte, error)
	// PutSeeds stores the given seeds. The write must be atomic: a key
	// rotation stores the whole new triplet or nothing.
	PutSeeds(ctx context.Context, seeds map[id.CrossSigningUsage][]byte) error
	// PutSignature records that signerKey (belonging to signerUserID) has
	// signed signedKey (belonging to signedUserID).
	PutSignature(ctx context.Context, signedUserID id.UserID, signedKey id.Ed25519, signerUserID id.UserID, signerKey id.Ed25519, signature string) error
	// IsKeySignedBy checks whether a signature recorded with PutSignature
	// exists.
	IsKeySignedBy(ctx context.Context, signedUserID id.UserID, signedKey id.Ed25519, signerUserID id.UserID, signerKey id.Ed25519) (bool, error)
}

type signatureKey struct {
	signedUserID id.UserID
	signedKey    id.Ed25519
	signerUserID id.UserID
	signerKey    id.Ed25519
}

// MemoryStore is an in-memory implementation of [Store] for tests and
// short-lived sessions.
type MemoryStore struct {
	lock       sync.RWMutex
	seeds      map[id.CrossSigningUsage][]byte
	signatures map[signatureKey]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seeds:      map[id.CrossSigningUsage][]byte{},
		signatures: map[signatureKey]string{},
	}
}

func (ms *MemoryStore) GetSeed(_ context.Context, usage id.CrossSigningUsage) ([]byte, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	seed, ok := ms.seeds[usage]
	if !ok {
		return nil, ErrSeedNotFound
	}
	return seed, nil
}

func (ms *MemoryStore) PutSeeds(_ context.Context, seeds map[id.CrossSigningUsage][]byte) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for usage, seed := range seeds {
		ms.seeds[usage] = seed
	}
	return nil
}

func (ms *MemoryStore) PutSignature(_ context.Context, signedUserID id.UserID, signedKey id.Ed25519, signerUserID id.UserID, signerKey id.Ed25519, signature string) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.signatures[signatureKey{signedUserID, signedKey, signerUserID, signerKey}] = signature
	return nil
}

func (ms *MemoryStore) IsKeySignedBy(_ context.Context, signedUserID id.UserID, signedKey id.Ed25519, signerUserID id.UserID, signerKey id.Ed25519) (bool, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	_, ok := ms.signatures[signatureKey{signedUserID, signedKey, signerUserID, signerKey}]
	return ok, nil
}
