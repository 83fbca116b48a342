// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crosssign

import (
	"errors"
	"fmt"

	"go.mau.fi/mauverify/crypto/signatures"
	"go.mau.fi/mauverify/id"
)

var (
	// ErrMasterWithoutSubkeys is returned by SetKeys when a new master key is
	// supplied without new self-signing and user-signing keys signed by it.
	// A master key without subordinate keys is an inconsistent state that
	// must never be committed.
	ErrMasterWithoutSubkeys = errors.New("new master key supplied without subordinate keys")
	// ErrSubkeyNotSignedByMaster is returned by SetKeys when the signature of
	// a self-signing or user-signing key does not verify against the master
	// key it is supposed to be signed by.
	ErrSubkeyNotSignedByMaster = errors.New("subordinate key is not signed by the master key")
	// ErrNoMasterKey is returned when an operation needs a master key that
	// the identity does not have.
	ErrNoMasterKey = errors.New("no master key known")
	// ErrWrongUsage is returned when a key object is supplied in the wrong
	// slot.
	ErrWrongUsage = errors.New("key usage does not match slot")
)

// Identity is one user's cross-signing key triplet as this device knows it.
//
// The triplet is never partially updated: SetKeys validates the full
// signature chain before committing anything, so observers either see the
// previous consistent state or the new one.
type Identity struct {
	UserID      id.UserID
	Master      *KeyInfo
	SelfSigning *KeyInfo
	UserSigning *KeyInfo

	// TrustedOnFirstUse is true iff no prior master key existed when the
	// current one was accepted. Any master key replacement whose chain is
	// not verified against the previous master resets this to false.
	TrustedOnFirstUse bool

	// VerifiedByUs is set once this device has interactively verified the
	// master key, for example by scanning another device's QR code.
	VerifiedByUs bool
}

// Clone returns a deep copy of the identity that is safe to retain while
// the keyring keeps updating its own state.
func (identity *Identity) Clone() *Identity {
	if identity == nil {
		return nil
	}
	clone := *identity
	clone.Master = identity.Master.Clone()
	clone.SelfSigning = identity.SelfSigning.Clone()
	clone.UserSigning = identity.UserSigning.Clone()
	return &clone
}

// UserKeys is the set of key objects supplied to SetKeys. Nil slots are left
// unchanged, subject to the consistency rules.
type UserKeys struct {
	Master      *KeyInfo
	SelfSigning *KeyInfo
	UserSigning *KeyInfo
}

// validateUsage checks that the key object, if present, is marked with the
// expected usage.
func validateUsage(key *KeyInfo, usage id.CrossSigningUsage) error {
	if key != nil && !key.HasUsage(usage) {
		return fmt.Errorf("%w: expected %s, got %v", ErrWrongUsage, usage, key.Usage)
	}
	return nil
}

// SetKeys validates the supplied key set against the identity's current state
// and commits it atomically. The rules:
//
//   - A new master key must be accompanied by new self-signing and
//     user-signing keys signed by it.
//   - Self-signing and user-signing keys must always verify against the
//     master key in effect after the call (the new one if supplied, the
//     current one otherwise).
//   - Any verification failure aborts the whole call without mutating the
//     identity.
func (identity *Identity) SetKeys(keys UserKeys) error {
	if err := validateUsage(keys.Master, id.XSUsageMaster); err != nil {
		return err
	}
	if err := validateUsage(keys.SelfSigning, id.XSUsageSelfSigning); err != nil {
		return err
	}
	if err := validateUsage(keys.UserSigning, id.XSUsageUserSigning); err != nil {
		return err
	}

	master := identity.Master
	newMaster := keys.Master != nil && (master == nil || keys.Master.FirstKey() != master.FirstKey())
	if newMaster {
		if keys.SelfSigning == nil || keys.UserSigning == nil {
			return ErrMasterWithoutSubkeys
		}
		master = keys.Master
	}
	if master == nil {
		return ErrNoMasterKey
	}

	masterKey := master.FirstKey()
	verify := func(subkey *KeyInfo, slot id.CrossSigningUsage) error {
		if subkey == nil {
			return nil
		}
		ok, err := signatures.VerifySignatureJSON(subkey, identity.UserID, masterKey.String(), ed25519PublicKey(masterKey))
		if err != nil {
			return fmt.Errorf("%s key: %w: %w", slot, ErrSubkeyNotSignedByMaster, err)
		} else if !ok {
			return fmt.Errorf("%s key: %w", slot, ErrSubkeyNotSignedByMaster)
		}
		return nil
	}
	if err := verify(keys.SelfSigning, id.XSUsageSelfSigning); err != nil {
		return err
	}
	if err := verify(keys.UserSigning, id.XSUsageUserSigning); err != nil {
		return err
	}

	// All checks passed, commit.
	if newMaster {
		// Trust on first use only applies when there was nothing to replace.
		// An unverified replacement explicitly clears the flag.
		identity.TrustedOnFirstUse = identity.Master == nil
		identity.VerifiedByUs = false
		identity.Master = keys.Master
	}
	if keys.SelfSigning != nil {
		identity.SelfSigning = keys.SelfSigning
	}
	if keys.UserSigning != nil {
		identity.UserSigning = keys.UserSigning
	}
	return nil
}
