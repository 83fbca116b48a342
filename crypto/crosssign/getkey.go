// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crosssign

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/mauverify/id"
)

var (
	// ErrGetKeyCancelled is returned by a [GetKeyFunc] when the user or the
	// secure storage collaborator declines to supply the key. It rejects the
	// whole pending operation.
	ErrGetKeyCancelled = errors.New("private key retrieval cancelled")
	// ErrWrongSeed indicates that a supplied seed does not produce the
	// expected public key.
	ErrWrongSeed = errors.New("seed does not match the expected public key")
	// ErrTooManyKeyAttempts is returned when the retrieval loop gives up.
	ErrTooManyKeyAttempts = errors.New("too many attempts to retrieve private key")
)

// maxKeyAttempts bounds the interactive re-prompt loop so that a confused
// collaborator cannot recurse forever.
const maxKeyAttempts = 5

// KeyRequest describes a private key the keyring needs. It is handed to a
// [GetKeyFunc], which may prompt the user, hit secure storage, or fail.
type KeyRequest struct {
	// Usage identifies which cross-signing key is needed.
	Usage id.CrossSigningUsage
	// PublicKey is the public key the returned seed must produce.
	PublicKey id.Ed25519
	// Error is the failure of the previous attempt, or nil on the first one.
	// UIs should surface it when re-prompting.
	Error error
	// Attempt counts retrievals for this request, starting at 1.
	Attempt int
}

// GetKeyFunc supplies the seed of a cross-signing private key on demand. It
// may block for as long as the context allows (waiting for user input is
// expected); returning [ErrGetKeyCancelled] aborts the calling operation.
type GetKeyFunc func(ctx context.Context, req KeyRequest) ([]byte, error)

// retrieveSigning fetches the private key for the given usage, first from the
// store and then interactively. A seed that does not match expectedKey
// triggers a re-prompt with the previous error attached, up to
// maxKeyAttempts.
func (kr *Keyring) retrieveSigning(ctx context.Context, usage id.CrossSigningUsage, expectedKey id.Ed25519, getKey GetKeyFunc) (*Signing, error) {
	seed, err := kr.store.GetSeed(ctx, usage)
	if err == nil {
		signing, err := NewSigningFromSeed(seed)
		if err == nil && signing.PublicKey() == expectedKey {
			return signing, nil
		}
		// A stored seed that does not match is treated like a missing one;
		// the collaborator gets a chance to supply the right one.
	} else if !errors.Is(err, ErrSeedNotFound) {
		return nil, fmt.Errorf("failed to get %s seed from store: %w", usage, err)
	}
	if getKey == nil {
		return nil, fmt.Errorf("%w: no %s seed in store and no retrieval callback", ErrSeedNotFound, usage)
	}

	var prevErr error
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seed, err := getKey(ctx, KeyRequest{
			Usage:     usage,
			PublicKey: expectedKey,
			Error:     prevErr,
			Attempt:   attempt,
		})
		if err != nil {
			// Cancellation rejects the whole operation rather than
			// re-prompting.
			return nil, err
		}
		signing, err := NewSigningFromSeed(seed)
		if err != nil {
			prevErr = err
			continue
		}
		if signing.PublicKey() != expectedKey {
			prevErr = ErrWrongSeed
			continue
		}
		return signing, nil
	}
	return nil, fmt.Errorf("%w (last error: %w)", ErrTooManyKeyAttempts, prevErr)
}
