// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ed25519_test

import (
	stdlibed25519 "crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/util/random"

	"go.mau.fi/mauverify/crypto/ed25519"
)

func TestPubkeyEqual(t *testing.T) {
	pubkeyBytes := random.Bytes(32)
	pubkey := ed25519.PublicKey(pubkeyBytes)
	pubkey2 := ed25519.PublicKey(pubkeyBytes)
	stdlibPubkey := stdlibed25519.PublicKey(pubkeyBytes)
	assert.True(t, pubkey.Equal(pubkey2))
	assert.True(t, pubkey.Equal(stdlibPubkey))
}
