// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rendezvous_test

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mauverify/rendezvous"
)

func TestQRPayload_Roundtrip(t *testing.T) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	testCases := []struct {
		name    string
		payload rendezvous.QRPayload
	}{
		{"login", rendezvous.QRPayload{
			Intent:        rendezvous.QRIntentLogin,
			PublicKey:     key.PublicKey(),
			RendezvousURL: "https://rendezvous.example.com/abc123",
		}},
		{"reciprocate", rendezvous.QRPayload{
			Intent:        rendezvous.QRIntentReciprocate,
			PublicKey:     key.PublicKey(),
			RendezvousURL: "https://rendezvous.example.com/abc123",
			HomeserverURL: "https://matrix.example.com",
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := rendezvous.ParseQRPayload(tc.payload.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tc.payload.Intent, decoded.Intent)
			assert.Equal(t, tc.payload.PublicKey.Bytes(), decoded.PublicKey.Bytes())
			assert.Equal(t, tc.payload.RendezvousURL, decoded.RendezvousURL)
			assert.Equal(t, tc.payload.HomeserverURL, decoded.HomeserverURL)
		})
	}
}

func TestParseQRPayload_Errors(t *testing.T) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	valid := (&rendezvous.QRPayload{
		Intent:        rendezvous.QRIntentReciprocate,
		PublicKey:     key.PublicKey(),
		RendezvousURL: "https://rendezvous.example.com/abc123",
		HomeserverURL: "https://matrix.example.com",
	}).Bytes()

	_, err = rendezvous.ParseQRPayload([]byte("NOTRIX" + string(valid[6:])))
	assert.ErrorIs(t, err, rendezvous.ErrInvalidQRHeader)

	badVersion := append([]byte{}, valid...)
	badVersion[6] = 0x01
	_, err = rendezvous.ParseQRPayload(badVersion)
	assert.ErrorIs(t, err, rendezvous.ErrUnknownQRVersion)

	badIntent := append([]byte{}, valid...)
	badIntent[7] = 0x07
	_, err = rendezvous.ParseQRPayload(badIntent)
	assert.ErrorIs(t, err, rendezvous.ErrInvalidQRIntent)

	_, err = rendezvous.ParseQRPayload(valid[:20])
	assert.ErrorIs(t, err, rendezvous.ErrTruncatedQRPayload)

	// Cut into the homeserver URL of a reciprocate payload.
	_, err = rendezvous.ParseQRPayload(valid[:len(valid)-5])
	assert.ErrorIs(t, err, rendezvous.ErrTruncatedQRPayload)
}
