// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"crypto/ecdh"

	"go.mau.fi/util/jsonbytes"
)

// ECDHPrivateKey and ECDHPublicKey wrap the X25519 key types so that stored
// transactions can serialize the ephemeral keys as unpadded base64.
type ECDHPrivateKey struct {
	*ecdh.PrivateKey
}

func (e *ECDHPrivateKey) UnmarshalJSON(data []byte) (err error) {
	var raw jsonbytes.UnpaddedBytes
	if err = raw.UnmarshalJSON(data); err != nil || len(raw) == 0 {
		return
	}
	e.PrivateKey, err = ecdh.X25519().NewPrivateKey(raw)
	return
}

func (e ECDHPrivateKey) MarshalJSON() ([]byte, error) {
	if e.PrivateKey == nil {
		return []byte("null"), nil
	}
	return jsonbytes.UnpaddedBytes(e.Bytes()).MarshalJSON()
}

type ECDHPublicKey struct {
	*ecdh.PublicKey
}

func (e *ECDHPublicKey) UnmarshalJSON(data []byte) (err error) {
	var raw jsonbytes.UnpaddedBytes
	if err = raw.UnmarshalJSON(data); err != nil || len(raw) == 0 {
		return
	}
	e.PublicKey, err = ecdh.X25519().NewPublicKey(raw)
	return
}

func (e ECDHPublicKey) MarshalJSON() ([]byte, error) {
	if e.PublicKey == nil {
		return []byte("null"), nil
	}
	return jsonbytes.UnpaddedBytes(e.Bytes()).MarshalJSON()
}
