// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyAlgorithm is the algorithm of a device or cross-signing key.
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519       KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519          KeyAlgorithm = "ed25519"
	KeyAlgorithmSignedCurve25519 KeyAlgorithm = "signed_curve25519"
)

func (ka KeyAlgorithm) String() string {
	return string(ka)
}

// A KeyID is a string formatted as <algorithm>:<key ID> that is used as the
// key in device key and cross-signing key maps.
type KeyID string

func NewKeyID(algorithm KeyAlgorithm, keyID string) KeyID {
	return KeyID(fmt.Sprintf("%s:%s", algorithm, keyID))
}

func (keyID KeyID) Parse() (KeyAlgorithm, string) {
	algorithm, name, _ := strings.Cut(string(keyID), ":")
	return KeyAlgorithm(algorithm), name
}

func (keyID KeyID) String() string {
	return string(keyID)
}

// Ed25519 is the unpadded base64 representation of an ed25519 public key.
type Ed25519 string

// Curve25519 is the unpadded base64 representation of a curve25519 public key.
type Curve25519 string

type SigningKey = Ed25519
type IdentityKey = Curve25519

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

// Bytes decodes the unpadded base64 representation of the key. It returns nil
// if the key is not valid base64.
func (ed25519 Ed25519) Bytes() []byte {
	data, err := base64.RawStdEncoding.DecodeString(string(ed25519))
	if err != nil {
		return nil
	}
	return data
}

func (curve25519 Curve25519) String() string {
	return string(curve25519)
}

func (curve25519 Curve25519) Bytes() []byte {
	data, err := base64.RawStdEncoding.DecodeString(string(curve25519))
	if err != nil {
		return nil
	}
	return data
}

// CrossSigningUsage is the usage of a cross-signing key.
type CrossSigningUsage string

const (
	XSUsageMaster      CrossSigningUsage = "master"
	XSUsageSelfSigning CrossSigningUsage = "self_signing"
	XSUsageUserSigning CrossSigningUsage = "user_signing"
)

func (usage CrossSigningUsage) String() string {
	return string(usage)
}

// Device contains the identity details of a device and some additional info.
type Device struct {
	UserID      UserID
	DeviceID    DeviceID
	IdentityKey Curve25519
	SigningKey  Ed25519

	Trust   TrustState
	Deleted bool
	Name    string
}

func (device *Device) Fingerprint() string {
	return Fingerprint(device.SigningKey)
}

// Fingerprint renders a signing key as groups of four characters for manual
// comparison by a human.
func Fingerprint(key SigningKey) string {
	spacedSigningKey := make([]byte, len(key)+(len(key)-1)/4)
	var ptr = 0
	for i, chr := range []byte(key) {
		spacedSigningKey[ptr] = chr
		ptr++
		if i%4 == 3 {
			spacedSigningKey[ptr] = ' '
			ptr++
		}
	}
	return string(spacedSigningKey)
}
