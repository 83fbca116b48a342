// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package signatures implements signing and verifying JSON objects in the
// canonical JSON form, with the signatures and unsigned fields stripped
// before hashing.
package signatures

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"

	"go.mau.fi/mauverify/crypto/canonicaljson"
	"go.mau.fi/mauverify/crypto/ed25519"
	"go.mau.fi/mauverify/id"
)

// Signatures represents a set of signatures for some data from multiple users
// and keys.
type Signatures map[id.UserID]map[id.KeyID]string

// NewSingleSignature creates a new [Signatures] object with a single
// signature.
func NewSingleSignature(userID id.UserID, algorithm id.KeyAlgorithm, keyID string, signature string) Signatures {
	return Signatures{
		userID: {
			id.NewKeyID(algorithm, keyID): signature,
		},
	}
}

var (
	ErrEmptySignature     = errors.New("signature is empty")
	ErrSignatureNotFound  = errors.New("signature not found")
	ErrMalformedSignature = errors.New("malformed base64 in signature")
)

// canonicalized marshals the object to JSON, strips the signatures and
// unsigned fields, and returns the canonical JSON form.
func canonicalized(obj any) ([]byte, error) {
	objJSON, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	objJSON, _ = sjson.DeleteBytes(objJSON, "unsigned")
	objJSON, _ = sjson.DeleteBytes(objJSON, "signatures")
	return canonicaljson.CanonicalJSONAssumeValid(objJSON), nil
}

// SignJSON creates an unpadded base64 encoded signature for the given object
// after encoding it to canonical JSON without the signatures and unsigned
// fields.
func SignJSON(key ed25519.PrivateKey, obj any) (string, error) {
	objJSON, err := canonicalized(obj)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(key.Sign(objJSON)), nil
}

// VerifySignatureJSON verifies the signature of the object made by the given
// user and key. The object must have a signatures field containing a
// signature by the user and key.
func VerifySignatureJSON(obj any, userID id.UserID, keyName string, key ed25519.PublicKey) (bool, error) {
	var sigs struct {
		Signatures Signatures `json:"signatures"`
	}
	objJSON, err := json.Marshal(obj)
	if err != nil {
		return false, fmt.Errorf("failed to marshal object: %w", err)
	}
	if err = json.Unmarshal(objJSON, &sigs); err != nil {
		return false, fmt.Errorf("failed to parse signatures: %w", err)
	}
	userSigs, ok := sigs.Signatures[userID]
	if !ok {
		return false, ErrSignatureNotFound
	}
	sig, ok := userSigs[id.NewKeyID(id.KeyAlgorithmEd25519, keyName)]
	if !ok {
		return false, ErrSignatureNotFound
	}
	return VerifySignature(obj, sig, key)
}

// VerifySignature verifies the given detached signature of the object.
func VerifySignature(obj any, signature string, key ed25519.PublicKey) (bool, error) {
	if len(signature) == 0 {
		return false, ErrEmptySignature
	}
	sigBytes, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	objJSON, err := canonicalized(obj)
	if err != nil {
		return false, err
	}
	return key.Verify(objJSON, sigBytes), nil
}
