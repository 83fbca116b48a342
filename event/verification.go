// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"golang.org/x/exp/slices"

	"go.mau.fi/util/jsonbytes"
	"go.mau.fi/util/jsontime"

	"go.mau.fi/mauverify/id"
)

// VerificationMethod is a method for interactively verifying a device.
type VerificationMethod string

const (
	VerificationMethodSAS VerificationMethod = "m.sas.v1"

	VerificationMethodQRCodeShow  VerificationMethod = "m.qr_code.show.v1"
	VerificationMethodQRCodeScan  VerificationMethod = "m.qr_code.scan.v1"
	VerificationMethodReciprocate VerificationMethod = "m.reciprocate.v1"
)

// VerificationTransactionable is an interface for verification event contents
// that can carry a to-device transaction ID.
type VerificationTransactionable interface {
	GetTransactionID() id.VerificationTransactionID
	SetTransactionID(id.VerificationTransactionID)
}

// ToDeviceVerificationEvent contains the fields common to all to-device
// verification events.
type ToDeviceVerificationEvent struct {
	// TransactionID is an opaque identifier for the verification process.
	// Must be unique with respect to the devices involved.
	TransactionID id.VerificationTransactionID `json:"transaction_id,omitempty"`
}

func (ve *ToDeviceVerificationEvent) GetTransactionID() id.VerificationTransactionID {
	return ve.TransactionID
}

func (ve *ToDeviceVerificationEvent) SetTransactionID(id id.VerificationTransactionID) {
	ve.TransactionID = id
}

// VerificationRequestEventContent represents the content of an
// m.key.verification.request to-device event or an m.room.message event with
// the msgtype of m.key.verification.request.
type VerificationRequestEventContent struct {
	ToDeviceVerificationEvent
	// FromDevice is the device ID which is initiating the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
	// Timestamp is the time at which the request was made.
	Timestamp jsontime.UnixMilli `json:"timestamp,omitempty"`
	// To is the user that the verification request is intended for. Only used
	// for in-room verification requests.
	To id.UserID `json:"to,omitempty"`
	// Body is the fallback text of an in-room verification request.
	Body string `json:"body,omitempty"`
	// MsgType is m.key.verification.request for in-room requests.
	MsgType string `json:"msgtype,omitempty"`
}

const MsgVerificationRequest = "m.key.verification.request"

func (vre *VerificationRequestEventContent) SupportsVerificationMethod(meth VerificationMethod) bool {
	return slices.Contains(vre.Methods, meth)
}

type RelationType string

const (
	RelReference RelationType = "m.reference"
)

// RelatesTo is the m.relates_to field of an in-room verification event,
// pointing at the request event that opened the transaction.
type RelatesTo struct {
	Type    RelationType `json:"rel_type,omitempty"`
	EventID id.EventID   `json:"event_id,omitempty"`
}

// Relatable is an interface for verification event contents that can carry an
// in-room relation.
type Relatable interface {
	GetRelatesTo() *RelatesTo
	SetRelatesTo(*RelatesTo)
}

// InRoomVerificationEvent contains the fields common to all in-room
// verification events.
type InRoomVerificationEvent struct {
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

func (ve *InRoomVerificationEvent) GetRelatesTo() *RelatesTo {
	return ve.RelatesTo
}

func (ve *InRoomVerificationEvent) SetRelatesTo(rel *RelatesTo) {
	ve.RelatesTo = rel
}

// VerificationReadyEventContent represents the content of an
// m.key.verification.ready event (both the to-device and the in-room
// version).
type VerificationReadyEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// FromDevice is the device ID of the device that accepted the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
}

func (vre *VerificationReadyEventContent) SupportsVerificationMethod(meth VerificationMethod) bool {
	return slices.Contains(vre.Methods, meth)
}

type KeyAgreementProtocol string

const (
	KeyAgreementProtocolCurve25519           KeyAgreementProtocol = "curve25519"
	KeyAgreementProtocolCurve25519HKDFSHA256 KeyAgreementProtocol = "curve25519-hkdf-sha256"
)

type VerificationHashMethod string

const VerificationHashMethodSHA256 VerificationHashMethod = "sha256"

type MACMethod string

const (
	MACMethodHKDFHMACSHA256   MACMethod = "hkdf-hmac-sha256"
	MACMethodHKDFHMACSHA256V2 MACMethod = "hkdf-hmac-sha256.v2"
)

type SASMethod string

const (
	SASMethodDecimal SASMethod = "decimal"
	SASMethodEmoji   SASMethod = "emoji"
)

// VerificationStartEventContent represents the content of an
// m.key.verification.start event (both the to-device and the in-room
// version).
type VerificationStartEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// FromDevice is the device ID which is initiating the process.
	FromDevice id.DeviceID `json:"from_device"`
	// Method is the verification method to use.
	Method VerificationMethod `json:"method"`
	// NextMethod is the method to use to verify the other user's key once the
	// QR code has been scanned. Must be m.reciprocate.v1. Only valid together
	// with the m.qr_code.show.v1 method.
	NextMethod VerificationMethod `json:"next_method,omitempty"`

	// Hashes are the hash methods the sending device understands. Only valid
	// for the m.sas.v1 method.
	Hashes []VerificationHashMethod `json:"hashes,omitempty"`
	// KeyAgreementProtocols is the list of key agreement protocols the
	// sending device understands. Only valid for the m.sas.v1 method.
	KeyAgreementProtocols []KeyAgreementProtocol `json:"key_agreement_protocols,omitempty"`
	// MessageAuthenticationCodes is a list of the MAC methods that the
	// sending device understands. Only valid for the m.sas.v1 method.
	MessageAuthenticationCodes []MACMethod `json:"message_authentication_codes,omitempty"`
	// ShortAuthenticationString is a list of SAS methods the sending device
	// (and the sending device's user) understands. Only valid for the
	// m.sas.v1 method.
	ShortAuthenticationString []SASMethod `json:"short_authentication_string,omitempty"`

	// Secret is the shared secret from the QR code. Only valid for the
	// m.reciprocate.v1 method.
	Secret jsonbytes.UnpaddedBytes `json:"secret,omitempty"`
}

func (vsec *VerificationStartEventContent) SupportsKeyAgreementProtocol(proto KeyAgreementProtocol) bool {
	return slices.Contains(vsec.KeyAgreementProtocols, proto)
}

func (vsec *VerificationStartEventContent) SupportsHashMethod(method VerificationHashMethod) bool {
	return slices.Contains(vsec.Hashes, method)
}

func (vsec *VerificationStartEventContent) SupportsMACMethod(method MACMethod) bool {
	return slices.Contains(vsec.MessageAuthenticationCodes, method)
}

func (vsec *VerificationStartEventContent) SupportsSASMethod(method SASMethod) bool {
	return slices.Contains(vsec.ShortAuthenticationString, method)
}

// VerificationAcceptEventContent represents the content of an
// m.key.verification.accept event (both the to-device and the in-room
// version).
type VerificationAcceptEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// Commitment is the hash of the unpadded base64 representation of the
	// accepting party's ephemeral public key concatenated with the canonical
	// JSON of the m.key.verification.start message.
	Commitment jsonbytes.UnpaddedBytes `json:"commitment"`
	// Hash is the hash method the device is choosing to use.
	Hash VerificationHashMethod `json:"hash"`
	// KeyAgreementProtocol is the key agreement protocol the device is
	// choosing to use.
	KeyAgreementProtocol KeyAgreementProtocol `json:"key_agreement_protocol"`
	// MessageAuthenticationCode is the MAC method the device is choosing to
	// use.
	MessageAuthenticationCode MACMethod `json:"message_authentication_code"`
	// ShortAuthenticationString is a list of SAS methods both devices can use.
	ShortAuthenticationString []SASMethod `json:"short_authentication_string"`
}

// VerificationKeyEventContent represents the content of an
// m.key.verification.key event (both the to-device and the in-room version).
type VerificationKeyEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// Key is the ephemeral public key of the sending device.
	Key jsonbytes.UnpaddedBytes `json:"key"`
}

// VerificationMACEventContent represents the content of an
// m.key.verification.mac event (both the to-device and the in-room version).
type VerificationMACEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// Keys is the MAC of the comma-separated, sorted, list of key IDs given
	// in the MAC property.
	Keys jsonbytes.UnpaddedBytes `json:"keys"`
	// MAC is a map of the key ID to the MAC of the key, using the algorithm
	// in the corresponding m.key.verification.accept message.
	MAC map[id.KeyID]jsonbytes.UnpaddedBytes `json:"mac"`
}

// VerificationCancelCode is a machine-readable reason for cancelling a
// verification transaction. The set is closed; each code pairs with a
// human-readable reason string in the event content.
type VerificationCancelCode string

const (
	VerificationCancelCodeUser                 VerificationCancelCode = "m.user"
	VerificationCancelCodeTimeout              VerificationCancelCode = "m.timeout"
	VerificationCancelCodeUnknownTransaction   VerificationCancelCode = "m.unknown_transaction"
	VerificationCancelCodeUnknownMethod        VerificationCancelCode = "m.unknown_method"
	VerificationCancelCodeUnexpectedMessage    VerificationCancelCode = "m.unexpected_message"
	VerificationCancelCodeKeyMismatch          VerificationCancelCode = "m.key_mismatch"
	VerificationCancelCodeUserMismatch         VerificationCancelCode = "m.user_mismatch"
	VerificationCancelCodeInvalidMessage       VerificationCancelCode = "m.invalid_message"
	VerificationCancelCodeAccepted             VerificationCancelCode = "m.accepted"
	VerificationCancelCodeSASMismatch          VerificationCancelCode = "m.mismatched_sas"
	VerificationCancelCodeCommitmentMismatched VerificationCancelCode = "m.mismatched_commitment"

	// VerificationCancelCodeInternalError is not a code in the closed wire
	// set; it is used locally when an operation fails for a reason that is
	// not the peer's fault.
	VerificationCancelCodeInternalError       VerificationCancelCode = "m.internal_error"
	VerificationCancelCodeMasterKeyNotTrusted VerificationCancelCode = "m.master_key_not_trusted"
)

func (code VerificationCancelCode) String() string {
	return string(code)
}

// VerificationCancelEventContent represents the content of an
// m.key.verification.cancel event (both the to-device and the in-room
// version).
type VerificationCancelEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// Code is the machine-readable error code.
	Code VerificationCancelCode `json:"code"`
	// Reason is a human-readable description of the code.
	Reason string `json:"reason"`
}

// VerificationDoneEventContent represents the content of an
// m.key.verification.done event (both the to-device and the in-room version).
type VerificationDoneEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent
}
