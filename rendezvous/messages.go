// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rendezvous

import (
	"go.mau.fi/util/jsonbytes"

	"go.mau.fi/mauverify/id"
)

// MessageType is the type of an application-level message exchanged over an
// established [SecureChannel].
type MessageType string

const (
	// MessageTypeProtocols advertises the login protocols the existing
	// device supports, together with its homeserver.
	MessageTypeProtocols MessageType = "m.login.protocols"
	// MessageTypeProtocol is the new device's choice of protocol, carrying
	// the grant URI the existing device must approve.
	MessageTypeProtocol MessageType = "m.login.protocol"
	// MessageTypeProtocolAccepted confirms that the existing device accepted
	// the chosen protocol and the user approved the grant.
	MessageTypeProtocolAccepted MessageType = "m.login.protocol_accepted"
	// MessageTypeSuccess signals that the new device finished logging in.
	MessageTypeSuccess MessageType = "m.login.success"
	// MessageTypeDeclined signals that the user explicitly declined the
	// login on either device.
	MessageTypeDeclined MessageType = "m.login.declined"
	// MessageTypeFailure reports a protocol-level failure with a reason.
	MessageTypeFailure MessageType = "m.login.failure"
	// MessageTypeSecrets carries the secrets bundle to the new device.
	MessageTypeSecrets MessageType = "m.login.secrets"
)

// ProtocolDeviceAuthorizationGrant is the only login protocol currently
// implemented.
const ProtocolDeviceAuthorizationGrant = "device_authorization_grant"

// Message is a single application-level payload. Which fields are set
// depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	Protocols  []string `json:"protocols,omitempty"`
	Protocol   string   `json:"protocol,omitempty"`
	Homeserver string   `json:"homeserver,omitempty"`

	// VerificationURI is the device-authorization-grant URI the user must
	// open and approve on the existing device.
	VerificationURI string `json:"verification_uri,omitempty"`

	DeviceID id.DeviceID `json:"device_id,omitempty"`
	Reason   string      `json:"reason,omitempty"`

	CrossSigning *CrossSigningSecrets `json:"cross_signing,omitempty"`
	Backup       *BackupSecrets       `json:"backup,omitempty"`
}

// CrossSigningSecrets is the private seed triplet of the cross-signing key
// hierarchy, sent to the new device in the secrets bundle.
type CrossSigningSecrets struct {
	MasterKey      jsonbytes.UnpaddedBytes `json:"master_key"`
	SelfSigningKey jsonbytes.UnpaddedBytes `json:"self_signing_key"`
	UserSigningKey jsonbytes.UnpaddedBytes `json:"user_signing_key"`
}

// BackupSecrets is the key backup slot of the secrets bundle.
type BackupSecrets struct {
	Algorithm     string                  `json:"algorithm"`
	Key           jsonbytes.UnpaddedBytes `json:"key"`
	BackupVersion string                  `json:"backup_version,omitempty"`
}
