// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"strings"

	"go.mau.fi/util/random"
)

// A UserID is a string starting with @ that references a specific user.
// https://matrix.org/docs/spec/appendices#user-identifiers
type UserID string

// A RoomID is a string starting with ! that references a specific room.
// https://matrix.org/docs/spec/appendices#room-ids-and-event-ids
type RoomID string

// An EventID is a string starting with $ that references a specific event.
//
// https://matrix.org/docs/spec/appendices#room-ids-and-event-ids
// https://matrix.org/docs/spec/rooms/v4#event-ids
type EventID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A VerificationTransactionID is an arbitrary string that identifies a single
// interactive verification flow. For in-room verifications it is the event ID
// of the request event, for to-device verifications it is a random string
// chosen by the requesting device.
type VerificationTransactionID string

// NewVerificationTransactionID generates a random transaction ID for a
// to-device verification flow.
func NewVerificationTransactionID() VerificationTransactionID {
	return VerificationTransactionID(random.String(32))
}

func (userID UserID) String() string {
	return string(userID)
}

// Localpart returns the part of the user ID before the homeserver name.
func (userID UserID) Localpart() string {
	localpart, _, _ := strings.Cut(strings.TrimPrefix(string(userID), "@"), ":")
	return localpart
}

// Homeserver returns the server name part of the user ID.
func (userID UserID) Homeserver() string {
	_, homeserver, _ := strings.Cut(string(userID), ":")
	return homeserver
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (eventID EventID) String() string {
	return string(eventID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (txnID VerificationTransactionID) String() string {
	return string(txnID)
}
