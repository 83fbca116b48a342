// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"go.mau.fi/util/jsontime"

	"go.mau.fi/mauverify/id"
)

// Event represents a single received protocol event, either from a room
// timeline or from the to-device inbox.
type Event struct {
	// RoomID is set for in-room events and empty for to-device events.
	RoomID id.RoomID `json:"room_id,omitempty"`
	// ID is the event ID. Only set for in-room events.
	ID id.EventID `json:"event_id,omitempty"`
	// Sender is the user ID of the sender.
	Sender id.UserID `json:"sender"`
	// Type is the event type.
	Type Type `json:"type"`
	// Timestamp is the origin server timestamp.
	Timestamp jsontime.UnixMilli `json:"origin_server_ts,omitempty"`
	// Content is the content of the event.
	Content Content `json:"content"`
}
