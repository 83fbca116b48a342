// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"fmt"
)

type TypeClass int

func (tc TypeClass) Name() string {
	switch tc {
	case MessageEventType:
		return "message"
	case ToDeviceEventType:
		return "to-device"
	default:
		return "unknown"
	}
}

const (
	// MessageEventType is the type class for events sent on a room timeline.
	MessageEventType TypeClass = iota
	// ToDeviceEventType is the type class for events sent directly to a
	// device without a room.
	ToDeviceEventType
	// UnknownEventType is the type class for events whose class could not be
	// determined.
	UnknownEventType
)

// Type is an event type along with the class of event it is.
type Type struct {
	Type  string
	Class TypeClass
}

func NewEventType(name string) Type {
	evtType := Type{Type: name}
	evtType.Class = MessageEventType
	return evtType
}

func (et *Type) String() string {
	return et.Type
}

func (et *Type) Repr() string {
	return fmt.Sprintf("%s (%s)", et.Type, et.Class.Name())
}

func (et *Type) UnmarshalText(data []byte) error {
	et.Type = string(data)
	et.Class = MessageEventType
	return nil
}

func (et *Type) MarshalText() ([]byte, error) {
	return []byte(et.Type), nil
}

// Verification protocol event types. Each exists in a to-device and an
// in-room form with the same content shape, the difference being how the
// transaction ID is carried (a transaction_id field for to-device events, an
// m.reference relation for in-room events).
var (
	ToDeviceVerificationRequest = Type{"m.key.verification.request", ToDeviceEventType}
	ToDeviceVerificationReady   = Type{"m.key.verification.ready", ToDeviceEventType}
	ToDeviceVerificationStart   = Type{"m.key.verification.start", ToDeviceEventType}
	ToDeviceVerificationAccept  = Type{"m.key.verification.accept", ToDeviceEventType}
	ToDeviceVerificationKey     = Type{"m.key.verification.key", ToDeviceEventType}
	ToDeviceVerificationMAC     = Type{"m.key.verification.mac", ToDeviceEventType}
	ToDeviceVerificationDone    = Type{"m.key.verification.done", ToDeviceEventType}
	ToDeviceVerificationCancel  = Type{"m.key.verification.cancel", ToDeviceEventType}

	InRoomVerificationReady  = Type{"m.key.verification.ready", MessageEventType}
	InRoomVerificationStart  = Type{"m.key.verification.start", MessageEventType}
	InRoomVerificationAccept = Type{"m.key.verification.accept", MessageEventType}
	InRoomVerificationKey    = Type{"m.key.verification.key", MessageEventType}
	InRoomVerificationMAC    = Type{"m.key.verification.mac", MessageEventType}
	InRoomVerificationDone   = Type{"m.key.verification.done", MessageEventType}
	InRoomVerificationCancel = Type{"m.key.verification.cancel", MessageEventType}

	// EventMessage is the type used for in-room verification requests, which
	// are sent as a room message with the msgtype m.key.verification.request.
	EventMessage = Type{"m.room.message", MessageEventType}
)
