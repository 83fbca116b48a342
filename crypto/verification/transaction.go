// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"fmt"

	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"go.mau.fi/mauverify/event"
	"go.mau.fi/mauverify/id"
)

// Phase is the lifecycle phase of a verification transaction. It is always
// recomputed from the accumulated event logs rather than stored imperatively,
// so duplicate and reordered delivery converge on the same value.
type Phase int

const (
	PhaseUnsent Phase = iota
	PhaseRequested
	PhaseReady
	PhaseStarted
	PhaseDone
	PhaseCancelled
)

func (phase Phase) String() string {
	switch phase {
	case PhaseUnsent:
		return "unsent"
	case PhaseRequested:
		return "requested"
	case PhaseReady:
		return "ready"
	case PhaseStarted:
		return "started"
	case PhaseDone:
		return "done"
	case PhaseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Phase(%d)", int(phase))
	}
}

// Terminal reports whether no further events may be applied in this phase.
func (phase Phase) Terminal() bool {
	return phase == PhaseDone || phase == PhaseCancelled
}

// eventLog is an append-only log of verification events from one party,
// keyed by event type. At most one event per type is recorded; a second
// event of the same type is a duplicate delivery and is dropped.
type eventLog map[string]*event.Content

// put records the content under the given type. It returns false if an event
// of that type was already recorded.
func (log eventLog) put(evtType event.Type, content *event.Content) bool {
	if _, ok := log[evtType.Type]; ok {
		return false
	}
	log[evtType.Type] = content
	return true
}

func (log eventLog) has(evtType event.Type) bool {
	_, ok := log[evtType.Type]
	return ok
}

func (log eventLog) get(evtType event.Type) *event.Content {
	return log[evtType.Type]
}

// Transaction is the full state of one verification flow with one other
// device or user. All of the protocol state that has to survive a restart is
// JSON-serializable; the live wait states (pending SAS confirmation, pending
// QR confirmation) are rebuilt from the logs.
type Transaction struct {
	ExpirationTime jsontime.UnixMilli `json:"expiration_time,omitempty"`

	// RoomID is set if the verification is happening in a room and empty for
	// a to-device verification.
	RoomID id.RoomID `json:"room_id,omitempty"`
	// TransactionID is the ID of the verification transaction.
	TransactionID id.VerificationTransactionID `json:"transaction_id"`

	// TheirUserID is the user ID of the other party.
	TheirUserID id.UserID `json:"their_user_id,omitempty"`
	// TheirDeviceID is the device that either made the initial request or
	// accepted ours.
	TheirDeviceID id.DeviceID `json:"their_device_id,omitempty"`
	// TheirSupportedMethods is the list of verification methods the other
	// party advertised.
	TheirSupportedMethods []event.VerificationMethod `json:"their_supported_methods,omitempty"`
	// CommonMethods is the intersection of both parties' advertised methods,
	// computed when the transaction reaches the ready phase.
	CommonMethods []event.VerificationMethod `json:"common_methods,omitempty"`
	// ChosenMethod is the method of the start event currently in effect.
	ChosenMethod event.VerificationMethod `json:"chosen_method,omitempty"`

	// InitiatedByMe is true if our .request (or direct .start) opened the
	// transaction.
	InitiatedByMe bool `json:"initiated_by_me,omitempty"`
	// ObserveOnly is true when the request belongs to another of our own
	// devices: this instance only watches the flow and never acts on it.
	ObserveOnly bool `json:"observe_only,omitempty"`
	// StartSwitched is true once the race-resolution path has replaced our
	// start event with the other party's. The switch is allowed at most once.
	StartSwitched bool `json:"start_switched,omitempty"`

	// Accepting and Declining guard against concurrent accept/decline calls
	// racing each other.
	Accepting bool `json:"-"`
	Declining bool `json:"-"`

	// SentToDeviceIDs is the list of devices the initial to-device request
	// was sent to, used to cancel the non-chosen devices once one accepts.
	SentToDeviceIDs []id.DeviceID `json:"sent_to_device_ids,omitempty"`

	// EventsByUs and EventsByThem are the per-party event logs the phase is
	// derived from.
	EventsByUs   eventLog `json:"events_by_us"`
	EventsByThem eventLog `json:"events_by_them"`

	// QRCodeSharedSecret is the shared secret embedded in the QR code we
	// showed. The whole QR snapshot is captured at ready time, see QRCode.
	QRCodeSharedSecret []byte  `json:"qr_code_shared_secret,omitempty"`
	QRCode             *QRCode `json:"qr_code,omitempty"`
	// OurQRScanned means the other party reciprocated our QR code with the
	// correct shared secret and we are waiting for the user to confirm.
	OurQRScanned bool `json:"our_qr_scanned,omitempty"`

	// SAS protocol state.
	StartedByUs              bool                                 `json:"started_by_us,omitempty"`
	StartEventContent        *event.VerificationStartEventContent `json:"start_event_content,omitempty"`
	Commitment               []byte                               `json:"commitment,omitempty"`
	MACMethod                event.MACMethod                      `json:"mac_method,omitempty"`
	EphemeralKey             *ECDHPrivateKey                      `json:"ephemeral_key,omitempty"`
	EphemeralPublicKeyShared bool                                 `json:"ephemeral_public_key_shared,omitempty"`
	OtherPublicKey           *ECDHPublicKey                       `json:"other_public_key,omitempty"`
	SASBytes                 []byte                               `json:"sas_bytes,omitempty"`
	SASConfirmed             bool                                 `json:"sas_confirmed,omitempty"`
	PendingTheirMAC          *event.VerificationMACEventContent   `json:"pending_their_mac,omitempty"`

	ReceivedTheirMAC  bool `json:"received_their_mac,omitempty"`
	SentOurMAC        bool `json:"sent_our_mac,omitempty"`
	ReceivedTheirDone bool `json:"received_their_done,omitempty"`
	SentOurDone       bool `json:"sent_our_done,omitempty"`
	Cancelled         bool `json:"cancelled,omitempty"`
}

func newTransaction(txnID id.VerificationTransactionID) *Transaction {
	return &Transaction{
		TransactionID: txnID,
		EventsByUs:    eventLog{},
		EventsByThem:  eventLog{},
	}
}

// Phase derives the current phase from the event logs. Terminal phases latch:
// a cancel event (or internal cancellation) always dominates, and done
// requires both sides' done signals.
func (txn *Transaction) Phase() Phase {
	if txn.Cancelled ||
		txn.EventsByUs.has(event.ToDeviceVerificationCancel) ||
		txn.EventsByThem.has(event.ToDeviceVerificationCancel) {
		return PhaseCancelled
	}
	if txn.SentOurDone && txn.ReceivedTheirDone {
		return PhaseDone
	}
	if txn.StartEventContent != nil {
		return PhaseStarted
	}
	if txn.EventsByUs.has(event.ToDeviceVerificationReady) ||
		txn.EventsByThem.has(event.ToDeviceVerificationReady) {
		return PhaseReady
	}
	if txn.EventsByUs.has(event.ToDeviceVerificationRequest) ||
		txn.EventsByThem.has(event.ToDeviceVerificationRequest) {
		return PhaseRequested
	}
	return PhaseUnsent
}

// SelfVerification reports whether the other party is another device of the
// same user.
func (txn *Transaction) SelfVerification(ownUserID id.UserID) bool {
	return txn.TheirUserID == ownUserID
}

// raceIdentifier returns the stable identifier used to break a start-event
// race: the device ID for self-verification and the user ID otherwise. The
// lexicographically smaller identifier's start event wins. The direction of
// the comparison is an arbitrary but fixed convention; both sides just have
// to agree on it.
func (txn *Transaction) raceIdentifier(ownUserID id.UserID, user id.UserID, device id.DeviceID) string {
	if txn.SelfVerification(ownUserID) {
		return device.String()
	}
	return user.String()
}

// computeCommonMethods intersects the other party's advertised methods with
// ours, preserving our order.
func (txn *Transaction) computeCommonMethods(ours []event.VerificationMethod) {
	txn.CommonMethods = txn.CommonMethods[:0]
	for _, method := range ours {
		if slices.Contains(txn.TheirSupportedMethods, method) {
			txn.CommonMethods = append(txn.CommonMethods, method)
		}
	}
}
