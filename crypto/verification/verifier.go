// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"

	"go.mau.fi/mauverify/event"
)

// verifier is the per-method protocol implementation driven by the request
// state machine. All mutable protocol state lives on the [Transaction], so
// the implementations themselves are stateless and shared across
// transactions.
type verifier interface {
	method() event.VerificationMethod

	// canSwitchStartEvent reports whether the method can still adopt the
	// other party's start event in place of ours. This is only legal before
	// any protocol reply depending on our start event has been sent, and the
	// state machine allows it at most once per transaction.
	canSwitchStartEvent(txn *Transaction) bool

	// handleStart processes the governing start event once the state machine
	// has accepted it.
	handleStart(ctx context.Context, txn *Transaction, evt *event.Event) error

	// handleEvent processes the method's protocol events (accept, key, mac).
	handleEvent(ctx context.Context, txn *Transaction, evt *event.Event) error
}
