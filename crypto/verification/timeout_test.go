// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"

	"go.mau.fi/mauverify/event"
	"go.mau.fi/mauverify/id"
)

type recordingTransport struct {
	toDevice []map[id.UserID]map[id.DeviceID]*event.Content
	types    []event.Type
}

func (rt *recordingTransport) SendToDevice(_ context.Context, evtType event.Type, messages map[id.UserID]map[id.DeviceID]*event.Content) error {
	rt.types = append(rt.types, evtType)
	rt.toDevice = append(rt.toDevice, messages)
	return nil
}

func (rt *recordingTransport) SendMessage(_ context.Context, _ id.RoomID, _ event.Type, _ *event.Content) (id.EventID, error) {
	panic("unexpected room message")
}

type recordingCallbacks struct {
	cancelCodes []event.VerificationCancelCode
}

func (rc *recordingCallbacks) VerificationRequested(context.Context, id.VerificationTransactionID, id.UserID, id.DeviceID) {
}

func (rc *recordingCallbacks) VerificationCancelled(_ context.Context, _ id.VerificationTransactionID, code event.VerificationCancelCode, _ string) {
	rc.cancelCodes = append(rc.cancelCodes, code)
}

func (rc *recordingCallbacks) VerificationDone(context.Context, id.VerificationTransactionID, event.VerificationMethod) {
}

// The transaction timeout is fixed at ten minutes, so the timer callback is
// exercised directly instead of waiting for it to fire.
func TestTimeoutTransaction(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	callbacks := &recordingCallbacks{}
	helper := NewHelper("@alice:example.com", "ALICEDEV1", transport, nil, nil, nil, nil, callbacks, false)

	txn := newTransaction("timeouttxn")
	txn.TheirUserID = "@bob:example.com"
	txn.TheirDeviceID = "BOBDEV1"
	txn.ExpirationTime = jsontime.UM(time.Now().Add(-1 * time.Second))
	helper.activeTransactions[txn.TransactionID] = txn
	require.NoError(t, helper.store.SaveTransaction(ctx, txn))

	helper.timeoutTransaction(txn.TransactionID)

	// The peer was notified with the timeout-specific code, which lets the
	// other side's UI distinguish "they didn't respond" from "they
	// declined".
	require.Len(t, transport.types, 1)
	assert.Equal(t, event.ToDeviceVerificationCancel, transport.types[0])
	cancelContent := transport.toDevice[0]["@bob:example.com"]["BOBDEV1"].Parsed
	assert.Equal(t, event.VerificationCancelCodeTimeout, cancelContent.(*event.VerificationCancelEventContent).Code)

	require.Len(t, callbacks.cancelCodes, 1)
	assert.Equal(t, event.VerificationCancelCodeTimeout, callbacks.cancelCodes[0])

	// The transaction is fully gone: not tracked, not stored, and a second
	// firing of the timer is a no-op.
	assert.NotContains(t, helper.activeTransactions, txn.TransactionID)
	_, err := helper.store.GetTransaction(ctx, txn.TransactionID)
	assert.ErrorIs(t, err, ErrUnknownTransaction)
	helper.timeoutTransaction(txn.TransactionID)
	assert.Len(t, transport.types, 1)
	assert.Len(t, callbacks.cancelCodes, 1)
}
