// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/random"

	"go.mau.fi/mauverify/crypto/crosssign"
	"go.mau.fi/mauverify/crypto/ed25519"
	"go.mau.fi/mauverify/crypto/verification"
	"go.mau.fi/mauverify/event"
	"go.mau.fi/mauverify/id"
)

const (
	aliceUserID   = id.UserID("@alice:example.com")
	aliceDeviceID = id.DeviceID("ALICEDEV1")
	alice2ndDevID = id.DeviceID("ALICEDEV2")
	bobUserID     = id.UserID("@bob:example.com")
	bobDeviceID   = id.DeviceID("BOBDEV1")
)

type requestRecord struct {
	TxnID      id.VerificationTransactionID
	From       id.UserID
	FromDevice id.DeviceID
}

type cancelRecord struct {
	TxnID  id.VerificationTransactionID
	Code   event.VerificationCancelCode
	Reason string
}

type doneRecord struct {
	TxnID  id.VerificationTransactionID
	Method event.VerificationMethod
}

type sasRecord struct {
	TxnID        id.VerificationTransactionID
	Emojis       []rune
	Descriptions []string
	Decimals     []int
}

// testCallbacks records every callback invocation. It implements all of the
// optional callback interfaces, so every test device advertises SAS and QR
// code showing.
type testCallbacks struct {
	requests      []requestRecord
	cancellations []cancelRecord
	dones         []doneRecord
	sasShown      []sasRecord
	qrCodes       []*verification.QRCode
	qrScanned     []id.VerificationTransactionID
}

func (tc *testCallbacks) VerificationRequested(_ context.Context, txnID id.VerificationTransactionID, from id.UserID, fromDevice id.DeviceID) {
	tc.requests = append(tc.requests, requestRecord{txnID, from, fromDevice})
}

func (tc *testCallbacks) VerificationCancelled(_ context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) {
	tc.cancellations = append(tc.cancellations, cancelRecord{txnID, code, reason})
}

func (tc *testCallbacks) VerificationDone(_ context.Context, txnID id.VerificationTransactionID, method event.VerificationMethod) {
	tc.dones = append(tc.dones, doneRecord{txnID, method})
}

func (tc *testCallbacks) ShowSAS(_ context.Context, txnID id.VerificationTransactionID, emojis []rune, emojiDescriptions []string, decimals []int) {
	tc.sasShown = append(tc.sasShown, sasRecord{txnID, emojis, emojiDescriptions, decimals})
}

func (tc *testCallbacks) ShowQRCode(_ context.Context, _ id.VerificationTransactionID, qrCode *verification.QRCode) {
	tc.qrCodes = append(tc.qrCodes, qrCode)
}

func (tc *testCallbacks) QRCodeScanned(_ context.Context, txnID id.VerificationTransactionID) {
	tc.qrScanned = append(tc.qrScanned, txnID)
}

// testDeviceStore is a single device list shared by every device on the test
// network, like a homeserver's device list endpoint.
type testDeviceStore struct {
	lock    sync.Mutex
	devices map[id.UserID]map[id.DeviceID]*id.Device
}

func newTestDeviceStore() *testDeviceStore {
	return &testDeviceStore{devices: map[id.UserID]map[id.DeviceID]*id.Device{}}
}

func (tds *testDeviceStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	tds.lock.Lock()
	defer tds.lock.Unlock()
	return tds.devices[userID][deviceID], nil
}

func (tds *testDeviceStore) GetDevices(_ context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	tds.lock.Lock()
	defer tds.lock.Unlock()
	return tds.devices[userID], nil
}

func (tds *testDeviceStore) PutDevice(_ context.Context, userID id.UserID, device *id.Device) error {
	tds.lock.Lock()
	defer tds.lock.Unlock()
	if tds.devices[userID] == nil {
		tds.devices[userID] = map[id.DeviceID]*id.Device{}
	}
	tds.devices[userID][device.DeviceID] = device
	return nil
}

type delivery struct {
	from    *testDevice
	to      *testDevice
	evtType event.Type
	data    []byte
	roomID  id.RoomID
	eventID id.EventID
}

// testNetwork routes verification events between helpers. Outbound events
// are serialized to JSON and queued; pump delivers them in order, so tests
// control exactly when each message arrives and can tamper with the bytes in
// flight.
type testNetwork struct {
	t       *testing.T
	devices map[id.UserID]map[id.DeviceID]*testDevice
	store   *testDeviceStore
	queue   []delivery
	// tamper, if set, may rewrite the serialized content of each delivery.
	tamper func(d *delivery, data []byte) []byte
}

func newTestNetwork(t *testing.T) *testNetwork {
	return &testNetwork{
		t:       t,
		devices: map[id.UserID]map[id.DeviceID]*testDevice{},
		store:   newTestDeviceStore(),
	}
}

func (net *testNetwork) pump(ctx context.Context) {
	for len(net.queue) > 0 {
		d := net.queue[0]
		net.queue = net.queue[1:]
		data := d.data
		if net.tamper != nil {
			data = net.tamper(&d, data)
		}
		var content event.Content
		require.NoError(net.t, json.Unmarshal(data, &content))
		d.to.helper.HandleEvent(ctx, &event.Event{
			RoomID:  d.roomID,
			ID:      d.eventID,
			Sender:  d.from.userID,
			Type:    d.evtType,
			Content: content,
		})
	}
}

type testDevice struct {
	userID    id.UserID
	deviceID  id.DeviceID
	helper    *verification.Helper
	callbacks *testCallbacks
	keyring   *crosssign.Keyring
}

type testTransport struct {
	net *testNetwork
	dev *testDevice
}

func (tt *testTransport) SendToDevice(_ context.Context, evtType event.Type, messages map[id.UserID]map[id.DeviceID]*event.Content) error {
	for userID, deviceMessages := range messages {
		for deviceID, content := range deviceMessages {
			target := tt.net.devices[userID][deviceID]
			if target == nil {
				continue
			}
			data, err := json.Marshal(content)
			if err != nil {
				return err
			}
			tt.net.queue = append(tt.net.queue, delivery{from: tt.dev, to: target, evtType: evtType, data: data})
		}
	}
	return nil
}

func (tt *testTransport) SendMessage(_ context.Context, roomID id.RoomID, evtType event.Type, content *event.Content) (id.EventID, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	eventID := id.EventID("$" + random.String(16))
	for _, devices := range tt.net.devices {
		for _, target := range devices {
			if target == tt.dev {
				continue
			}
			tt.net.queue = append(tt.net.queue, delivery{from: tt.dev, to: target, evtType: evtType, data: data, roomID: roomID, eventID: eventID})
		}
	}
	return eventID, nil
}

// addDevice creates a helper with an in-memory store and registers the
// device's signing keys on the shared device list.
func (net *testNetwork) addDevice(userID id.UserID, deviceID id.DeviceID, keyring *crosssign.Keyring, supportsScan bool) *testDevice {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(net.t, err)
	require.NoError(net.t, net.store.PutDevice(context.Background(), userID, &id.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		SigningKey:  pub.B64(),
		IdentityKey: id.Curve25519(base64.RawStdEncoding.EncodeToString(random.Bytes(32))),
	}))

	dev := &testDevice{
		userID:    userID,
		deviceID:  deviceID,
		callbacks: &testCallbacks{},
		keyring:   keyring,
	}
	transport := &testTransport{net: net, dev: dev}
	dev.helper = verification.NewHelper(userID, deviceID, transport, net.store, keyring, nil, nil, dev.callbacks, supportsScan)
	if net.devices[userID] == nil {
		net.devices[userID] = map[id.DeviceID]*testDevice{}
	}
	net.devices[userID][deviceID] = dev
	return dev
}

// newKeyringWithKeys creates a keyring that holds the full seed set for its
// own user.
func newKeyringWithKeys(t *testing.T, userID id.UserID, deviceID id.DeviceID) *crosssign.Keyring {
	keyring := crosssign.NewKeyring(userID, deviceID, crosssign.NewMemoryStore())
	_, err := keyring.ResetKeys(context.Background(), crosssign.LevelMaster)
	require.NoError(t, err)
	return keyring
}

// shareIdentity teaches dst the public cross-signing identity that src owns
// for the given user.
func shareIdentity(t *testing.T, dst *crosssign.Keyring, src *crosssign.Keyring, userID id.UserID) {
	identity := src.GetIdentity(userID)
	require.NotNil(t, identity)
	require.NoError(t, dst.SetKeys(context.Background(), userID, crosssign.UserKeys{
		Master:      identity.Master,
		SelfSigning: identity.SelfSigning,
		UserSigning: identity.UserSigning,
	}))
}

// runSASToShown drives a cross-user verification from the initial request up
// to both sides showing the short authentication string.
func runSASToShown(t *testing.T, ctx context.Context, net *testNetwork, alice, bob *testDevice) id.VerificationTransactionID {
	txnID, err := alice.helper.StartVerification(ctx, bob.userID)
	require.NoError(t, err)
	net.pump(ctx)
	require.Len(t, bob.callbacks.requests, 1)
	assert.Equal(t, txnID, bob.callbacks.requests[0].TxnID)
	assert.Equal(t, alice.userID, bob.callbacks.requests[0].From)

	require.NoError(t, bob.helper.AcceptVerification(ctx, txnID))
	net.pump(ctx)

	require.NoError(t, alice.helper.StartSAS(ctx, txnID))
	net.pump(ctx)

	require.Len(t, alice.callbacks.sasShown, 1)
	require.Len(t, bob.callbacks.sasShown, 1)
	return txnID
}

func TestSASVerification_FullFlow(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	aliceKeyring := newKeyringWithKeys(t, aliceUserID, aliceDeviceID)
	bobKeyring := newKeyringWithKeys(t, bobUserID, bobDeviceID)
	shareIdentity(t, aliceKeyring, bobKeyring, bobUserID)
	shareIdentity(t, bobKeyring, aliceKeyring, aliceUserID)
	alice := net.addDevice(aliceUserID, aliceDeviceID, aliceKeyring, false)
	bob := net.addDevice(bobUserID, bobDeviceID, bobKeyring, false)

	txnID := runSASToShown(t, ctx, net, alice, bob)

	aliceSAS := alice.callbacks.sasShown[0]
	bobSAS := bob.callbacks.sasShown[0]
	assert.Equal(t, aliceSAS.Emojis, bobSAS.Emojis)
	assert.Equal(t, aliceSAS.Descriptions, bobSAS.Descriptions)
	assert.Equal(t, aliceSAS.Decimals, bobSAS.Decimals)
	require.Len(t, aliceSAS.Emojis, 7)
	require.Len(t, aliceSAS.Decimals, 3)
	for _, decimal := range aliceSAS.Decimals {
		assert.GreaterOrEqual(t, decimal, 1000)
		assert.LessOrEqual(t, decimal, 9191)
	}

	require.NoError(t, alice.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, bob.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)

	require.Len(t, alice.callbacks.dones, 1)
	require.Len(t, bob.callbacks.dones, 1)
	assert.Equal(t, event.VerificationMethodSAS, alice.callbacks.dones[0].Method)
	assert.Empty(t, alice.callbacks.cancellations)
	assert.Empty(t, bob.callbacks.cancellations)

	// Each side verified the other's master key MAC and signed it.
	aliceTrust, err := aliceKeyring.UserTrust(ctx, bobUserID)
	require.NoError(t, err)
	assert.True(t, aliceTrust.IsVerified())
	bobTrust, err := bobKeyring.UserTrust(ctx, aliceUserID)
	require.NoError(t, err)
	assert.True(t, bobTrust.IsVerified())

	// The device keys in the MAC events were marked verified.
	bobDevice, err := net.store.GetDevice(ctx, bobUserID, bobDeviceID)
	require.NoError(t, err)
	assert.Equal(t, id.TrustStateVerified, bobDevice.Trust)
	aliceDevice, err := net.store.GetDevice(ctx, aliceUserID, aliceDeviceID)
	require.NoError(t, err)
	assert.Equal(t, id.TrustStateVerified, aliceDevice.Trust)
}

func TestSASVerification_LateDuplicateAfterDone(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	aliceKeyring := newKeyringWithKeys(t, aliceUserID, aliceDeviceID)
	bobKeyring := newKeyringWithKeys(t, bobUserID, bobDeviceID)
	shareIdentity(t, aliceKeyring, bobKeyring, bobUserID)
	shareIdentity(t, bobKeyring, aliceKeyring, aliceUserID)
	alice := net.addDevice(aliceUserID, aliceDeviceID, aliceKeyring, false)
	bob := net.addDevice(bobUserID, bobDeviceID, bobKeyring, false)

	// Record everything Bob sends to Alice so it can be replayed later.
	var replays []delivery
	net.tamper = func(d *delivery, data []byte) []byte {
		if d.from == bob && d.to == alice {
			replays = append(replays, delivery{from: d.from, to: d.to, evtType: d.evtType, data: data})
		}
		return data
	}

	txnID := runSASToShown(t, ctx, net, alice, bob)
	require.NoError(t, alice.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, bob.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.Len(t, alice.callbacks.dones, 1)
	require.Len(t, bob.callbacks.dones, 1)
	net.tamper = nil

	// A completed transaction stays quiet: late duplicates of the peer's
	// events get no response at all, not even an unknown-transaction
	// cancellation.
	require.NotEmpty(t, replays)
	for _, d := range replays {
		var content event.Content
		require.NoError(t, json.Unmarshal(d.data, &content))
		alice.helper.HandleEvent(ctx, &event.Event{
			Sender:  bob.userID,
			Type:    d.evtType,
			Content: content,
		})
	}
	assert.Empty(t, net.queue)
	assert.Empty(t, alice.callbacks.cancellations)
	assert.Empty(t, bob.callbacks.cancellations)
	assert.Len(t, alice.callbacks.dones, 1)
}

func TestConfirmSAS_OwnDeviceMissing(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	aliceKeyring := newKeyringWithKeys(t, aliceUserID, aliceDeviceID)
	bobKeyring := newKeyringWithKeys(t, bobUserID, bobDeviceID)
	shareIdentity(t, aliceKeyring, bobKeyring, bobUserID)
	shareIdentity(t, bobKeyring, aliceKeyring, aliceUserID)
	alice := net.addDevice(aliceUserID, aliceDeviceID, aliceKeyring, false)
	bob := net.addDevice(bobUserID, bobDeviceID, bobKeyring, false)

	txnID := runSASToShown(t, ctx, net, alice, bob)

	// The device list no longer knows our own device.
	net.store.lock.Lock()
	delete(net.store.devices[aliceUserID], aliceDeviceID)
	net.store.lock.Unlock()

	err := alice.helper.ConfirmSAS(ctx, txnID)
	assert.EqualError(t, err, "own device ALICEDEV1 not found")
}

func TestSASVerification_LateDuplicateAfterCancel(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	aliceKeyring := newKeyringWithKeys(t, aliceUserID, aliceDeviceID)
	bobKeyring := newKeyringWithKeys(t, bobUserID, bobDeviceID)
	shareIdentity(t, aliceKeyring, bobKeyring, bobUserID)
	shareIdentity(t, bobKeyring, aliceKeyring, aliceUserID)
	alice := net.addDevice(aliceUserID, aliceDeviceID, aliceKeyring, false)
	bob := net.addDevice(bobUserID, bobDeviceID, bobKeyring, false)

	var replays []delivery
	net.tamper = func(d *delivery, data []byte) []byte {
		if d.from == bob && d.to == alice {
			replays = append(replays, delivery{from: d.from, to: d.to, evtType: d.evtType, data: data})
		}
		return data
	}

	txnID := runSASToShown(t, ctx, net, alice, bob)
	require.NoError(t, alice.helper.CancelVerification(ctx, txnID, "changed my mind"))
	net.pump(ctx)
	require.Len(t, alice.callbacks.cancellations, 1)
	require.Len(t, bob.callbacks.cancellations, 1)
	net.tamper = nil

	// Same quiescence rule after a cancellation.
	require.NotEmpty(t, replays)
	for _, d := range replays {
		var content event.Content
		require.NoError(t, json.Unmarshal(d.data, &content))
		alice.helper.HandleEvent(ctx, &event.Event{
			Sender:  bob.userID,
			Type:    d.evtType,
			Content: content,
		})
	}
	assert.Empty(t, net.queue)
	assert.Len(t, alice.callbacks.cancellations, 1)
}

func TestSASVerification_DeclinedRequest(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	alice := net.addDevice(aliceUserID, aliceDeviceID, newKeyringWithKeys(t, aliceUserID, aliceDeviceID), false)
	bob := net.addDevice(bobUserID, bobDeviceID, newKeyringWithKeys(t, bobUserID, bobDeviceID), false)

	txnID, err := alice.helper.StartVerification(ctx, bob.userID)
	require.NoError(t, err)
	net.pump(ctx)

	require.NoError(t, bob.helper.DeclineVerification(ctx, txnID))
	net.pump(ctx)

	require.Len(t, alice.callbacks.cancellations, 1)
	assert.Equal(t, event.VerificationCancelCodeUser, alice.callbacks.cancellations[0].Code)
	assert.Empty(t, alice.callbacks.dones)
}

func TestSASVerification_TamperedKeyFailsCommitment(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	aliceKeyring := newKeyringWithKeys(t, aliceUserID, aliceDeviceID)
	bobKeyring := newKeyringWithKeys(t, bobUserID, bobDeviceID)
	shareIdentity(t, aliceKeyring, bobKeyring, bobUserID)
	shareIdentity(t, bobKeyring, aliceKeyring, aliceUserID)
	alice := net.addDevice(aliceUserID, aliceDeviceID, aliceKeyring, false)
	bob := net.addDevice(bobUserID, bobDeviceID, bobKeyring, false)

	// Substitute the responder's ephemeral public key in flight. The
	// commitment from the accept event no longer matches, so the initiator
	// must abort before any SAS is shown.
	net.tamper = func(d *delivery, data []byte) []byte {
		if d.evtType.Type != event.ToDeviceVerificationKey.Type || d.from != bob {
			return data
		}
		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		raw["key"] = base64.RawStdEncoding.EncodeToString(random.Bytes(32))
		tampered, err := json.Marshal(raw)
		require.NoError(t, err)
		return tampered
	}

	txnID, err := alice.helper.StartVerification(ctx, bob.userID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, bob.helper.AcceptVerification(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, alice.helper.StartSAS(ctx, txnID))
	net.pump(ctx)

	assert.Empty(t, alice.callbacks.sasShown)
	require.Len(t, alice.callbacks.cancellations, 1)
	assert.Equal(t, event.VerificationCancelCodeCommitmentMismatched, alice.callbacks.cancellations[0].Code)
	require.Len(t, bob.callbacks.cancellations, 1)
}

func TestSASVerification_TamperedMAC(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	aliceKeyring := newKeyringWithKeys(t, aliceUserID, aliceDeviceID)
	bobKeyring := newKeyringWithKeys(t, bobUserID, bobDeviceID)
	shareIdentity(t, aliceKeyring, bobKeyring, bobUserID)
	shareIdentity(t, bobKeyring, aliceKeyring, aliceUserID)
	alice := net.addDevice(aliceUserID, aliceDeviceID, aliceKeyring, false)
	bob := net.addDevice(bobUserID, bobDeviceID, bobKeyring, false)

	txnID := runSASToShown(t, ctx, net, alice, bob)
	require.NoError(t, alice.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)

	net.tamper = func(d *delivery, data []byte) []byte {
		if d.evtType.Type != event.ToDeviceVerificationMAC.Type || d.from != bob {
			return data
		}
		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		raw["keys"] = base64.RawStdEncoding.EncodeToString(random.Bytes(32))
		tampered, err := json.Marshal(raw)
		require.NoError(t, err)
		return tampered
	}
	require.NoError(t, bob.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)

	require.Len(t, alice.callbacks.cancellations, 1)
	assert.Equal(t, event.VerificationCancelCodeKeyMismatch, alice.callbacks.cancellations[0].Code)
	assert.Empty(t, alice.callbacks.dones)

	// The tampered MAC must not elevate any trust.
	trust, err := aliceKeyring.UserTrust(ctx, bobUserID)
	require.NoError(t, err)
	assert.False(t, trust.IsVerified())
}

func TestSASVerification_StartRace(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	oldKeyring := newKeyringWithKeys(t, aliceUserID, aliceDeviceID)
	newKeyring := crosssign.NewKeyring(aliceUserID, alice2ndDevID, crosssign.NewMemoryStore())
	shareIdentity(t, newKeyring, oldKeyring, aliceUserID)
	oldDevice := net.addDevice(aliceUserID, aliceDeviceID, oldKeyring, false)
	newDevice := net.addDevice(aliceUserID, alice2ndDevID, newKeyring, false)

	txnID, err := oldDevice.helper.StartVerification(ctx, aliceUserID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, newDevice.helper.AcceptVerification(ctx, txnID))
	net.pump(ctx)

	// Both sides send a start event before seeing the other's. The side
	// with the lexicographically smaller device ID wins and the other side
	// switches to its start event.
	require.NoError(t, oldDevice.helper.StartSAS(ctx, txnID))
	require.NoError(t, newDevice.helper.StartSAS(ctx, txnID))
	net.pump(ctx)

	require.Len(t, oldDevice.callbacks.sasShown, 1)
	require.Len(t, newDevice.callbacks.sasShown, 1)
	assert.Equal(t, oldDevice.callbacks.sasShown[0].Emojis, newDevice.callbacks.sasShown[0].Emojis)
	assert.Equal(t, oldDevice.callbacks.sasShown[0].Decimals, newDevice.callbacks.sasShown[0].Decimals)

	require.NoError(t, oldDevice.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, newDevice.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)

	require.Len(t, oldDevice.callbacks.dones, 1)
	require.Len(t, newDevice.callbacks.dones, 1)
	assert.Empty(t, oldDevice.callbacks.cancellations)
	assert.Empty(t, newDevice.callbacks.cancellations)
}

func TestQRVerification_SelfVerifyNewDevice(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	oldKeyring := newKeyringWithKeys(t, aliceUserID, aliceDeviceID)
	newKeyring := crosssign.NewKeyring(aliceUserID, alice2ndDevID, crosssign.NewMemoryStore())
	shareIdentity(t, newKeyring, oldKeyring, aliceUserID)
	oldDevice := net.addDevice(aliceUserID, aliceDeviceID, oldKeyring, false)
	newDevice := net.addDevice(aliceUserID, alice2ndDevID, newKeyring, true)

	trusted, err := newKeyring.MasterKeyTrusted(ctx)
	require.NoError(t, err)
	require.False(t, trusted)

	txnID, err := newDevice.helper.StartVerification(ctx, aliceUserID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, oldDevice.helper.AcceptVerification(ctx, txnID))
	net.pump(ctx)

	// The old device trusts the master key, so it shows a QR code in the
	// master-key-trusted mode.
	require.Len(t, oldDevice.callbacks.qrCodes, 1)
	qrCode := oldDevice.callbacks.qrCodes[0]
	assert.Equal(t, verification.QRCodeModeSelfVerifyingMasterKeyTrusted, qrCode.Mode)
	assert.Equal(t, txnID, qrCode.TransactionID)

	require.NoError(t, newDevice.helper.HandleScannedQRData(ctx, qrCode.Bytes()))
	net.pump(ctx)

	// The scan verified the master key on the new device.
	trusted, err = newKeyring.MasterKeyTrusted(ctx)
	require.NoError(t, err)
	assert.True(t, trusted)

	// The reciprocated secret matched, so the old device waits for the user
	// to confirm.
	require.Len(t, oldDevice.callbacks.qrScanned, 1)
	require.NoError(t, oldDevice.helper.ConfirmQRCodeScanned(ctx, txnID))
	net.pump(ctx)

	require.Len(t, oldDevice.callbacks.dones, 1)
	require.Len(t, newDevice.callbacks.dones, 1)
	assert.Equal(t, event.VerificationMethodReciprocate, oldDevice.callbacks.dones[0].Method)

	// The old device trusted and cross-signed the new device.
	newDeviceKeys, err := net.store.GetDevice(ctx, aliceUserID, alice2ndDevID)
	require.NoError(t, err)
	assert.Equal(t, id.TrustStateVerified, newDeviceKeys.Trust)
	deviceTrust, err := oldKeyring.DeviceTrust(ctx, newDeviceKeys)
	require.NoError(t, err)
	assert.Equal(t, id.TrustStateVerified, deviceTrust)
}

func TestQRVerification_WrongSharedSecret(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	oldKeyring := newKeyringWithKeys(t, aliceUserID, aliceDeviceID)
	newKeyring := crosssign.NewKeyring(aliceUserID, alice2ndDevID, crosssign.NewMemoryStore())
	shareIdentity(t, newKeyring, oldKeyring, aliceUserID)
	oldDevice := net.addDevice(aliceUserID, aliceDeviceID, oldKeyring, false)
	newDevice := net.addDevice(aliceUserID, alice2ndDevID, newKeyring, true)

	txnID, err := newDevice.helper.StartVerification(ctx, aliceUserID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, oldDevice.helper.AcceptVerification(ctx, txnID))
	net.pump(ctx)
	require.Len(t, oldDevice.callbacks.qrCodes, 1)

	// Simulate scanning an attacker-substituted QR code: same keys and
	// transaction, different shared secret.
	qrCode := *oldDevice.callbacks.qrCodes[0]
	qrCode.SharedSecret = random.Bytes(16)
	require.NoError(t, newDevice.helper.HandleScannedQRData(ctx, qrCode.Bytes()))
	net.pump(ctx)

	assert.Empty(t, oldDevice.callbacks.qrScanned)
	require.Len(t, oldDevice.callbacks.cancellations, 1)
	assert.Equal(t, event.VerificationCancelCodeKeyMismatch, oldDevice.callbacks.cancellations[0].Code)

	// The displaying device must not have trusted or signed anything.
	newDeviceKeys, err := net.store.GetDevice(ctx, aliceUserID, alice2ndDevID)
	require.NoError(t, err)
	assert.NotEqual(t, id.TrustStateVerified, newDeviceKeys.Trust)
}

func TestHelper_UnknownTransaction(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	alice := net.addDevice(aliceUserID, aliceDeviceID, newKeyringWithKeys(t, aliceUserID, aliceDeviceID), false)

	err := alice.helper.AcceptVerification(ctx, id.VerificationTransactionID("no-such-txn"))
	assert.ErrorIs(t, err, verification.ErrUnknownTransaction)
	err = alice.helper.ConfirmSAS(ctx, id.VerificationTransactionID("no-such-txn"))
	assert.ErrorIs(t, err, verification.ErrUnknownTransaction)
}

func TestHelper_LoadExpiresStaleTransactions(t *testing.T) {
	ctx := context.Background()
	store := verification.NewInMemoryStore()

	stale := &verification.Transaction{
		TransactionID:  id.VerificationTransactionID("staletxn"),
		TheirUserID:    bobUserID,
		ExpirationTime: jsontime.UM(time.Now().Add(-1 * time.Minute)),
	}
	require.NoError(t, store.SaveTransaction(ctx, stale))
	live := &verification.Transaction{
		TransactionID:  id.VerificationTransactionID("livetxn"),
		TheirUserID:    bobUserID,
		ExpirationTime: jsontime.UM(time.Now().Add(5 * time.Minute)),
	}
	require.NoError(t, store.SaveTransaction(ctx, live))

	net := newTestNetwork(t)
	alice := net.addDevice(aliceUserID, aliceDeviceID, newKeyringWithKeys(t, aliceUserID, aliceDeviceID), false)
	helper := verification.NewHelper(aliceUserID, aliceDeviceID, &testTransport{net: net, dev: alice}, net.store, alice.keyring, store, nil, alice.callbacks, false)
	require.NoError(t, helper.Load(ctx))

	// The expired transaction was dropped from the store entirely.
	_, err := store.GetTransaction(ctx, stale.TransactionID)
	assert.ErrorIs(t, err, verification.ErrUnknownTransaction)
	assert.ErrorIs(t, helper.AcceptVerification(ctx, stale.TransactionID), verification.ErrUnknownTransaction)

	// The live one was restored and is tracked again, just not in a phase
	// that can be accepted.
	_, err = store.GetTransaction(ctx, live.TransactionID)
	require.NoError(t, err)
	assert.ErrorIs(t, helper.AcceptVerification(ctx, live.TransactionID), verification.ErrNotInRequestedState)
}
