// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verification implements interactive device and user verification:
// the request state machine, the short-authentication-string protocol and QR
// code reciprocation, on top of a transport collaborator and the
// cross-signing keyring.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.mau.fi/mauverify/crypto/crosssign"
	"go.mau.fi/mauverify/event"
	"go.mau.fi/mauverify/id"
)

// transactionTimeout is how long a non-terminal transaction may sit idle
// before it cancels itself. The timer resets on every accepted event.
const transactionTimeout = 10 * time.Minute

var (
	ErrUnknownTransaction  = errors.New("unknown transaction ID")
	ErrNotInRequestedState = errors.New("transaction is not in the requested phase")
	ErrObserveOnly         = errors.New("transaction belongs to another of our devices")
	ErrAlreadyAccepting    = errors.New("transaction is already being accepted")
	ErrAlreadyDeclining    = errors.New("transaction is already being declined")
)

// Transport sends verification events on behalf of the helper. It is the
// only way the helper talks to the network.
type Transport interface {
	// SendToDevice sends an event directly to the given devices.
	SendToDevice(ctx context.Context, evtType event.Type, messages map[id.UserID]map[id.DeviceID]*event.Content) error
	// SendMessage sends an event to a room timeline and returns the event ID.
	SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content *event.Content) (id.EventID, error)
}

// DeviceStore provides the identity keys of known devices.
type DeviceStore interface {
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error)
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error)
	PutDevice(ctx context.Context, userID id.UserID, device *id.Device) error
}

// RequiredCallbacks is the minimal callback surface for the [Helper].
type RequiredCallbacks interface {
	// VerificationRequested is called when a verification request is received
	// from another device.
	VerificationRequested(ctx context.Context, txnID id.VerificationTransactionID, from id.UserID, fromDevice id.DeviceID)

	// VerificationCancelled is called when the verification is cancelled,
	// by either party or by a timeout.
	VerificationCancelled(ctx context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string)

	// VerificationDone is called when the verification is done.
	VerificationDone(ctx context.Context, txnID id.VerificationTransactionID, method event.VerificationMethod)
}

type showSASCallbacks interface {
	// ShowSAS is called when the SAS protocol has generated a short
	// authentication string to show. Either the emoji list (with parallel
	// descriptions) or the decimal list or both are present.
	ShowSAS(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, emojiDescriptions []string, decimals []int)
}

type showQRCodeCallbacks interface {
	// ShowQRCode is called when the request has been accepted and a QR code
	// should be shown to the user.
	ShowQRCode(ctx context.Context, txnID id.VerificationTransactionID, qrCode *QRCode)

	// QRCodeScanned is called when the other device has scanned our QR code
	// and sent a reciprocation with the correct shared secret.
	QRCodeScanned(ctx context.Context, txnID id.VerificationTransactionID)
}

// Helper owns all in-flight verification transactions for one device. Events
// are fed in through HandleEvent; user decisions come in through the Accept /
// Confirm / Cancel methods; everything else happens through the collaborator
// interfaces.
type Helper struct {
	userID   id.UserID
	deviceID id.DeviceID

	transport Transport
	devices   DeviceStore
	keyring   *crosssign.Keyring
	getKey    crosssign.GetKeyFunc
	store     Store

	activeTransactions     map[id.VerificationTransactionID]*Transaction
	timers                 map[id.VerificationTransactionID]*time.Timer
	activeTransactionsLock sync.Mutex

	// finishedTransactions remembers transactions that reached a terminal
	// phase so that late duplicates of their events don't get treated as
	// unknown transactions. finishedOrder bounds it FIFO.
	finishedTransactions map[id.VerificationTransactionID]struct{}
	finishedOrder        []id.VerificationTransactionID

	// supportedMethods are the methods *we* support, derived from which
	// callback interfaces were provided.
	supportedMethods      []event.VerificationMethod
	verificationRequested func(ctx context.Context, txnID id.VerificationTransactionID, from id.UserID, fromDevice id.DeviceID)
	verificationCancelled func(ctx context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string)
	verificationDone      func(ctx context.Context, txnID id.VerificationTransactionID, method event.VerificationMethod)

	showSAS func(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, emojiDescriptions []string, decimals []int)

	showQRCode    func(ctx context.Context, txnID id.VerificationTransactionID, qrCode *QRCode)
	qrCodeScanned func(ctx context.Context, txnID id.VerificationTransactionID)

	sas         *sasVerifier
	reciprocate *reciprocateVerifier
}

// NewHelper creates a verification helper. The callbacks argument must
// implement [RequiredCallbacks]; implementing the SAS and QR callback
// interfaces enables the corresponding methods. supportsScan additionally
// advertises that this device can scan QR codes.
func NewHelper(
	userID id.UserID,
	deviceID id.DeviceID,
	transport Transport,
	devices DeviceStore,
	keyring *crosssign.Keyring,
	store Store,
	getKey crosssign.GetKeyFunc,
	callbacks any,
	supportsScan bool,
) *Helper {
	if store == nil {
		store = NewInMemoryStore()
	}
	helper := &Helper{
		userID:               userID,
		deviceID:             deviceID,
		transport:            transport,
		devices:              devices,
		keyring:              keyring,
		getKey:               getKey,
		store:                store,
		activeTransactions:   map[id.VerificationTransactionID]*Transaction{},
		timers:               map[id.VerificationTransactionID]*time.Timer{},
		finishedTransactions: map[id.VerificationTransactionID]struct{}{},
	}
	helper.sas = &sasVerifier{helper}
	helper.reciprocate = &reciprocateVerifier{helper}

	if c, ok := callbacks.(RequiredCallbacks); !ok {
		panic("callbacks must implement RequiredCallbacks")
	} else {
		helper.verificationRequested = c.VerificationRequested
		helper.verificationCancelled = c.VerificationCancelled
		helper.verificationDone = c.VerificationDone
	}

	if c, ok := callbacks.(showSASCallbacks); ok {
		helper.supportedMethods = append(helper.supportedMethods, event.VerificationMethodSAS)
		helper.showSAS = c.ShowSAS
	}
	if c, ok := callbacks.(showQRCodeCallbacks); ok {
		helper.supportedMethods = append(helper.supportedMethods,
			event.VerificationMethodQRCodeShow, event.VerificationMethodReciprocate)
		helper.showQRCode = c.ShowQRCode
		helper.qrCodeScanned = c.QRCodeScanned
	}
	if supportsScan {
		helper.supportedMethods = append(helper.supportedMethods,
			event.VerificationMethodQRCodeScan, event.VerificationMethodReciprocate)
	}
	slices.Sort(helper.supportedMethods)
	helper.supportedMethods = slices.Compact(helper.supportedMethods)
	return helper
}

func (vh *Helper) getLog(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx).With().
		Str("component", "verification").
		Logger()
	return &logger
}

// Load restores unfinished transactions from the store, expiring the ones
// whose timeout passed while we were offline.
func (vh *Helper) Load(ctx context.Context) error {
	txns, err := vh.store.GetAllTransactions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}
	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	for _, txn := range txns {
		if txn.Phase().Terminal() || time.Until(txn.ExpirationTime.Time) <= 0 {
			if err := vh.store.DeleteTransaction(ctx, txn.TransactionID); err != nil {
				return err
			}
			continue
		}
		vh.activeTransactions[txn.TransactionID] = txn
		vh.resetTimerLocked(txn)
	}
	return nil
}

// StartVerification starts a to-device verification flow with the given
// user. The request is sent to all of the user's devices (except this one,
// for self-verification).
func (vh *Helper) StartVerification(ctx context.Context, to id.UserID) (id.VerificationTransactionID, error) {
	txnID := id.NewVerificationTransactionID()

	devices, err := vh.devices.GetDevices(ctx, to)
	if err != nil {
		return "", fmt.Errorf("failed to get devices for user: %w", err)
	}

	vh.getLog(ctx).Info().
		Str("verification_action", "start verification").
		Stringer("transaction_id", txnID).
		Stringer("to", to).
		Any("device_ids", maps.Keys(devices)).
		Msg("Sending verification request")

	requestContent := &event.VerificationRequestEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: txnID},
		FromDevice:                vh.deviceID,
		Methods:                   vh.supportedMethods,
		Timestamp:                 jsontime.UnixMilliNow(),
	}
	content := &event.Content{Parsed: requestContent}

	messages := map[id.UserID]map[id.DeviceID]*event.Content{to: {}}
	var sentTo []id.DeviceID
	for deviceID := range devices {
		if to == vh.userID && deviceID == vh.deviceID {
			// Never send the request to the current device.
			continue
		}
		messages[to][deviceID] = content
		sentTo = append(sentTo, deviceID)
	}
	if err = vh.transport.SendToDevice(ctx, event.ToDeviceVerificationRequest, messages); err != nil {
		return "", fmt.Errorf("failed to send verification request: %w", err)
	}

	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn := newTransaction(txnID)
	txn.TheirUserID = to
	txn.InitiatedByMe = true
	txn.SentToDeviceIDs = sentTo
	txn.EventsByUs.put(event.ToDeviceVerificationRequest, content)
	vh.activeTransactions[txnID] = txn
	vh.resetTimerLocked(txn)
	return txnID, vh.saveLocked(ctx, txn)
}

// StartInRoomVerification starts a verification flow with the given user in
// the given room. The transaction ID is the event ID of the request message.
func (vh *Helper) StartInRoomVerification(ctx context.Context, roomID id.RoomID, to id.UserID) (id.VerificationTransactionID, error) {
	log := vh.getLog(ctx).With().
		Str("verification_action", "start in-room verification").
		Stringer("room_id", roomID).
		Stringer("to", to).
		Logger()

	requestContent := &event.VerificationRequestEventContent{
		MsgType:    event.MsgVerificationRequest,
		Body:       "This device is requesting verification, but your client does not support it. Use another verification method.",
		FromDevice: vh.deviceID,
		Methods:    vh.supportedMethods,
		To:         to,
	}
	content := &event.Content{Parsed: requestContent}
	log.Info().Msg("Sending verification request")
	eventID, err := vh.transport.SendMessage(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("failed to send verification request: %w", err)
	}

	txnID := id.VerificationTransactionID(eventID)
	log.Info().Stringer("transaction_id", txnID).Msg("Got a transaction ID for the verification request")

	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn := newTransaction(txnID)
	txn.RoomID = roomID
	txn.TheirUserID = to
	txn.InitiatedByMe = true
	txn.EventsByUs.put(event.ToDeviceVerificationRequest, content)
	vh.activeTransactions[txnID] = txn
	vh.resetTimerLocked(txn)
	return txnID, vh.saveLocked(ctx, txn)
}

// AcceptVerification accepts a received verification request by sending a
// ready event advertising our supported methods.
func (vh *Helper) AcceptVerification(ctx context.Context, txnID id.VerificationTransactionID) error {
	log := vh.getLog(ctx).With().
		Str("verification_action", "accept verification").
		Stringer("transaction_id", txnID).
		Logger()

	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[txnID]
	if !ok {
		return ErrUnknownTransaction
	} else if txn.ObserveOnly {
		return ErrObserveOnly
	} else if txn.Phase() != PhaseRequested || txn.InitiatedByMe {
		return ErrNotInRequestedState
	} else if txn.Accepting {
		return ErrAlreadyAccepting
	} else if txn.Declining {
		return ErrAlreadyDeclining
	}
	txn.Accepting = true
	defer func() { txn.Accepting = false }()

	log.Info().Msg("Sending ready event")
	readyContent := &event.VerificationReadyEventContent{
		FromDevice: vh.deviceID,
		Methods:    vh.supportedMethods,
	}
	content, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationReady, readyContent)
	if err != nil {
		return err
	}
	txn.EventsByUs.put(event.ToDeviceVerificationReady, content)
	txn.computeCommonMethods(vh.supportedMethods)
	vh.resetTimerLocked(txn)

	if err := vh.maybeShowQRCodeLocked(ctx, txn); err != nil {
		log.Warn().Err(err).Msg("Failed to generate QR code")
	}
	return vh.saveLocked(ctx, txn)
}

// DeclineVerification rejects a received verification request with the
// user-declined cancellation code.
func (vh *Helper) DeclineVerification(ctx context.Context, txnID id.VerificationTransactionID) error {
	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[txnID]
	if !ok {
		return ErrUnknownTransaction
	} else if txn.ObserveOnly {
		return ErrObserveOnly
	} else if txn.Accepting {
		return ErrAlreadyAccepting
	} else if txn.Declining {
		return ErrAlreadyDeclining
	}
	txn.Declining = true
	defer func() { txn.Declining = false }()
	return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUser, "The request was declined by the user.")
}

// CancelVerification cancels an in-flight transaction with the user
// cancellation code.
func (vh *Helper) CancelVerification(ctx context.Context, txnID id.VerificationTransactionID, reason string) error {
	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[txnID]
	if !ok {
		return ErrUnknownTransaction
	}
	if reason == "" {
		reason = "The verification was cancelled by the user."
	}
	return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUser, reason)
}

// sendVerificationEvent sends a verification event to the other party,
// injecting the transport-specific envelope (an m.relates_to relation for
// in-room events, a transaction_id field for to-device events). The returned
// content is the completed content that went on the wire.
func (vh *Helper) sendVerificationEvent(ctx context.Context, txn *Transaction, evtType event.Type, content any) (*event.Content, error) {
	wrapped := &event.Content{Parsed: content}
	if txn.RoomID != "" {
		content.(event.Relatable).SetRelatesTo(&event.RelatesTo{Type: event.RelReference, EventID: id.EventID(txn.TransactionID)})
		if _, err := vh.transport.SendMessage(ctx, txn.RoomID, evtType, wrapped); err != nil {
			return nil, fmt.Errorf("failed to send %s event: %w", evtType.Type, err)
		}
	} else {
		content.(event.VerificationTransactionable).SetTransactionID(txn.TransactionID)
		messages := map[id.UserID]map[id.DeviceID]*event.Content{
			txn.TheirUserID: {txn.TheirDeviceID: wrapped},
		}
		if err := vh.transport.SendToDevice(ctx, evtType, messages); err != nil {
			return nil, fmt.Errorf("failed to send %s event: %w", evtType.Type, err)
		}
	}
	return wrapped, nil
}

// cancelTransactionLocked is the single cancellation funnel: every failure
// path, peer cancellation, timeout and user decline goes through here. It
// latches the cancelled phase, notifies the peer unless they initiated the
// cancellation, fires the callback and releases the transaction's resources.
func (vh *Helper) cancelTransactionLocked(ctx context.Context, txn *Transaction, code event.VerificationCancelCode, reasonFmt string, args ...any) error {
	reason := fmt.Errorf(reasonFmt, args...).Error()
	log := vh.getLog(ctx).With().
		Stringer("transaction_id", txn.TransactionID).
		Str("cancel_code", string(code)).
		Str("reason", reason).
		Logger()

	if txn.Phase().Terminal() {
		log.Debug().Msg("Not cancelling already terminal transaction")
		return nil
	}
	txn.Cancelled = true

	cancelledByThem := txn.EventsByThem.has(event.ToDeviceVerificationCancel)
	if !cancelledByThem && !txn.ObserveOnly {
		content := &event.VerificationCancelEventContent{Code: code, Reason: reason}
		if sent, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationCancel, content); err != nil {
			log.Warn().Err(err).Msg("Failed to send cancellation event")
		} else {
			txn.EventsByUs.put(event.ToDeviceVerificationCancel, sent)
		}
	}
	log.Info().Msg("Verification cancelled")

	vh.stopTimerLocked(txn.TransactionID)
	vh.verificationCancelled(ctx, txn.TransactionID, code, reason)
	vh.rememberFinishedLocked(txn.TransactionID)
	delete(vh.activeTransactions, txn.TransactionID)
	return vh.store.DeleteTransaction(ctx, txn.TransactionID)
}

// finishedTransactionMemory caps the number of terminated transaction IDs
// kept around for the late-duplicate check in HandleEvent.
const finishedTransactionMemory = 100

func (vh *Helper) rememberFinishedLocked(txnID id.VerificationTransactionID) {
	if _, ok := vh.finishedTransactions[txnID]; ok {
		return
	}
	if len(vh.finishedOrder) >= finishedTransactionMemory {
		delete(vh.finishedTransactions, vh.finishedOrder[0])
		vh.finishedOrder = vh.finishedOrder[1:]
	}
	vh.finishedTransactions[txnID] = struct{}{}
	vh.finishedOrder = append(vh.finishedOrder, txnID)
}

// cancelUnknownTransaction notifies the sender of an event that referenced a
// transaction we do not know about.
func (vh *Helper) cancelUnknownTransaction(ctx context.Context, evt *event.Event, txnID id.VerificationTransactionID) {
	txn := newTransaction(txnID)
	txn.RoomID = evt.RoomID
	txn.TheirUserID = evt.Sender
	if fromDevice, ok := evt.Content.Raw["from_device"].(string); ok {
		txn.TheirDeviceID = id.DeviceID(fromDevice)
	}
	content := &event.VerificationCancelEventContent{
		Code:   event.VerificationCancelCodeUnknownTransaction,
		Reason: "The transaction ID was not recognized.",
	}
	if _, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationCancel, content); err != nil {
		vh.getLog(ctx).Warn().Err(err).Msg("Failed to send cancellation for unknown transaction")
	}
}

func (vh *Helper) saveLocked(ctx context.Context, txn *Transaction) error {
	return vh.store.SaveTransaction(ctx, txn)
}

func (vh *Helper) resetTimerLocked(txn *Transaction) {
	txnID := txn.TransactionID
	txn.ExpirationTime = jsontime.UM(time.Now().Add(transactionTimeout))
	if timer, ok := vh.timers[txnID]; ok {
		timer.Stop()
	}
	vh.timers[txnID] = time.AfterFunc(transactionTimeout, func() {
		vh.timeoutTransaction(txnID)
	})
}

func (vh *Helper) stopTimerLocked(txnID id.VerificationTransactionID) {
	if timer, ok := vh.timers[txnID]; ok {
		timer.Stop()
		delete(vh.timers, txnID)
	}
}

func (vh *Helper) timeoutTransaction(txnID id.VerificationTransactionID) {
	ctx := context.Background()
	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[txnID]
	if !ok || txn.Phase().Terminal() {
		return
	}
	err := vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeTimeout, "The verification timed out.")
	if err != nil {
		vh.getLog(ctx).Warn().Err(err).
			Stringer("transaction_id", txnID).
			Msg("Failed to cancel timed out transaction")
	}
}

// HandleEvent feeds a received protocol event into the right transaction.
// Events for unknown transactions trigger an unknown-transaction
// cancellation, except cancel and done which are dropped silently; events
// for transactions that already reached done or cancelled are dropped
// without any outbound message, even after the transaction has been
// forgotten.
func (vh *Helper) HandleEvent(ctx context.Context, evt *event.Event) {
	log := vh.getLog(ctx).With().
		Stringer("sender", evt.Sender).
		Stringer("room_id", evt.RoomID).
		Str("type", evt.Type.Type).
		Logger()
	ctx = log.WithContext(ctx)

	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			log.Warn().Err(err).Msg("Ignoring unparseable verification event")
			return
		}
	}

	if evt.Type.Type == event.ToDeviceVerificationRequest.Type ||
		(evt.Type.Type == event.EventMessage.Type && evt.Content.AsVerificationRequest() != nil && evt.Content.AsVerificationRequest().MsgType == event.MsgVerificationRequest) {
		vh.onVerificationRequest(ctx, evt)
		return
	}

	txnID := vh.transactionIDFromEvent(evt)
	if txnID == "" {
		log.Warn().Msg("Ignoring verification event without a transaction ID")
		return
	}
	log = log.With().Stringer("transaction_id", txnID).Logger()
	ctx = log.WithContext(ctx)

	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[txnID]
	if !ok {
		if _, finished := vh.finishedTransactions[txnID]; finished {
			log.Debug().Msg("Ignoring late event for a finished transaction")
			return
		}
		// Cancel and done events never get an answer: responding to a
		// cancel with another cancel would bounce between the two devices
		// forever.
		if evt.Type.Type == event.ToDeviceVerificationCancel.Type || evt.Type.Type == event.ToDeviceVerificationDone.Type {
			log.Debug().Msg("Ignoring terminal event for an unknown transaction")
			return
		}
		log.Warn().Msg("Got verification event for an unknown transaction, sending cancellation")
		vh.cancelUnknownTransaction(ctx, evt, txnID)
		return
	}
	if txn.Phase().Terminal() {
		log.Debug().Stringer("phase", txn.Phase()).Msg("Dropping event for terminal transaction")
		return
	}
	if evt.Sender == vh.userID && !txn.ObserveOnly && evt.RoomID != "" {
		// In-room events echo back to the sender. Our own echoes are already
		// in the log.
		return
	}

	if !txn.EventsByThem.put(evt.Type, &evt.Content) {
		log.Debug().Msg("Dropping duplicate event")
		return
	}
	vh.resetTimerLocked(txn)

	var err error
	switch evt.Type.Type {
	case event.ToDeviceVerificationReady.Type:
		err = vh.onVerificationReady(ctx, txn, evt)
	case event.ToDeviceVerificationStart.Type:
		err = vh.onVerificationStart(ctx, txn, evt)
	case event.ToDeviceVerificationAccept.Type, event.ToDeviceVerificationKey.Type, event.ToDeviceVerificationMAC.Type:
		err = vh.onVerifierEvent(ctx, txn, evt)
	case event.ToDeviceVerificationDone.Type:
		err = vh.onVerificationDone(ctx, txn, evt)
	case event.ToDeviceVerificationCancel.Type:
		vh.onVerificationCancel(ctx, txn, evt)
	default:
		log.Warn().Msg("Ignoring verification event of unknown type")
		return
	}
	if err != nil {
		log.Err(err).Msg("Failed to handle verification event")
		return
	}
	if txn, ok := vh.activeTransactions[txnID]; ok {
		if err = vh.saveLocked(ctx, txn); err != nil {
			log.Err(err).Msg("Failed to save transaction")
		}
	}
}

// transactionIDFromEvent extracts the transaction ID: the m.reference
// relation target for in-room events, the transaction_id field otherwise.
func (vh *Helper) transactionIDFromEvent(evt *event.Event) id.VerificationTransactionID {
	if evt.RoomID != "" {
		if relatable, ok := evt.Content.Parsed.(event.Relatable); ok {
			if rel := relatable.GetRelatesTo(); rel != nil && rel.EventID != "" {
				return id.VerificationTransactionID(rel.EventID)
			}
		}
		return ""
	}
	if transactionable, ok := evt.Content.Parsed.(event.VerificationTransactionable); ok {
		return transactionable.GetTransactionID()
	}
	return ""
}

func (vh *Helper) onVerificationRequest(ctx context.Context, evt *event.Event) {
	log := vh.getLog(ctx).With().
		Str("verification_action", "verification request").
		Stringer("sender", evt.Sender).
		Logger()

	request := evt.Content.AsVerificationRequest()
	if request == nil {
		log.Warn().Msg("Ignoring verification request with unexpected content")
		return
	}

	observeOnly := false
	if evt.Sender == vh.userID && request.FromDevice == vh.deviceID {
		log.Warn().Msg("Ignoring verification request from our own device")
		return
	} else if evt.RoomID != "" && evt.Sender == vh.userID {
		// Another of our devices sent a request in a room we can see. Watch
		// the flow, but never act on it.
		observeOnly = true
	} else if evt.RoomID != "" && request.To != vh.userID {
		log.Info().Stringer("to", request.To).Msg("Ignoring verification request for another user")
		return
	}

	txnID := request.TransactionID
	if evt.RoomID != "" {
		txnID = id.VerificationTransactionID(evt.ID)
	}
	if txnID == "" {
		log.Warn().Msg("Ignoring verification request without a transaction ID")
		return
	}
	if request.FromDevice == "" {
		log.Warn().Msg("Ignoring verification request without a from_device")
		return
	}

	log = log.With().
		Stringer("transaction_id", txnID).
		Any("requested_methods", request.Methods).
		Bool("observe_only", observeOnly).
		Logger()
	ctx = log.WithContext(ctx)

	vh.activeTransactionsLock.Lock()
	if _, ok := vh.activeTransactions[txnID]; ok {
		vh.activeTransactionsLock.Unlock()
		log.Info().Msg("Ignoring verification request for an already active transaction")
		return
	}
	txn := newTransaction(txnID)
	txn.RoomID = evt.RoomID
	txn.TheirUserID = evt.Sender
	txn.TheirDeviceID = request.FromDevice
	txn.TheirSupportedMethods = request.Methods
	txn.ObserveOnly = observeOnly
	if observeOnly {
		// The sibling device is the requester; the acceptor is not known yet.
		txn.TheirUserID = request.To
		txn.TheirDeviceID = ""
	}
	txn.EventsByThem.put(event.ToDeviceVerificationRequest, &evt.Content)
	vh.activeTransactions[txnID] = txn
	vh.resetTimerLocked(txn)
	if err := vh.saveLocked(ctx, txn); err != nil {
		log.Err(err).Msg("Failed to save transaction")
	}
	vh.activeTransactionsLock.Unlock()

	log.Info().Msg("Received verification request")
	if !observeOnly {
		vh.verificationRequested(ctx, txnID, evt.Sender, request.FromDevice)
	}
}

func (vh *Helper) onVerificationReady(ctx context.Context, txn *Transaction, evt *event.Event) error {
	log := vh.getLog(ctx).With().
		Str("verification_action", "verification ready").
		Logger()

	readyEvt := evt.Content.AsVerificationReady()
	if readyEvt == nil || readyEvt.FromDevice == "" || len(readyEvt.Methods) == 0 {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInvalidMessage, "the ready event is missing required fields")
	}
	// Only the party that did not send the request may send ready.
	if !txn.InitiatedByMe && !txn.ObserveOnly {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "got ready event from the requesting party")
	}

	txn.TheirDeviceID = readyEvt.FromDevice
	txn.TheirSupportedMethods = readyEvt.Methods
	txn.computeCommonMethods(vh.supportedMethods)
	log.Info().
		Stringer("their_device_id", txn.TheirDeviceID).
		Any("common_methods", txn.CommonMethods).
		Msg("Verification request accepted")

	// If we sent the request to several devices, cancel it on the ones that
	// did not win the race to accept.
	if len(txn.SentToDeviceIDs) > 0 && txn.RoomID == "" {
		content := &event.Content{Parsed: &event.VerificationCancelEventContent{
			ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: txn.TransactionID},
			Code:                      event.VerificationCancelCodeAccepted,
			Reason:                    "The verification was accepted on another device.",
		}}
		messages := map[id.UserID]map[id.DeviceID]*event.Content{txn.TheirUserID: {}}
		for _, deviceID := range txn.SentToDeviceIDs {
			if deviceID != txn.TheirDeviceID {
				messages[txn.TheirUserID][deviceID] = content
			}
		}
		if len(messages[txn.TheirUserID]) > 0 {
			if err := vh.transport.SendToDevice(ctx, event.ToDeviceVerificationCancel, messages); err != nil {
				log.Warn().Err(err).Msg("Failed to send cancellations to non-chosen devices")
			}
		}
	}

	if err := vh.maybeShowQRCodeLocked(ctx, txn); err != nil {
		log.Warn().Err(err).Msg("Failed to generate QR code")
	}
	return nil
}

// startAllowed checks whether a start event is acceptable in the current
// phase: from Ready always, from Requested only in rooms when the sender is
// not the requester, and from Unsent/Requested for direct to-device starts.
func (vh *Helper) startAllowed(txn *Transaction, evt *event.Event) bool {
	switch txn.Phase() {
	case PhaseReady, PhaseStarted:
		return true
	case PhaseRequested:
		if txn.RoomID != "" {
			return !txn.EventsByThem.has(event.ToDeviceVerificationRequest) || evt.Sender != txn.TheirUserID
		}
		return true
	case PhaseUnsent:
		return txn.RoomID == ""
	default:
		return false
	}
}

func (vh *Helper) onVerificationStart(ctx context.Context, txn *Transaction, evt *event.Event) error {
	startEvt := evt.Content.AsVerificationStart()
	log := vh.getLog(ctx).With().
		Str("verification_action", "verification start").
		Str("method", string(startEvt.Method)).
		Logger()
	ctx = log.WithContext(ctx)

	if startEvt.FromDevice == "" {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInvalidMessage, "the start event is missing the from_device field")
	}
	if !vh.startAllowed(txn, evt) {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "got start event in the %s phase", txn.Phase())
	}
	verifier := vh.verifierForMethod(startEvt.Method)
	if verifier == nil || !slices.Contains(vh.supportedMethods, startEvt.Method) {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnknownMethod, "unknown method %s", startEvt.Method)
	}
	if len(txn.CommonMethods) > 0 && !slices.Contains(txn.CommonMethods, startEvt.Method) && startEvt.Method != event.VerificationMethodReciprocate {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnknownMethod, "method %s is not mutually supported", startEvt.Method)
	}

	if txn.StartEventContent != nil {
		// Both sides sent a start event. The lexicographically smaller race
		// identifier wins; if theirs wins we switch to their start, provided
		// the method still allows it.
		theirIdent := txn.raceIdentifier(vh.userID, evt.Sender, startEvt.FromDevice)
		ourIdent := txn.raceIdentifier(vh.userID, vh.userID, vh.deviceID)
		if theirIdent >= ourIdent {
			log.Info().
				Str("their_race_identifier", theirIdent).
				Str("our_race_identifier", ourIdent).
				Msg("Ignoring start event that lost the race")
			return nil
		}
		current := vh.verifierForMethod(txn.ChosenMethod)
		if txn.StartSwitched || current == nil || !current.canSwitchStartEvent(txn) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "got conflicting start event after replying to ours")
		}
		log.Info().
			Str("their_race_identifier", theirIdent).
			Str("our_race_identifier", ourIdent).
			Msg("Switching to the other party's start event")
		txn.StartSwitched = true
	}

	txn.ChosenMethod = startEvt.Method
	txn.TheirDeviceID = startEvt.FromDevice
	if txn.ObserveOnly {
		return nil
	}
	return verifier.handleStart(ctx, txn, evt)
}

func (vh *Helper) onVerifierEvent(ctx context.Context, txn *Transaction, evt *event.Event) error {
	if txn.ObserveOnly {
		return nil
	}
	verifier := vh.verifierForMethod(txn.ChosenMethod)
	if verifier == nil {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "got %s event before a method was chosen", evt.Type.Type)
	}
	return verifier.handleEvent(ctx, txn, evt)
}

func (vh *Helper) onVerificationDone(ctx context.Context, txn *Transaction, evt *event.Event) error {
	log := vh.getLog(ctx).With().
		Str("verification_action", "done").
		Stringer("transaction_id", txn.TransactionID).
		Logger()

	if txn.Phase() != PhaseStarted {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "got done event in the %s phase", txn.Phase())
	}
	txn.ReceivedTheirDone = true
	log.Info().Msg("Received done event")
	if txn.SentOurDone || txn.ObserveOnly {
		return vh.finishTransactionLocked(ctx, txn)
	}
	return nil
}

// finishTransactionLocked moves the transaction to the done phase and
// releases its resources.
func (vh *Helper) finishTransactionLocked(ctx context.Context, txn *Transaction) error {
	if txn.ObserveOnly {
		txn.SentOurDone = true
	}
	vh.stopTimerLocked(txn.TransactionID)
	vh.verificationDone(ctx, txn.TransactionID, txn.ChosenMethod)
	vh.rememberFinishedLocked(txn.TransactionID)
	delete(vh.activeTransactions, txn.TransactionID)
	return vh.store.DeleteTransaction(ctx, txn.TransactionID)
}

func (vh *Helper) onVerificationCancel(ctx context.Context, txn *Transaction, evt *event.Event) {
	cancelEvt := evt.Content.AsVerificationCancel()
	vh.getLog(ctx).Info().
		Str("verification_action", "cancel").
		Stringer("transaction_id", txn.TransactionID).
		Str("cancel_code", string(cancelEvt.Code)).
		Str("reason", cancelEvt.Reason).
		Msg("Verification was cancelled by the other party")
	err := vh.cancelTransactionLocked(ctx, txn, cancelEvt.Code, "%s", cancelEvt.Reason)
	if err != nil {
		vh.getLog(ctx).Warn().Err(err).Msg("Failed to process cancellation")
	}
}

func (vh *Helper) verifierForMethod(method event.VerificationMethod) verifier {
	switch method {
	case event.VerificationMethodSAS:
		return vh.sas
	case event.VerificationMethodReciprocate:
		return vh.reciprocate
	default:
		return nil
	}
}
