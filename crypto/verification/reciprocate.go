// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"go.mau.fi/mauverify/event"
	"go.mau.fi/mauverify/id"
)

// reciprocateVerifier handles the m.reciprocate.v1 method used by QR code
// verification. The displaying side gets a start event whose secret must
// byte-match the one embedded in the QR code it showed.
type reciprocateVerifier struct {
	vh *Helper
}

var _ verifier = (*reciprocateVerifier)(nil)

func (r *reciprocateVerifier) method() event.VerificationMethod {
	return event.VerificationMethodReciprocate
}

// canSwitchStartEvent always refuses: a reciprocate start means a QR code
// was already scanned, there is nothing to race against.
func (r *reciprocateVerifier) canSwitchStartEvent(*Transaction) bool {
	return false
}

// handleStart checks the reciprocated shared secret against the one we
// embedded in the QR code. A mismatch means the scanned code was not ours
// and is treated as a key mismatch. On success the flow suspends until the
// user calls [Helper.ConfirmQRCodeScanned].
func (r *reciprocateVerifier) handleStart(ctx context.Context, txn *Transaction, evt *event.Event) error {
	vh := r.vh
	startEvt := evt.Content.AsVerificationStart()
	log := vh.getLog(ctx).With().
		Str("verification_action", "reciprocate start").
		Stringer("transaction_id", txn.TransactionID).
		Logger()

	if len(txn.QRCodeSharedSecret) == 0 {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "got reciprocate start event but we did not show a QR code")
	}
	if !bytes.Equal(startEvt.Secret, txn.QRCodeSharedSecret) {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "reciprocated shared secret does not match")
	}
	txn.StartEventContent = startEvt
	txn.OurQRScanned = true
	log.Info().Msg("Our QR code was scanned, waiting for user confirmation")
	vh.qrCodeScanned(ctx, txn.TransactionID)
	return nil
}

func (r *reciprocateVerifier) handleEvent(ctx context.Context, txn *Transaction, evt *event.Event) error {
	return r.vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "unexpected %s event in reciprocate flow", evt.Type.Type)
}

// maybeShowQRCodeLocked generates a QR code for the transaction and hands it
// to the ShowQRCode callback if both sides support the QR flow. The snapshot
// of the code (including which keys went into it) is captured on the
// transaction now and reused for all later checks, so a cross-signing
// identity change mid-flow cannot redirect what gets signed.
func (vh *Helper) maybeShowQRCodeLocked(ctx context.Context, txn *Transaction) error {
	log := vh.getLog(ctx).With().
		Str("verification_action", "generate QR code").
		Stringer("transaction_id", txn.TransactionID).
		Logger()

	if vh.showQRCode == nil ||
		!slices.Contains(vh.supportedMethods, event.VerificationMethodQRCodeShow) ||
		!slices.Contains(txn.TheirSupportedMethods, event.VerificationMethodQRCodeScan) ||
		!slices.Contains(txn.TheirSupportedMethods, event.VerificationMethodReciprocate) {
		log.Debug().Msg("Not generating QR code, not supported by both sides")
		return nil
	}

	ownIdentity := vh.keyring.OwnIdentity()
	if ownIdentity == nil || ownIdentity.Master == nil {
		log.Debug().Msg("Not generating QR code, own cross-signing keys are not known")
		return nil
	}
	ownMasterKey := ownIdentity.Master.FirstKey().Bytes()
	masterTrusted, err := vh.keyring.MasterKeyTrusted(ctx)
	if err != nil {
		return err
	}

	var mode QRCodeMode
	var key1, key2 []byte
	if txn.SelfVerification(vh.userID) {
		if masterTrusted {
			// We vouch for the master key, the scanning device learns it.
			mode = QRCodeModeSelfVerifyingMasterKeyTrusted
			theirDevice, err := vh.devices.GetDevice(ctx, txn.TheirUserID, txn.TheirDeviceID)
			if err != nil || theirDevice == nil {
				log.Debug().Err(err).Msg("Not generating QR code, the other device's keys are not known")
				return nil
			}
			key1 = ownMasterKey
			key2 = theirDevice.SigningKey.Bytes()
		} else {
			// The scanning device vouches for the master key, we present
			// our device key and the master key as we received it.
			mode = QRCodeModeSelfVerifyingMasterKeyUntrusted
			ownDevice, err := vh.devices.GetDevice(ctx, vh.userID, vh.deviceID)
			if err != nil || ownDevice == nil {
				log.Debug().Err(err).Msg("Not generating QR code, own device keys are not known")
				return nil
			}
			key1 = ownDevice.SigningKey.Bytes()
			key2 = ownMasterKey
		}
	} else {
		if !masterTrusted {
			log.Debug().Msg("Not generating QR code, cannot cross-sign another user with an untrusted master key")
			return nil
		}
		mode = QRCodeModeCrossSigning
		theirIdentity := vh.keyring.GetIdentity(txn.TheirUserID)
		if theirIdentity == nil || theirIdentity.Master == nil {
			log.Debug().Msg("Not generating QR code, the other user's master key is not known")
			return nil
		}
		key1 = ownMasterKey
		key2 = theirIdentity.Master.FirstKey().Bytes()
	}
	if len(key1) != 32 || len(key2) != 32 {
		log.Warn().Msg("Not generating QR code, a key has an unexpected length")
		return nil
	}

	qrCode := NewQRCode(mode, txn.TransactionID, [32]byte(key1), [32]byte(key2))
	txn.QRCodeSharedSecret = qrCode.SharedSecret
	txn.QRCode = qrCode
	log.Info().Int("mode", int(mode)).Msg("Showing QR code")
	vh.showQRCode(ctx, txn.TransactionID, qrCode)
	return nil
}

// HandleScannedQRData verifies the keys from a scanned QR code and, if they
// match what this device knows, records the resulting trust and sends the
// reciprocate start event followed by our done event.
func (vh *Helper) HandleScannedQRData(ctx context.Context, data []byte) error {
	qrCode, err := NewQRCodeFromBytes(data)
	if err != nil {
		return err
	}
	log := vh.getLog(ctx).With().
		Str("verification_action", "handle scanned QR data").
		Stringer("transaction_id", qrCode.TransactionID).
		Int("mode", int(qrCode.Mode)).
		Logger()
	ctx = log.WithContext(ctx)

	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[qrCode.TransactionID]
	if !ok {
		return ErrUnknownTransaction
	} else if txn.ObserveOnly {
		return ErrObserveOnly
	} else if txn.Phase() != PhaseReady {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "transaction found in the QR code is not in the ready state")
	}

	ownIdentity := vh.keyring.OwnIdentity()
	if ownIdentity == nil || ownIdentity.Master == nil {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "own cross-signing keys are not known")
	}
	ownMasterKey := ownIdentity.Master.FirstKey().Bytes()

	log.Info().Msg("Verifying keys from QR code")
	switch qrCode.Mode {
	case QRCodeModeCrossSigning:
		theirIdentity := vh.keyring.GetIdentity(txn.TheirUserID)
		if theirIdentity == nil || theirIdentity.Master == nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "no cross-signing keys known for %s", txn.TheirUserID)
		}
		if !bytes.Equal(theirIdentity.Master.FirstKey().Bytes(), qrCode.Key1[:]) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the other user's master key is not what we expected")
		}
		if !bytes.Equal(ownMasterKey, qrCode.Key2[:]) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the other device has the wrong master key for us")
		}
		if err := vh.keyring.SignUser(ctx, txn.TheirUserID, vh.getKey); err != nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to sign their master key: %w", err)
		}
	case QRCodeModeSelfVerifyingMasterKeyTrusted:
		// The displaying device trusts the master key and we do not yet.
		// Key1 is the master key, Key2 is what they think our device key is.
		if !txn.SelfVerification(vh.userID) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "mode %d is only allowed for self-verification", qrCode.Mode)
		}
		if !bytes.Equal(ownMasterKey, qrCode.Key1[:]) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the master key does not match")
		}
		ownDevice, err := vh.devices.GetDevice(ctx, vh.userID, vh.deviceID)
		if err != nil || ownDevice == nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to get own device: %v", err)
		}
		if !bytes.Equal(ownDevice.SigningKey.Bytes(), qrCode.Key2[:]) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the other device has the wrong key for this device")
		}
		if err := vh.keyring.TrustMasterKey(ctx); err != nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to trust own master key: %w", err)
		}
	case QRCodeModeSelfVerifyingMasterKeyUntrusted:
		// The displaying device does not trust the master key, so we must.
		// Key1 is their device key, Key2 is the master key they received.
		if trusted, err := vh.keyring.MasterKeyTrusted(ctx); err != nil {
			return err
		} else if !trusted {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeMasterKeyNotTrusted, "cannot vouch for the master key, it is not trusted by this device")
		}
		if !txn.SelfVerification(vh.userID) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "mode %d is only allowed for self-verification", qrCode.Mode)
		}
		theirDevice, err := vh.devices.GetDevice(ctx, txn.TheirUserID, txn.TheirDeviceID)
		if err != nil || theirDevice == nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to get their device: %v", err)
		}
		if !bytes.Equal(theirDevice.SigningKey.Bytes(), qrCode.Key1[:]) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the other device's key is not what we expected")
		}
		if !bytes.Equal(ownMasterKey, qrCode.Key2[:]) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the master key does not match")
		}
		theirDevice.Trust = id.TrustStateVerified
		if err := vh.devices.PutDevice(ctx, txn.TheirUserID, theirDevice); err != nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to update device trust: %v", err)
		}
		if err := vh.keyring.SignDevice(ctx, txn.TheirUserID, theirDevice, vh.getKey); err != nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to sign their device: %v", err)
		}
	default:
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "unknown QR code mode %d", qrCode.Mode)
	}

	txn.StartedByUs = true
	txn.ChosenMethod = event.VerificationMethodReciprocate
	txn.StartEventContent = &event.VerificationStartEventContent{
		FromDevice: vh.deviceID,
		Method:     event.VerificationMethodReciprocate,
		Secret:     qrCode.SharedSecret,
	}
	content, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationStart, txn.StartEventContent)
	if err != nil {
		return fmt.Errorf("failed to send start event: %w", err)
	}
	txn.EventsByUs.put(event.ToDeviceVerificationStart, content)

	// Our side of the transaction is done as soon as the keys check out.
	content, err = vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationDone, &event.VerificationDoneEventContent{})
	if err != nil {
		return fmt.Errorf("failed to send done event: %w", err)
	}
	txn.EventsByUs.put(event.ToDeviceVerificationDone, content)
	txn.SentOurDone = true
	if txn.ReceivedTheirDone {
		return vh.finishTransactionLocked(ctx, txn)
	}
	vh.resetTimerLocked(txn)
	return vh.saveLocked(ctx, txn)
}

// ConfirmQRCodeScanned records the trust resulting from the other device
// scanning our QR code and sends our done event. The keys that get signed
// are re-checked against the QR code snapshot captured when the code was
// shown.
func (vh *Helper) ConfirmQRCodeScanned(ctx context.Context, txnID id.VerificationTransactionID) error {
	log := vh.getLog(ctx).With().
		Str("verification_action", "confirm QR code scanned").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)

	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[txnID]
	if !ok {
		return ErrUnknownTransaction
	} else if !txn.OurQRScanned {
		return fmt.Errorf("our QR code has not been scanned")
	} else if txn.QRCode == nil {
		return fmt.Errorf("no QR code snapshot on the transaction")
	}

	log.Info().Msg("Confirming QR code scanned")
	switch txn.QRCode.Mode {
	case QRCodeModeCrossSigning:
		if err := vh.keyring.SignUser(ctx, txn.TheirUserID, vh.getKey); err != nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to sign their master key: %w", err)
		}
		// The key that actually got signed must still be the one embedded
		// in the QR code the other device scanned.
		theirIdentity := vh.keyring.GetIdentity(txn.TheirUserID)
		if theirIdentity == nil || theirIdentity.Master == nil ||
			!bytes.Equal(theirIdentity.Master.FirstKey().Bytes(), txn.QRCode.Key2[:]) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the other user's master key changed after the QR code was shown")
		}
	case QRCodeModeSelfVerifyingMasterKeyTrusted:
		theirDevice, err := vh.devices.GetDevice(ctx, txn.TheirUserID, txn.TheirDeviceID)
		if err != nil || theirDevice == nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to get their device: %v", err)
		}
		theirDevice.Trust = id.TrustStateVerified
		if err := vh.devices.PutDevice(ctx, txn.TheirUserID, theirDevice); err != nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to update device trust: %v", err)
		}
		if err := vh.keyring.SignDevice(ctx, txn.TheirUserID, theirDevice, vh.getKey); err != nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to sign their device: %v", err)
		}
		if !bytes.Equal(theirDevice.SigningKey.Bytes(), txn.QRCode.Key2[:]) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the other device's key changed after the QR code was shown")
		}
	case QRCodeModeSelfVerifyingMasterKeyUntrusted:
		// The scanning device vouched for the master key embedded in our
		// QR code, so this device can now trust it.
		if err := vh.keyring.TrustMasterKey(ctx); err != nil {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInternalError, "failed to trust own master key: %w", err)
		}
		ownIdentity := vh.keyring.OwnIdentity()
		if ownIdentity == nil || ownIdentity.Master == nil ||
			!bytes.Equal(ownIdentity.Master.FirstKey().Bytes(), txn.QRCode.Key2[:]) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the master key changed after the QR code was shown")
		}
	}

	content, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationDone, &event.VerificationDoneEventContent{})
	if err != nil {
		return err
	}
	txn.EventsByUs.put(event.ToDeviceVerificationDone, content)
	txn.SentOurDone = true
	if txn.ReceivedTheirDone {
		return vh.finishTransactionLocked(ctx, txn)
	}
	vh.resetTimerLocked(txn)
	return vh.saveLocked(ctx, txn)
}
