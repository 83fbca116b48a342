// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"go.mau.fi/util/jsonbytes"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/exp/slices"

	"go.mau.fi/mauverify/crypto/canonicaljson"
	"go.mau.fi/mauverify/event"
	"go.mau.fi/mauverify/id"
)

// sasVerifier implements the short-authentication-string protocol. All of
// its state lives on the transaction.
type sasVerifier struct {
	vh *Helper
}

var _ verifier = (*sasVerifier)(nil)

func (sas *sasVerifier) method() event.VerificationMethod {
	return event.VerificationMethodSAS
}

// canSwitchStartEvent allows switching until our ephemeral public key has
// been sent, since the key event is the first reply that depends on which
// start event is in effect.
func (sas *sasVerifier) canSwitchStartEvent(txn *Transaction) bool {
	return !txn.EphemeralPublicKeyShared
}

// StartSAS starts the SAS flow for a transaction in the ready phase by
// sending a start event advertising our supported algorithms.
func (vh *Helper) StartSAS(ctx context.Context, txnID id.VerificationTransactionID) error {
	log := vh.getLog(ctx).With().
		Str("verification_action", "start SAS").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)

	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[txnID]
	if !ok {
		return ErrUnknownTransaction
	} else if txn.ObserveOnly {
		return ErrObserveOnly
	} else if txn.Phase() != PhaseReady {
		return fmt.Errorf("transaction is in the %s phase, not ready", txn.Phase())
	} else if !slices.Contains(txn.TheirSupportedMethods, event.VerificationMethodSAS) {
		return fmt.Errorf("the other device does not support SAS verification")
	}

	log.Info().Msg("Sending SAS start event")
	startContent := &event.VerificationStartEventContent{
		FromDevice: vh.deviceID,
		Method:     event.VerificationMethodSAS,

		Hashes:                []event.VerificationHashMethod{event.VerificationHashMethodSHA256},
		KeyAgreementProtocols: []event.KeyAgreementProtocol{event.KeyAgreementProtocolCurve25519HKDFSHA256},
		MessageAuthenticationCodes: []event.MACMethod{
			event.MACMethodHKDFHMACSHA256,
			event.MACMethodHKDFHMACSHA256V2,
		},
		ShortAuthenticationString: []event.SASMethod{
			event.SASMethodDecimal,
			event.SASMethodEmoji,
		},
	}
	content, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationStart, startContent)
	if err != nil {
		return err
	}
	txn.EventsByUs.put(event.ToDeviceVerificationStart, content)
	txn.StartedByUs = true
	txn.StartEventContent = startContent
	txn.ChosenMethod = event.VerificationMethodSAS
	vh.resetTimerLocked(txn)
	return vh.saveLocked(ctx, txn)
}

// handleStart handles an incoming SAS start event as the responder:
// intersect the advertised algorithm lists, generate the ephemeral key and
// reply with an accept event carrying the commitment.
func (sas *sasVerifier) handleStart(ctx context.Context, txn *Transaction, evt *event.Event) error {
	vh := sas.vh
	startEvt := evt.Content.AsVerificationStart()
	log := vh.getLog(ctx).With().
		Str("verification_action", "SAS start").
		Logger()
	log.Info().Msg("Received SAS verification start event")

	if !startEvt.SupportsKeyAgreementProtocol(event.KeyAgreementProtocolCurve25519HKDFSHA256) {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnknownMethod, "no mutually supported key agreement protocol")
	}
	if !startEvt.SupportsHashMethod(event.VerificationHashMethodSHA256) {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnknownMethod, "no mutually supported hash method")
	}
	macMethod := event.MACMethodHKDFHMACSHA256V2
	if !startEvt.SupportsMACMethod(macMethod) {
		if startEvt.SupportsMACMethod(event.MACMethodHKDFHMACSHA256) {
			macMethod = event.MACMethodHKDFHMACSHA256
		} else {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnknownMethod, "no mutually supported MAC method")
		}
	}
	// Keep the initiator's preference order for the SAS methods.
	var sasMethods []event.SASMethod
	for _, sasMethod := range startEvt.ShortAuthenticationString {
		if sasMethod == event.SASMethodDecimal || sasMethod == event.SASMethodEmoji {
			sasMethods = append(sasMethods, sasMethod)
		}
	}
	if len(sasMethods) == 0 {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnknownMethod, "no mutually supported short authentication string method")
	}

	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	txn.StartedByUs = false
	txn.StartEventContent = startEvt
	txn.MACMethod = macMethod
	txn.EphemeralKey = &ECDHPrivateKey{ephemeralKey}

	commitment, err := calculateCommitment(ephemeralKey.PublicKey(), startEvt)
	if err != nil {
		return fmt.Errorf("failed to calculate commitment: %w", err)
	}

	content, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationAccept, &event.VerificationAcceptEventContent{
		Commitment:                commitment,
		Hash:                      event.VerificationHashMethodSHA256,
		KeyAgreementProtocol:      event.KeyAgreementProtocolCurve25519HKDFSHA256,
		MessageAuthenticationCode: macMethod,
		ShortAuthenticationString: sasMethods,
	})
	if err != nil {
		return fmt.Errorf("failed to send accept event: %w", err)
	}
	txn.EventsByUs.put(event.ToDeviceVerificationAccept, content)
	return nil
}

func (sas *sasVerifier) handleEvent(ctx context.Context, txn *Transaction, evt *event.Event) error {
	switch evt.Type.Type {
	case event.ToDeviceVerificationAccept.Type:
		return sas.handleAccept(ctx, txn, evt)
	case event.ToDeviceVerificationKey.Type:
		return sas.handleKey(ctx, txn, evt)
	case event.ToDeviceVerificationMAC.Type:
		return sas.handleMAC(ctx, txn, evt)
	default:
		return sas.vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "unexpected %s event in SAS flow", evt.Type.Type)
	}
}

// handleAccept handles the accept event as the initiator by generating our
// ephemeral key and sending it.
func (sas *sasVerifier) handleAccept(ctx context.Context, txn *Transaction, evt *event.Event) error {
	vh := sas.vh
	acceptEvt := evt.Content.AsVerificationAccept()
	log := vh.getLog(ctx).With().
		Str("verification_action", "SAS accept").
		Str("key_agreement_protocol", string(acceptEvt.KeyAgreementProtocol)).
		Str("message_authentication_code", string(acceptEvt.MessageAuthenticationCode)).
		Logger()
	log.Info().Msg("Received SAS verification accept event")

	if !txn.StartedByUs || txn.EphemeralKey != nil {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "got unexpected accept event")
	}

	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	content, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationKey, &event.VerificationKeyEventContent{
		Key: ephemeralKey.PublicKey().Bytes(),
	})
	if err != nil {
		return fmt.Errorf("failed to send key event: %w", err)
	}
	txn.EventsByUs.put(event.ToDeviceVerificationKey, content)
	txn.MACMethod = acceptEvt.MessageAuthenticationCode
	txn.Commitment = acceptEvt.Commitment
	txn.EphemeralKey = &ECDHPrivateKey{ephemeralKey}
	txn.EphemeralPublicKeyShared = true
	return nil
}

// handleKey handles the key event for both roles. The initiator additionally
// verifies the commitment from the accept event against the now-known
// responder key: this binding is what stops a man in the middle from
// substituting keys after seeing the start message.
func (sas *sasVerifier) handleKey(ctx context.Context, txn *Transaction, evt *event.Event) error {
	vh := sas.vh
	keyEvt := evt.Content.AsVerificationKey()
	log := vh.getLog(ctx).With().
		Str("verification_action", "SAS key").
		Logger()

	if txn.EphemeralKey == nil {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "got key event before the key agreement started")
	}
	otherKey, err := ecdh.X25519().NewPublicKey(keyEvt.Key)
	if err != nil {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeInvalidMessage, "invalid ephemeral public key: %s", err)
	}
	txn.OtherPublicKey = &ECDHPublicKey{otherKey}

	if txn.EphemeralPublicKeyShared {
		commitment, err := calculateCommitment(otherKey, txn.StartEventContent)
		if err != nil {
			return fmt.Errorf("failed to calculate commitment: %w", err)
		}
		if !bytes.Equal(commitment, txn.Commitment) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeCommitmentMismatched, "the key was not the one we expected")
		}
	} else {
		content, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationKey, &event.VerificationKeyEventContent{
			Key: txn.EphemeralKey.PublicKey().Bytes(),
		})
		if err != nil {
			return fmt.Errorf("failed to send key event: %w", err)
		}
		txn.EventsByUs.put(event.ToDeviceVerificationKey, content)
		txn.EphemeralPublicKeyShared = true
	}

	sasBytes, err := sas.sasHKDF(txn)
	if err != nil {
		return fmt.Errorf("failed to compute SAS bytes: %w", err)
	}
	txn.SASBytes = sasBytes

	var decimals []int
	var emojis []rune
	var emojiDescriptions []string
	if txn.StartEventContent.SupportsSASMethod(event.SASMethodDecimal) {
		decimals = []int{
			(int(sasBytes[0])<<5 | int(sasBytes[1])>>3) + 1000,
			((int(sasBytes[1])&0x07)<<10 | int(sasBytes[2])<<2 | int(sasBytes[3])>>6) + 1000,
			((int(sasBytes[3])&0x3f)<<7 | int(sasBytes[4])>>1) + 1000,
		}
	}
	if txn.StartEventContent.SupportsSASMethod(event.SASMethodEmoji) {
		sasNum := uint64(sasBytes[0])<<40 | uint64(sasBytes[1])<<32 | uint64(sasBytes[2])<<24 |
			uint64(sasBytes[3])<<16 | uint64(sasBytes[4])<<8 | uint64(sasBytes[5])
		for i := 0; i < 7; i++ {
			emojiIdx := (sasNum >> uint(48-(i+1)*6)) & 0b111111
			emojis = append(emojis, allEmojis[emojiIdx])
			emojiDescriptions = append(emojiDescriptions, allEmojiDescriptions[emojiIdx])
		}
	}
	log.Info().Msg("Keys exchanged, showing short authentication string")
	vh.showSAS(ctx, txn.TransactionID, emojis, emojiDescriptions, decimals)
	return nil
}

// ConfirmSAS tells the helper that the user confirmed the short
// authentication string matches on both devices. It sends our MAC event and,
// if the other party's MAC already arrived, verifies it.
func (vh *Helper) ConfirmSAS(ctx context.Context, txnID id.VerificationTransactionID) error {
	log := vh.getLog(ctx).With().
		Str("verification_action", "confirm SAS").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)

	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[txnID]
	if !ok {
		return ErrUnknownTransaction
	} else if txn.ObserveOnly {
		return ErrObserveOnly
	} else if len(txn.SASBytes) == 0 {
		return fmt.Errorf("the short authentication string has not been generated yet")
	} else if txn.SASConfirmed {
		return nil
	}
	txn.SASConfirmed = true

	keys := map[id.KeyID]jsonbytes.UnpaddedBytes{}
	ownDevice, err := vh.devices.GetDevice(ctx, vh.userID, vh.deviceID)
	if err != nil {
		return fmt.Errorf("failed to get own device: %w", err)
	} else if ownDevice == nil {
		return fmt.Errorf("own device %s not found", vh.deviceID)
	}
	ownDeviceKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, vh.deviceID.String())
	keys[ownDeviceKeyID], err = vh.sas.macHKDF(txn, vh.userID, vh.deviceID, txn.TheirUserID, txn.TheirDeviceID, ownDeviceKeyID.String(), ownDevice.SigningKey.String())
	if err != nil {
		return err
	}
	if ownIdentity := vh.keyring.OwnIdentity(); ownIdentity != nil && ownIdentity.Master != nil {
		masterKey := ownIdentity.Master.FirstKey()
		masterKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, masterKey.String())
		keys[masterKeyID], err = vh.sas.macHKDF(txn, vh.userID, vh.deviceID, txn.TheirUserID, txn.TheirDeviceID, masterKeyID.String(), masterKey.String())
		if err != nil {
			return err
		}
	}

	var keyIDs []string
	for keyID := range keys {
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	keysMAC, err := vh.sas.macHKDF(txn, vh.userID, vh.deviceID, txn.TheirUserID, txn.TheirDeviceID, "KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		return err
	}

	log.Info().Msg("Sending MAC event")
	content, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationMAC, &event.VerificationMACEventContent{
		Keys: keysMAC,
		MAC:  keys,
	})
	if err != nil {
		return err
	}
	txn.EventsByUs.put(event.ToDeviceVerificationMAC, content)
	txn.SentOurMAC = true

	if txn.PendingTheirMAC != nil {
		if err := vh.sas.verifyMAC(ctx, txn, txn.PendingTheirMAC); err != nil {
			return err
		}
		txn.PendingTheirMAC = nil
	}
	if err := vh.sas.maybeFinish(ctx, txn); err != nil {
		return err
	}
	if _, stillActive := vh.activeTransactions[txnID]; stillActive {
		return vh.saveLocked(ctx, txn)
	}
	return nil
}

// MismatchSAS tells the helper that the user saw a different short
// authentication string on the other device. The transaction is cancelled as
// a potential security incident.
func (vh *Helper) MismatchSAS(ctx context.Context, txnID id.VerificationTransactionID) error {
	vh.activeTransactionsLock.Lock()
	defer vh.activeTransactionsLock.Unlock()
	txn, ok := vh.activeTransactions[txnID]
	if !ok {
		return ErrUnknownTransaction
	}
	return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeSASMismatch, "The short authentication string does not match.")
}

// handleMAC handles the other party's MAC event. If the user has not
// confirmed the SAS yet, the MAC is parked until ConfirmSAS.
func (sas *sasVerifier) handleMAC(ctx context.Context, txn *Transaction, evt *event.Event) error {
	macEvt := evt.Content.AsVerificationMAC()
	sas.vh.getLog(ctx).Info().
		Str("verification_action", "SAS MAC").
		Int("mac_count", len(macEvt.MAC)).
		Msg("Received MAC event")

	if len(txn.SASBytes) == 0 {
		return sas.vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeUnexpectedMessage, "got MAC event before the keys were exchanged")
	}
	if !txn.SASConfirmed {
		txn.PendingTheirMAC = macEvt
		return nil
	}
	if err := sas.verifyMAC(ctx, txn, macEvt); err != nil {
		return err
	}
	return sas.maybeFinish(ctx, txn)
}

// verifyMAC checks the other party's MAC payload: the aggregate key list MAC
// first, then each individual key against the locally known key material.
// Unknown key IDs are skipped, but at least one key must verify.
func (sas *sasVerifier) verifyMAC(ctx context.Context, txn *Transaction, macEvt *event.VerificationMACEventContent) error {
	vh := sas.vh
	log := vh.getLog(ctx).With().
		Str("verification_action", "verify MAC").
		Stringer("transaction_id", txn.TransactionID).
		Logger()

	var keyIDs []string
	for keyID := range macEvt.MAC {
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	expectedKeysMAC, err := sas.macHKDF(txn, txn.TheirUserID, txn.TheirDeviceID, vh.userID, vh.deviceID, "KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		return err
	}
	if !hmac.Equal(expectedKeysMAC, macEvt.Keys) {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the aggregate key list MAC does not match")
	}

	theirIdentity := vh.keyring.GetIdentity(txn.TheirUserID)
	verifiedCount := 0
	var verifiedDevice *id.Device
	var verifiedMaster bool
	for keyID, theirMAC := range macEvt.MAC {
		algorithm, keyName := keyID.Parse()
		if algorithm != id.KeyAlgorithmEd25519 {
			log.Debug().Str("key_id", keyID.String()).Msg("Skipping MAC for key with unknown algorithm")
			continue
		}

		var keyValue string
		var device *id.Device
		var isMaster bool
		if theirIdentity != nil && theirIdentity.Master != nil && theirIdentity.Master.FirstKey().String() == keyName {
			keyValue = keyName
			isMaster = true
		} else if dev, err := vh.devices.GetDevice(ctx, txn.TheirUserID, id.DeviceID(keyName)); err == nil && dev != nil {
			keyValue = dev.SigningKey.String()
			device = dev
		} else {
			log.Debug().Str("key_id", keyID.String()).Msg("Skipping MAC for unknown key")
			continue
		}

		expectedMAC, err := sas.macHKDF(txn, txn.TheirUserID, txn.TheirDeviceID, vh.userID, vh.deviceID, keyID.String(), keyValue)
		if err != nil {
			return err
		}
		if !hmac.Equal(expectedMAC, theirMAC) {
			return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "the MAC for key %s does not match", keyID)
		}
		verifiedCount++
		if device != nil {
			verifiedDevice = device
		}
		verifiedMaster = verifiedMaster || isMaster
	}
	// A verification that authenticates zero keys must not succeed.
	if verifiedCount == 0 {
		return vh.cancelTransactionLocked(ctx, txn, event.VerificationCancelCodeKeyMismatch, "no keys could be verified")
	}
	txn.ReceivedTheirMAC = true

	if verifiedDevice != nil {
		verifiedDevice.Trust = id.TrustStateVerified
		if err := vh.devices.PutDevice(ctx, txn.TheirUserID, verifiedDevice); err != nil {
			return fmt.Errorf("failed to update device trust: %w", err)
		}
		if txn.SelfVerification(vh.userID) && vh.keyring.OwnIdentity() != nil {
			if err := vh.keyring.SignDevice(ctx, vh.userID, verifiedDevice, vh.getKey); err != nil {
				log.Warn().Err(err).Msg("Failed to cross-sign verified device")
			}
		}
	}
	if verifiedMaster && !txn.SelfVerification(vh.userID) {
		if err := vh.keyring.SignUser(ctx, txn.TheirUserID, vh.getKey); err != nil {
			log.Warn().Err(err).Msg("Failed to sign the other user's master key")
		}
	}
	log.Info().Int("verified_keys", verifiedCount).Msg("Verified MAC event")
	return nil
}

// maybeFinish sends our done event once both MACs have been exchanged, and
// completes the transaction once both sides have signalled done.
func (sas *sasVerifier) maybeFinish(ctx context.Context, txn *Transaction) error {
	vh := sas.vh
	if !txn.SentOurMAC || !txn.ReceivedTheirMAC {
		return nil
	}
	if !txn.SentOurDone {
		content, err := vh.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationDone, &event.VerificationDoneEventContent{})
		if err != nil {
			return err
		}
		txn.EventsByUs.put(event.ToDeviceVerificationDone, content)
		txn.SentOurDone = true
	}
	if txn.ReceivedTheirDone {
		return vh.finishTransactionLocked(ctx, txn)
	}
	return nil
}

func calculateCommitment(ephemeralPubKey *ecdh.PublicKey, startEvt *event.VerificationStartEventContent) ([]byte, error) {
	// The hash input is the unpadded base64 encoding of the public key
	// concatenated with the canonical JSON of the start event content. The
	// base64 step is historical, but both sides have to do it the same way.
	commitmentHashInput := sha256.New()
	commitmentHashInput.Write([]byte(base64.RawStdEncoding.EncodeToString(ephemeralPubKey.Bytes())))
	encodedStartEvt, err := json.Marshal(startEvt)
	if err != nil {
		return nil, err
	}
	commitmentHashInput.Write(canonicaljson.CanonicalJSONAssumeValid(encodedStartEvt))
	return commitmentHashInput.Sum(nil), nil
}

// sasHKDF derives the six SAS bytes from the shared secret. The transcript
// is ordered initiator-first (not local-role-first), so both sides derive
// the identical bytes.
func (sas *sasVerifier) sasHKDF(txn *Transaction) ([]byte, error) {
	vh := sas.vh
	sharedSecret, err := txn.EphemeralKey.ECDH(txn.OtherPublicKey.PublicKey)
	if err != nil {
		return nil, err
	}

	myInfo := strings.Join([]string{
		vh.userID.String(),
		vh.deviceID.String(),
		base64.RawStdEncoding.EncodeToString(txn.EphemeralKey.PublicKey().Bytes()),
	}, "|")
	theirInfo := strings.Join([]string{
		txn.TheirUserID.String(),
		txn.TheirDeviceID.String(),
		base64.RawStdEncoding.EncodeToString(txn.OtherPublicKey.Bytes()),
	}, "|")

	var infoBuf bytes.Buffer
	infoBuf.WriteString("MATRIX_KEY_VERIFICATION_SAS|")
	if txn.StartedByUs {
		infoBuf.WriteString(myInfo + "|" + theirInfo)
	} else {
		infoBuf.WriteString(theirInfo + "|" + myInfo)
	}
	infoBuf.WriteRune('|')
	infoBuf.WriteString(txn.TransactionID.String())

	reader := hkdf.New(sha256.New, sharedSecret, nil, infoBuf.Bytes())
	output := make([]byte, 6)
	_, err = reader.Read(output)
	return output, err
}

func (sas *sasVerifier) macHKDF(txn *Transaction, senderUser id.UserID, senderDevice id.DeviceID, receivingUser id.UserID, receivingDevice id.DeviceID, keyID, key string) ([]byte, error) {
	sharedSecret, err := txn.EphemeralKey.ECDH(txn.OtherPublicKey.PublicKey)
	if err != nil {
		return nil, err
	}

	var infoBuf bytes.Buffer
	infoBuf.WriteString("MATRIX_KEY_VERIFICATION_MAC")
	infoBuf.WriteString(senderUser.String())
	infoBuf.WriteString(senderDevice.String())
	infoBuf.WriteString(receivingUser.String())
	infoBuf.WriteString(receivingDevice.String())
	infoBuf.WriteString(txn.TransactionID.String())
	infoBuf.WriteString(keyID)

	reader := hkdf.New(sha256.New, sharedSecret, nil, infoBuf.Bytes())
	macKey := make([]byte, 32)
	if _, err = reader.Read(macKey); err != nil {
		return nil, err
	}

	hash := hmac.New(sha256.New, macKey)
	hash.Write([]byte(key))
	sum := hash.Sum(nil)
	if txn.MACMethod == event.MACMethodHKDFHMACSHA256 {
		// The legacy MAC method runs the MAC through libolm's broken base64
		// encoder before re-decoding it.
		sum, err = base64.RawStdEncoding.DecodeString(BrokenB64Encode(sum))
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// BrokenB64Encode implements the incorrect base64 serialization in libolm
// for the hkdf-hmac-sha256 MAC method. The bug is caused by the input and
// output buffers aliasing each other during the base64 encoding. It only
// supports 32-byte inputs.
//
// Deprecated: never use this outside the legacy MAC method.
func BrokenB64Encode(input []byte) string {
	encodeBase64 := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/")

	output := make([]byte, 43)
	copy(output, input)

	pos := 0
	outputPos := 0
	for pos != 30 {
		value := int32(output[pos])
		value <<= 8
		value |= int32(output[pos+1])
		value <<= 8
		value |= int32(output[pos+2])
		pos += 3
		output[outputPos] = encodeBase64[(value>>18)&0x3F]
		output[outputPos+1] = encodeBase64[(value>>12)&0x3F]
		output[outputPos+2] = encodeBase64[(value>>6)&0x3F]
		output[outputPos+3] = encodeBase64[value&0x3F]
		outputPos += 4
	}
	// This is the mangling that libolm does to the base64 encoding.
	value := int32(output[pos])
	value <<= 8
	value |= int32(output[pos+1])
	value <<= 2
	output[outputPos] = encodeBase64[(value>>12)&0x3F]
	output[outputPos+1] = encodeBase64[(value>>6)&0x3F]
	output[outputPos+2] = encodeBase64[value&0x3F]
	return string(output)
}
