// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rendezvous

import (
	"context"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	loginInitiateMessage = "MATRIX_QR_CODE_LOGIN_INITIATE"
	loginOKMessage       = "MATRIX_QR_CODE_LOGIN_OK"

	secureChannelKeyInfo       = "MATRIX_QR_CODE_LOGIN"
	secureChannelCheckCodeInfo = "MATRIX_QR_CODE_LOGIN_CHECKCODE"
)

var (
	// ErrDecryptionFailed means a payload failed to decrypt or a handshake
	// plaintext didn't match. Both are treated as a possible
	// man-in-the-middle rather than a transient error: the channel is dead
	// and the handshake must not be retried with the same keys.
	ErrDecryptionFailed = errors.New("failed to decrypt rendezvous payload, the channel may be compromised")
	// ErrChannelBroken is returned from all operations after a decryption
	// failure has killed the channel.
	ErrChannelBroken = errors.New("secure channel is broken")
	// ErrPayloadTooShort means the first inbound payload is too short to
	// contain the peer's public key.
	ErrPayloadTooShort = errors.New("rendezvous payload is too short")
)

// SecureChannel is an authenticated-encryption channel between the two
// devices of a login flow, layered over a relay [Session]. The symmetric key
// comes from an X25519 agreement between the key published in the QR code and
// an ephemeral key the scanning side sends in its first payload.
//
// Nonces are derived from two monotonic counters, one per direction: the
// scanning side encrypts with even nonces and the displaying side with odd
// ones, so the two directions can never collide under the shared key. The
// counters only ever advance. A nonce is never reused, even after a failed
// decryption, because the channel refuses to continue at that point anyway.
type SecureChannel struct {
	session   *Session
	aead      cipher.AEAD
	key       []byte
	sendNonce uint64
	recvNonce uint64
	broken    bool
}

func newSecureChannel(session *Session, ourKey *ecdh.PrivateKey, theirKey *ecdh.PublicKey, displayedKey *ecdh.PublicKey, scanning bool) (*SecureChannel, error) {
	shared, err := ourKey.ECDH(theirKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	var scannedKey *ecdh.PublicKey
	if scanning {
		scannedKey = ourKey.PublicKey()
	} else {
		scannedKey = theirKey
	}
	// Both sides must agree on the transcript byte-for-byte: the key from
	// the QR code first, then the scanning side's ephemeral key, then the
	// session URL the QR code pointed at.
	info := secureChannelKeyInfo +
		"|" + base64.RawStdEncoding.EncodeToString(displayedKey.Bytes()) +
		"|" + base64.RawStdEncoding.EncodeToString(scannedKey.Bytes()) +
		"|" + session.URL
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive channel key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	sc := &SecureChannel{
		session: session,
		aead:    aead,
		key:     key,
	}
	if scanning {
		sc.sendNonce, sc.recvNonce = 0, 1
	} else {
		sc.sendNonce, sc.recvNonce = 1, 0
	}
	return sc, nil
}

// ConnectChannel establishes the secure channel from the scanning side: it
// generates an ephemeral keypair, sends the encrypted initiation message
// prefixed with the ephemeral public key, and waits for the displaying side's
// acknowledgement. Only after the acknowledgement decrypts to the expected
// plaintext is the channel trusted.
func ConnectChannel(ctx context.Context, session *Session, displayedKey *ecdh.PublicKey) (*SecureChannel, error) {
	ourKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	sc, err := newSecureChannel(session, ourKey, displayedKey, displayedKey, true)
	if err != nil {
		return nil, err
	}
	initiate := sc.encrypt([]byte(loginInitiateMessage))
	payload := append(ourKey.PublicKey().Bytes(), initiate...)
	if err := session.Send(ctx, payload); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().Msg("Sent channel initiation, waiting for acknowledgement")
	reply, err := session.Poll(ctx)
	if err != nil {
		return nil, err
	}
	plaintext, err := sc.decrypt(reply)
	if err != nil {
		return nil, err
	}
	if string(plaintext) != loginOKMessage {
		sc.broken = true
		return nil, fmt.Errorf("%w: unexpected acknowledgement plaintext", ErrDecryptionFailed)
	}
	return sc, nil
}

// AcceptChannel establishes the secure channel from the displaying side using
// the private half of the key that was rendered into the QR code. It waits
// for the scanning side's initiation payload, verifies it, and sends the
// acknowledgement. After it returns, the displaying side trusts the channel;
// the scanning side still has to verify the acknowledgement on its end.
func AcceptChannel(ctx context.Context, session *Session, displayedKey *ecdh.PrivateKey) (*SecureChannel, error) {
	payload, err := session.Poll(ctx)
	if err != nil {
		return nil, err
	}
	if len(payload) < 32 {
		return nil, ErrPayloadTooShort
	}
	theirKey, err := ecdh.X25519().NewPublicKey(payload[:32])
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral key in initiation payload: %w", err)
	}
	sc, err := newSecureChannel(session, displayedKey, theirKey, displayedKey.PublicKey(), false)
	if err != nil {
		return nil, err
	}
	plaintext, err := sc.decrypt(payload[32:])
	if err != nil {
		return nil, err
	}
	if string(plaintext) != loginInitiateMessage {
		sc.broken = true
		return nil, fmt.Errorf("%w: unexpected initiation plaintext", ErrDecryptionFailed)
	}
	if err := session.Send(ctx, sc.encrypt([]byte(loginOKMessage))); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().Msg("Channel initiation verified, sent acknowledgement")
	return sc, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], counter)
	return nonce
}

func (sc *SecureChannel) encrypt(plaintext []byte) []byte {
	ciphertext := sc.aead.Seal(nil, nonceFor(sc.sendNonce), plaintext, nil)
	sc.sendNonce += 2
	return ciphertext
}

func (sc *SecureChannel) decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := sc.aead.Open(nil, nonceFor(sc.recvNonce), ciphertext, nil)
	if err != nil {
		sc.broken = true
		return nil, ErrDecryptionFailed
	}
	sc.recvNonce += 2
	return plaintext, nil
}

// CheckCode derives the short numeric code both devices can display for a
// final out-of-band comparison before any secrets are exchanged. Both sides
// of one channel always derive the same code; an attacker who tricked the
// two devices onto different channels cannot produce matching codes.
func (sc *SecureChannel) CheckCode() string {
	out := make([]byte, 2)
	// The read can only fail on a short HKDF stream, which two bytes never hit.
	_, _ = io.ReadFull(hkdf.New(sha256.New, sc.key, nil, []byte(secureChannelCheckCodeInfo)), out)
	return fmt.Sprintf("%02d-%02d", out[0]%100, out[1]%100)
}

// SendMessage marshals the given message and sends it encrypted over the
// channel.
func (sc *SecureChannel) SendMessage(ctx context.Context, msg *Message) error {
	if sc.broken {
		return ErrChannelBroken
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return sc.session.Send(ctx, sc.encrypt(data))
}

// ReceiveMessage blocks until the peer sends a message, then decrypts and
// parses it.
func (sc *SecureChannel) ReceiveMessage(ctx context.Context) (*Message, error) {
	if sc.broken {
		return nil, ErrChannelBroken
	}
	data, err := sc.session.Poll(ctx)
	if err != nil {
		return nil, err
	}
	plaintext, err := sc.decrypt(data)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse rendezvous message: %w", err)
	}
	return &msg, nil
}

// Close deletes the underlying relay session.
func (sc *SecureChannel) Close(ctx context.Context) error {
	return sc.session.Close(ctx)
}
