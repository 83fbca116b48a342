// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rendezvous

import (
	"bytes"
	"crypto/ecdh"
	"encoding/binary"
	"errors"

	qrcode "github.com/skip2/go-qrcode"
)

var (
	ErrInvalidQRHeader    = errors.New("invalid rendezvous QR header")
	ErrUnknownQRVersion   = errors.New("invalid rendezvous QR version")
	ErrInvalidQRIntent    = errors.New("invalid rendezvous QR intent")
	ErrTruncatedQRPayload = errors.New("rendezvous QR payload is truncated")
)

// QRIntent says which device is displaying the code, which determines the
// direction of the login flow and whether a homeserver URL is included.
type QRIntent byte

const (
	// QRIntentLogin is displayed on the new device, which doesn't know the
	// homeserver yet.
	QRIntentLogin QRIntent = 0x03
	// QRIntentReciprocate is displayed on the existing device and includes
	// its homeserver so the new device knows where to log in.
	QRIntentReciprocate QRIntent = 0x04
)

// QRPayload is the content of the QR code that bootstraps a rendezvous
// login: the displaying device's ephemeral public key and the relay session
// the peers will meet on. Like the verification QR code, the binary layout
// must be byte-identical across implementations.
type QRPayload struct {
	Intent        QRIntent
	PublicKey     *ecdh.PublicKey
	RendezvousURL string
	// HomeserverURL is only present when Intent is [QRIntentReciprocate].
	HomeserverURL string
}

// Bytes encodes the payload into its binary form.
func (q *QRPayload) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("MATRIX")     // Header
	buf.WriteByte(0x02)           // Version
	buf.WriteByte(byte(q.Intent)) // Intent
	buf.Write(q.PublicKey.Bytes())
	buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(q.RendezvousURL))))
	buf.WriteString(q.RendezvousURL)
	if q.Intent == QRIntentReciprocate {
		buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(q.HomeserverURL))))
		buf.WriteString(q.HomeserverURL)
	}
	return buf.Bytes()
}

// ParseQRPayload decodes the binary form produced by [QRPayload.Bytes].
func ParseQRPayload(data []byte) (*QRPayload, error) {
	if len(data) < 8 || !bytes.HasPrefix(data, []byte("MATRIX")) {
		return nil, ErrInvalidQRHeader
	}
	if data[6] != 0x02 {
		return nil, ErrUnknownQRVersion
	}
	intent := QRIntent(data[7])
	if intent != QRIntentLogin && intent != QRIntentReciprocate {
		return nil, ErrInvalidQRIntent
	}
	if len(data) < 8+32+2 {
		return nil, ErrTruncatedQRPayload
	}
	key, err := ecdh.X25519().NewPublicKey(data[8 : 8+32])
	if err != nil {
		return nil, err
	}
	urlLen := int(binary.BigEndian.Uint16(data[40:42]))
	if len(data) < 42+urlLen {
		return nil, ErrTruncatedQRPayload
	}
	payload := &QRPayload{
		Intent:        intent,
		PublicKey:     key,
		RendezvousURL: string(data[42 : 42+urlLen]),
	}
	if intent == QRIntentReciprocate {
		rest := data[42+urlLen:]
		if len(rest) < 2 {
			return nil, ErrTruncatedQRPayload
		}
		hsLen := int(binary.BigEndian.Uint16(rest[:2]))
		if len(rest) < 2+hsLen {
			return nil, ErrTruncatedQRPayload
		}
		payload.HomeserverURL = string(rest[2 : 2+hsLen])
	}
	return payload, nil
}

// Image renders the payload as a PNG image with the given edge size in
// pixels.
func (q *QRPayload) Image(size int) ([]byte, error) {
	code, err := qrcode.New(string(q.Bytes()), qrcode.Low)
	if err != nil {
		return nil, err
	}
	return code.PNG(size)
}
