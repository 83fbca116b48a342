// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"encoding/binary"
	"errors"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/util/random"

	"go.mau.fi/mauverify/id"
)

var (
	ErrInvalidQRCodeHeader  = errors.New("invalid QR code header")
	ErrUnknownQRCodeVersion = errors.New("invalid QR code version")
	ErrInvalidQRCodeMode    = errors.New("invalid QR code mode")
	ErrQRCodeTooShort       = errors.New("QR code payload is truncated")
)

type QRCodeMode byte

const (
	// QRCodeModeCrossSigning is used when verifying another user.
	QRCodeModeCrossSigning QRCodeMode = 0x00
	// QRCodeModeSelfVerifyingMasterKeyTrusted is used for self-verification
	// when the displaying device already trusts the master key.
	QRCodeModeSelfVerifyingMasterKeyTrusted QRCodeMode = 0x01
	// QRCodeModeSelfVerifyingMasterKeyUntrusted is used for
	// self-verification when the displaying device does not yet trust the
	// master key.
	QRCodeModeSelfVerifyingMasterKeyUntrusted QRCodeMode = 0x02
)

// QRCode is the payload encoded in a verification QR code. Which keys go in
// Key1 and Key2 depends on the mode.
type QRCode struct {
	Mode          QRCodeMode
	TransactionID id.VerificationTransactionID
	Key1, Key2    [32]byte
	SharedSecret  []byte
}

func NewQRCode(mode QRCodeMode, txnID id.VerificationTransactionID, key1, key2 [32]byte) *QRCode {
	return &QRCode{
		Mode:          mode,
		TransactionID: txnID,
		Key1:          key1,
		Key2:          key2,
		SharedSecret:  random.Bytes(16),
	}
}

// NewQRCodeFromBytes parses the binary payload of a scanned verification QR
// code.
func NewQRCodeFromBytes(data []byte) (*QRCode, error) {
	if len(data) < 10 || !bytes.HasPrefix(data, []byte("MATRIX")) {
		return nil, ErrInvalidQRCodeHeader
	}
	if data[6] != 0x02 {
		return nil, ErrUnknownQRCodeVersion
	}
	mode := QRCodeMode(data[7])
	if mode != QRCodeModeCrossSigning && mode != QRCodeModeSelfVerifyingMasterKeyTrusted && mode != QRCodeModeSelfVerifyingMasterKeyUntrusted {
		return nil, ErrInvalidQRCodeMode
	}
	txnIDLen := int(binary.BigEndian.Uint16(data[8:10]))
	if len(data) < 10+txnIDLen+64 {
		return nil, ErrQRCodeTooShort
	}
	txnID := data[10 : 10+txnIDLen]

	var key1, key2 [32]byte
	copy(key1[:], data[10+txnIDLen:10+txnIDLen+32])
	copy(key2[:], data[10+txnIDLen+32:10+txnIDLen+64])

	return &QRCode{
		Mode:          mode,
		TransactionID: id.VerificationTransactionID(txnID),
		Key1:          key1,
		Key2:          key2,
		SharedSecret:  data[10+txnIDLen+64:],
	}, nil
}

// Bytes returns the binary payload to encode in the QR code.
func (q *QRCode) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("MATRIX")   // Header
	buf.WriteByte(0x02)         // Version
	buf.WriteByte(byte(q.Mode)) // Mode

	buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(q.TransactionID.String()))))
	buf.WriteString(q.TransactionID.String())

	buf.Write(q.Key1[:])
	buf.Write(q.Key2[:])
	buf.Write(q.SharedSecret)
	return buf.Bytes()
}

// Image renders the payload as a PNG image with the given edge size in
// pixels. The payload is binary, so the low error correction level keeps the
// code reasonably small.
func (q *QRCode) Image(size int) ([]byte, error) {
	code, err := qrcode.New(string(q.Bytes()), qrcode.Low)
	if err != nil {
		return nil, err
	}
	return code.PNG(size)
}
