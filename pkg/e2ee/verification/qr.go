package verification

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// QRMode distinguishes the three m.qr_code.* verification modes, the
// display method offered alongside SAS.
type QRMode byte

const (
	QRModeVerifyingAnotherUser   QRMode = 0
	QRModeSelfVerifyingMaster    QRMode = 1
	QRModeSelfVerifyingUntrusted QRMode = 2
)

var qrPrefix = []byte("MATRIX")

// Code is the payload one device displays and the other scans during
// QR-code device verification: the scanner recovers TransactionID,
// IdentityKey/MasterKey, and SharedSecret to reciprocate over
// m.key.verification.key / m.reciprocate.v1.
type Code struct {
	TransactionID string
	Mode          QRMode
	FirstKey      string // base64 ed25519 key, meaning depends on Mode
	SecondKey     string // base64 ed25519 key, meaning depends on Mode
	SharedSecret  []byte
}

// Encode serializes c into the binary wire format carried inside the QR
// image: a "MATRIX" prefix, a version byte, the mode byte, then
// length-prefixed transaction id / keys / secret.
func (c Code) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(qrPrefix)
	buf.WriteByte(0x02) // version
	buf.WriteByte(byte(c.Mode))
	writeLP(&buf, []byte(c.TransactionID))
	writeLP(&buf, []byte(c.FirstKey))
	writeLP(&buf, []byte(c.SecondKey))
	buf.Write(c.SharedSecret)
	return buf.Bytes()
}

// PNG renders c as a square QR code image of the requested pixel size.
func (c Code) PNG(size int) ([]byte, error) {
	return qrcode.Encode(string(c.Encode()), qrcode.Medium, size)
}

// DecodeQR parses a scanned QR payload back into a Code.
func DecodeQR(data []byte) (*Code, error) {
	if len(data) < len(qrPrefix)+2 || !bytes.Equal(data[:len(qrPrefix)], qrPrefix) {
		return nil, errors.New("verification: not a matrix qr code payload")
	}
	r := bytes.NewReader(data[len(qrPrefix):])
	var version, mode byte
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("verification: reading qr version: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &mode); err != nil {
		return nil, fmt.Errorf("verification: reading qr mode: %w", err)
	}
	txnID, err := readLP(r)
	if err != nil {
		return nil, fmt.Errorf("verification: reading qr transaction id: %w", err)
	}
	firstKey, err := readLP(r)
	if err != nil {
		return nil, fmt.Errorf("verification: reading qr first key: %w", err)
	}
	secondKey, err := readLP(r)
	if err != nil {
		return nil, fmt.Errorf("verification: reading qr second key: %w", err)
	}
	secret := make([]byte, r.Len())
	if _, err := r.Read(secret); err != nil && r.Len() > 0 {
		return nil, fmt.Errorf("verification: reading qr shared secret: %w", err)
	}
	return &Code{
		TransactionID: string(txnID),
		Mode:          QRMode(mode),
		FirstKey:      string(firstKey),
		SecondKey:     string(secondKey),
		SharedSecret:  secret,
	}, nil
}

func writeLP(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint16(len(b)))
	buf.Write(b)
}

func readLP(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
