package e2ee

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/armorclaw/matrixsdk/pkg/audit"
	"github.com/armorclaw/matrixsdk/pkg/e2ee/verification"
	"github.com/armorclaw/matrixsdk/pkg/mxerr"
)

// ToDeviceEvent mirrors the shape of one entry in a sync response's
// to_device.events array.
type ToDeviceEvent struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type olmEncryptedContent struct {
	Algorithm  string                    `json:"algorithm"`
	SenderKey  string                    `json:"sender_key"`
	Ciphertext map[string]olmCiphertext `json:"ciphertext"`
}

type olmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

type roomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}

// RoomKeyRequestFunc lets the caller wire the "emit a request for keys"
// step of decrypting-a-room-message without e2ee depending on the job
// runtime directly.
type RoomKeyRequestFunc func(roomID, sessionID, senderKey string)

// ProcessToDeviceEvents decrypts Olm-wrapped to-device events, stores
// inbound megolm sessions, and dispatches verification events, in order.
// It returns every room-timeline event that was buffered awaiting one of
// these megolm sessions and can now be flushed and re-decrypted by the
// caller.
func (d *Data) ProcessToDeviceEvents(ctx context.Context, ownCurve25519 string, events []ToDeviceEvent, sessions *verification.Registry) ([]PendingEncryptedEvent, error) {
	var flushed []PendingEncryptedEvent
	for _, ev := range events {
		f, err := d.processOneToDeviceEvent(ctx, ownCurve25519, ev, sessions)
		if err != nil {
			d.log.ErrorEvent(ctx, "to-device event processing failed", err)
			continue
		}
		flushed = append(flushed, f...)
	}
	return flushed, nil
}

func (d *Data) processOneToDeviceEvent(ctx context.Context, ownCurve25519 string, ev ToDeviceEvent, sessions *verification.Registry) ([]PendingEncryptedEvent, error) {
	if ev.Type != "m.room.encrypted" {
		if verification.IsVerificationType(ev.Type) {
			return nil, d.dispatchVerification(sessions, ev.Sender, ev.Type, ev.Content)
		}
		return nil, nil
	}

	var enc olmEncryptedContent
	if err := json.Unmarshal(ev.Content, &enc); err != nil {
		return nil, fmt.Errorf("e2ee: %w: %v", mxerr.ErrBadEncryptedMessage, err)
	}
	wrapped, ok := enc.Ciphertext[ownCurve25519]
	if !ok {
		return nil, nil // not addressed to us
	}

	plaintext, err := d.decryptOlm(ctx, enc.SenderKey, wrapped.Type, wrapped.Body)
	if err != nil {
		return nil, err
	}

	var inner ToDeviceEvent
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, fmt.Errorf("e2ee: %w: decoding inner to-device event: %v", mxerr.ErrBadEncryptedMessage, err)
	}

	if inner.Type == "m.room_key" {
		var rk roomKeyContent
		if err := json.Unmarshal(inner.Content, &rk); err != nil {
			return nil, fmt.Errorf("e2ee: decoding m.room_key content: %w", err)
		}
		session, err := d.factory.NewInboundGroupSessionFromKey(rk.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("e2ee: creating inbound group session: %w", err)
		}
		return d.StoreInboundGroupSession(ctx, rk.RoomID, enc.SenderKey, rk.SessionID, session)
	}

	if verification.IsVerificationType(inner.Type) {
		return nil, d.dispatchVerification(sessions, ev.Sender, inner.Type, inner.Content)
	}
	return nil, nil
}

// decryptOlm resolves (or creates, from a PreKey message) the Olm session
// with the sender's identity key and decrypts the wrapped payload.
func (d *Data) decryptOlm(ctx context.Context, senderKey string, msgType int, ciphertext string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if session, ok := d.olmSessions[senderKey]; ok {
		plaintext, err := session.Decrypt(msgType, ciphertext)
		if err == nil {
			d.persistOlmSessionLocked(ctx, senderKey, session)
			return plaintext, nil
		}
		if msgType != 0 {
			return nil, fmt.Errorf("e2ee: %w: %v", mxerr.ErrBadEncryptedMessage, err)
		}
	}

	if msgType != 0 {
		return nil, fmt.Errorf("e2ee: %w: no matching olm session", mxerr.ErrBadEncryptedMessage)
	}

	session, err := d.factory.NewInboundSessionFromPreKey(d.account, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("e2ee: creating inbound olm session: %w", err)
	}
	plaintext, err := session.Decrypt(msgType, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("e2ee: %w: %v", mxerr.ErrBadEncryptedMessage, err)
	}
	d.olmSessions[senderKey] = session
	d.persistOlmSessionLocked(ctx, senderKey, session)
	return plaintext, nil
}

func (d *Data) persistOlmSessionLocked(ctx context.Context, senderKey string, session Session) {
	pickle, err := session.Pickle(d.pickleKey)
	if err != nil {
		d.log.ErrorEvent(ctx, "pickling olm session failed", err)
		return
	}
	if err := d.store.SaveOlmSession(ctx, senderKey, session.ID(), pickle); err != nil {
		d.log.ErrorEvent(ctx, "persisting olm session failed", err)
	}
}

func (d *Data) dispatchVerification(sessions *verification.Registry, sender, matrixType string, content json.RawMessage) error {
	if sessions == nil {
		return nil
	}
	if err := sessions.Dispatch(sender, matrixType, content); err != nil {
		return err
	}

	var env struct {
		TransactionID string `json:"transaction_id"`
	}
	if json.Unmarshal(content, &env) != nil || env.TransactionID == "" {
		return nil
	}
	if s, ok := sessions.Get(sender, env.TransactionID); ok && s.IsTerminal() {
		outcome := "done"
		if code := s.CancelCode(); code != "" {
			outcome = "cancelled:" + code
		}
		_ = audit.Global().LogVerificationOutcome(context.Background(), sender, env.TransactionID, outcome)
	}
	return nil
}
