package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/armorclaw/matrixsdk/pkg/e2ee/verification"
	"github.com/armorclaw/matrixsdk/pkg/logger"
	"github.com/armorclaw/matrixsdk/pkg/mxerr"
	"github.com/armorclaw/matrixsdk/pkg/securerandom"
)

// ErrSessionNotFound is returned by Store lookups that find no row.
var ErrSessionNotFound = errors.New("no matching session")

// PendingEncryptedEvent is a room-encrypted event buffered because its
// megolm session has not yet arrived.
type PendingEncryptedEvent struct {
	RoomID     string
	SessionID  string
	SenderKey  string
	RawEvent   json.RawMessage
}

// RoomMembership answers the membership questions the encryption
// subcomponent needs when distributing session keys, without depending on
// pkg/room directly (kept as a narrow collaborator interface).
type RoomMembership interface {
	JoinedAndInvitedMembers(roomID string) (userIDs []string, err error)
	RotationSettings(roomID string) (periodMs int64, periodMsgs int)
}

// Data is the per-Connection E2EE state: the Olm account, device-key
// tables, and Olm/Megolm session caches.
type Data struct {
	mu sync.Mutex

	factory AccountFactory
	store   Store
	log     *logger.Logger

	account     Account
	pickleKey   []byte
	deviceID    string
	userID      string

	olmSessions map[string]Session // keyed by sender curve25519 identity key (primary session)

	outboundSessions map[string]OutboundGroupSession // room id -> session

	trackedUsers  map[string]struct{}
	outdatedUsers map[string]struct{}

	deviceKeys map[string]map[string]DeviceKeys // user -> device -> keys

	oneTimeKeyCounts map[string]int

	pending      []PendingEncryptedEvent
	keyRequestFn RoomKeyRequestFunc

	membership RoomMembership
	rotation   *rotationTracker
}

// NewData constructs the encryption subcomponent. Setup (loading or
// generating the Olm account, opening the E2EE database) happens in Setup,
// mirroring the Connection lifecycle of completeSetup.
func NewData(factory AccountFactory, store Store, membership RoomMembership) *Data {
	return &Data{
		factory:          factory,
		store:            store,
		membership:       membership,
		log:              logger.Global().WithComponent("e2ee"),
		olmSessions:      make(map[string]Session),
		outboundSessions: make(map[string]OutboundGroupSession),
		trackedUsers:     make(map[string]struct{}),
		outdatedUsers:    make(map[string]struct{}),
		deviceKeys:       make(map[string]map[string]DeviceKeys),
		oneTimeKeyCounts: make(map[string]int),
		rotation:         newRotationTracker(),
	}
}

// Setup obtains or generates the Olm account, pickled under pickleKey, and
// primes one-time keys if the account is new.
func (d *Data) Setup(ctx context.Context, userID, deviceID string, pickleKey []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.userID = userID
	d.deviceID = deviceID
	d.pickleKey = pickleKey

	pickle, found, err := d.store.LoadAccountPickle(ctx)
	if err != nil {
		return fmt.Errorf("e2ee: loading account pickle: %w", err)
	}

	if found {
		account, err := d.factory.UnpickleAccount(pickle, pickleKey)
		if err != nil {
			return fmt.Errorf("e2ee: unpickling account: %w", err)
		}
		d.account = account
		return nil
	}

	account, err := d.factory.NewAccount()
	if err != nil {
		return fmt.Errorf("e2ee: generating account: %w", err)
	}
	if err := account.GenerateOneTimeKeys(account.MaxOneTimeKeys() / 2); err != nil {
		return fmt.Errorf("e2ee: generating initial one-time keys: %w", err)
	}
	d.account = account

	newPickle, err := account.Pickle(pickleKey)
	if err != nil {
		return fmt.Errorf("e2ee: pickling new account: %w", err)
	}
	if err := d.store.SaveAccountPickle(ctx, newPickle); err != nil {
		return fmt.Errorf("e2ee: persisting account pickle: %w", err)
	}
	return nil
}

// IdentityKeys returns the account's published Curve25519/Ed25519 keys.
func (d *Data) IdentityKeys() (curve25519, ed25519 string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.account == nil {
		return "", "", errors.New("e2ee: account not initialized")
	}
	return d.account.IdentityKeys()
}

// OneTimeKeyCounts returns the last-seen device_one_time_keys_count, for
// inclusion in the persisted state cache.
func (d *Data) OneTimeKeyCounts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.oneTimeKeyCounts))
	for k, v := range d.oneTimeKeyCounts {
		out[k] = v
	}
	return out
}

// UpdateOneTimeKeyCounts consumes device_one_time_keys_count from a sync
// response; if the signed-curve25519 count falls below half the account's
// maximum, new keys are generated and a flag is returned so the caller
// submits an UploadKeysJob.
func (d *Data) UpdateOneTimeKeyCounts(counts map[string]int) (needsUpload bool, newKeys map[string]string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.oneTimeKeyCounts = counts
	current := counts["signed_curve25519"]
	threshold := d.account.MaxOneTimeKeys() / 2
	if current >= threshold {
		return false, nil, nil
	}

	toGenerate := threshold - current
	if err := d.account.GenerateOneTimeKeys(toGenerate); err != nil {
		return false, nil, fmt.Errorf("e2ee: topping up one-time keys: %w", err)
	}
	keys, err := d.account.OneTimeKeys()
	if err != nil {
		return false, nil, fmt.Errorf("e2ee: reading one-time keys: %w", err)
	}
	return true, keys, nil
}

// MarkKeysPublished tells the account the last batch of one-time keys it
// reported was successfully uploaded, and persists the updated pickle.
func (d *Data) MarkKeysPublished(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.account.MarkKeysAsPublished()
	pickle, err := d.account.Pickle(d.pickleKey)
	if err != nil {
		return err
	}
	return d.store.SaveAccountPickle(ctx, pickle)
}

// MarkUsersOutdated flags users from a sync response's
// device_lists.changed entry, to be covered by the next QueryKeys job.
func (d *Data) MarkUsersOutdated(userIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range userIDs {
		d.outdatedUsers[u] = struct{}{}
	}
}

// OutdatedUsers returns (and does not clear) the set of users whose device
// list needs refreshing.
func (d *Data) OutdatedUsers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.outdatedUsers))
	for u := range d.outdatedUsers {
		out = append(out, u)
	}
	return out
}

// ApplyQueryKeysResult verifies and stores the device-keys and
// cross-signing-keys rows from a QueryKeys response, then clears the
// outdated flag for every covered user.
func (d *Data) ApplyQueryKeysResult(ctx context.Context, userID string, devices map[string]DeviceKeys) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deviceKeys[userID] == nil {
		d.deviceKeys[userID] = make(map[string]DeviceKeys)
	}
	for deviceID, keys := range devices {
		d.deviceKeys[userID][deviceID] = keys
		curveKey := keys.Keys["curve25519:"+deviceID]
		ed25519Key := keys.Keys["ed25519:"+deviceID]
		if err := d.store.UpsertDevice(ctx, userID, deviceID, curveKey, ed25519Key, keys.Verified); err != nil {
			return fmt.Errorf("e2ee: persisting device %s/%s: %w", userID, deviceID, err)
		}
	}
	delete(d.outdatedUsers, userID)
	d.trackedUsers[userID] = struct{}{}
	return nil
}

// StoreInboundGroupSession persists an inbound megolm session before any
// message it decrypted is shown, then attempts to
// flush any pending events that were waiting on this exact session.
func (d *Data) StoreInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string, session InboundGroupSession) ([]PendingEncryptedEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pickle, err := session.Pickle(d.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("e2ee: pickling inbound group session: %w", err)
	}
	if err := d.store.SaveInboundGroupSession(ctx, roomID, senderKey, sessionID, pickle); err != nil {
		return nil, fmt.Errorf("e2ee: persisting inbound group session: %w", err)
	}

	var flushed []PendingEncryptedEvent
	remaining := d.pending[:0]
	for _, p := range d.pending {
		if p.RoomID == roomID && p.SessionID == sessionID && p.SenderKey == senderKey {
			flushed = append(flushed, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	d.pending = remaining
	return flushed, nil
}

// SetRoomKeyRequestFunc registers the callback fired whenever an event is
// buffered because its megolm session has not arrived, letting the caller
// emit an m.room_key_request to-device message without this package
// depending on the job runtime.
func (d *Data) SetRoomKeyRequestFunc(fn RoomKeyRequestFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keyRequestFn = fn
}

// BufferPendingEvent parks an encrypted event whose session has not
// arrived yet and requests the missing key from fn, if one is registered.
func (d *Data) BufferPendingEvent(p PendingEncryptedEvent) {
	d.mu.Lock()
	d.pending = append(d.pending, p)
	fn := d.keyRequestFn
	d.mu.Unlock()
	if fn != nil {
		fn(p.RoomID, p.SessionID, p.SenderKey)
	}
}

// HasInboundGroupSession reports whether a session for the triple is
// already persisted.
func (d *Data) HasInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) bool {
	return d.store.HasInboundGroupSession(ctx, roomID, senderKey, sessionID)
}

// OutboundSessionForRoom returns the current outbound megolm session for a
// room, rotating it first if its age or message count has exceeded the
// room's rotation settings.
// needsRedistribution is true when callers must push the session key to
// room members before using the returned session.
func (d *Data) OutboundSessionForRoom(ctx context.Context, roomID string) (session OutboundGroupSession, needsRedistribution bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	periodMs, periodMsgs := d.membership.RotationSettings(roomID)

	existing, ok := d.outboundSessions[roomID]
	if ok && existing.MessageCount() < periodMsgs && !d.rotation.expired(roomID, periodMs) {
		return existing, false, nil
	}

	newSession, err := d.factory.NewOutboundGroupSession()
	if err != nil {
		return nil, false, fmt.Errorf("e2ee: creating outbound group session: %w", err)
	}
	d.outboundSessions[roomID] = newSession
	d.rotation.touch(roomID)

	pickle, err := newSession.Pickle(d.pickleKey)
	if err != nil {
		return nil, false, fmt.Errorf("e2ee: pickling outbound group session: %w", err)
	}
	if err := d.store.SaveOutboundGroupSession(ctx, roomID, pickle); err != nil {
		return nil, false, fmt.Errorf("e2ee: persisting outbound group session: %w", err)
	}
	return newSession, true, nil
}

// DeviceTrustBySenderKey resolves the sender's identity and trust state
// from the Curve25519 key a megolm or Olm session is keyed by.
func (d *Data) DeviceTrustBySenderKey(ctx context.Context, curve25519Key string) (userID, deviceID string, verified bool, err error) {
	return d.store.DeviceBySenderKey(ctx, curve25519Key)
}

// DecryptRoomEvent resolves the inbound megolm session for (roomID,
// senderKey, sessionID) and decrypts ciphertext. If the session is
// unknown, it returns mxerr.ErrNoMatchingSession and the caller is
// expected to buffer the event via BufferPendingEvent.
func (d *Data) DecryptRoomEvent(ctx context.Context, roomID, senderKey, sessionID, ciphertext string) ([]byte, error) {
	if !d.HasInboundGroupSession(ctx, roomID, senderKey, sessionID) {
		return nil, mxerr.ErrNoMatchingSession
	}
	pickle, err := d.store.LoadInboundGroupSession(ctx, roomID, senderKey, sessionID)
	if err != nil {
		return nil, mxerr.Wrap(mxerr.KindNetwork, "loading inbound group session", err)
	}
	session, err := d.factory.UnpickleInboundGroupSession(pickle, d.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("e2ee: %w: %v", mxerr.ErrBadEncryptedMessage, err)
	}
	plaintext, _, err := session.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("e2ee: %w: %v", mxerr.ErrBadEncryptedMessage, err)
	}
	return plaintext, nil
}

// GenerateVerificationQR builds the QR code this device should display to
// start m.qr_code.show.v1 verification for transactionID, carrying this
// device's ed25519 identity key and a fresh shared secret for the
// scanning device to reciprocate.
func (d *Data) GenerateVerificationQR(txnID string, mode verification.QRMode) (*verification.Code, error) {
	d.mu.Lock()
	_, ed25519Key, err := d.account.IdentityKeys()
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("e2ee: reading identity keys for qr code: %w", err)
	}

	secret, err := securerandom.Bytes(32)
	if err != nil {
		return nil, fmt.Errorf("e2ee: generating qr shared secret: %w", err)
	}

	return &verification.Code{
		TransactionID: txnID,
		Mode:          mode,
		FirstKey:      ed25519Key,
		SharedSecret:  secret,
	}, nil
}
