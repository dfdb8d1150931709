package e2ee

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAccount struct {
	curve, ed         string
	maxOTK            int
	otk               map[string]string
	pickle            string
	marksPublished    int
	generateCallCount int
}

func newFakeAccount() *fakeAccount {
	return &fakeAccount{curve: "curve-key", ed: "ed-key", maxOTK: 50, otk: map[string]string{}, pickle: "account-pickle"}
}

func (a *fakeAccount) IdentityKeys() (string, string, error) { return a.curve, a.ed, nil }
func (a *fakeAccount) MaxOneTimeKeys() int                   { return a.maxOTK }
func (a *fakeAccount) GenerateOneTimeKeys(count int) error {
	a.generateCallCount++
	for i := 0; i < count; i++ {
		a.otk[string(rune('a'+i))] = "otk-value"
	}
	return nil
}
func (a *fakeAccount) OneTimeKeys() (map[string]string, error) { return a.otk, nil }
func (a *fakeAccount) MarkKeysAsPublished()                    { a.marksPublished++ }
func (a *fakeAccount) Sign(message []byte) (string, error)     { return "signature", nil }
func (a *fakeAccount) Pickle(key []byte) (string, error)       { return a.pickle, nil }

type fakeOutboundSession struct {
	id           string
	messageCount int
}

func (s *fakeOutboundSession) ID() string                      { return s.id }
func (s *fakeOutboundSession) Encrypt(pt []byte) (string, error) { return string(pt), nil }
func (s *fakeOutboundSession) SessionKey() (string, error)     { return "session-key", nil }
func (s *fakeOutboundSession) MessageCount() int               { return s.messageCount }
func (s *fakeOutboundSession) Pickle(key []byte) (string, error) { return "outbound-pickle", nil }

type fakeInboundSession struct {
	id        string
	plaintext string
}

func (s *fakeInboundSession) ID() string { return s.id }
func (s *fakeInboundSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	return []byte(s.plaintext), 1, nil
}
func (s *fakeInboundSession) Pickle(key []byte) (string, error) { return "inbound-pickle", nil }

type fakeFactory struct {
	account          *fakeAccount
	nextOutbound     *fakeOutboundSession
	nextInboundOnKey *fakeInboundSession
}

func (f *fakeFactory) NewAccount() (Account, error) { return f.account, nil }
func (f *fakeFactory) UnpickleAccount(pickle string, key []byte) (Account, error) {
	return f.account, nil
}
func (f *fakeFactory) NewOutboundGroupSession() (OutboundGroupSession, error) {
	return f.nextOutbound, nil
}
func (f *fakeFactory) NewInboundGroupSessionFromKey(sessionKey string) (InboundGroupSession, error) {
	return f.nextInboundOnKey, nil
}
func (f *fakeFactory) UnpickleInboundGroupSession(pickle string, key []byte) (InboundGroupSession, error) {
	return f.nextInboundOnKey, nil
}
func (f *fakeFactory) NewOutboundSession(account Account, identityKey, oneTimeKey string) (Session, error) {
	return nil, nil
}
func (f *fakeFactory) NewInboundSessionFromPreKey(account Account, ciphertext string) (Session, error) {
	return nil, nil
}
func (f *fakeFactory) UnpickleSession(pickle string, key []byte) (Session, error) { return nil, nil }

type fakeStore struct {
	mu               sync.Mutex
	accountPickle    string
	hasAccount       bool
	inboundSessions  map[string]string // key -> pickle
	outboundSessions map[string]string
	devices          map[string]map[string]DeviceKeys
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inboundSessions:  make(map[string]string),
		outboundSessions: make(map[string]string),
		devices:          make(map[string]map[string]DeviceKeys),
	}
}

func inboundKey(roomID, senderKey, sessionID string) string { return roomID + "|" + senderKey + "|" + sessionID }

func (s *fakeStore) SaveAccountPickle(ctx context.Context, pickle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountPickle = pickle
	s.hasAccount = true
	return nil
}
func (s *fakeStore) LoadAccountPickle(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountPickle, s.hasAccount, nil
}
func (s *fakeStore) SaveOlmSession(ctx context.Context, identityKey, sessionID, pickle string) error {
	return nil
}
func (s *fakeStore) LoadOlmSessions(ctx context.Context, identityKey string) (map[string]string, error) {
	return nil, nil
}
func (s *fakeStore) SaveInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID, pickle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundSessions[inboundKey(roomID, senderKey, sessionID)] = pickle
	return nil
}
func (s *fakeStore) LoadInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.inboundSessions[inboundKey(roomID, senderKey, sessionID)]
	if !ok {
		return "", ErrSessionNotFound
	}
	return p, nil
}
func (s *fakeStore) HasInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inboundSessions[inboundKey(roomID, senderKey, sessionID)]
	return ok
}
func (s *fakeStore) SaveOutboundGroupSession(ctx context.Context, roomID, pickle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundSessions[roomID] = pickle
	return nil
}
func (s *fakeStore) LoadOutboundGroupSession(ctx context.Context, roomID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.outboundSessions[roomID]
	return p, ok, nil
}
func (s *fakeStore) UpsertDevice(ctx context.Context, userID, deviceID, curve25519Key, ed25519Key string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[userID] == nil {
		s.devices[userID] = make(map[string]DeviceKeys)
	}
	s.devices[userID][deviceID] = DeviceKeys{UserID: userID, DeviceID: deviceID, Verified: verified}
	return nil
}
func (s *fakeStore) SetDeviceVerified(ctx context.Context, userID, deviceID string, verified bool) error {
	return nil
}
func (s *fakeStore) DeviceBySenderKey(ctx context.Context, curve25519Key string) (string, string, bool, error) {
	return "", "", false, nil
}
func (s *fakeStore) SaveCrossSigningKeys(ctx context.Context, userID, masterKey, selfSigningKey, userSigningKey string) error {
	return nil
}
func (s *fakeStore) Close() error { return nil }

type fakeMembership struct {
	periodMs   int64
	periodMsgs int
}

func (m *fakeMembership) JoinedAndInvitedMembers(roomID string) ([]string, error) {
	return []string{"@alice:example.org"}, nil
}
func (m *fakeMembership) RotationSettings(roomID string) (int64, int) {
	return m.periodMs, m.periodMsgs
}

func newTestData(t *testing.T) (*Data, *fakeFactory, *fakeStore) {
	t.Helper()
	factory := &fakeFactory{account: newFakeAccount()}
	store := newFakeStore()
	membership := &fakeMembership{periodMs: int64(1000 * 60 * 60), periodMsgs: 100}
	d := NewData(factory, store, membership)
	require.NoError(t, d.Setup(context.Background(), "@alice:example.org", "DEVICE1", []byte("pickle-key")))
	return d, factory, store
}

func TestSetupGeneratesFreshAccountWhenNonePersisted(t *testing.T) {
	d, factory, store := newTestData(t)
	require.True(t, store.hasAccount)
	require.Equal(t, 1, factory.account.generateCallCount)

	curve, ed, err := d.IdentityKeys()
	require.NoError(t, err)
	require.Equal(t, "curve-key", curve)
	require.Equal(t, "ed-key", ed)
}

func TestSetupReusesPersistedAccountPickle(t *testing.T) {
	factory := &fakeFactory{account: newFakeAccount()}
	store := newFakeStore()
	store.accountPickle = "existing-pickle"
	store.hasAccount = true
	membership := &fakeMembership{}

	d := NewData(factory, store, membership)
	require.NoError(t, d.Setup(context.Background(), "@alice:example.org", "DEVICE1", []byte("pickle-key")))
	require.Equal(t, 0, factory.account.generateCallCount, "existing account should not regenerate one-time keys")
}

func TestUpdateOneTimeKeyCountsTriggersUploadBelowThreshold(t *testing.T) {
	d, _, _ := newTestData(t)
	needsUpload, keys, err := d.UpdateOneTimeKeyCounts(map[string]int{"signed_curve25519": 5})
	require.NoError(t, err)
	require.True(t, needsUpload)
	require.NotEmpty(t, keys)
}

func TestUpdateOneTimeKeyCountsNoUploadAboveThreshold(t *testing.T) {
	d, _, _ := newTestData(t)
	needsUpload, _, err := d.UpdateOneTimeKeyCounts(map[string]int{"signed_curve25519": 40})
	require.NoError(t, err)
	require.False(t, needsUpload)
}

func TestMarkUsersOutdatedAndApplyQueryKeysClearsFlag(t *testing.T) {
	d, _, store := newTestData(t)
	d.MarkUsersOutdated([]string{"@bob:example.org"})
	require.Contains(t, d.OutdatedUsers(), "@bob:example.org")

	err := d.ApplyQueryKeysResult(context.Background(), "@bob:example.org", map[string]DeviceKeys{
		"DEVICEBOB": {Keys: map[string]string{"curve25519:DEVICEBOB": "k1", "ed25519:DEVICEBOB": "k2"}},
	})
	require.NoError(t, err)
	require.NotContains(t, d.OutdatedUsers(), "@bob:example.org")
	require.Contains(t, store.devices["@bob:example.org"], "DEVICEBOB")
}

func TestOutboundSessionForRoomCreatesAndReusesSession(t *testing.T) {
	d, factory, store := newTestData(t)
	factory.nextOutbound = &fakeOutboundSession{id: "sess1", messageCount: 0}

	session, needsRedistribution, err := d.OutboundSessionForRoom(context.Background(), "!room1:example.org")
	require.NoError(t, err)
	require.True(t, needsRedistribution)
	require.Equal(t, "sess1", session.ID())
	require.Contains(t, store.outboundSessions, "!room1:example.org")

	session2, needsRedistribution2, err := d.OutboundSessionForRoom(context.Background(), "!room1:example.org")
	require.NoError(t, err)
	require.False(t, needsRedistribution2)
	require.Same(t, session, session2)
}

func TestOutboundSessionForRoomRotatesOnMessageCount(t *testing.T) {
	d, factory, _ := newTestData(t)
	first := &fakeOutboundSession{id: "sess1", messageCount: 0}
	factory.nextOutbound = first

	session, _, err := d.OutboundSessionForRoom(context.Background(), "!room1:example.org")
	require.NoError(t, err)
	require.Equal(t, "sess1", session.ID())

	first.messageCount = 9999
	second := &fakeOutboundSession{id: "sess2", messageCount: 0}
	factory.nextOutbound = second

	rotated, needsRedistribution, err := d.OutboundSessionForRoom(context.Background(), "!room1:example.org")
	require.NoError(t, err)
	require.True(t, needsRedistribution)
	require.Equal(t, "sess2", rotated.ID())
}

func TestDecryptRoomEventUnknownSessionReturnsErrNoMatchingSession(t *testing.T) {
	d, _, _ := newTestData(t)
	_, err := d.DecryptRoomEvent(context.Background(), "!room1:example.org", "sender-key", "session-id", "ciphertext")
	require.Error(t, err)
}

func TestStoreInboundGroupSessionFlushesMatchingPendingEvents(t *testing.T) {
	d, factory, _ := newTestData(t)
	factory.nextInboundOnKey = &fakeInboundSession{id: "sess1", plaintext: "hi"}

	pending := PendingEncryptedEvent{RoomID: "!room1:example.org", SessionID: "sess1", SenderKey: "sender-key"}
	d.BufferPendingEvent(pending)

	flushed, err := d.StoreInboundGroupSession(context.Background(), "!room1:example.org", "sender-key", "sess1", factory.nextInboundOnKey)
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	require.Equal(t, pending, flushed[0])

	require.True(t, d.HasInboundGroupSession(context.Background(), "!room1:example.org", "sender-key", "sess1"))
}
