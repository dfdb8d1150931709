// Package e2ee maintains cryptographic state for end-to-end encrypted
// messaging and device verification: the Olm account lifetime,
// device-list tracking, one-time-key top-up, Olm/Megolm session caches,
// and cross-signing state. The low-level Olm/Megolm primitives themselves
// are out of scope and are modeled here purely as the
// Account/Session/InboundGroupSession/OutboundGroupSession interfaces a
// backing library provides.
package e2ee

// Account is the long-lived Olm identity: a Curve25519/Ed25519 keypair
// plus one-time-key generation, pickled at rest under a key loaded from
// the OS keychain.
type Account interface {
	IdentityKeys() (curve25519, ed25519 string, err error)
	MaxOneTimeKeys() int
	GenerateOneTimeKeys(count int) error
	OneTimeKeys() (map[string]string, error)
	MarkKeysAsPublished()
	Sign(message []byte) (string, error)
	Pickle(key []byte) (string, error)
}

// Session is a one-to-one Olm double-ratchet session with another device.
type Session interface {
	ID() string
	Encrypt(plaintext []byte) (msgType int, ciphertext string, err error)
	Decrypt(msgType int, ciphertext string) ([]byte, error)
	Pickle(key []byte) (string, error)
}

// InboundGroupSession is a Megolm session used to decrypt a room's
// messages, keyed by (room_id, session_id, sender_key).
type InboundGroupSession interface {
	ID() string
	Decrypt(ciphertext string) (plaintext []byte, messageIndex uint32, err error)
	Pickle(key []byte) (string, error)
}

// OutboundGroupSession is a Megolm session used to encrypt a room's
// outbound messages; it is rotated per the room's rotation_period_ms /
// rotation_period_msgs settings.
type OutboundGroupSession interface {
	ID() string
	Encrypt(plaintext []byte) (string, error)
	SessionKey() (string, error)
	MessageCount() int
	Pickle(key []byte) (string, error)
}

// AccountFactory constructs a fresh Account, or unpickles one from stored
// pickle text under the supplied key.
type AccountFactory interface {
	NewAccount() (Account, error)
	UnpickleAccount(pickle string, key []byte) (Account, error)
	NewOutboundGroupSession() (OutboundGroupSession, error)
	NewInboundGroupSessionFromKey(sessionKey string) (InboundGroupSession, error)
	UnpickleInboundGroupSession(pickle string, key []byte) (InboundGroupSession, error)
	NewOutboundSession(account Account, identityKey, oneTimeKey string) (Session, error)
	NewInboundSessionFromPreKey(account Account, ciphertext string) (Session, error)
	UnpickleSession(pickle string, key []byte) (Session, error)
}

// DeviceKeys describes a single device's published identity keys and
// signatures, as returned by /keys/query.
type DeviceKeys struct {
	UserID     string
	DeviceID   string
	Algorithms []string
	Keys       map[string]string // "curve25519:<device>" / "ed25519:<device>" -> key
	Signatures map[string]map[string]string
	Verified   bool
}

// CrossSigningKeys holds a user's master, self-signing, and user-signing
// public keys and which devices have been verified through them.
type CrossSigningKeys struct {
	UserID          string
	MasterKey       string
	SelfSigningKey  string
	UserSigningKey  string
	VerifiedDevices map[string]struct{}
	SelfVerified    bool
}
