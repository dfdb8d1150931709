// Package verification implements the key-verification state machine: the
// request/ready/start handshake followed by the SAS substates. Each Session
// records (remote_user, remote_device, transaction_id), but the Registry
// looks sessions up by (remote_user, transaction_id) only: Begin with a
// known user and transaction ID returns the existing session whatever the
// device.
package verification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is a node of the outer verification state machine.
type State string

const (
	StateCreated      State = "created"
	StateRequested    State = "requested"
	StateReady        State = "ready"
	StateTransitioned State = "transitioned"
	StateCancelled    State = "cancelled"
	StateDone         State = "done"
)

// SASState is a node of the inner SAS substate machine, entered once the
// outer machine transitions past Ready via a start event.
type SASState string

const (
	SASStarted       SASState = "started"
	SASAccepted      SASState = "accepted"
	SASKeysExchanged SASState = "keys_exchanged"
	SASConfirmed     SASState = "confirmed"
	SASDone          SASState = "sas_done"
	SASCancelled     SASState = "sas_cancelled"
)

// SupportedMacs is the MAC algorithm list this implementation advertises
// in m.key.verification.accept, most-preferred first.
var SupportedMacs = []string{"hkdf-hmac-sha256.v2", "hkdf-hmac-sha256"}

// SharedAuthStringMethods is the list of ways the shared secret may be
// displayed to the user for confirmation.
var SharedAuthStringMethods = []string{"decimal", "emoji"}

// KeyAgreementProtocol is the sole key-agreement protocol offered.
const KeyAgreementProtocol = "curve25519-hkdf-sha256"

var (
	ErrUnknownSession    = errors.New("verification: no session for transaction")
	ErrInvalidTransition = errors.New("verification: invalid state transition")
)

func IsVerificationType(matrixType string) bool {
	return strings.HasPrefix(matrixType, "m.key.verification.")
}

// Session tracks one verification conversation's state; Key reports its
// (RemoteUser, RemoteDevice, TransactionID) triple.
type Session struct {
	mu sync.Mutex

	RemoteUser    string
	RemoteDevice  string
	TransactionID string

	State    State
	SAS      SASState
	Method   string // "decimal" or "emoji", chosen during accept
	StartAt  time.Time
	CancelAt time.Time

	theirCommitment string
	theirKey        string
	ourKey          string
	macMethod       string
	cancelCode      string
}

// NewSession begins tracking a verification the local side initiated.
func NewSession(remoteUser, remoteDevice, transactionID string) *Session {
	return &Session{
		RemoteUser:    remoteUser,
		RemoteDevice:  remoteDevice,
		TransactionID: transactionID,
		State:         StateCreated,
		StartAt:       time.Now(),
	}
}

// Key returns the session's registry identity.
func (s *Session) Key() (remoteUser, remoteDevice, transactionID string) {
	return s.RemoteUser, s.RemoteDevice, s.TransactionID
}

// MarkRequested records that the local side sent (or the remote side
// sent) a m.key.verification.request.
func (s *Session) MarkRequested() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateCreated {
		return fmt.Errorf("%w: requested from %s", ErrInvalidTransition, s.State)
	}
	s.State = StateRequested
	return nil
}

// MarkReady records receipt of m.key.verification.ready.
func (s *Session) MarkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateRequested {
		return fmt.Errorf("%w: ready from %s", ErrInvalidTransition, s.State)
	}
	s.State = StateReady
	return nil
}

// Start records m.key.verification.start and enters the SAS substate
// machine at Started.
func (s *Session) Start(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateReady {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.State)
	}
	s.State = StateTransitioned
	s.Method = method
	s.SAS = SASStarted
	return nil
}

// Accept records m.key.verification.accept: the responder's chosen MAC
// method and key-commitment hash.
func (s *Session) Accept(macMethod, commitment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SAS != SASStarted {
		return fmt.Errorf("%w: accept from sas state %s", ErrInvalidTransition, s.SAS)
	}
	s.macMethod = macMethod
	s.theirCommitment = commitment
	s.SAS = SASAccepted
	return nil
}

// ExchangeKeys records the ephemeral curve25519 public keys both sides
// publish in m.key.verification.key.
func (s *Session) ExchangeKeys(ourKey, theirKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SAS != SASAccepted {
		return fmt.Errorf("%w: key exchange from sas state %s", ErrInvalidTransition, s.SAS)
	}
	s.ourKey = ourKey
	s.theirKey = theirKey
	s.SAS = SASKeysExchanged
	return nil
}

// Confirm records that the local user confirmed the shared auth string
// matches what their counterpart displayed.
func (s *Session) Confirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SAS != SASKeysExchanged {
		return fmt.Errorf("%w: confirm from sas state %s", ErrInvalidTransition, s.SAS)
	}
	s.SAS = SASConfirmed
	return nil
}

// CompleteMAC records receipt of a valid m.key.verification.mac and
// finishes the outer state machine at Done.
func (s *Session) CompleteMAC() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SAS != SASConfirmed {
		return fmt.Errorf("%w: mac from sas state %s", ErrInvalidTransition, s.SAS)
	}
	s.SAS = SASDone
	s.State = StateDone
	return nil
}

// Cancel moves the session to Cancelled and, once the SAS substate machine
// has been entered, also sets SAS to SASCancelled, recording the reason
// code sent or received.
func (s *Session) Cancel(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCode = code
	if s.SAS != "" && s.State == StateTransitioned {
		s.SAS = SASCancelled
	}
	s.State = StateCancelled
	s.CancelAt = time.Now()
}

// CancelCode returns the reason a cancelled session recorded, if any.
func (s *Session) CancelCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCode
}

// IsTerminal reports whether the session has left the active machine.
func (s *Session) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StateDone || s.State == StateCancelled
}

// eventEnvelope is the shape every m.key.verification.* event's content
// shares for dispatch purposes.
type eventEnvelope struct {
	TransactionID string   `json:"transaction_id"`
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	Method        string   `json:"method"`
	KeyAgreement  string   `json:"key_agreement_protocol"`
	MessageAuth   []string `json:"message_authentication_codes"`
	Commitment    string   `json:"commitment"`
	Key           string   `json:"key"`
	Mac           map[string]string `json:"mac"`
	Code          string            `json:"code"`
	Reason        string            `json:"reason"`
}

// Registry owns every active verification Session, keyed by (remote user,
// transaction ID); the remote device is not part of the key.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func sessionKey(remoteUser, transactionID string) string {
	return remoteUser + "\x00" + transactionID
}

// Begin starts (or returns the existing) session for a transaction the
// local side initiates.
func (r *Registry) Begin(remoteUser, remoteDevice, transactionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey(remoteUser, transactionID)
	if existing, ok := r.sessions[key]; ok {
		return existing
	}
	s := NewSession(remoteUser, remoteDevice, transactionID)
	r.sessions[key] = s
	return s
}

// Get looks up an existing session.
func (r *Registry) Get(remoteUser, transactionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey(remoteUser, transactionID)]
	return s, ok
}

// Forget removes a terminal session from the registry.
func (r *Registry) Forget(remoteUser, transactionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionKey(remoteUser, transactionID))
}

// Dispatch routes one m.key.verification.* event (arrived to-device or
// in-room) to the session it belongs to, creating a fresh session for an
// incoming m.key.verification.request.
func (r *Registry) Dispatch(sender, matrixType string, raw json.RawMessage) error {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("verification: decoding %s: %w", matrixType, err)
	}

	switch matrixType {
	case "m.key.verification.request":
		s := r.Begin(sender, env.FromDevice, env.TransactionID)
		return s.MarkRequested()

	case "m.key.verification.ready":
		s, ok := r.Get(sender, env.TransactionID)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrUnknownSession, sender, env.TransactionID)
		}
		return s.MarkReady()

	case "m.key.verification.start":
		s, ok := r.Get(sender, env.TransactionID)
		if !ok {
			s = r.Begin(sender, env.FromDevice, env.TransactionID)
			_ = s.MarkRequested()
			_ = s.MarkReady()
		}
		return s.Start(env.Method)

	case "m.key.verification.accept":
		s, ok := r.Get(sender, env.TransactionID)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrUnknownSession, sender, env.TransactionID)
		}
		return s.Accept(chooseMac(env.MessageAuth), env.Commitment)

	case "m.key.verification.key":
		s, ok := r.Get(sender, env.TransactionID)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrUnknownSession, sender, env.TransactionID)
		}
		return s.ExchangeKeys(s.ourKey, env.Key)

	case "m.key.verification.mac":
		s, ok := r.Get(sender, env.TransactionID)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrUnknownSession, sender, env.TransactionID)
		}
		return s.CompleteMAC()

	case "m.key.verification.cancel":
		s, ok := r.Get(sender, env.TransactionID)
		if !ok {
			return nil // already gone; nothing to cancel
		}
		s.Cancel(env.Code)
		return nil

	case "m.key.verification.done":
		s, ok := r.Get(sender, env.TransactionID)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrUnknownSession, sender, env.TransactionID)
		}
		s.mu.Lock()
		s.State = StateDone
		s.mu.Unlock()
		return nil
	}

	return fmt.Errorf("verification: unhandled event type %s", matrixType)
}

func chooseMac(offered []string) string {
	for _, preferred := range SupportedMacs {
		for _, o := range offered {
			if o == preferred {
				return preferred
			}
		}
	}
	if len(offered) > 0 {
		return offered[0]
	}
	return ""
}
