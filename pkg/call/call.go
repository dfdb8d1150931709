// Package call tracks the lifecycle of Matrix VoIP calls (m.call.invite,
// m.call.candidates, m.call.answer, m.call.hangup, m.call.reject) and
// exposes the SDP offer/answer and trickled ICE candidates in the shapes
// github.com/pion/webrtc/v3 already understands, so an embedder wiring a
// PeerConnection only has to feed them straight in.
package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/armorclaw/matrixsdk/pkg/audit"
)

// EventType names one of the seven m.call.* room events.
type EventType string

const (
	EventInvite       EventType = "m.call.invite"
	EventCandidates   EventType = "m.call.candidates"
	EventAnswer       EventType = "m.call.answer"
	EventSelectAnswer EventType = "m.call.select_answer"
	EventNegotiate    EventType = "m.call.negotiate"
	EventHangup       EventType = "m.call.hangup"
	EventReject       EventType = "m.call.reject"
)

// State is a node of the call lifecycle state machine.
type State int

const (
	StateInvite State = iota
	StateRinging
	StateConnected
	StateEnded
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInvite:
		return "invite"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type sdpPayload struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	SDP    string `json:"sdp"`
}

type candidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

type inviteContent struct {
	CallID   string     `json:"call_id"`
	Lifetime uint32     `json:"lifetime"`
	Offer    sdpPayload `json:"offer"`
	PartyID  string     `json:"party_id"`
	Version  any        `json:"version"`
}

type candidatesContent struct {
	CallID     string             `json:"call_id"`
	Candidates []candidatePayload `json:"candidates"`
	PartyID    string             `json:"party_id"`
}

type answerContent struct {
	CallID  string     `json:"call_id"`
	Answer  sdpPayload `json:"answer"`
	PartyID string     `json:"party_id"`
}

type hangupContent struct {
	CallID  string `json:"call_id"`
	PartyID string `json:"party_id"`
	Reason  string `json:"reason"`
}

type rejectContent struct {
	CallID  string `json:"call_id"`
	PartyID string `json:"party_id"`
	Reason  string `json:"reason"`
}

// Call is one tracked m.call.* conversation, keyed by its call_id.
type Call struct {
	mu sync.Mutex

	ID       string
	RoomID   string
	CallerID string
	State    State

	Offer      *webrtc.SessionDescription
	Answer     *webrtc.SessionDescription
	Candidates []webrtc.ICECandidateInit

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	HangupReason string
}

func (c *Call) touch() {
	c.UpdatedAt = time.Now()
}

func toSessionDescription(p sdpPayload) (*webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(p.Type)
	if sdpType == webrtc.SDPType(0) && p.Type != "" {
		return nil, fmt.Errorf("call: unrecognized sdp type %q", p.Type)
	}
	return &webrtc.SessionDescription{Type: sdpType, SDP: p.SDP}, nil
}

func toICECandidate(p candidatePayload) webrtc.ICECandidateInit {
	mid := p.SDPMid
	idx := uint16(p.SDPMLineIndex)
	return webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

// Registry tracks every call this Connection has seen a m.call.invite for,
// keyed by call_id, and fans out state transitions to an optional observer.
type Registry struct {
	mu        sync.Mutex
	calls     map[string]*Call
	onChanged func(*Call)
	auditLog  *audit.AuditLog

	defaultLifetime time.Duration
}

// SetAuditLog attaches a call-event audit trail; nil (the default) makes
// call lifecycle logging a no-op.
func (r *Registry) SetAuditLog(log *audit.AuditLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditLog = log
}

func (r *Registry) logEvent(eventType audit.EventType, c *Call) {
	r.mu.Lock()
	log := r.auditLog
	r.mu.Unlock()
	if log == nil {
		return
	}
	_ = log.LogEvent(eventType, c.ID, c.RoomID, c.CallerID, nil)
}

// NewRegistry constructs an empty Registry. defaultLifetime backstops
// m.call.invite events that omit a lifetime.
func NewRegistry(defaultLifetime time.Duration) *Registry {
	if defaultLifetime <= 0 {
		defaultLifetime = 30 * time.Second
	}
	return &Registry{calls: make(map[string]*Call), defaultLifetime: defaultLifetime}
}

// OnChanged registers the callback invoked after every successfully applied
// call event. Only one observer is supported; a later call replaces the
// prior one.
func (r *Registry) OnChanged(fn func(*Call)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChanged = fn
}

// Get returns the tracked call, if any.
func (r *Registry) Get(callID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	return c, ok
}

// Forget drops a terminal call from the registry.
func (r *Registry) Forget(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
}

// HandleEvent applies one m.call.* room event to the registry, returning
// the call it affected. roomID and sender come from the enclosing
// RoomEvent envelope; eventType selects which payload raw decodes as.
func (r *Registry) HandleEvent(roomID, sender string, eventType EventType, raw json.RawMessage) (*Call, error) {
	switch eventType {
	case EventInvite:
		return r.handleInvite(roomID, sender, raw)
	case EventCandidates:
		return r.handleCandidates(raw)
	case EventAnswer:
		return r.handleAnswer(sender, raw)
	case EventHangup:
		return r.handleHangup(raw)
	case EventReject:
		return r.handleReject(sender, raw)
	case EventSelectAnswer, EventNegotiate:
		// Multi-party negotiation refinements; tracked calls stay Connected
		// and the raw renegotiation payload is left for the embedder to
		// read off the original room timeline event if it cares.
		return nil, nil
	default:
		return nil, fmt.Errorf("call: unhandled event type %s", eventType)
	}
}

func (r *Registry) handleInvite(roomID, sender string, raw json.RawMessage) (*Call, error) {
	var content inviteContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("call: decoding invite: %w", err)
	}
	offer, err := toSessionDescription(content.Offer)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.calls[content.CallID]; ok {
		r.mu.Unlock()
		return existing, fmt.Errorf("call: %s already invited", content.CallID)
	}
	lifetime := r.defaultLifetime
	if content.Lifetime > 0 {
		lifetime = time.Duration(content.Lifetime) * time.Millisecond
	}
	now := time.Now()
	c := &Call{
		ID:        content.CallID,
		RoomID:    roomID,
		CallerID:  sender,
		State:     StateRinging,
		Offer:     offer,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(lifetime),
	}
	r.calls[content.CallID] = c
	r.mu.Unlock()

	r.logEvent(audit.EventCallCreated, c)
	r.notify(c)
	return c, nil
}

func (r *Registry) handleCandidates(raw json.RawMessage) (*Call, error) {
	var content candidatesContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("call: decoding candidates: %w", err)
	}
	c, ok := r.Get(content.CallID)
	if !ok {
		return nil, fmt.Errorf("call: %s not found", content.CallID)
	}
	c.mu.Lock()
	for _, cand := range content.Candidates {
		c.Candidates = append(c.Candidates, toICECandidate(cand))
	}
	c.touch()
	c.mu.Unlock()
	r.notify(c)
	return c, nil
}

func (r *Registry) handleAnswer(sender string, raw json.RawMessage) (*Call, error) {
	var content answerContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("call: decoding answer: %w", err)
	}
	c, ok := r.Get(content.CallID)
	if !ok {
		return nil, fmt.Errorf("call: %s not found", content.CallID)
	}
	if sender != c.CallerID {
		// Answer from a third party in a multi-device scenario; the
		// protocol resolves this through m.call.select_answer, which this
		// registry does not arbitrate. The call stays on the first answer
		// it sees.
		if c.Answer != nil {
			return c, nil
		}
	}
	answer, err := toSessionDescription(content.Answer)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.Answer = answer
	c.State = StateConnected
	c.touch()
	c.mu.Unlock()
	r.notify(c)
	return c, nil
}

func (r *Registry) handleHangup(raw json.RawMessage) (*Call, error) {
	var content hangupContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("call: decoding hangup: %w", err)
	}
	c, ok := r.Get(content.CallID)
	if !ok {
		return nil, fmt.Errorf("call: %s not found", content.CallID)
	}
	c.mu.Lock()
	c.State = StateEnded
	c.HangupReason = content.Reason
	c.touch()
	c.mu.Unlock()
	r.logEvent(audit.EventCallEnded, c)
	r.notify(c)
	r.Forget(content.CallID)
	return c, nil
}

func (r *Registry) handleReject(sender string, raw json.RawMessage) (*Call, error) {
	var content rejectContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("call: decoding reject: %w", err)
	}
	c, ok := r.Get(content.CallID)
	if !ok {
		return nil, fmt.Errorf("call: %s not found", content.CallID)
	}
	c.mu.Lock()
	c.State = StateRejected
	c.HangupReason = content.Reason
	c.touch()
	c.mu.Unlock()
	r.logEvent(audit.EventCallRejected, c)
	r.notify(c)
	r.Forget(content.CallID)
	return c, nil
}

// ExpireStale transitions every tracked call whose ExpiresAt has passed and
// never reached Connected into Failed, returning the ones it changed.
// Callers run this on a timer; the registry has no clock of its own.
func (r *Registry) ExpireStale(now time.Time) []*Call {
	r.mu.Lock()
	var expired []*Call
	for id, c := range r.calls {
		c.mu.Lock()
		stale := c.State != StateConnected && c.State != StateEnded && c.State != StateRejected && now.After(c.ExpiresAt)
		if stale {
			c.State = StateFailed
			c.touch()
		}
		c.mu.Unlock()
		if stale {
			expired = append(expired, c)
			delete(r.calls, id)
		}
	}
	r.mu.Unlock()

	for _, c := range expired {
		r.notify(c)
	}
	return expired
}

func (r *Registry) notify(c *Call) {
	r.mu.Lock()
	fn := r.onChanged
	r.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}
