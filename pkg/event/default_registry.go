package event

import (
	"encoding/json"
	"fmt"
)

// NewDefaultRegistry builds the registry used by pkg/connection: a base
// metatype per abstract event class, with the concrete leaf types
// pre-registered most-specific-first.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	mustRegisterBase(r, "Event", constructGenericEvent)
	mustRegisterBase(r, "RoomEvent", constructGenericRoomEvent)
	mustRegisterBase(r, "StateEvent", constructGenericStateEvent)
	mustRegisterBase(r, "CallEvent", nil)
	mustRegisterBase(r, "KeyVerificationEvent", nil)
	mustRegisterBase(r, "AccountDataEvent", constructGenericAccountDataEvent)

	mustRegisterLeaf(r, "StateEvent", "RoomMemberEvent", NewExactMatcher("m.room.member"), constructRoomMemberEvent)
	mustRegisterLeaf(r, "RoomEvent", "RoomMessageEvent", NewExactMatcher("m.room.message"), constructRoomMessageEvent)
	mustRegisterLeaf(r, "RoomEvent", "EncryptedEvent", NewExactMatcher("m.room.encrypted"), constructEncryptedEvent)
	mustRegisterLeaf(r, "RoomEvent", "RedactionEvent", NewExactMatcher("m.room.redaction"), constructRedactionEvent)

	mustRegisterLeaf(r, "CallEvent", "CallInviteEvent", NewExactMatcher("m.call.invite"), constructCallEvent)
	mustRegisterLeaf(r, "CallEvent", "CallCandidatesEvent", NewExactMatcher("m.call.candidates"), constructCallEvent)
	mustRegisterLeaf(r, "CallEvent", "CallAnswerEvent", NewExactMatcher("m.call.answer"), constructCallEvent)
	mustRegisterLeaf(r, "CallEvent", "CallSelectAnswerEvent", NewExactMatcher("m.call.select_answer"), constructCallEvent)
	mustRegisterLeaf(r, "CallEvent", "CallHangupEvent", NewExactMatcher("m.call.hangup"), constructCallEvent)
	mustRegisterLeaf(r, "CallEvent", "CallGenericEvent", NewPrefixMatcher("m.call.*"), constructCallEvent)

	mustRegisterLeaf(r, "KeyVerificationEvent", "KeyVerificationRequestEvent", NewExactMatcher("m.key.verification.request"), constructKeyVerificationEvent)
	mustRegisterLeaf(r, "KeyVerificationEvent", "KeyVerificationReadyEvent", NewExactMatcher("m.key.verification.ready"), constructKeyVerificationEvent)
	mustRegisterLeaf(r, "KeyVerificationEvent", "KeyVerificationStartEvent", NewExactMatcher("m.key.verification.start"), constructKeyVerificationEvent)
	mustRegisterLeaf(r, "KeyVerificationEvent", "KeyVerificationAcceptEvent", NewExactMatcher("m.key.verification.accept"), constructKeyVerificationEvent)
	mustRegisterLeaf(r, "KeyVerificationEvent", "KeyVerificationKeyEvent", NewExactMatcher("m.key.verification.key"), constructKeyVerificationEvent)
	mustRegisterLeaf(r, "KeyVerificationEvent", "KeyVerificationMacEvent", NewExactMatcher("m.key.verification.mac"), constructKeyVerificationEvent)
	mustRegisterLeaf(r, "KeyVerificationEvent", "KeyVerificationCancelEvent", NewExactMatcher("m.key.verification.cancel"), constructKeyVerificationEvent)
	mustRegisterLeaf(r, "KeyVerificationEvent", "KeyVerificationDoneEvent", NewExactMatcher("m.key.verification.done"), constructKeyVerificationEvent)

	mustRegisterLeaf(r, "AccountDataEvent", "DirectChatEvent", NewExactMatcher("m.direct"), constructDirectChatEvent)
	mustRegisterLeaf(r, "AccountDataEvent", "IgnoredUsersEvent", NewExactMatcher("m.ignored_user_list"), constructIgnoredUsersEvent)
	mustRegisterLeaf(r, "AccountDataEvent", "TagEvent", NewExactMatcher("m.tag"), constructTagEvent)
	mustRegisterLeaf(r, "AccountDataEvent", "PushRulesEvent", NewExactMatcher("m.push_rules"), constructPushRulesEvent)

	return r
}

func mustRegisterBase(r *Registry, name string, fallback Constructor) {
	if err := r.RegisterBase(name, fallback); err != nil {
		panic(err)
	}
}

func mustRegisterLeaf(r *Registry, base, name string, m Matcher, c Constructor) {
	if err := r.RegisterLeaf(base, name, m, c); err != nil {
		panic(err)
	}
}

func constructGenericEvent(raw json.RawMessage) (any, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	e.raw = raw
	return &e, nil
}

func constructGenericRoomEvent(raw json.RawMessage) (any, error) {
	var e RoomEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	e.raw = raw
	return &e, nil
}

func constructGenericStateEvent(raw json.RawMessage) (any, error) {
	var e StateEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	e.raw = raw
	return &e, nil
}

func constructGenericAccountDataEvent(raw json.RawMessage) (any, error) {
	var e AccountDataEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	e.raw = raw
	return &e, nil
}

func constructRoomMemberEvent(raw json.RawMessage) (any, error) {
	var e RoomMemberEvent
	if err := json.Unmarshal(raw, &e.StateEvent); err != nil {
		return nil, err
	}
	e.raw = raw
	var c roomMemberContent
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return nil, fmt.Errorf("event: decoding m.room.member content: %w", err)
	}
	e.Membership = c.Membership
	e.DisplayName = c.DisplayName
	e.AvatarURL = c.AvatarURL
	return &e, nil
}

func constructRoomMessageEvent(raw json.RawMessage) (any, error) {
	var e RoomMessageEvent
	if err := json.Unmarshal(raw, &e.RoomEvent); err != nil {
		return nil, err
	}
	e.raw = raw
	var c RoomMessageContent
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return nil, fmt.Errorf("event: decoding m.room.message content: %w", err)
	}
	e.MessageContent = c
	return &e, nil
}

func constructEncryptedEvent(raw json.RawMessage) (any, error) {
	var e EncryptedEvent
	if err := json.Unmarshal(raw, &e.RoomEvent); err != nil {
		return nil, err
	}
	e.raw = raw
	var c encryptedContent
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return nil, fmt.Errorf("event: decoding m.room.encrypted content: %w", err)
	}
	e.Algorithm = c.Algorithm
	e.SenderKey = c.SenderKey
	e.DeviceID = c.DeviceID
	e.SessionID = c.SessionID
	e.Ciphertext = string(c.Ciphertext)
	return &e, nil
}

func constructRedactionEvent(raw json.RawMessage) (any, error) {
	var e RedactionEvent
	if err := json.Unmarshal(raw, &e.RoomEvent); err != nil {
		return nil, err
	}
	e.raw = raw
	var c struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(e.Content, &c)
	e.Reason = c.Reason
	return &e, nil
}

func constructCallEvent(raw json.RawMessage) (any, error) {
	var e CallEvent
	if err := json.Unmarshal(raw, &e.RoomEvent); err != nil {
		return nil, err
	}
	e.raw = raw
	var c struct {
		CallID  string `json:"call_id"`
		Version any    `json:"version"`
	}
	_ = json.Unmarshal(e.Content, &c)
	e.CallID = c.CallID
	e.Version = c.Version
	return &e, nil
}

func constructKeyVerificationEvent(raw json.RawMessage) (any, error) {
	var e KeyVerificationEvent
	if err := json.Unmarshal(raw, &e.Event); err != nil {
		return nil, err
	}
	e.raw = raw
	var c struct {
		TransactionID string `json:"transaction_id"`
	}
	_ = json.Unmarshal(e.Content, &c)
	e.TransactionID = c.TransactionID
	return &e, nil
}

func constructDirectChatEvent(raw json.RawMessage) (any, error) {
	var e DirectChatEvent
	if err := json.Unmarshal(raw, &e.AccountDataEvent); err != nil {
		return nil, err
	}
	e.raw = raw
	var c map[string][]string
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return nil, fmt.Errorf("event: decoding m.direct content: %w", err)
	}
	e.Content = c
	return &e, nil
}

func constructIgnoredUsersEvent(raw json.RawMessage) (any, error) {
	var e IgnoredUsersEvent
	if err := json.Unmarshal(raw, &e.AccountDataEvent); err != nil {
		return nil, err
	}
	e.raw = raw
	var c struct {
		IgnoredUsers map[string]struct{} `json:"ignored_users"`
	}
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return nil, fmt.Errorf("event: decoding m.ignored_user_list content: %w", err)
	}
	e.IgnoredUsers = c.IgnoredUsers
	return &e, nil
}

func constructTagEvent(raw json.RawMessage) (any, error) {
	var e TagEvent
	if err := json.Unmarshal(raw, &e.AccountDataEvent); err != nil {
		return nil, err
	}
	e.raw = raw
	var c struct {
		Tags map[string]struct {
			Order float64 `json:"order,omitempty"`
		} `json:"tags"`
	}
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return nil, fmt.Errorf("event: decoding m.tag content: %w", err)
	}
	e.Tags = c.Tags
	return &e, nil
}

func constructPushRulesEvent(raw json.RawMessage) (any, error) {
	var e PushRulesEvent
	if err := json.Unmarshal(raw, &e.AccountDataEvent); err != nil {
		return nil, err
	}
	e.raw = raw
	return &e, nil
}
