package call

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

func inviteRaw(callID string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"call_id":  callID,
		"lifetime": 30000,
		"party_id": "DEVICE1",
		"offer":    map[string]any{"type": "offer", "sdp": "v=0\r\n", "call_id": callID},
	})
	return b
}

func TestHandleInviteCreatesRingingCall(t *testing.T) {
	r := NewRegistry(0)
	c, err := r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.NoError(t, err)
	require.Equal(t, StateRinging, c.State)
	require.Equal(t, "@alice:ex", c.CallerID)
	require.NotNil(t, c.Offer)
	require.Equal(t, webrtc.SDPTypeOffer, c.Offer.Type)
}

func TestHandleInviteDuplicateCallIDFails(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.NoError(t, err)
	_, err = r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.Error(t, err)
}

func TestHandleAnswerTransitionsToConnected(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.NoError(t, err)

	answerRaw, _ := json.Marshal(map[string]any{
		"call_id":  "call1",
		"party_id": "DEVICE2",
		"answer":   map[string]any{"type": "answer", "sdp": "v=0\r\n", "call_id": "call1"},
	})
	c, err := r.HandleEvent("!room:ex", "@alice:ex", EventAnswer, answerRaw)
	require.NoError(t, err)
	require.Equal(t, StateConnected, c.State)
	require.NotNil(t, c.Answer)
	require.Equal(t, webrtc.SDPTypeAnswer, c.Answer.Type)
}

func TestHandleCandidatesAppendsToCall(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.NoError(t, err)

	candRaw, _ := json.Marshal(map[string]any{
		"call_id": "call1",
		"candidates": []map[string]any{
			{"candidate": "candidate:1 1 UDP 1 1.2.3.4 9 typ host", "sdpMid": "0", "sdpMLineIndex": 0},
		},
	})
	c, err := r.HandleEvent("!room:ex", "@alice:ex", EventCandidates, candRaw)
	require.NoError(t, err)
	require.Len(t, c.Candidates, 1)
	require.Equal(t, "candidate:1 1 UDP 1 1.2.3.4 9 typ host", c.Candidates[0].Candidate)
}

func TestHandleCandidatesUnknownCallFails(t *testing.T) {
	r := NewRegistry(0)
	candRaw, _ := json.Marshal(map[string]any{"call_id": "missing", "candidates": []map[string]any{}})
	_, err := r.HandleEvent("!room:ex", "@alice:ex", EventCandidates, candRaw)
	require.Error(t, err)
}

func TestHandleHangupEndsAndForgetsCall(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.NoError(t, err)

	hangupRaw, _ := json.Marshal(map[string]any{"call_id": "call1", "reason": "user_hangup"})
	c, err := r.HandleEvent("!room:ex", "@alice:ex", EventHangup, hangupRaw)
	require.NoError(t, err)
	require.Equal(t, StateEnded, c.State)
	require.Equal(t, "user_hangup", c.HangupReason)

	_, ok := r.Get("call1")
	require.False(t, ok)
}

func TestHandleRejectEndsAndForgetsCall(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.NoError(t, err)

	rejectRaw, _ := json.Marshal(map[string]any{"call_id": "call1", "reason": "declined"})
	c, err := r.HandleEvent("!room:ex", "@alice:ex", EventReject, rejectRaw)
	require.NoError(t, err)
	require.Equal(t, StateRejected, c.State)

	_, ok := r.Get("call1")
	require.False(t, ok)
}

func TestExpireStaleFailsUnconnectedCallsPastLifetime(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.NoError(t, err)

	expired := r.ExpireStale(time.Now().Add(time.Hour))
	require.Len(t, expired, 1)
	require.Equal(t, StateFailed, expired[0].State)

	_, ok := r.Get("call1")
	require.False(t, ok)
}

func TestExpireStaleLeavesConnectedCallsAlone(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.NoError(t, err)
	answerRaw, _ := json.Marshal(map[string]any{
		"call_id": "call1",
		"answer":  map[string]any{"type": "answer", "sdp": "v=0\r\n", "call_id": "call1"},
	})
	_, err = r.HandleEvent("!room:ex", "@alice:ex", EventAnswer, answerRaw)
	require.NoError(t, err)

	expired := r.ExpireStale(time.Now().Add(time.Hour))
	require.Empty(t, expired)
	c, ok := r.Get("call1")
	require.True(t, ok)
	require.Equal(t, StateConnected, c.State)
}

func TestOnChangedFiresForEveryTransition(t *testing.T) {
	r := NewRegistry(0)
	var seen []State
	r.OnChanged(func(c *Call) { seen = append(seen, c.State) })

	_, err := r.HandleEvent("!room:ex", "@alice:ex", EventInvite, inviteRaw("call1"))
	require.NoError(t, err)
	hangupRaw, _ := json.Marshal(map[string]any{"call_id": "call1"})
	_, err = r.HandleEvent("!room:ex", "@alice:ex", EventHangup, hangupRaw)
	require.NoError(t, err)

	require.Equal(t, []State{StateRinging, StateEnded}, seen)
}
