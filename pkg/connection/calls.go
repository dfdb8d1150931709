package connection

import (
	"context"

	"github.com/armorclaw/matrixsdk/pkg/call"
)

// Call returns the tracked call state for an in-progress m.call.invite, if
// any. The registry forgets a call once it reaches a terminal state
// (Ended, Rejected, Failed), so an embedder wanting call history should
// read it off SignalCallStateChanged before then.
func (c *Connection) Call(callID string) (*call.Call, bool) {
	return c.calls.Get(callID)
}

// AnswerCall sends m.call.answer with the local SDP answer, completing a
// call this Connection's user was invited to.
func (c *Connection) AnswerCall(ctx context.Context, roomID, callID, sdpType, sdp string) error {
	content := map[string]any{
		"call_id": callID,
		"version": "1",
		"answer": map[string]any{
			"type":    sdpType,
			"sdp":     sdp,
			"call_id": callID,
		},
		"party_id": c.deviceID,
	}
	_, err := c.SendMessage(ctx, roomID, "m.call.answer", content)
	return err
}

// RejectCall sends m.call.reject for an invite the local user declines
// without ever answering.
func (c *Connection) RejectCall(ctx context.Context, roomID, callID, reason string) error {
	content := map[string]any{
		"call_id":  callID,
		"version":  "1",
		"party_id": c.deviceID,
		"reason":   reason,
	}
	_, err := c.SendMessage(ctx, roomID, "m.call.reject", content)
	return err
}

// HangupCall sends m.call.hangup, ending a call in any state.
func (c *Connection) HangupCall(ctx context.Context, roomID, callID, reason string) error {
	content := map[string]any{
		"call_id":  callID,
		"version":  "1",
		"party_id": c.deviceID,
		"reason":   reason,
	}
	_, err := c.SendMessage(ctx, roomID, "m.call.hangup", content)
	return err
}

// SendCallCandidates trickles local ICE candidates for an active call.
func (c *Connection) SendCallCandidates(ctx context.Context, roomID, callID string, candidates []map[string]any) error {
	content := map[string]any{
		"call_id":    callID,
		"version":    "1",
		"party_id":   c.deviceID,
		"candidates": candidates,
	}
	_, err := c.SendMessage(ctx, roomID, "m.call.candidates", content)
	return err
}

// InviteToCall sends m.call.invite with a local SDP offer, starting a new
// call in roomID.
func (c *Connection) InviteToCall(ctx context.Context, roomID, callID, sdpType, sdp string, lifetimeMs uint32) error {
	content := map[string]any{
		"call_id":  callID,
		"version":  "1",
		"lifetime": lifetimeMs,
		"party_id": c.deviceID,
		"offer": map[string]any{
			"type":    sdpType,
			"sdp":     sdp,
			"call_id": callID,
		},
	}
	_, err := c.SendMessage(ctx, roomID, "m.call.invite", content)
	return err
}
