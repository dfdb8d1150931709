package connection

import (
	"context"
	"encoding/json"

	"github.com/armorclaw/matrixsdk/pkg/job"
	"github.com/armorclaw/matrixsdk/pkg/mxerr"
	"github.com/armorclaw/matrixsdk/pkg/room"
)

// Room looks up any Join/Invite/Leave/Knock entry for id.
func (c *Connection) Room(id string) *room.Room {
	return c.registry.Room(id, room.MaskAny)
}

// RoomByAlias looks up a room by its canonical or local alias.
func (c *Connection) RoomByAlias(alias string) *room.Room {
	return c.registry.RoomByAlias(alias, room.MaskAny)
}

// Invitation looks up the Invite-shadow entry for id, if any.
func (c *Connection) Invitation(id string) *room.Room {
	return c.registry.Invitation(id)
}

// Rooms returns every room the registry currently tracks, in any
// membership state (Join, Invite, Knock, or a lingering Leave entry).
func (c *Connection) Rooms() []*room.Room {
	return c.registry.All()
}

// JoinRoom joins a room by ID or alias; of viaServers, only the first is
// passed to the server for a federated join.
func (c *Connection) JoinRoom(ctx context.Context, aliasOrID string, viaServers []string) (*room.Room, error) {
	handle := c.opts.Runner.Run(ctx, job.NewJoinRoomJob(aliasOrID, viaServers), job.Foreground)
	result, err := handle.Wait(ctx)
	if err != nil {
		return nil, mxerr.Wrap(mxerr.KindIncorrectRequest, "joining room failed", err)
	}
	resp := result.(job.JoinRoomResponse)
	r, emissions := c.registry.ProvideRoom(resp.RoomID, room.Join)
	c.emitRoomEmissions(emissions)
	return r, nil
}

// LeaveRoom leaves roomID.
func (c *Connection) LeaveRoom(ctx context.Context, roomID string) error {
	handle := c.opts.Runner.Run(ctx, job.NewLeaveRoomJob(roomID), job.Foreground)
	if _, err := handle.Wait(ctx); err != nil {
		return mxerr.Wrap(mxerr.KindIncorrectRequest, "leaving room failed", err)
	}
	_, emissions := c.registry.ProvideRoom(roomID, room.Leave)
	c.emitRoomEmissions(emissions)
	return nil
}

// ForgetRoom runs the two-step leave-then-forget pipeline: leaving first
// if still joined, then forgetting, tolerating NotFound (already
// forgotten) as success.
func (c *Connection) ForgetRoom(ctx context.Context, roomID string) error {
	if r := c.registry.Room(roomID, room.MaskJoin|room.MaskInvite); r != nil {
		if err := c.LeaveRoom(ctx, roomID); err != nil && !mxerr.IsNotFound(err) {
			return err
		}
	}
	handle := c.opts.Runner.Run(ctx, job.NewForgetRoomJob(roomID), job.Foreground)
	if _, err := handle.Wait(ctx); err != nil && !mxerr.IsNotFound(err) {
		return mxerr.Wrap(mxerr.KindIncorrectRequest, "forgetting room failed", err)
	}
	c.emitRoomEmissions(c.registry.Forget(roomID))
	return nil
}

// CreateRoom creates a room; the invoker is implied by the access token
// and never appears in the invite list. The resulting room is registered
// as Join and, when isDirect is set, marked as a direct chat with the
// sole invitee.
func (c *Connection) CreateRoom(ctx context.Context, req job.CreateRoomRequest) (*room.Room, error) {
	own := c.UserID()
	invites := make([]string, 0, len(req.Invite))
	for _, u := range req.Invite {
		if u != own {
			invites = append(invites, u)
		}
	}
	req.Invite = invites
	handle := c.opts.Runner.Run(ctx, job.NewCreateRoomJob(req), job.Foreground)
	result, err := handle.Wait(ctx)
	if err != nil {
		return nil, mxerr.Wrap(mxerr.KindIncorrectRequest, "creating room failed", err)
	}
	resp := result.(job.CreateRoomResponse)
	r, emissions := c.registry.ProvideRoom(resp.RoomID, room.Join)
	c.emitRoomEmissions(emissions)
	c.bus.queueRoomUpdate(RoomUpdate{Signal: SignalCreatedRoom, Room: r})

	if req.IsDirect && len(req.Invite) == 1 {
		c.AddToDirectChats(ctx, resp.RoomID, req.Invite[0])
	}
	return r, nil
}

// InviteToRoom invites userID into roomID.
func (c *Connection) InviteToRoom(ctx context.Context, roomID, userID string) error {
	handle := c.opts.Runner.Run(ctx, job.NewInviteJob(roomID, userID), job.Foreground)
	if _, err := handle.Wait(ctx); err != nil {
		return mxerr.Wrap(mxerr.KindIncorrectRequest, "inviting user failed", err)
	}
	return nil
}

// SendMessage sends eventType/content under a fresh transaction ID so
// retries stay idempotent. Encrypted rooms are wrapped through the
// room's current outbound megolm session and sent as m.room.encrypted;
// cleartext rooms send eventType directly.
func (c *Connection) SendMessage(ctx context.Context, roomID, eventType string, content any) (string, error) {
	sendType, sendContent, err := c.encryptIfNeeded(ctx, roomID, eventType, content)
	if err != nil {
		return "", err
	}
	txnID := c.GenerateTxnId()
	handle := c.opts.Runner.Run(ctx, job.NewSendMessageJob(roomID, sendType, txnID, sendContent), job.Foreground)
	result, err := handle.Wait(ctx)
	if err != nil {
		return "", mxerr.Wrap(mxerr.KindIncorrectRequest, "sending message failed", err)
	}
	return result.(job.SendMessageResponse).EventID, nil
}

// encryptIfNeeded wraps content in an m.room.encrypted envelope when
// roomID is marked encrypted, rotating the outbound session per the
// room's rotation settings. Key distribution to room members (room_key
// to-device events) is not performed here; it is the embedder's
// responsibility to have shared keys before sending.
func (c *Connection) encryptIfNeeded(ctx context.Context, roomID, eventType string, content any) (string, any, error) {
	r := c.registry.Room(roomID, room.MaskAny)
	if r == nil || !r.IsEncrypted() || c.encryption == nil {
		return eventType, content, nil
	}

	plaintext, err := json.Marshal(map[string]any{
		"type":    eventType,
		"content": content,
		"room_id": roomID,
	})
	if err != nil {
		return "", nil, mxerr.Wrap(mxerr.KindJSONParse, "encoding plaintext event for encryption", err)
	}

	session, _, err := c.encryption.OutboundSessionForRoom(ctx, roomID)
	if err != nil {
		return "", nil, mxerr.Wrap(mxerr.KindIncorrectResponse, "obtaining outbound group session", err)
	}
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return "", nil, mxerr.Wrap(mxerr.KindIncorrectResponse, "encrypting room event", err)
	}
	senderKey, _, err := c.encryption.IdentityKeys()
	if err != nil {
		return "", nil, mxerr.Wrap(mxerr.KindIncorrectResponse, "reading identity keys", err)
	}

	encrypted := map[string]any{
		"algorithm":  "m.megolm.v1.aes-sha2",
		"ciphertext": ciphertext,
		"sender_key": senderKey,
		"session_id": session.ID(),
		"device_id":  c.DeviceID(),
	}
	return "m.room.encrypted", encrypted, nil
}
