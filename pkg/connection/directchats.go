package connection

import (
	"context"

	"github.com/armorclaw/matrixsdk/pkg/job"
	"github.com/armorclaw/matrixsdk/pkg/room"
)

// AddToDirectChats records the pairing locally and republishes the full
// m.direct map.
func (c *Connection) AddToDirectChats(ctx context.Context, roomID, userID string) error {
	if !c.directChats.Add(roomID, userID) {
		return nil
	}
	return c.publishDirectChats(ctx)
}

// RemoveFromDirectChats drops the pairing locally and republishes the
// full m.direct map. An empty userID removes roomID from every user's
// direct-chat list.
func (c *Connection) RemoveFromDirectChats(ctx context.Context, roomID, userID string) error {
	c.directChats.Remove(roomID, userID)
	return c.publishDirectChats(ctx)
}

func (c *Connection) publishDirectChats(ctx context.Context) error {
	content := c.directChats.ToAccountData()
	userID := c.UserID()
	handle := c.opts.Runner.Run(ctx, job.NewSetAccountDataJob(userID, "m.direct", content), job.Foreground)
	if _, err := handle.Wait(ctx); err != nil {
		return err
	}
	c.bus.emit(SignalDirectChatsListChanged, content)
	return nil
}

// RequestDirectChat returns the direct chat to use with userID: a joined
// room if one is already tracked; failing that, an invite is auto-joined;
// failing that, a fresh room is created. Stale entries pointing at rooms
// that have been forgotten or left are cleaned out of the direct-chats
// index along the way, both locally and via the pending m.direct removal
// set, rather than left to accumulate.
func (c *Connection) RequestDirectChat(ctx context.Context, userID string) (*room.Room, error) {
	var inviteID string
	for _, roomID := range c.directChats.RoomsFor(userID) {
		switch r := c.registry.Room(roomID, room.MaskAny); {
		case r == nil:
			c.directChats.Remove(roomID, userID)
		case r.State == room.Join:
			return r, nil
		case r.State == room.Invite:
			if inviteID == "" {
				inviteID = roomID
			}
		default: // Leave, Knock
			c.directChats.Remove(roomID, userID)
		}
	}

	if inviteID != "" {
		r, err := c.JoinRoom(ctx, inviteID, nil)
		if err != nil {
			return nil, err
		}
		c.bus.emit(SignalDirectChatAvailable, r)
		return r, nil
	}

	r, err := c.CreateDirectChat(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.bus.emit(SignalDirectChatAvailable, r)
	return r, nil
}

// CreateDirectChat creates a fresh 1:1 room with userID, marked
// is_direct, and indexes it.
func (c *Connection) CreateDirectChat(ctx context.Context, userID string) (*room.Room, error) {
	req := job.CreateRoomRequest{
		Invite:   []string{userID},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	}
	return c.CreateRoom(ctx, req)
}

// DoInDirectChat looks up, auto-joins, or creates a direct chat with
// userID, then invokes fn with it.
func (c *Connection) DoInDirectChat(ctx context.Context, userID string, fn func(*room.Room) error) error {
	r, err := c.RequestDirectChat(ctx, userID)
	if err != nil {
		return err
	}
	return fn(r)
}
