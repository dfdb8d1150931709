package connection

import (
	"context"
	"encoding/json"

	"github.com/armorclaw/matrixsdk/pkg/event"
	"github.com/armorclaw/matrixsdk/pkg/persistence"
	"github.com/armorclaw/matrixsdk/pkg/room"
)

// SaveState writes the shallow top-level cache (sync token, join/invite
// room ids, account data, OTK counts) to the configured cache path.
func (c *Connection) SaveState(ctx context.Context) error {
	c.mu.Lock()
	nextBatch := c.nextBatch
	entries := make([]persistence.AccountDataEntry, 0, len(c.accountData))
	for t, e := range c.accountData {
		entries = append(entries, persistence.AccountDataEntry{Type: t, Content: e.Content})
	}
	c.mu.Unlock()

	rooms := persistence.RoomsCache{Join: map[string]struct{}{}, Invite: map[string]struct{}{}}
	for _, r := range c.registry.All() {
		switch r.State {
		case room.Join:
			rooms.Join[r.ID] = struct{}{}
		case room.Invite:
			rooms.Invite[r.ID] = struct{}{}
		}
	}

	state := &persistence.StateCache{
		NextBatch:   nextBatch,
		Rooms:       rooms,
		AccountData: persistence.AccountDataCache{Events: entries},
	}
	if c.encryption != nil {
		state.DeviceOneTimeKeysCount = c.encryption.OneTimeKeyCounts()
	}
	return persistence.SaveState(c.opts.CachePaths, c.opts.CacheFormat, state)
}

// LoadState repopulates the registry, account-data cache, and
// direct-chats index from the top-level cache file.
// A missing or invalidated cache (no sync token, major-version mismatch)
// returns (false, nil) so the caller falls back to a full sync.
func (c *Connection) LoadState(ctx context.Context) (bool, error) {
	state, err := persistence.LoadState(c.opts.CachePaths, c.opts.CacheFormat)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}

	for id := range state.Rooms.Join {
		_, emissions := c.registry.ProvideRoom(id, room.Join)
		c.emitRoomEmissions(emissions)
	}
	for id := range state.Rooms.Invite {
		_, emissions := c.registry.ProvideRoom(id, room.Invite)
		c.emitRoomEmissions(emissions)
	}

	c.mu.Lock()
	c.nextBatch = state.NextBatch
	for _, e := range state.AccountData.Events {
		c.accountData[e.Type] = event.AccountDataEvent{Event: event.Event{Type: e.Type, Content: e.Content}}
	}
	c.mu.Unlock()

	for _, e := range state.AccountData.Events {
		if e.Type != "m.direct" {
			continue
		}
		var content map[string][]string
		if json.Unmarshal(e.Content, &content) == nil {
			c.directChats.ReplaceFromAccountData(content)
		}
	}
	return true, nil
}

// SaveRoomState writes roomID's per-room cache file, named
// <roomId>.json under the account's cache directory.
func (c *Connection) SaveRoomState(roomID string, content any) error {
	return persistence.SaveRoomState(c.opts.CachePaths, roomID, content)
}

// LoadRoomState reads one room's per-room cache file into dest.
func (c *Connection) LoadRoomState(roomID string, dest any) (bool, error) {
	return persistence.LoadRoomState(c.opts.CachePaths, roomID, dest)
}
