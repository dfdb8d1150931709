package connection

import (
	"context"
	"encoding/json"

	"github.com/armorclaw/matrixsdk/pkg/event"
	"github.com/armorclaw/matrixsdk/pkg/job"
	"github.com/armorclaw/matrixsdk/pkg/mxerr"
	"github.com/armorclaw/matrixsdk/pkg/room"
)

// consumeAccountData dispatches the account_data.events array from a sync
// response, applied after rooms in the fixed consumer order.
func (c *Connection) consumeAccountData(ctx context.Context, resp job.SyncResponse) {
	if len(resp.AccountData) == 0 {
		return
	}
	var payload accountDataPayload
	if err := decodeRawJSON(resp.AccountData, &payload); err != nil {
		c.log.ErrorEvent(ctx, "decoding account data payload failed", err)
		return
	}
	c.processGlobalAccountData(ctx, payload.Events)
}

// AccountData returns the last-synced global account-data event content for
// eventType; the second result is false if none has been received.
func (c *Connection) AccountData(eventType string) (event.AccountDataEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.accountData[eventType]
	return v, ok
}

// SetAccountData publishes eventType as global account data and, once the
// server has accepted it, updates the local cache.
func (c *Connection) SetAccountData(ctx context.Context, eventType string, content any) error {
	userID := c.UserID()
	handle := c.opts.Runner.Run(ctx, job.NewSetAccountDataJob(userID, eventType, content), job.Foreground)
	if _, err := handle.Wait(ctx); err != nil {
		return mxerr.Wrap(mxerr.KindIncorrectRequest, "setting account data failed", err)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return mxerr.Wrap(mxerr.KindJSONParse, "encoding account data for cache", err)
	}
	c.mu.Lock()
	c.accountData[eventType] = event.AccountDataEvent{Event: event.Event{Type: eventType, Content: raw}}
	c.mu.Unlock()
	c.bus.emit(SignalAccountDataChanged, eventType)
	return nil
}

// AddToIgnoredUsers adds userID to the ignore list, backed by the
// m.ignored_user_list account-data event.
func (c *Connection) AddToIgnoredUsers(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.ignored == nil {
		c.ignored = make(map[string]struct{})
	}
	c.ignored[userID] = struct{}{}
	ignored := c.ignoredSnapshotLocked()
	c.mu.Unlock()
	return c.publishIgnoredUsers(ctx, ignored)
}

// RemoveFromIgnoredUsers reverses AddToIgnoredUsers.
func (c *Connection) RemoveFromIgnoredUsers(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.ignored, userID)
	ignored := c.ignoredSnapshotLocked()
	c.mu.Unlock()
	return c.publishIgnoredUsers(ctx, ignored)
}

// IgnoredUsers returns every currently-ignored user ID.
func (c *Connection) IgnoredUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ignoredSnapshotLocked()
}

func (c *Connection) ignoredSnapshotLocked() []string {
	out := make([]string, 0, len(c.ignored))
	for u := range c.ignored {
		out = append(out, u)
	}
	return out
}

func (c *Connection) publishIgnoredUsers(ctx context.Context, users []string) error {
	content := map[string]any{"ignored_users": map[string]struct{}{}}
	m := content["ignored_users"].(map[string]struct{})
	for _, u := range users {
		m[u] = struct{}{}
	}
	return c.SetAccountData(ctx, "m.ignored_user_list", content)
}

// processGlobalAccountData consumes the top-level account_data.events array
// of a sync response, reconciling m.direct into the direct-chats index
// and caching everything else.
func (c *Connection) processGlobalAccountData(ctx context.Context, events []accountDataEntry) {
	for _, e := range events {
		switch e.Type {
		case "m.direct":
			var content map[string][]string
			if err := json.Unmarshal(e.Content, &content); err != nil {
				c.log.ErrorEvent(ctx, "decoding m.direct account data failed", err)
				continue
			}
			c.directChats.ReplaceFromAccountData(content)
			c.bus.emit(SignalDirectChatsListChanged, content)
		case "m.ignored_user_list":
			var content struct {
				IgnoredUsers map[string]struct{} `json:"ignored_users"`
			}
			if err := json.Unmarshal(e.Content, &content); err != nil {
				c.log.ErrorEvent(ctx, "decoding m.ignored_user_list failed", err)
				continue
			}
			c.mu.Lock()
			c.ignored = content.IgnoredUsers
			c.mu.Unlock()
		}
		c.mu.Lock()
		c.accountData[e.Type] = event.AccountDataEvent{Event: event.Event{Type: e.Type, Content: e.Content}}
		c.mu.Unlock()
		c.bus.emit(SignalAccountDataChanged, e.Type)
	}
}

// processRoomAccountData consumes a joined room's per-room account_data
// events (m.tag, room-scoped m.fully_read, etc); it is cached on the Room
// rather than the Connection-level map.
func (c *Connection) processRoomAccountData(roomID string, events []json.RawMessage) {
	for _, raw := range events {
		if peekType(raw) != "m.tag" {
			continue
		}
		r := c.registry.Room(roomID, room.MaskAny)
		if r == nil {
			continue
		}
		var env struct {
			Content struct {
				Tags map[string]struct {
					Order float64 `json:"order,omitempty"`
				} `json:"tags"`
			} `json:"content"`
		}
		if decodeRawJSON(raw, &env) != nil {
			continue
		}
		tags := make(map[string]float64, len(env.Content.Tags))
		for name, t := range env.Content.Tags {
			tags[name] = t.Order
		}
		r.Tags = tags
	}
}
