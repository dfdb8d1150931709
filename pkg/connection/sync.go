package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/armorclaw/matrixsdk/pkg/call"
	"github.com/armorclaw/matrixsdk/pkg/e2ee"
	"github.com/armorclaw/matrixsdk/pkg/event"
	"github.com/armorclaw/matrixsdk/pkg/job"
	"github.com/armorclaw/matrixsdk/pkg/mxerr"
	"github.com/armorclaw/matrixsdk/pkg/room"
)

type roomsPayload struct {
	Join   map[string]json.RawMessage `json:"join"`
	Invite map[string]json.RawMessage `json:"invite"`
	Leave  map[string]json.RawMessage `json:"leave"`
}

type timelinePayload struct {
	Events []json.RawMessage `json:"events"`
}

type eventListPayload struct {
	Events []json.RawMessage `json:"events"`
}

type roomJoinPayload struct {
	Timeline    timelinePayload  `json:"timeline"`
	State       eventListPayload `json:"state"`
	AccountData eventListPayload `json:"account_data"`
}

type roomInvitePayload struct {
	InviteState eventListPayload `json:"invite_state"`
}

type roomLeavePayload struct {
	Timeline timelinePayload `json:"timeline"`
}

type toDevicePayload struct {
	Events []e2ee.ToDeviceEvent `json:"events"`
}

type accountDataEntry struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type accountDataPayload struct {
	Events []accountDataEntry `json:"events"`
}

// Sync runs a single /sync iteration, collapsing any call that arrives
// while one is already in flight into that same request via singleflight
// rather than issuing a redundant one. It is a no-op if the Connection is
// logged out. On success the fixed consumer order (encryption, to-device,
// rooms, account-data, presence, encryption follow-up) runs before
// syncDone fires.
func (c *Connection) Sync(ctx context.Context, timeoutMs int) error {
	c.mu.Lock()
	if c.state == StateLoggedOut {
		c.mu.Unlock()
		return nil
	}
	since := c.nextBatch
	c.mu.Unlock()

	_, err, _ := c.syncGroup.Do("sync", func() (any, error) {
		handle := c.opts.Runner.Run(ctx, job.NewSyncJob(since, timeoutMs, c.opts.LazyLoadMembers), job.Background)
		c.mu.Lock()
		c.syncHandle = handle
		c.mu.Unlock()

		result, err := handle.Wait(ctx)

		c.mu.Lock()
		c.syncHandle = nil
		c.mu.Unlock()

		if err != nil {
			c.mu.Lock()
			stopped := c.stopRequested
			c.mu.Unlock()
			if stopped {
				return nil, err
			}
			if mxerr.IsUnauthorised(err) {
				c.bus.emit(SignalLoginError, err)
			} else {
				c.bus.emit(SignalSyncError, err)
			}
			return nil, err
		}

		resp := result.(job.SyncResponse)
		c.consumeSyncResponse(ctx, resp)

		c.mu.Lock()
		c.nextBatch = resp.NextBatch
		c.mu.Unlock()

		c.bus.emit(SignalSyncDone, resp.NextBatch)
		return nil, nil
	})
	return err
}

// consumeSyncResponse runs the fixed-order consumer pipeline (encryption,
// to-device, rooms, account-data, presence, encryption follow-up) against
// one decoded sync response.
func (c *Connection) consumeSyncResponse(ctx context.Context, resp job.SyncResponse) {
	c.consumeEncryptionPre(ctx, resp)
	c.consumeToDevice(ctx, resp)
	c.consumeRooms(ctx, resp)
	c.consumeAccountData(ctx, resp)
	c.consumePresence(ctx, resp)
	c.consumeEncryptionFollowUp(ctx)
}

// consumeEncryptionPre tops up one-time keys and marks changed device
// lists outdated, ahead of the rest of the consumer pipeline.
func (c *Connection) consumeEncryptionPre(ctx context.Context, resp job.SyncResponse) {
	if c.encryption == nil {
		return
	}
	needsUpload, newKeys, err := c.encryption.UpdateOneTimeKeyCounts(resp.DeviceOneTimeKeysCount)
	if err != nil {
		c.log.ErrorEvent(ctx, "updating one-time key counts failed", err)
	} else if needsUpload {
		req := job.UploadKeysRequest{OneTimeKeys: oneTimeKeysBody(newKeys)}
		handle := c.opts.Runner.Run(ctx, job.NewUploadKeysJob(req), job.Background)
		if _, err := handle.Wait(ctx); err != nil {
			c.log.ErrorEvent(ctx, "uploading one-time keys failed", err)
		} else if err := c.encryption.MarkKeysPublished(ctx); err != nil {
			c.log.ErrorEvent(ctx, "marking keys published failed", err)
		}
	}
	if len(resp.DeviceLists.Changed) > 0 {
		c.encryption.MarkUsersOutdated(resp.DeviceLists.Changed)
	}
}

func oneTimeKeysBody(keys map[string]string) map[string]any {
	out := make(map[string]any, len(keys))
	for id, key := range keys {
		out[id] = map[string]string{"key": key}
	}
	return out
}

// consumeToDevice decrypts and dispatches to-device events before any
// room data is touched, then replays any room-timeline events that were
// buffered awaiting one of the megolm sessions just stored.
func (c *Connection) consumeToDevice(ctx context.Context, resp job.SyncResponse) {
	if c.encryption == nil || len(resp.ToDevice) == 0 {
		return
	}
	var payload toDevicePayload
	if err := decodeRawJSON(resp.ToDevice, &payload); err != nil {
		c.log.ErrorEvent(ctx, "decoding to-device payload failed", err)
		return
	}
	ownCurve, _, err := c.encryption.IdentityKeys()
	if err != nil {
		c.log.ErrorEvent(ctx, "reading identity keys failed", err)
		return
	}
	flushed, err := c.encryption.ProcessToDeviceEvents(ctx, ownCurve, payload.Events, c.verificationRegs)
	if err != nil {
		c.log.ErrorEvent(ctx, "processing to-device events failed", err)
	}
	c.replayFlushedEvents(ctx, flushed)
}

// replayFlushedEvents re-decrypts room-timeline events that StoreInbound
// GroupSession just flushed from the pending buffer now that their
// matching megolm session has arrived, delivering each exactly once
// through the same decrypt path a fresh timeline event takes.
func (c *Connection) replayFlushedEvents(ctx context.Context, flushed []e2ee.PendingEncryptedEvent) {
	for _, p := range flushed {
		c.decryptTimelineEvent(ctx, p.RoomID, p.RawEvent)
	}
}

// consumeRooms demultiplexes rooms.join/invite/leave into registry
// upserts, applying the join-state transition table and queuing the
// resulting signals.
func (c *Connection) consumeRooms(ctx context.Context, resp job.SyncResponse) {
	if len(resp.Rooms) == 0 {
		return
	}
	var rooms roomsPayload
	if err := decodeRawJSON(resp.Rooms, &rooms); err != nil {
		c.log.ErrorEvent(ctx, "decoding rooms payload failed", err)
		return
	}

	for roomID, raw := range rooms.Join {
		var payload roomJoinPayload
		if err := decodeRawJSON(raw, &payload); err != nil {
			c.log.ErrorEvent(ctx, "decoding joined room failed", err)
			continue
		}
		r, emissions := c.registry.ProvideRoom(roomID, room.Join)
		c.emitRoomEmissions(emissions)
		c.processStateEvents(r, payload.State.Events)
		c.processStateEvents(r, payload.Timeline.Events)
		c.processCallEvents(roomID, payload.Timeline.Events)
		c.processTimelineMessages(ctx, roomID, payload.Timeline.Events)
		c.processRoomAccountData(roomID, payload.AccountData.Events)
	}

	for roomID, raw := range rooms.Invite {
		var payload roomInvitePayload
		if err := decodeRawJSON(raw, &payload); err != nil {
			c.log.ErrorEvent(ctx, "decoding invited room failed", err)
			continue
		}
		r, emissions := c.registry.ProvideRoom(roomID, room.Invite)
		c.emitRoomEmissions(emissions)
		c.processStateEvents(r, payload.InviteState.Events)
	}

	for roomID := range rooms.Leave {
		_, emissions := c.registry.ProvideRoom(roomID, room.Leave)
		c.emitRoomEmissions(emissions)
	}
}

func (c *Connection) emitRoomEmissions(emissions []room.Emission) {
	for _, e := range emissions {
		c.bus.queueRoomUpdate(RoomUpdate{Signal: roomSignalFor(e.Name), Room: e.Room, Prev: e.Prev})
	}
}

func roomSignalFor(name string) Signal {
	switch name {
	case "newRoom":
		return SignalNewRoom
	case "invitedRoom":
		return SignalInvitedRoom
	case "joinedRoom":
		return SignalJoinedRoom
	case "leftRoom":
		return SignalLeftRoom
	case "aboutToDeleteRoom":
		return SignalAboutToDeleteRoom
	default:
		return Signal(name)
	}
}

// processStateEvents applies m.room.member, m.room.encryption, and
// m.room.canonical_alias state events to r; other state types are ignored
// by the core (embedders read them from the room's timeline cache).
func (c *Connection) processStateEvents(r *room.Room, events []json.RawMessage) {
	if r == nil {
		return
	}
	for _, raw := range events {
		switch peekType(raw) {
		case "m.room.member":
			loaded, err := c.registryRegistry.Load("StateEvent", "m.room.member", raw)
			if err != nil {
				continue
			}
			member, ok := loaded.Value.(*event.RoomMemberEvent)
			if !ok {
				continue
			}
			r.SetMember(member.StateKey, membershipFromString(member.Membership))
		case "m.room.encryption":
			var env struct {
				Content struct {
					RotationPeriodMs   int64 `json:"rotation_period_ms"`
					RotationPeriodMsgs int   `json:"rotation_period_msgs"`
				} `json:"content"`
			}
			if decodeRawJSON(raw, &env) == nil {
				r.SetEncrypted(env.Content.RotationPeriodMs, env.Content.RotationPeriodMsgs)
			}
		case "m.room.canonical_alias":
			var env struct {
				Content struct {
					Alias string `json:"alias"`
				} `json:"content"`
			}
			if decodeRawJSON(raw, &env) == nil && env.Content.Alias != "" {
				r.CanonicalAlias = env.Content.Alias
			}
		}
	}
}

// processCallEvents feeds every m.call.* timeline event to the call
// registry, logging (rather than failing the sync) on a bad payload or an
// out-of-order event, since one party's stale m.call.answer should never
// take the sync loop down.
func (c *Connection) processCallEvents(roomID string, events []json.RawMessage) {
	for _, raw := range events {
		var env struct {
			Type   string `json:"type"`
			Sender string `json:"sender"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if !strings.HasPrefix(env.Type, "m.call.") {
			continue
		}
		var wrapper struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			continue
		}
		if _, err := c.calls.HandleEvent(roomID, env.Sender, call.EventType(env.Type), wrapper.Content); err != nil {
			c.log.Debug("call event ignored", "type", env.Type, "room", roomID, "err", err)
		}
	}
}

// processTimelineMessages delivers every m.room.message reaching a joined
// room's timeline via SignalRoomMessage, decrypting m.room.encrypted
// events first. An event whose megolm session has not arrived yet is
// buffered rather than dropped; see decryptTimelineEvent.
func (c *Connection) processTimelineMessages(ctx context.Context, roomID string, events []json.RawMessage) {
	for _, raw := range events {
		switch peekType(raw) {
		case "m.room.message":
			c.deliverPlaintextMessage(ctx, roomID, raw)
		case "m.room.encrypted":
			c.decryptTimelineEvent(ctx, roomID, raw)
		}
	}
}

func (c *Connection) deliverPlaintextMessage(ctx context.Context, roomID string, raw json.RawMessage) {
	loaded, err := c.registryRegistry.Load("RoomEvent", "m.room.message", raw)
	if err != nil {
		c.log.ErrorEvent(ctx, "decoding room message failed", err)
		return
	}
	msg, ok := loaded.Value.(*event.RoomMessageEvent)
	if !ok {
		return
	}
	c.bus.emit(SignalRoomMessage, RoomMessage{
		RoomID:  roomID,
		EventID: msg.EventID,
		Sender:  msg.Sender,
		MsgType: msg.MessageContent.MsgType,
		Body:    msg.MessageContent.Body,
	})
}

// decryptTimelineEvent resolves the inbound megolm session for an
// m.room.encrypted timeline event and delivers its plaintext. If the
// session has not arrived yet, the event is buffered in the encryption
// subcomponent's pending set and a key request is emitted for it; it is
// replayed through this same function, exactly once, by
// replayFlushedEvents once the matching m.room_key arrives.
func (c *Connection) decryptTimelineEvent(ctx context.Context, roomID string, raw json.RawMessage) {
	if c.encryption == nil {
		return
	}
	loaded, err := c.registryRegistry.Load("RoomEvent", "m.room.encrypted", raw)
	if err != nil {
		c.log.ErrorEvent(ctx, "decoding encrypted room event failed", err)
		return
	}
	enc, ok := loaded.Value.(*event.EncryptedEvent)
	if !ok {
		return
	}

	plaintext, err := c.encryption.DecryptRoomEvent(ctx, roomID, enc.SenderKey, enc.SessionID, enc.Ciphertext)
	if err != nil {
		if errors.Is(err, mxerr.ErrNoMatchingSession) {
			c.encryption.BufferPendingEvent(e2ee.PendingEncryptedEvent{
				RoomID:    roomID,
				SessionID: enc.SessionID,
				SenderKey: enc.SenderKey,
				RawEvent:  raw,
			})
			return
		}
		c.log.ErrorEvent(ctx, "decrypting room event failed", err)
		return
	}
	c.deliverDecryptedMessage(ctx, roomID, enc.EventID, enc.Sender, enc.SenderKey, plaintext)
}

func (c *Connection) deliverDecryptedMessage(ctx context.Context, roomID, eventID, sender, senderKey string, plaintext []byte) {
	var inner struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		c.log.ErrorEvent(ctx, "decoding decrypted room event failed", err)
		return
	}
	if inner.Type != "m.room.message" {
		return
	}
	var content event.RoomMessageContent
	if err := json.Unmarshal(inner.Content, &content); err != nil {
		c.log.ErrorEvent(ctx, "decoding decrypted room message content failed", err)
		return
	}
	_, _, verified, _ := c.encryption.DeviceTrustBySenderKey(ctx, senderKey)
	c.bus.emit(SignalRoomMessage, RoomMessage{
		RoomID:   roomID,
		EventID:  eventID,
		Sender:   sender,
		MsgType:  content.MsgType,
		Body:     content.Body,
		Verified: verified,
	})
}

func membershipFromString(s string) room.JoinState {
	switch s {
	case "join":
		return room.Join
	case "invite":
		return room.Invite
	case "knock":
		return room.Knock
	default:
		return room.Leave
	}
}

// consumePresence is a deliberate stub: presence is out of the core's
// scope, so the payload is decoded only far enough to confirm it is
// well-formed and then discarded.
func (c *Connection) consumePresence(ctx context.Context, resp job.SyncResponse) {
	if len(resp.Presence) == 0 {
		return
	}
	var payload eventListPayload
	if err := decodeRawJSON(resp.Presence, &payload); err != nil {
		c.log.ErrorEvent(ctx, "decoding presence payload failed", err)
	}
}

// queryKeysBatchSize caps how many users go into a single /keys/query
// request; device lists for a busy room can mark dozens of users outdated
// in one sync, so consumeEncryptionFollowUp fans out across batches this
// size instead of growing one request unboundedly.
const queryKeysBatchSize = 20

// consumeEncryptionFollowUp fires a QueryKeys job for any users whose
// device list is outdated, batching the request across queryKeysBatchSize
// chunks run concurrently via errgroup, then persists the combined result.
func (c *Connection) consumeEncryptionFollowUp(ctx context.Context) {
	if c.encryption == nil {
		return
	}
	outdated := c.encryption.OutdatedUsers()
	if len(outdated) == 0 {
		return
	}

	var mu sync.Mutex
	combined := make(map[string]map[string]json.RawMessage)

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(outdated); start += queryKeysBatchSize {
		end := start + queryKeysBatchSize
		if end > len(outdated) {
			end = len(outdated)
		}
		batch := outdated[start:end]
		g.Go(func() error {
			handle := c.opts.Runner.Run(gctx, job.NewQueryKeysJob(batch), job.Background)
			result, err := handle.Wait(gctx)
			if err != nil {
				return err
			}
			resp := result.(job.QueryKeysResponse)
			mu.Lock()
			for userID, devices := range resp.DeviceKeys {
				combined[userID] = devices
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.ErrorEvent(ctx, "querying device keys failed", err)
		return
	}

	for userID, devices := range combined {
		parsed := make(map[string]e2ee.DeviceKeys, len(devices))
		for deviceID, raw := range devices {
			var dk struct {
				UserID     string                        `json:"user_id"`
				DeviceID   string                        `json:"device_id"`
				Algorithms []string                      `json:"algorithms"`
				Keys       map[string]string              `json:"keys"`
				Signatures map[string]map[string]string   `json:"signatures"`
			}
			if err := json.Unmarshal(raw, &dk); err != nil {
				c.log.ErrorEvent(ctx, fmt.Sprintf("decoding device keys for %s/%s failed", userID, deviceID), err)
				continue
			}
			parsed[deviceID] = e2ee.DeviceKeys{
				UserID:     dk.UserID,
				DeviceID:   dk.DeviceID,
				Algorithms: dk.Algorithms,
				Keys:       dk.Keys,
				Signatures: dk.Signatures,
			}
		}
		if err := c.encryption.ApplyQueryKeysResult(ctx, userID, parsed); err != nil {
			c.log.ErrorEvent(ctx, "applying query keys result failed", err)
		}
	}
}

// SyncLoop repeatedly calls Sync, re-arming from each iteration's
// completion back to the next until StopSync is called. It never blocks
// the caller.
func (c *Connection) SyncLoop(ctx context.Context, timeoutMs int) {
	c.mu.Lock()
	if c.syncLoopDone != nil {
		c.mu.Unlock()
		return
	}
	c.stopRequested = false
	done := make(chan struct{})
	c.syncLoopDone = done
	c.mu.Unlock()

	c.setState(StateSyncing)

	go func() {
		defer close(done)
		for {
			c.mu.Lock()
			stop := c.stopRequested
			c.mu.Unlock()
			if stop {
				return
			}
			if err := c.Sync(ctx, timeoutMs); err != nil {
				return
			}
			c.mu.Lock()
			stop = c.stopRequested
			c.mu.Unlock()
			if stop {
				return
			}
		}
	}()
}

// StopSync breaks the sync loop and abandons any in-flight sync job.
func (c *Connection) StopSync() {
	c.mu.Lock()
	c.stopRequested = true
	handle := c.syncHandle
	done := c.syncLoopDone
	c.mu.Unlock()

	if handle != nil {
		handle.Abandon()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.syncLoopDone = nil
	c.mu.Unlock()
}
