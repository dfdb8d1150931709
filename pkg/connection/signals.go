package connection

import "sync"

// Signal names one of the embedder-facing notifications (homeserverChanged,
// loginFlowsChanged, stateChanged, connected, ...).
type Signal string

const (
	SignalHomeserverChanged      Signal = "homeserverChanged"
	SignalLoginFlowsChanged      Signal = "loginFlowsChanged"
	SignalStateChanged           Signal = "stateChanged"
	SignalConnected              Signal = "connected"
	SignalLoggedOut              Signal = "loggedOut"
	SignalSyncDone               Signal = "syncDone"
	SignalSyncError              Signal = "syncError"
	SignalLoginError             Signal = "loginError"
	SignalResolveError           Signal = "resolveError"
	SignalNewRoom                Signal = "newRoom"
	SignalInvitedRoom            Signal = "invitedRoom"
	SignalJoinedRoom             Signal = "joinedRoom"
	SignalLeftRoom               Signal = "leftRoom"
	SignalAboutToDeleteRoom      Signal = "aboutToDeleteRoom"
	SignalCreatedRoom            Signal = "createdRoom"
	SignalAccountDataChanged     Signal = "accountDataChanged"
	SignalDirectChatsListChanged Signal = "directChatsListChanged"
	SignalDirectChatAvailable    Signal = "directChatAvailable"
	SignalRetryScheduled         Signal = "retryScheduled"
	SignalCallStateChanged       Signal = "callStateChanged"
	SignalRoomMessage            Signal = "roomMessage"
)

// RoomMessage is the payload of SignalRoomMessage: one decrypted (or
// already-plaintext) m.room.message timeline event, delivered after the
// sync pipeline's decrypt step and carrying the sender device's
// verification status when the room is encrypted.
type RoomMessage struct {
	RoomID   string
	EventID  string
	Sender   string
	MsgType  string
	Body     string
	Verified bool
}

// signalBus fans a Signal out to every handler registered for it.
// Room-update signals do not reach handlers: they are only queued on
// roomUpdates, so an embedder can drain them one per UI turn instead of
// handling them synchronously mid-sync.
type signalBus struct {
	mu       sync.Mutex
	handlers map[Signal][]func(any)

	roomUpdates chan RoomUpdate
}

// RoomUpdate is one queued room-registry emission.
type RoomUpdate struct {
	Signal Signal
	Room   any
	Prev   any
}

func newSignalBus() *signalBus {
	return &signalBus{
		handlers:    make(map[Signal][]func(any)),
		roomUpdates: make(chan RoomUpdate, 256),
	}
}

// On registers a handler invoked synchronously, from the Connection's
// owning goroutine, whenever signal fires.
func (b *signalBus) On(signal Signal, handler func(payload any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[signal] = append(b.handlers[signal], handler)
}

func (b *signalBus) emit(signal Signal, payload any) {
	b.mu.Lock()
	handlers := append([]func(any){}, b.handlers[signal]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

// queueRoomUpdate enqueues a room-registry emission rather than firing
// handlers synchronously. A full queue drops the oldest pending update;
// embedders are expected to drain RoomUpdates promptly.
func (b *signalBus) queueRoomUpdate(u RoomUpdate) {
	select {
	case b.roomUpdates <- u:
	default:
		select {
		case <-b.roomUpdates:
		default:
		}
		b.roomUpdates <- u
	}
}

// RoomUpdates exposes the queued room-update channel for the embedder's
// UI loop to drain, one per turn.
func (b *signalBus) RoomUpdates() <-chan RoomUpdate {
	return b.roomUpdates
}
