// Package room models the Room and User handles and the registry that
// owns them, including the join-state transition table. Room and User
// hold their owning Connection only by identifier, never by pointer.
package room

import "sync"

// JoinState is a room's membership state for the local user.
type JoinState int

const (
	Join JoinState = iota
	Invite
	Leave
	Knock
)

func (s JoinState) String() string {
	switch s {
	case Join:
		return "join"
	case Invite:
		return "invite"
	case Leave:
		return "leave"
	case Knock:
		return "knock"
	default:
		return "unknown"
	}
}

// Room is identified by (RoomID, IsInvite): a room may exist simultaneously
// as an Invite shadow and as a Join/Leave entry for the same ID.
type Room struct {
	mu sync.RWMutex

	ID       string
	IsInvite bool
	State    JoinState

	CanonicalAlias string
	LocalAliases   []string
	Tags           map[string]float64

	PredecessorRoomID string
	SuccessorRoomID   string

	Encrypted          bool
	RotationPeriodMs   int64
	RotationPeriodMsgs int

	members map[string]JoinState // user id -> membership within this room
}

// NewRoom constructs a Room in the given state; IsInvite is true only for
// the Invite-shadow entry.
func NewRoom(id string, state JoinState) *Room {
	return &Room{
		ID:       id,
		IsInvite: state == Invite,
		State:    state,
		Tags:     make(map[string]float64),
		members:  make(map[string]JoinState),
	}
}

// SetMember records userID's membership within this room, as observed
// from an m.room.member state event.
func (r *Room) SetMember(userID string, state JoinState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members == nil {
		r.members = make(map[string]JoinState)
	}
	r.members[userID] = state
}

// MemberIDs returns every user ID recorded as Join or Invite in this
// room, the membership set the encryption subcomponent distributes
// megolm session keys to (subject to the room's history-visibility
// setting, enforced by the caller).
func (r *Room) MemberIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id, state := range r.members {
		if state == Join || state == Invite {
			out = append(out, id)
		}
	}
	return out
}

// Key returns the registry key (room_id, is_invite).
func (r *Room) Key() Key { return Key{ID: r.ID, IsInvite: r.IsInvite} }

// SetEncrypted latches the room's encryption flag from m.room.encryption
// state. A room's encrypted flag is set by its own state events and is
// immutable for the room's lifetime once observed true.
func (r *Room) SetEncrypted(rotationMs int64, rotationMsgs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Encrypted = true
	if rotationMs > 0 {
		r.RotationPeriodMs = rotationMs
	}
	if rotationMsgs > 0 {
		r.RotationPeriodMsgs = rotationMsgs
	}
}

// IsEncrypted reports the room's latched encryption flag.
func (r *Room) IsEncrypted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Encrypted
}

// Key is the registry lookup key: a room may have at most one entry per
// (ID, IsInvite) pair.
type Key struct {
	ID       string
	IsInvite bool
}

// User is identified by Matrix user ID; cached per-Connection and never
// destroyed during the Connection's lifetime.
type User struct {
	mu sync.RWMutex

	ID          string
	DisplayName string
	AvatarURL   string
}

func NewUser(id string) *User { return &User{ID: id} }

func (u *User) SetProfile(displayName, avatarURL string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.DisplayName = displayName
	u.AvatarURL = avatarURL
}

func (u *User) Profile() (displayName, avatarURL string) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.DisplayName, u.AvatarURL
}

// StateMask is a bitmask of acceptable join states for Registry.Room /
// RoomByAlias lookups.
type StateMask int

const (
	MaskJoin StateMask = 1 << iota
	MaskInvite
	MaskLeave
	MaskKnock
	MaskAny = MaskJoin | MaskInvite | MaskLeave | MaskKnock
)

func (s JoinState) mask() StateMask {
	switch s {
	case Join:
		return MaskJoin
	case Invite:
		return MaskInvite
	case Leave:
		return MaskLeave
	case Knock:
		return MaskKnock
	default:
		return 0
	}
}
