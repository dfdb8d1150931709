package room

import "sync"

// Emission is one signal the registry fires while processing a transition,
// matching the names in (newRoom, invitedRoom, joinedRoom,
// leftRoom, aboutToDeleteRoom).
type Emission struct {
	Name string // "newRoom", "invitedRoom", "joinedRoom", "leftRoom", "aboutToDeleteRoom"
	Room *Room
	Prev *Room // the shadow/predecessor room passed as the second argument, or nil
}

// Factory constructs a Room for a fresh registry entry, letting embedders
// supply a subclassed Room.
type Factory func(id string, state JoinState) *Room

// Registry owns every live Room and User keyed by their stable identifier.
// Room entries are created, transitioned and collapsed through
// ProvideRoom, so the transition table is enforced in one place; Forget is
// the one other path, and it only removes a Join/Leave entry.
type Registry struct {
	mu      sync.Mutex
	rooms   map[Key]*Room
	users   map[string]*User
	factory Factory
}

func NewRegistry(factory Factory) *Registry {
	if factory == nil {
		factory = NewRoom
	}
	return &Registry{
		rooms:   make(map[Key]*Room),
		users:   make(map[string]*User),
		factory: factory,
	}
}

// Room looks up a room by ID against a state bitmask, preferring Join,
// then Invite, then Leave, then Knock.
func (r *Registry) Room(id string, mask StateMask) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range []JoinState{Join, Invite, Leave, Knock} {
		if mask&s.mask() == 0 {
			continue
		}
		if room, ok := r.rooms[Key{ID: id, IsInvite: s == Invite}]; ok && room.State == s {
			return room
		}
	}
	return nil
}

// Invitation looks up the Invite-shadow entry for id, if any.
func (r *Registry) Invitation(id string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[Key{ID: id, IsInvite: true}]
}

// RoomByAlias scans for a room whose canonical or local alias matches.
func (r *Registry) RoomByAlias(alias string, mask StateMask) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range r.rooms {
		if mask&room.State.mask() == 0 {
			continue
		}
		if room.CanonicalAlias == alias {
			return room
		}
		for _, a := range room.LocalAliases {
			if a == alias {
				return room
			}
		}
	}
	return nil
}

// User returns the cached User handle for id, creating one if absent.
func (r *Registry) User(id string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		u = NewUser(id)
		r.users[id] = u
	}
	return u
}

// ProvideRoom upserts the registry entry for (id, state), applying the
// join-state transition table of and returning the
// resulting Room plus the emissions that occurred.
func (r *Registry) ProvideRoom(id string, state JoinState) (*Room, []Emission) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joinOrLeaveKey := Key{ID: id, IsInvite: false}
	inviteKey := Key{ID: id, IsInvite: true}

	existingJoinOrLeave := r.rooms[joinOrLeaveKey]
	existingInvite := r.rooms[inviteKey]

	switch state {
	case Invite:
		if existingInvite != nil {
			existingInvite.State = Invite
			return existingInvite, nil
		}
		newInvite := r.factory(id, Invite)
		r.rooms[inviteKey] = newInvite
		return newInvite, []Emission{
			{Name: "newRoom", Room: newInvite},
			{Name: "invitedRoom", Room: newInvite, Prev: existingJoinOrLeave},
		}

	case Join, Leave:
		var emissions []Emission
		target := existingJoinOrLeave
		isNew := target == nil

		var prevState JoinState
		if isNew {
			target = r.factory(id, state)
			r.rooms[joinOrLeaveKey] = target
			emissions = append(emissions, Emission{Name: "newRoom", Room: target})
		} else {
			prevState = target.State
		}
		target.State = state
		target.IsInvite = false

		switch {
		case existingInvite != nil && state == Join:
			emissions = append(emissions, Emission{Name: "joinedRoom", Room: target, Prev: existingInvite})
			emissions = append(emissions, Emission{Name: "aboutToDeleteRoom", Room: existingInvite})
			delete(r.rooms, inviteKey)
		case existingInvite != nil && state == Leave:
			emissions = append(emissions, Emission{Name: "leftRoom", Room: target, Prev: existingInvite})
			emissions = append(emissions, Emission{Name: "aboutToDeleteRoom", Room: existingInvite})
			delete(r.rooms, inviteKey)
		case isNew && state == Leave:
			emissions = append(emissions, Emission{Name: "leftRoom", Room: target})
		case isNew && state == Join:
			emissions = append(emissions, Emission{Name: "joinedRoom", Room: target})
		case state == Join && prevState == Leave:
			emissions = append(emissions, Emission{Name: "joinedRoom", Room: target})
		case state == Leave && prevState == Join:
			emissions = append(emissions, Emission{Name: "leftRoom", Room: target})
		case prevState == state:
			// no-op transition, already in this state with no invite shadow
		default:
			if state == Join {
				emissions = append(emissions, Emission{Name: "joinedRoom", Room: target})
			} else {
				emissions = append(emissions, Emission{Name: "leftRoom", Room: target})
			}
		}
		return target, emissions

	default:
		target := r.factory(id, state)
		r.rooms[joinOrLeaveKey] = target
		return target, []Emission{{Name: "newRoom", Room: target}}
	}
}

// Forget removes a room's Join/Leave entry (the only path that collapses
// an entry outside of the Invite->Join/Leave transitions), emitting
// aboutToDeleteRoom.
func (r *Registry) Forget(id string) []Emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{ID: id, IsInvite: false}
	room, ok := r.rooms[key]
	if !ok {
		return nil
	}
	delete(r.rooms, key)
	return []Emission{{Name: "aboutToDeleteRoom", Room: room}}
}

// Count returns the number of live registry entries, for tests asserting
// ("at most one (id,false) and one (id,true) entry").
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// All returns every room currently registered; callers must not mutate the
// returned Room pointers' identity fields.
func (r *Registry) All() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}
