// Package directchat maintains the direct-chats index: two mutually
// consistent mappings (user ID to room IDs, room ID to user IDs) plus the
// pending local-delta sets that track changes not yet acknowledged by the
// server. There is no separate room-to-user-handle mapping; User handles
// are held by room.Registry. A single canonical implementation
// backs both the user-object and user-id call sites instead of duplicating
// the add/remove logic between them.
package directchat

import "sync"

// Index holds the two-way direct-chat mapping and the two pending-delta
// sets consumed by setAccountData when publishing m.direct.
type Index struct {
	mu sync.Mutex

	userToRooms map[string]map[string]struct{} // user id -> room ids
	roomToUsers map[string]map[string]struct{} // room id -> user ids (display handles live in room.Registry)

	localAdditions map[string]string // room id -> user id, pending publish
	localRemovals  map[string]string // room id -> user id, pending publish
}

func New() *Index {
	return &Index{
		userToRooms:    make(map[string]map[string]struct{}),
		roomToUsers:    make(map[string]map[string]struct{}),
		localAdditions: make(map[string]string),
		localRemovals:  make(map[string]string),
	}
}

// Add records roomID as a direct chat with userID, consistently across both
// sides of the index, and queues the delta for the next account-data
// publish. Returns false if the pair was already present (no-op).
func (idx *Index) Add(roomID, userID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rooms, ok := idx.userToRooms[userID]
	if !ok {
		rooms = make(map[string]struct{})
		idx.userToRooms[userID] = rooms
	}
	if _, already := rooms[roomID]; already {
		return false
	}
	rooms[roomID] = struct{}{}

	users, ok := idx.roomToUsers[roomID]
	if !ok {
		users = make(map[string]struct{})
		idx.roomToUsers[roomID] = users
	}
	users[userID] = struct{}{}

	delete(idx.localRemovals, roomID)
	idx.localAdditions[roomID] = userID
	return true
}

// Remove drops roomID from userID's direct chats (or from every user's, if
// userID is empty) and queues the delta for publish.
func (idx *Index) Remove(roomID, userID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(roomID, userID)
}

func (idx *Index) removeLocked(roomID, userID string) {
	users := idx.roomToUsers[roomID]
	targets := []string{userID}
	if userID == "" {
		targets = targets[:0]
		for u := range users {
			targets = append(targets, u)
		}
	}

	for _, u := range targets {
		if rooms, ok := idx.userToRooms[u]; ok {
			delete(rooms, roomID)
			if len(rooms) == 0 {
				delete(idx.userToRooms, u)
			}
		}
		if users != nil {
			delete(users, u)
		}
		delete(idx.localAdditions, roomID)
		idx.localRemovals[roomID] = u
	}
	if users != nil && len(users) == 0 {
		delete(idx.roomToUsers, roomID)
	}
}

// RoomsFor returns every room ID marked as a direct chat with userID.
func (idx *Index) RoomsFor(userID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rooms := idx.userToRooms[userID]
	out := make([]string, 0, len(rooms))
	for r := range rooms {
		out = append(out, r)
	}
	return out
}

// UsersFor returns every user ID the room is a direct chat with.
func (idx *Index) UsersFor(roomID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	users := idx.roomToUsers[roomID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	return out
}

// Consistent reports whether every entry in userToRooms has a matching
// back-reference in roomToUsers and vice versa.
func (idx *Index) Consistent() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for u, rooms := range idx.userToRooms {
		for r := range rooms {
			if _, ok := idx.roomToUsers[r][u]; !ok {
				return false
			}
		}
	}
	for r, users := range idx.roomToUsers {
		for u := range users {
			if _, ok := idx.userToRooms[u][r]; !ok {
				return false
			}
		}
	}
	return true
}

// ToAccountData renders the index as the content of an m.direct event:
// user id -> list of room ids.
func (idx *Index) ToAccountData() map[string][]string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string][]string, len(idx.userToRooms))
	for u, rooms := range idx.userToRooms {
		list := make([]string, 0, len(rooms))
		for r := range rooms {
			list = append(list, r)
		}
		out[u] = list
	}
	return out
}

// ReplaceFromAccountData reconciles the index against a freshly received
// m.direct account-data payload (sync consumption path), clearing any
// pending local deltas that the server's copy now reflects.
func (idx *Index) ReplaceFromAccountData(content map[string][]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.userToRooms = make(map[string]map[string]struct{}, len(content))
	idx.roomToUsers = make(map[string]map[string]struct{})

	for u, rooms := range content {
		set := make(map[string]struct{}, len(rooms))
		for _, r := range rooms {
			set[r] = struct{}{}
			users, ok := idx.roomToUsers[r]
			if !ok {
				users = make(map[string]struct{})
				idx.roomToUsers[r] = users
			}
			users[u] = struct{}{}
		}
		idx.userToRooms[u] = set
	}

	for roomID, userID := range idx.localAdditions {
		if rooms, ok := idx.userToRooms[userID]; ok {
			if _, present := rooms[roomID]; present {
				delete(idx.localAdditions, roomID)
			}
		}
	}
	for roomID, userID := range idx.localRemovals {
		stillPresent := false
		if rooms, ok := idx.userToRooms[userID]; ok {
			_, stillPresent = rooms[roomID]
		}
		if !stillPresent {
			delete(idx.localRemovals, roomID)
		}
	}
}

// PendingAdditions returns a snapshot of room IDs added locally but not yet
// confirmed by the server's account-data echo.
func (idx *Index) PendingAdditions() map[string]string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string]string, len(idx.localAdditions))
	for k, v := range idx.localAdditions {
		out[k] = v
	}
	return out
}

// PendingRemovals returns a snapshot of room IDs removed locally but not
// yet confirmed by the server's account-data echo.
func (idx *Index) PendingRemovals() map[string]string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string]string, len(idx.localRemovals))
	for k, v := range idx.localRemovals {
		out[k] = v
	}
	return out
}
