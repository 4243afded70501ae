package relay

import "sync"

// member represents one connected client's slot in the room registry. The
// same member is registered in every room its connection has joined; its
// stream feeds the connection's write pump.
type member struct {
	id     int64
	userID string
	stream chan []byte
}

// roomRegistry tracks which members participate in which note room and fans
// frames out to them. Slow members are skipped rather than blocking the room.
type roomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]map[int64]*member
	nextID int64
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		rooms: make(map[string]map[int64]*member),
	}
}

func (r *roomRegistry) nextSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// join registers a member in a room. Joining an already-joined room is a no-op.
func (r *roomRegistry) join(noteID string, m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[noteID]; !ok {
		r.rooms[noteID] = make(map[int64]*member)
	}
	r.rooms[noteID][m.id] = m
}

// leave removes a member from a room, dropping the room when it empties.
func (r *roomRegistry) leave(noteID string, m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[noteID]
	if members == nil {
		return
	}
	delete(members, m.id)
	if len(members) == 0 {
		delete(r.rooms, noteID)
	}
}

// leaveAll removes a member from every room it participates in.
func (r *roomRegistry) leaveAll(m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for noteID, members := range r.rooms {
		delete(members, m.id)
		if len(members) == 0 {
			delete(r.rooms, noteID)
		}
	}
}

// joined reports whether the member currently participates in the room.
func (r *roomRegistry) joined(noteID string, m *member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[noteID]
	if members == nil {
		return false
	}
	_, ok := members[m.id]
	return ok
}

// broadcast delivers a frame to every room member except the sender. A nil
// sender delivers to all members (used by the cross-instance bridge).
func (r *roomRegistry) broadcast(noteID string, sender *member, frame []byte) int {
	r.mu.RLock()
	members := r.rooms[noteID]
	if len(members) == 0 {
		r.mu.RUnlock()
		return 0
	}
	copies := make([]*member, 0, len(members))
	for _, candidate := range members {
		if sender != nil && candidate.id == sender.id {
			continue
		}
		copies = append(copies, candidate)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, recipient := range copies {
		select {
		case recipient.stream <- frame:
			delivered++
		default:
		}
	}
	return delivered
}
