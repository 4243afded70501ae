package sync

import (
	"sync"

	"go.uber.org/zap"

	"github.com/scribepad-labs/scribepad/internal/wire"
)

// emitter is the slice of the connection manager the tracker and throttler use.
type emitter interface {
	Emit(event string, payload any) error
}

// RoomTracker records which note rooms the client intends to be in. Joins and
// leaves are idempotent; a join issued while the channel is down is parked and
// replayed once it comes up. The server keeps no membership across drops, so
// every tracked room is rejoined after a reconnect.
type RoomTracker struct {
	emitter emitter
	logger  *zap.Logger

	mu     sync.Mutex
	joined map[string]bool
}

// NewRoomTracker constructs a tracker bound to the given emitter.
func NewRoomTracker(em emitter, logger *zap.Logger) *RoomTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomTracker{
		emitter: em,
		logger:  logger,
		joined:  make(map[string]bool),
	}
}

// Join marks the note room as wanted and announces it when the channel is up.
// Calling Join for a room already joined is a no-op.
func (t *RoomTracker) Join(noteID string) {
	if noteID == "" {
		return
	}
	t.mu.Lock()
	if t.joined[noteID] {
		t.mu.Unlock()
		return
	}
	t.joined[noteID] = true
	t.mu.Unlock()

	if err := t.emitter.Emit(wire.EventNoteJoin, wire.RoomRequest{NoteID: noteID}); err != nil {
		// Parked; Resync replays it when the channel returns.
		t.logger.Debug("join parked until reconnect", zap.String("note_id", noteID), zap.Error(err))
	}
}

// Leave withdraws the room intent. A leave for an unjoined room is a no-op,
// and a parked join canceled before the channel comes up never reaches the
// server at all.
func (t *RoomTracker) Leave(noteID string) {
	t.mu.Lock()
	if !t.joined[noteID] {
		t.mu.Unlock()
		return
	}
	delete(t.joined, noteID)
	t.mu.Unlock()

	if err := t.emitter.Emit(wire.EventNoteLeave, wire.RoomRequest{NoteID: noteID}); err != nil {
		t.logger.Debug("leave skipped while disconnected", zap.String("note_id", noteID), zap.Error(err))
	}
}

// IsJoined reports whether the client currently intends to be in the room.
func (t *RoomTracker) IsJoined(noteID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined[noteID]
}

// Rooms returns a snapshot of the tracked rooms.
func (t *RoomTracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	rooms := make([]string, 0, len(t.joined))
	for noteID := range t.joined {
		rooms = append(rooms, noteID)
	}
	return rooms
}

// Resync re-announces every tracked room. Called on each transition to the
// connected state.
func (t *RoomTracker) Resync() {
	for _, noteID := range t.Rooms() {
		if err := t.emitter.Emit(wire.EventNoteJoin, wire.RoomRequest{NoteID: noteID}); err != nil {
			t.logger.Warn("room resync failed", zap.String("note_id", noteID), zap.Error(err))
			return
		}
	}
}
