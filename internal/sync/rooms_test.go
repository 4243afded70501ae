package sync

import (
	"testing"

	"github.com/scribepad-labs/scribepad/internal/wire"
)

func joinEvents(events []recordedEvent) []string {
	var rooms []string
	for _, event := range events {
		if event.event != wire.EventNoteJoin {
			continue
		}
		request, ok := event.payload.(wire.RoomRequest)
		if !ok {
			continue
		}
		rooms = append(rooms, request.NoteID)
	}
	return rooms
}

func TestRoomTrackerJoinAnnouncesOnce(t *testing.T) {
	emitter := &recordingEmitter{}
	tracker := NewRoomTracker(emitter, nil)

	tracker.Join("note-1")
	tracker.Join("note-1")

	if rooms := joinEvents(emitter.snapshot()); len(rooms) != 1 || rooms[0] != "note-1" {
		t.Fatalf("expected a single join for note-1, got %v", rooms)
	}
	if !tracker.IsJoined("note-1") {
		t.Fatal("expected membership intent to be tracked")
	}
}

func TestRoomTrackerLeaveIsIdempotent(t *testing.T) {
	emitter := &recordingEmitter{}
	tracker := NewRoomTracker(emitter, nil)

	tracker.Join("note-1")
	tracker.Leave("note-1")
	tracker.Leave("note-1")

	leaves := 0
	for _, event := range emitter.snapshot() {
		if event.event == wire.EventNoteLeave {
			leaves++
		}
	}
	if leaves != 1 {
		t.Fatalf("expected a single leave, got %d", leaves)
	}
	if tracker.IsJoined("note-1") {
		t.Fatal("expected membership intent to be cleared")
	}
}

func TestRoomTrackerParksJoinWhileDisconnected(t *testing.T) {
	emitter := &recordingEmitter{offline: true}
	tracker := NewRoomTracker(emitter, nil)

	tracker.Join("note-1")
	if rooms := joinEvents(emitter.snapshot()); len(rooms) != 0 {
		t.Fatalf("expected no join on a dead channel, got %v", rooms)
	}
	if !tracker.IsJoined("note-1") {
		t.Fatal("expected the parked join to be tracked")
	}

	emitter.setOffline(false)
	tracker.Resync()
	if rooms := joinEvents(emitter.snapshot()); len(rooms) != 1 || rooms[0] != "note-1" {
		t.Fatalf("expected the parked join to replay, got %v", rooms)
	}
}

func TestRoomTrackerCanceledParkedJoinNeverReachesServer(t *testing.T) {
	emitter := &recordingEmitter{offline: true}
	tracker := NewRoomTracker(emitter, nil)

	tracker.Join("note-1")
	tracker.Leave("note-1")

	emitter.setOffline(false)
	tracker.Resync()

	for _, event := range emitter.snapshot() {
		if event.event == wire.EventNoteJoin {
			t.Fatalf("canceled join must not replay, got %v", event)
		}
	}
}

func TestRoomTrackerResyncReplaysEveryRoom(t *testing.T) {
	emitter := &recordingEmitter{}
	tracker := NewRoomTracker(emitter, nil)

	tracker.Join("note-1")
	tracker.Join("note-2")
	tracker.Resync()

	seen := map[string]int{}
	for _, room := range joinEvents(emitter.snapshot()) {
		seen[room]++
	}
	// One initial announcement plus one replay each.
	if seen["note-1"] != 2 || seen["note-2"] != 2 {
		t.Fatalf("expected both rooms replayed, got %v", seen)
	}
}
