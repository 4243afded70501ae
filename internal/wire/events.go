package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names exchanged over the collaboration channel. Client to server
// events carry the note room to act on; the server fans NoteUpdated out to
// every room member except the sender.
const (
	EventNoteJoin    = "note:join"
	EventNoteLeave   = "note:leave"
	EventNoteUpdate  = "note:update"
	EventNoteUpdated = "note-updated"
)

var (
	// ErrEmptyEvent indicates an envelope without an event name.
	ErrEmptyEvent = errors.New("wire: event name required")
	// ErrEmptyNoteID indicates a payload without a note identifier.
	ErrEmptyNoteID = errors.New("wire: note id required")
)

// Envelope frames every message on the collaboration channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomRequest is the payload for join and leave events.
type RoomRequest struct {
	NoteID string `json:"note_id"`
}

// NoteUpdate is the payload for note:update and note-updated events.
// Content and Title are pointers so that a content-only edit and a
// title-only edit remain distinguishable from an empty string.
type NoteUpdate struct {
	NoteID  string  `json:"note_id"`
	UserID  string  `json:"user_id"`
	Content *string `json:"content,omitempty"`
	Title   *string `json:"title,omitempty"`
}

// Encode wraps a payload into a framed envelope.
func Encode(event string, payload any) (Envelope, error) {
	if event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// DecodeEnvelope parses a raw frame read from the channel.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if envelope.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	return envelope, nil
}

// DecodeRoomRequest parses a join/leave payload.
func DecodeRoomRequest(data json.RawMessage) (RoomRequest, error) {
	var request RoomRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return RoomRequest{}, fmt.Errorf("wire: decode room request: %w", err)
	}
	if request.NoteID == "" {
		return RoomRequest{}, ErrEmptyNoteID
	}
	return request, nil
}

// DecodeNoteUpdate parses an update payload.
func DecodeNoteUpdate(data json.RawMessage) (NoteUpdate, error) {
	var update NoteUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return NoteUpdate{}, fmt.Errorf("wire: decode note update: %w", err)
	}
	if update.NoteID == "" {
		return NoteUpdate{}, ErrEmptyNoteID
	}
	return update, nil
}

// StringPtr is a convenience helper for building optional update fields.
func StringPtr(value string) *string {
	return &value
}
