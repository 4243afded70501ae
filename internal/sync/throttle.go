package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scribepad-labs/scribepad/internal/wire"
)

const (
	defaultThrottleWindow = 300 * time.Millisecond
	defaultDebounceWindow = 1000 * time.Millisecond
)

// persister is the slice of the persistence coordinator the throttler uses.
type persister interface {
	Save(ctx context.Context, noteID string, title, content *string) error
}

// ThrottlerConfig configures the outbound edit pipeline.
type ThrottlerConfig struct {
	UserID  string
	Emitter emitter
	Rooms   *RoomTracker
	Saver   persister
	// ThrottleWindow caps realtime emissions per note field: one leading
	// emission opens the window, at most one trailing emission closes it.
	ThrottleWindow time.Duration
	// DebounceWindow delays the durable save until edits pause.
	DebounceWindow time.Duration
	Logger         *zap.Logger
}

// Throttler turns a stream of editor keystrokes into bounded realtime
// emissions and debounced durable saves. Title and content move through
// independent channels per note; every slot holds only the latest value, read
// at fire time, so intermediate states are never transmitted.
type Throttler struct {
	userID         string
	emitter        emitter
	rooms          *RoomTracker
	saver          persister
	throttleWindow time.Duration
	debounceWindow time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	slots  map[string]*noteSlot
	closed bool
}

type noteSlot struct {
	noteID    string
	content   fieldChannel
	title     fieldChannel
	draft     draftFields
	saveTimer *time.Timer
}

// fieldChannel throttles one field of one note.
type fieldChannel struct {
	pending     *string
	lastEmitted *string
	windowOpen  bool
	trailing    *time.Timer
}

// draftFields accumulates the fields awaiting the next durable save.
type draftFields struct {
	title   *string
	content *string
}

func (d draftFields) empty() bool {
	return d.title == nil && d.content == nil
}

// NewThrottler constructs the outbound pipeline.
func NewThrottler(cfg ThrottlerConfig) *Throttler {
	throttleWindow := cfg.ThrottleWindow
	if throttleWindow <= 0 {
		throttleWindow = defaultThrottleWindow
	}
	debounceWindow := cfg.DebounceWindow
	if debounceWindow <= 0 {
		debounceWindow = defaultDebounceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttler{
		userID:         cfg.UserID,
		emitter:        cfg.Emitter,
		rooms:          cfg.Rooms,
		saver:          cfg.Saver,
		throttleWindow: throttleWindow,
		debounceWindow: debounceWindow,
		logger:         logger,
		slots:          make(map[string]*noteSlot),
	}
}

// EditContent records a content edit for the note.
func (t *Throttler) EditContent(noteID, content string) {
	t.edit(noteID, fieldContent, content)
}

// EditTitle records a title edit for the note.
func (t *Throttler) EditTitle(noteID, title string) {
	t.edit(noteID, fieldTitle, title)
}

type fieldKind int

const (
	fieldContent fieldKind = iota
	fieldTitle
)

func (t *Throttler) edit(noteID string, kind fieldKind, value string) {
	if noteID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	slot := t.ensureSlot(noteID)
	channel := slot.channel(kind)
	channel.pending = &value

	if !channel.windowOpen {
		t.emitLocked(slot, kind)
	}
	t.scheduleSaveLocked(slot, kind, &value)
}

func (t *Throttler) ensureSlot(noteID string) *noteSlot {
	slot, ok := t.slots[noteID]
	if !ok {
		slot = &noteSlot{noteID: noteID}
		t.slots[noteID] = slot
	}
	return slot
}

func (s *noteSlot) channel(kind fieldKind) *fieldChannel {
	if kind == fieldTitle {
		return &s.title
	}
	return &s.content
}

// emitLocked sends the channel's pending value and opens a throttle window.
// Joining the room first keeps an edit in a not-yet-joined note from being
// invisible to its collaborators.
func (t *Throttler) emitLocked(slot *noteSlot, kind fieldKind) {
	channel := slot.channel(kind)
	if channel.pending == nil {
		return
	}

	if t.rooms != nil && !t.rooms.IsJoined(slot.noteID) {
		t.rooms.Join(slot.noteID)
	}

	update := wire.NoteUpdate{NoteID: slot.noteID, UserID: t.userID}
	value := *channel.pending
	if kind == fieldTitle {
		update.Title = &value
	} else {
		update.Content = &value
	}

	if err := t.emitter.Emit(wire.EventNoteUpdate, update); err != nil {
		if !errors.Is(err, ErrNotConnected) {
			t.logger.Warn("realtime emit failed", zap.String("note_id", slot.noteID), zap.Error(err))
		}
		// Pending stays in the slot; Resend covers it after reconnect.
		return
	}
	channel.lastEmitted = &value

	channel.windowOpen = true
	if channel.trailing != nil {
		channel.trailing.Stop()
	}
	noteID := slot.noteID
	channel.trailing = time.AfterFunc(t.throttleWindow, func() {
		t.onWindowExpire(noteID, kind)
	})
}

// onWindowExpire closes the throttle window and sends the trailing emission
// when edits arrived inside it.
func (t *Throttler) onWindowExpire(noteID string, kind fieldKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	slot, ok := t.slots[noteID]
	if !ok {
		return
	}
	channel := slot.channel(kind)
	channel.windowOpen = false
	channel.trailing = nil
	if channelDiffers(channel) {
		t.emitLocked(slot, kind)
	}
}

func channelDiffers(channel *fieldChannel) bool {
	if channel.pending == nil {
		return false
	}
	if channel.lastEmitted == nil {
		return true
	}
	return *channel.pending != *channel.lastEmitted
}

// scheduleSaveLocked folds the edit into the save draft and pushes the
// debounce out.
func (t *Throttler) scheduleSaveLocked(slot *noteSlot, kind fieldKind, value *string) {
	if kind == fieldTitle {
		slot.draft.title = value
	} else {
		slot.draft.content = value
	}

	if slot.saveTimer != nil {
		slot.saveTimer.Stop()
	}
	noteID := slot.noteID
	slot.saveTimer = time.AfterFunc(t.debounceWindow, func() {
		t.fireSave(noteID)
	})
}

func (t *Throttler) fireSave(noteID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	slot, ok := t.slots[noteID]
	if !ok || slot.draft.empty() {
		t.mu.Unlock()
		return
	}
	draft := slot.draft
	slot.draft = draftFields{}
	slot.saveTimer = nil
	t.mu.Unlock()

	t.performSave(noteID, draft)
}

// performSave runs the durable save. A transient failure folds the draft back
// in and re-arms the debounce so the content is retried; newer edits made in
// the meantime win over the failed draft.
func (t *Throttler) performSave(noteID string, draft draftFields) {
	if t.saver == nil {
		return
	}
	err := t.saver.Save(context.Background(), noteID, draft.title, draft.content)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrTransientSave) {
		t.logger.Error("save rejected", zap.String("note_id", noteID), zap.Error(err))
		return
	}

	t.logger.Warn("save failed, retrying after debounce", zap.String("note_id", noteID), zap.Error(err))
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	slot := t.ensureSlot(noteID)
	if slot.draft.title == nil {
		slot.draft.title = draft.title
	}
	if slot.draft.content == nil {
		slot.draft.content = draft.content
	}
	if slot.saveTimer != nil {
		slot.saveTimer.Stop()
	}
	slot.saveTimer = time.AfterFunc(t.debounceWindow, func() {
		t.fireSave(noteID)
	})
}

// Flush short-circuits both windows for a note: pending realtime values go
// out now and the accumulated draft is saved now. Called when the user
// navigates away from the note.
func (t *Throttler) Flush(noteID string) {
	t.mu.Lock()
	slot, ok := t.slots[noteID]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}

	for _, kind := range []fieldKind{fieldContent, fieldTitle} {
		channel := slot.channel(kind)
		if channel.trailing != nil {
			channel.trailing.Stop()
			channel.trailing = nil
		}
		channel.windowOpen = false
		if channelDiffers(channel) {
			t.emitLocked(slot, kind)
			// Flush must not leave a fresh window behind.
			if channel.trailing != nil {
				channel.trailing.Stop()
				channel.trailing = nil
			}
			channel.windowOpen = false
		}
	}

	if slot.saveTimer != nil {
		slot.saveTimer.Stop()
		slot.saveTimer = nil
	}
	draft := slot.draft
	slot.draft = draftFields{}
	t.mu.Unlock()

	if !draft.empty() {
		t.performSave(noteID, draft)
	}
}

// Resend re-emits the latest pending value of every tracked field. Called on
// reconnect; collaborators missed whatever was emitted into the dead channel.
func (t *Throttler) Resend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, slot := range t.slots {
		for _, kind := range []fieldKind{fieldContent, fieldTitle} {
			channel := slot.channel(kind)
			if channel.pending == nil {
				continue
			}
			if channel.trailing != nil {
				channel.trailing.Stop()
				channel.trailing = nil
			}
			channel.windowOpen = false
			t.emitLocked(slot, kind)
		}
	}
}

// Close stops every timer. Pending drafts are dropped; callers flush first.
func (t *Throttler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, slot := range t.slots {
		if slot.saveTimer != nil {
			slot.saveTimer.Stop()
		}
		if slot.content.trailing != nil {
			slot.content.trailing.Stop()
		}
		if slot.title.trailing != nil {
			slot.title.trailing.Stop()
		}
	}
}
