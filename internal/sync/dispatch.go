package sync

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scribepad-labs/scribepad/internal/wire"
)

const defaultApplyGrace = 50 * time.Millisecond

// Surface is the editor the dispatcher writes remote updates into.
type Surface interface {
	SetContent(noteID, content string)
	SetTitle(noteID, title string)
}

// DispatcherConfig configures the inbound update path.
type DispatcherConfig struct {
	// SelfID is the user id whose updates are discarded as echoes.
	SelfID  string
	Surface Surface
	// ApplyGrace extends the applying-remote window past the surface call so
	// editor change callbacks fired by the programmatic write do not loop
	// back into the outbound pipeline.
	ApplyGrace time.Duration
	Logger     *zap.Logger
}

// Dispatcher routes note-updated frames into the editor surface. Updates
// from the client's own user id are dropped, updates for notes other than the
// open one are dropped, and while a remote value is being applied the
// Applying flag is raised so the edit path can tell remote writes from
// keystrokes.
type Dispatcher struct {
	selfID     string
	surface    Surface
	applyGrace time.Duration
	logger     *zap.Logger

	mu         sync.Mutex
	openNote   string
	applying   bool
	graceTimer *time.Timer
}

// NewDispatcher constructs the inbound update path.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	grace := cfg.ApplyGrace
	if grace <= 0 {
		grace = defaultApplyGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		selfID:     cfg.SelfID,
		surface:    cfg.Surface,
		applyGrace: grace,
		logger:     logger,
	}
}

// SetOpenNote records which note the editor currently displays. An empty id
// means no note is open and every inbound update is dropped.
func (d *Dispatcher) SetOpenNote(noteID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openNote = noteID
}

// ClearOpenNote stops routing updates for the note, unless the editor has
// already moved on to a different one.
func (d *Dispatcher) ClearOpenNote(noteID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openNote == noteID {
		d.openNote = ""
	}
}

// Applying reports whether a remote update is being written into the surface.
func (d *Dispatcher) Applying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applying
}

// HandleEnvelope consumes one inbound frame. Only note-updated frames are
// acted on; everything else is ignored.
func (d *Dispatcher) HandleEnvelope(envelope wire.Envelope) {
	if envelope.Event != wire.EventNoteUpdated {
		return
	}
	update, err := wire.DecodeNoteUpdate(envelope.Data)
	if err != nil {
		d.logger.Warn("dropped malformed remote update", zap.Error(err))
		return
	}
	d.Apply(update)
}

// Apply writes one remote update into the surface, subject to the echo and
// open-note filters.
func (d *Dispatcher) Apply(update wire.NoteUpdate) {
	if update.UserID == d.selfID {
		return
	}

	d.mu.Lock()
	if d.openNote == "" || d.openNote != update.NoteID {
		d.mu.Unlock()
		return
	}
	d.applying = true
	if d.graceTimer != nil {
		d.graceTimer.Stop()
		d.graceTimer = nil
	}
	d.mu.Unlock()

	if update.Content != nil {
		d.surface.SetContent(update.NoteID, *update.Content)
	}
	if update.Title != nil {
		d.surface.SetTitle(update.NoteID, *update.Title)
	}

	d.mu.Lock()
	d.graceTimer = time.AfterFunc(d.applyGrace, func() {
		d.mu.Lock()
		d.applying = false
		d.graceTimer = nil
		d.mu.Unlock()
	})
	d.mu.Unlock()
}
