package sync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// noteAPI is the slice of the REST client the coordinator uses.
type noteAPI interface {
	ListNotes(ctx context.Context) (NoteCollection, error)
	GetNote(ctx context.Context, noteID string) (NoteRecord, error)
	UpdateNote(ctx context.Context, noteID string, title, content *string) (NoteRecord, error)
}

// SaveResult is delivered to observers after every save attempt.
type SaveResult struct {
	NoteID string
	Record NoteRecord
	Err    error
}

// CoordinatorConfig configures the persistence coordinator.
type CoordinatorConfig struct {
	Client noteAPI
	Logger *zap.Logger
}

// Coordinator owns the durable side of the sync pipeline: it pushes saves to
// the REST surface, keeps the in-memory note list current with each result,
// and fans results out to observers. Transient failures are reported with
// ErrTransientSave so the caller retries; everything else is final.
type Coordinator struct {
	client noteAPI
	logger *zap.Logger

	mu        sync.Mutex
	notes     map[string]NoteRecord
	observers []func(SaveResult)
}

// NewCoordinator constructs the persistence coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, errors.New("sync: api client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		client: cfg.Client,
		logger: logger,
		notes:  make(map[string]NoteRecord),
	}, nil
}

// OnResult registers an observer notified after every save attempt.
func (s *Coordinator) OnResult(fn func(SaveResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Save persists the supplied fields of a note. The stored record returned by
// the server replaces the cached one so list views stay current without a
// refetch.
func (s *Coordinator) Save(ctx context.Context, noteID string, title, content *string) error {
	record, err := s.client.UpdateNote(ctx, noteID, title, content)
	if err != nil {
		if !errors.Is(err, ErrTransientSave) {
			s.logger.Error("save rejected by server", zap.String("note_id", noteID), zap.Error(err))
		}
		s.notify(SaveResult{NoteID: noteID, Err: err})
		return err
	}

	s.mu.Lock()
	s.notes[record.NoteID] = record
	s.mu.Unlock()

	s.notify(SaveResult{NoteID: noteID, Record: record})
	return nil
}

// Refresh reloads the note list from the server and replaces the cache.
func (s *Coordinator) Refresh(ctx context.Context) (NoteCollection, error) {
	collection, err := s.client.ListNotes(ctx)
	if err != nil {
		return NoteCollection{}, err
	}

	s.mu.Lock()
	s.notes = make(map[string]NoteRecord, len(collection.Own)+len(collection.Shared))
	for _, record := range collection.Own {
		s.notes[record.NoteID] = record
	}
	for _, record := range collection.Shared {
		s.notes[record.NoteID] = record
	}
	s.mu.Unlock()

	return collection, nil
}

// Load fetches one note, preferring the server over the cache, and caches it.
func (s *Coordinator) Load(ctx context.Context, noteID string) (NoteRecord, error) {
	record, err := s.client.GetNote(ctx, noteID)
	if err != nil {
		return NoteRecord{}, err
	}
	s.mu.Lock()
	s.notes[record.NoteID] = record
	s.mu.Unlock()
	return record, nil
}

// Remember caches a record obtained outside the coordinator, such as a
// freshly created note.
func (s *Coordinator) Remember(record NoteRecord) {
	if record.NoteID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[record.NoteID] = record
}

// Forget drops a note from the cache after deletion.
func (s *Coordinator) Forget(noteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, noteID)
}

// Cached returns the locally known state of a note.
func (s *Coordinator) Cached(noteID string) (NoteRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.notes[noteID]
	return record, ok
}

func (s *Coordinator) notify(result SaveResult) {
	s.mu.Lock()
	observers := make([]func(SaveResult), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(result)
	}
}
