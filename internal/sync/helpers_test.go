package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/scribepad-labs/scribepad/internal/wire"
)

// recordingEmitter captures emissions and can simulate a dead channel.
type recordingEmitter struct {
	mu      sync.Mutex
	offline bool
	events  []recordedEvent
}

type recordedEvent struct {
	event   string
	payload any
}

func (e *recordingEmitter) Emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offline {
		return ErrNotConnected
	}
	e.events = append(e.events, recordedEvent{event: event, payload: payload})
	return nil
}

func (e *recordingEmitter) setOffline(offline bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = offline
}

func (e *recordingEmitter) snapshot() []recordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedEvent(nil), e.events...)
}

func (e *recordingEmitter) updates() []wire.NoteUpdate {
	var updates []wire.NoteUpdate
	for _, event := range e.snapshot() {
		if event.event != wire.EventNoteUpdate {
			continue
		}
		update, ok := event.payload.(wire.NoteUpdate)
		if !ok {
			continue
		}
		updates = append(updates, update)
	}
	return updates
}

// recordingPersister captures saves and can fail a scripted number of times.
type recordingPersister struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	attempts  int
	saves     []recordedSave
	saveFired chan struct{}
}

type recordedSave struct {
	noteID  string
	title   *string
	content *string
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{saveFired: make(chan struct{}, 16)}
}

func (p *recordingPersister) Save(_ context.Context, noteID string, title, content *string) error {
	p.mu.Lock()
	p.attempts++
	var err error
	if p.failures > 0 {
		p.failures--
		err = p.failWith
	} else {
		p.saves = append(p.saves, recordedSave{noteID: noteID, title: title, content: content})
	}
	p.mu.Unlock()

	select {
	case p.saveFired <- struct{}{}:
	default:
	}
	return err
}

func (p *recordingPersister) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *recordingPersister) snapshot() []recordedSave {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedSave(nil), p.saves...)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// fakeTransport is a scriptable in-memory websocket stand-in.
type fakeTransport struct {
	inbound   chan []byte
	mu        sync.Mutex
	writes    [][]byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-t.inbound:
		return 1, frame, nil
	case <-t.closed:
		return 0, nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(_ int, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) drop() {
	t.Close()
}

func (t *fakeTransport) deliver(tb testing.TB, event string, payload any) {
	tb.Helper()
	envelope, err := wire.Encode(event, payload)
	if err != nil {
		tb.Fatalf("failed to encode %s: %v", event, err)
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		tb.Fatalf("failed to frame %s: %v", event, err)
	}
	t.inbound <- frame
}

func (t *fakeTransport) written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.writes...)
}

// fakeDialer hands out fakeTransports and can fail scripted attempts.
type fakeDialer struct {
	mu         sync.Mutex
	failBefore int // attempts below this index fail
	attempts   int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.failBefore {
		return nil, errors.New("dial refused")
	}
	transport := newFakeTransport()
	d.transports = append(d.transports, transport)
	return transport, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}
