package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scribepad-labs/scribepad/internal/ai"
	"github.com/scribepad-labs/scribepad/internal/auth"
	"github.com/scribepad-labs/scribepad/internal/database"
	"github.com/scribepad-labs/scribepad/internal/notes"
	"github.com/scribepad-labs/scribepad/internal/relay"
	"github.com/scribepad-labs/scribepad/internal/server"
	"github.com/scribepad-labs/scribepad/internal/sync"
	"github.com/scribepad-labs/scribepad/internal/users"
)

var databaseSequence int64

type testSurface struct {
	mu       stdsync.Mutex
	contents []string
	titles   []string
}

func (s *testSurface) SetContent(_, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents = append(s.contents, content)
}

func (s *testSurface) SetTitle(_, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
}

func (s *testSurface) lastContent() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.contents) == 0 {
		return "", false
	}
	return s.contents[len(s.contents)-1], true
}

func (s *testSurface) contentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contents)
}

type stack struct {
	server *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", atomic.AddInt64(&databaseSequence, 1))
	db, err := database.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "scribepad-auth",
		Audience:      "scribepad-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Directory:  usersService,
	})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}

	noteRelay := relay.NewRelay(relay.Config{})
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		NotesService: notesService,
		UsersService: usersService,
		Suggester:    ai.NewSuggester(ai.SuggesterConfig{}),
		Realtime:     relay.Handler(noteRelay, tokenManager, nil),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &stack{server: httpServer}
}

func (s *stack) login(t *testing.T, subject, email string) string {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"subject": subject, "email": email})
	response, err := http.Post(s.server.URL+"/auth/token", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("login failed with status %d", response.StatusCode)
	}
	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	return result.AccessToken
}

func (s *stack) newSyncClient(t *testing.T, token, userID string, surface sync.Surface) *sync.Client {
	t.Helper()
	client, err := sync.NewClient(sync.ClientConfig{
		BaseURL:        s.server.URL,
		Token:          token,
		UserID:         userID,
		Surface:        surface,
		RetryDelay:     10 * time.Millisecond,
		ThrottleWindow: 50 * time.Millisecond,
		DebounceWindow: 80 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build sync client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return client
}

func (s *stack) shareNote(t *testing.T, token, noteID, email, level string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"email": email, "level": level})
	request, _ := http.NewRequest(http.MethodPost, s.server.URL+"/notes/"+noteID+"/share", bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("share request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("share failed with status %d", response.StatusCode)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCollaborativeEditingEndToEnd(t *testing.T) {
	s := newStack(t)

	ownerToken := s.login(t, "user-1", "owner@example.com")
	collabToken := s.login(t, "user-2", "collab@example.com")

	ownerSurface := &testSurface{}
	collabSurface := &testSurface{}
	owner := s.newSyncClient(t, ownerToken, "user-1", ownerSurface)
	collaborator := s.newSyncClient(t, collabToken, "user-2", collabSurface)

	note, err := owner.CreateNote(context.Background(), "Shared draft", "<p>start</p>")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	s.shareNote(t, ownerToken, note.NoteID, "collab@example.com", "write")

	if _, err := owner.OpenNote(context.Background(), note.NoteID); err != nil {
		t.Fatalf("owner open failed: %v", err)
	}
	if _, err := collaborator.OpenNote(context.Background(), note.NoteID); err != nil {
		t.Fatalf("collaborator open failed: %v", err)
	}
	// Let both joins settle on the relay before editing.
	time.Sleep(100 * time.Millisecond)

	owner.EditContent(note.NoteID, "<p>typed by owner</p>")

	waitFor(t, 2*time.Second, func() bool {
		content, ok := collabSurface.lastContent()
		return ok && content == "<p>typed by owner</p>"
	})
	if ownerSurface.contentCount() != 0 {
		t.Fatal("the editing client must not receive its own update")
	}

	// The debounced save lands durably.
	waitFor(t, 2*time.Second, func() bool {
		record, err := owner.OpenNote(context.Background(), note.NoteID)
		return err == nil && record.Content == "<p>typed by owner</p>"
	})
}

func TestCollaborativeEditingBothDirections(t *testing.T) {
	s := newStack(t)

	ownerToken := s.login(t, "user-1", "owner@example.com")
	collabToken := s.login(t, "user-2", "collab@example.com")

	ownerSurface := &testSurface{}
	collabSurface := &testSurface{}
	owner := s.newSyncClient(t, ownerToken, "user-1", ownerSurface)
	collaborator := s.newSyncClient(t, collabToken, "user-2", collabSurface)

	note, err := owner.CreateNote(context.Background(), "Ping pong", "<p>start</p>")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	s.shareNote(t, ownerToken, note.NoteID, "collab@example.com", "write")

	if _, err := owner.OpenNote(context.Background(), note.NoteID); err != nil {
		t.Fatalf("owner open failed: %v", err)
	}
	if _, err := collaborator.OpenNote(context.Background(), note.NoteID); err != nil {
		t.Fatalf("collaborator open failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	owner.EditContent(note.NoteID, "<p>ping</p>")
	waitFor(t, 2*time.Second, func() bool {
		content, ok := collabSurface.lastContent()
		return ok && content == "<p>ping</p>"
	})

	// The grace window after the remote application has to pass before the
	// collaborator's own keystrokes count again.
	time.Sleep(100 * time.Millisecond)
	collaborator.EditContent(note.NoteID, "<p>pong</p>")
	waitFor(t, 2*time.Second, func() bool {
		content, ok := ownerSurface.lastContent()
		return ok && content == "<p>pong</p>"
	})
}

func TestCloseNoteFlushPersistsImmediately(t *testing.T) {
	s := newStack(t)

	ownerToken := s.login(t, "user-1", "owner@example.com")
	surface := &testSurface{}
	owner := s.newSyncClient(t, ownerToken, "user-1", surface)

	note, err := owner.CreateNote(context.Background(), "Quick exit", "<p>start</p>")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := owner.OpenNote(context.Background(), note.NoteID); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	owner.EditContent(note.NoteID, "<p>about to leave</p>")
	owner.CloseNote(note.NoteID)

	record, err := owner.OpenNote(context.Background(), note.NoteID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if record.Content != "<p>about to leave</p>" {
		t.Fatalf("flush did not persist the edit, got %q", record.Content)
	}
}

func TestVersionHistoryGrowsWithSaves(t *testing.T) {
	s := newStack(t)

	ownerToken := s.login(t, "user-1", "owner@example.com")
	surface := &testSurface{}
	owner := s.newSyncClient(t, ownerToken, "user-1", surface)

	note, err := owner.CreateNote(context.Background(), "Versioned", "<p>v1</p>")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := owner.OpenNote(context.Background(), note.NoteID); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	owner.EditContent(note.NoteID, "<p>v2</p>")
	owner.CloseNote(note.NoteID)

	request, _ := http.NewRequest(http.MethodGet, s.server.URL+"/notes/"+note.NoteID+"/versions", nil)
	request.Header.Set("Authorization", "Bearer "+ownerToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("versions request failed: %v", err)
	}
	defer response.Body.Close()
	var result struct {
		Versions []struct {
			Version int64  `json:"version"`
			Content string `json:"content"`
		} `json:"versions"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode versions: %v", err)
	}
	if len(result.Versions) != 2 {
		t.Fatalf("expected the creation snapshot plus one save, got %d", len(result.Versions))
	}
	if result.Versions[0].Content != "<p>v2</p>" {
		t.Fatalf("expected newest first, got %+v", result.Versions[0])
	}
}
