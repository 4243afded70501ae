package sync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ClientConfig configures a collaborative editing client.
type ClientConfig struct {
	// BaseURL is the http(s) root of the REST surface.
	BaseURL string
	// ChannelEndpoint is the ws(s) URL of the collaboration channel. Derived
	// from BaseURL when empty.
	ChannelEndpoint string
	Token           string
	// UserID is the authenticated user; inbound updates carrying it are
	// treated as echoes and dropped.
	UserID  string
	Surface Surface

	Dialer         Dialer
	HTTPClient     *http.Client
	DialTimeout    time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	ThrottleWindow time.Duration
	DebounceWindow time.Duration
	ApplyGrace     time.Duration
	Logger         *zap.Logger
}

// Client is the full client-side sync pipeline: one connection, room
// tracking, throttled realtime emissions, debounced durable saves and remote
// update application, behind a single facade.
type Client struct {
	conn        *Conn
	rooms       *RoomTracker
	throttler   *Throttler
	dispatcher  *Dispatcher
	coordinator *Coordinator
	api         *APIClient
	logger      *zap.Logger
}

// NewClient wires the pipeline together. The connection is not established
// until Connect is called.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("sync: user id is required")
	}
	if cfg.Surface == nil {
		return nil, errors.New("sync: surface is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	api, err := NewAPIClient(APIClientConfig{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := NewCoordinator(CoordinatorConfig{Client: api, Logger: logger})
	if err != nil {
		return nil, err
	}

	endpoint := cfg.ChannelEndpoint
	if endpoint == "" {
		endpoint = deriveChannelEndpoint(cfg.BaseURL)
	}
	conn, err := NewConn(ConnConfig{
		Endpoint:    endpoint,
		Token:       cfg.Token,
		Dialer:      cfg.Dialer,
		DialTimeout: cfg.DialTimeout,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	rooms := NewRoomTracker(conn, logger)
	throttler := NewThrottler(ThrottlerConfig{
		UserID:         cfg.UserID,
		Emitter:        conn,
		Rooms:          rooms,
		Saver:          coordinator,
		ThrottleWindow: cfg.ThrottleWindow,
		DebounceWindow: cfg.DebounceWindow,
		Logger:         logger,
	})
	dispatcher := NewDispatcher(DispatcherConfig{
		SelfID:     cfg.UserID,
		Surface:    cfg.Surface,
		ApplyGrace: cfg.ApplyGrace,
		Logger:     logger,
	})

	conn.SetHandler(dispatcher.HandleEnvelope)
	conn.OnStateChange(func(state ConnState) {
		if state == StateConnected {
			rooms.Resync()
			throttler.Resend()
		}
	})

	return &Client{
		conn:        conn,
		rooms:       rooms,
		throttler:   throttler,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		api:         api,
		logger:      logger,
	}, nil
}

func deriveChannelEndpoint(baseURL string) string {
	endpoint := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint + "/ws"
}

// Connect establishes the collaboration channel.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// ConnectionState reports the channel lifecycle state.
func (c *Client) ConnectionState() ConnState {
	return c.conn.State()
}

// OnConnectionChange registers a subscriber for channel state transitions.
func (c *Client) OnConnectionChange(fn func(ConnState)) {
	c.conn.OnStateChange(fn)
}

// OnSaveResult registers an observer for durable save outcomes.
func (c *Client) OnSaveResult(fn func(SaveResult)) {
	c.coordinator.OnResult(fn)
}

// Notes reloads the note list.
func (c *Client) Notes(ctx context.Context) (NoteCollection, error) {
	return c.coordinator.Refresh(ctx)
}

// CreateNote creates a note through the REST surface.
func (c *Client) CreateNote(ctx context.Context, title, content string) (NoteRecord, error) {
	record, err := c.api.CreateNote(ctx, title, content)
	if err != nil {
		return NoteRecord{}, err
	}
	c.coordinator.Remember(record)
	return record, nil
}

// OpenNote loads a note, routes future inbound updates to it and joins its
// room.
func (c *Client) OpenNote(ctx context.Context, noteID string) (NoteRecord, error) {
	record, err := c.coordinator.Load(ctx, noteID)
	if err != nil {
		return NoteRecord{}, err
	}
	c.dispatcher.SetOpenNote(noteID)
	c.rooms.Join(noteID)
	return record, nil
}

// CloseNote flushes whatever is pending for the note, leaves its room and
// stops routing inbound updates.
func (c *Client) CloseNote(noteID string) {
	c.throttler.Flush(noteID)
	c.rooms.Leave(noteID)
	c.dispatcher.ClearOpenNote(noteID)
}

// EditContent feeds one content keystroke into the outbound pipeline. Edits
// observed while a remote update is being applied are echoes of that
// application and are dropped.
func (c *Client) EditContent(noteID, content string) {
	if c.dispatcher.Applying() {
		return
	}
	c.throttler.EditContent(noteID, content)
}

// EditTitle feeds one title edit into the outbound pipeline.
func (c *Client) EditTitle(noteID, title string) {
	if c.dispatcher.Applying() {
		return
	}
	c.throttler.EditTitle(noteID, title)
}

// DeleteNote removes a note and clears every trace of it from the pipeline.
func (c *Client) DeleteNote(ctx context.Context, noteID string) error {
	if err := c.api.DeleteNote(ctx, noteID); err != nil {
		return err
	}
	c.rooms.Leave(noteID)
	c.coordinator.Forget(noteID)
	return nil
}

// Close tears the pipeline down. Notes still open should be closed first so
// their pending edits flush.
func (c *Client) Close() error {
	c.throttler.Close()
	return c.conn.Close()
}
