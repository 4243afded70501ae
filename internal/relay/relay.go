package relay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/scribepad-labs/scribepad/internal/wire"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 32
)

// Config describes the dependencies of the room relay.
type Config struct {
	Bridge *Bridge
	Logger *zap.Logger
}

// Relay is the server-side counterpart of the collaboration channel. It keeps
// per-note room membership for authenticated connections and rebroadcasts
// note:update payloads verbatim to every other room member. It persists
// nothing; durable saves travel the REST path.
type Relay struct {
	registry *roomRegistry
	bridge   *Bridge
	logger   *zap.Logger
}

// NewRelay constructs a Relay.
func NewRelay(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	relay := &Relay{
		registry: newRoomRegistry(),
		bridge:   cfg.Bridge,
		logger:   logger,
	}
	if relay.bridge != nil {
		relay.bridge.deliver = relay.deliverFromPeer
	}
	return relay
}

// HandleConn serves one authenticated websocket connection until it drops.
// The connection arrives already authenticated; there is no per-message
// credential and no server-side resumption state after disconnect.
func (r *Relay) HandleConn(conn *websocket.Conn, userID string) {
	m := &member{
		id:     r.registry.nextSequence(),
		userID: userID,
		stream: make(chan []byte, sendBufferSize),
	}
	done := make(chan struct{})

	go r.writePump(conn, m, done)
	r.readPump(conn, m)
	close(done)

	r.registry.leaveAll(m)
	r.logger.Debug("relay connection closed", zap.String("user_id", userID))
}

func (r *Relay) readPump(conn *websocket.Conn, m *member) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("relay read failed", zap.String("user_id", m.userID), zap.Error(err))
			}
			return
		}

		envelope, err := wire.DecodeEnvelope(raw)
		if err != nil {
			r.logger.Warn("relay dropped malformed frame", zap.String("user_id", m.userID), zap.Error(err))
			continue
		}
		r.handleEvent(m, envelope)
	}
}

func (r *Relay) handleEvent(m *member, envelope wire.Envelope) {
	switch envelope.Event {
	case wire.EventNoteJoin:
		request, err := wire.DecodeRoomRequest(envelope.Data)
		if err != nil {
			r.logger.Warn("relay dropped malformed join", zap.Error(err))
			return
		}
		r.registry.join(request.NoteID, m)

	case wire.EventNoteLeave:
		request, err := wire.DecodeRoomRequest(envelope.Data)
		if err != nil {
			r.logger.Warn("relay dropped malformed leave", zap.Error(err))
			return
		}
		r.registry.leave(request.NoteID, m)

	case wire.EventNoteUpdate:
		update, err := wire.DecodeNoteUpdate(envelope.Data)
		if err != nil {
			r.logger.Warn("relay dropped malformed update", zap.Error(err))
			return
		}
		// A client may emit before its join settles; adopt it into the
		// room rather than dropping the update.
		if !r.registry.joined(update.NoteID, m) {
			r.registry.join(update.NoteID, m)
		}
		r.rebroadcast(m, update, envelope.Data)

	default:
		r.logger.Debug("relay ignored unknown event", zap.String("event", envelope.Event))
	}
}

func (r *Relay) rebroadcast(sender *member, update wire.NoteUpdate, payload json.RawMessage) {
	frame, err := json.Marshal(wire.Envelope{Event: wire.EventNoteUpdated, Data: payload})
	if err != nil {
		r.logger.Error("relay failed to frame update", zap.Error(err))
		return
	}

	delivered := r.registry.broadcast(update.NoteID, sender, frame)
	r.logger.Debug("relay rebroadcast update",
		zap.String("note_id", update.NoteID),
		zap.String("user_id", update.UserID),
		zap.Int("delivered", delivered))

	if r.bridge != nil {
		r.bridge.Publish(update.NoteID, frame)
	}
}

// deliverFromPeer fans out a frame published by another relay instance.
func (r *Relay) deliverFromPeer(noteID string, frame []byte) {
	r.registry.broadcast(noteID, nil, frame)
}

func (r *Relay) writePump(conn *websocket.Conn, m *member, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-m.stream:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}
