package relay

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const bridgeChannel = "scribepad:note_events"

type bridgeEvent struct {
	InstanceID string          `json:"instance_id"`
	NoteID     string          `json:"note_id"`
	Frame      json.RawMessage `json:"frame"`
}

// Bridge propagates room broadcasts across relay instances through Redis
// pub/sub, so collaborators connected to different instances still receive
// each other's updates. It is optional; a single-instance deployment runs
// without one.
type Bridge struct {
	rdb        *redis.Client
	instanceID string
	logger     *zap.Logger
	deliver    func(noteID string, frame []byte)
}

// BridgeConfig describes the dependencies of the cross-instance bridge.
type BridgeConfig struct {
	Redis  *redis.Client
	Logger *zap.Logger
}

// NewBridge constructs a Bridge bound to the given Redis client.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		rdb:        cfg.Redis,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// Publish forwards a broadcast frame to peer instances. Publish failures are
// logged and otherwise ignored; local room members already got the frame.
func (b *Bridge) Publish(noteID string, frame []byte) {
	event := bridgeEvent{
		InstanceID: b.instanceID,
		NoteID:     noteID,
		Frame:      frame,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("bridge failed to encode event", zap.Error(err))
		return
	}
	if err := b.rdb.Publish(context.Background(), bridgeChannel, payload).Err(); err != nil {
		b.logger.Warn("bridge publish failed", zap.String("note_id", noteID), zap.Error(err))
	}
}

// Run subscribes to the bridge channel and fans peer frames out to local
// rooms until the context is canceled.
func (b *Bridge) Run(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, bridgeChannel)
	defer func() { _ = pubsub.Close() }()

	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-channel:
			if !ok {
				return
			}
			var event bridgeEvent
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				b.logger.Warn("bridge dropped malformed event", zap.Error(err))
				continue
			}
			if event.InstanceID == b.instanceID {
				continue
			}
			if b.deliver != nil {
				b.deliver(event.NoteID, event.Frame)
			}
		}
	}
}
