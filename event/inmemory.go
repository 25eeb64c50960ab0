package event

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/loomworks/loom/logger"
)

// InMemoryBus is a process-local Bus on watermill's gochannel pub/sub.
type InMemoryBus struct {
	pubsub *gochannel.GoChannel

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// NewInMemoryBus creates an in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}),
		subs:   map[string]context.CancelFunc{},
	}
}

func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	return b.pubsub.Publish(topic, msg)
}

func (b *InMemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) (string, error) {
	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return "", err
	}

	handle := uuid.NewString()
	b.mu.Lock()
	b.subs[handle] = cancel
	b.mu.Unlock()

	go func() {
		for msg := range messages {
			var payload map[string]any
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				logger.Warnw("dropping undecodable event", "topic", topic, "error", err)
				msg.Ack()
				continue
			}
			handler(payload)
			msg.Ack()
		}
	}()
	return handle, nil
}

func (b *InMemoryBus) Unsubscribe(handle string) {
	b.mu.Lock()
	cancel, ok := b.subs[handle]
	if ok {
		delete(b.subs, handle)
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	for handle, cancel := range b.subs {
		cancel()
		delete(b.subs, handle)
	}
	b.mu.Unlock()
	return b.pubsub.Close()
}
