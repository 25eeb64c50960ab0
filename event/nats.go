package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	stan "github.com/nats-io/stan.go"

	"github.com/loomworks/loom/logger"
)

// NATSBus is a Bus backed by NATS Streaming, for deployments where resumed
// runs and event publishers live in different processes.
type NATSBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// NewNATSBus connects to a NATS Streaming cluster.
func NewNATSBus(clusterID, clientID, url string) (*NATSBus, error) {
	wmLogger := watermill.NewStdLogger(false, false)
	pub, err := wnats.NewStreamingPublisher(wnats.StreamingPublisherConfig{
		ClusterID: clusterID,
		ClientID:  clientID + "-pub",
		StanOptions: []stan.Option{
			stan.NatsURL(url),
		},
	}, wmLogger)
	if err != nil {
		return nil, err
	}
	sub, err := wnats.NewStreamingSubscriber(wnats.StreamingSubscriberConfig{
		ClusterID: clusterID,
		ClientID:  clientID + "-sub",
		StanOptions: []stan.Option{
			stan.NatsURL(url),
		},
		CloseTimeout:   30 * time.Second,
		AckWaitTimeout: 30 * time.Second,
	}, wmLogger)
	if err != nil {
		pub.Close()
		return nil, err
	}
	return &NATSBus{
		publisher:  pub,
		subscriber: sub,
		subs:       map[string]context.CancelFunc{},
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	return b.publisher.Publish(topic, msg)
}

func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler Handler) (string, error) {
	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.subscriber.Subscribe(subCtx, topic)
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

func (b *NATSBus) Unsubscribe(handle string) {
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

func (b *NATSBus) Close() error {
	b.mu.Lock()
	for handle, cancel := range b.subs {
		cancel()
		delete(b.subs, handle)
	}
	b.mu.Unlock()
	if err := b.publisher.Close(); err != nil {
		return err
	}
	return b.subscriber.Close()
}
