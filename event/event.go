// Package event provides the publish/subscribe bus that connects flow
// triggers, await_event steps, and the core event.publish tool.
package event

import "context"

// Handler receives a decoded event payload.
type Handler func(payload map[string]any)

// Bus is the engine's pub/sub surface. The in-memory implementation backs
// single-process deployments; the NATS implementation spans processes.
type Bus interface {
	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload map[string]any) error
	// Subscribe registers handler for topic and returns a subscription
	// handle for Unsubscribe.
	Subscribe(ctx context.Context, topic string, handler Handler) (string, error)
	// Unsubscribe removes a subscription by handle. Unknown handles are a
	// no-op.
	Unsubscribe(handle string)
	// Close tears the bus down.
	Close() error
}
