// Package pubsub provides the per-machine and per-user publish/subscribe
// channels the relay uses for event fan-out. The in-memory broker serves a
// single hub process; the Redis broker lets multiple hub nodes relay events
// for browsers and agents connected to different nodes.
package pubsub

import "context"

// Handler receives the raw payload published to a subscribed topic.
// Delivery is at-most-once, best-effort: a slow subscriber drops messages
// rather than blocking the publisher.
type Handler func(payload []byte)

// Broker is the fan-out seam between relay nodes.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a handler for a topic and returns a cancel
	// function that removes the subscription.
	Subscribe(topic string, h Handler) (cancel func(), err error)
	Close() error
}

// UserTopic is the channel carrying browser-bound events for one user.
func UserTopic(userID string) string { return "user:" + userID }

// MachineTopic is the channel carrying agent-bound commands for one machine.
func MachineTopic(machineID string) string { return "machine:" + machineID }
