package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Reply answers a message received through Request.
	// It is a no-op for messages that expect no reply.
	Reply(ctx context.Context, msg *Message, payload []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`

	// ReplyTo is set when the sender waits for an answer.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"natsUrl"`
	NATSToken         string `json:"natsToken" yaml:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"natsReconnectWait"` // seconds
}

// Topic names for dataset lifecycle and outreach events.
const (
	TopicDatasetReload      = "dataset.reload"
	TopicDatasetReloaded    = "dataset.reloaded"
	TopicOutreachLikelyLost = "outreach.likely_lost"
	TopicOutreachSegment    = "outreach.segment"
)

// ReloadRequest asks the reload worker to refresh the dataset.
type ReloadRequest struct {
	RequestID   string `json:"requestId"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// ReloadResult is published after a dataset swap and returned to
// request-reply callers.
type ReloadResult struct {
	RequestID   string `json:"requestId"`
	Fingerprint string `json:"fingerprint"`
	Rows        int    `json:"rows"`
	Pairs       int    `json:"pairs"`
	Rebuilt     bool   `json:"rebuilt"`
	DurationMs  int64  `json:"durationMs"`
	Error       string `json:"error,omitempty"`
}

// OutreachEvent summarises the recovery list after a reload.
type OutreachEvent struct {
	Fingerprint        string   `json:"fingerprint"`
	Segment            string   `json:"segment,omitempty"`
	Count              int      `json:"count"`
	TotalLifetimeValue float64  `json:"totalLifetimeValue"`
	TopPairs           []string `json:"topPairs"`
}
