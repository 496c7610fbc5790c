package communicator

import (
	"context"
	"time"
)

// SyncPointEvent is published when a sample is selected for transmission.
type SyncPointEvent struct {
	EventID   string    `json:"event_id"`
	DeviceID  string    `json:"device_id"`
	Timestamp int64     `json:"timestamp"`
	Reason    string    `json:"reason"`
	Delivered bool      `json:"delivered"`
	At        time.Time `json:"at"`
}

// DrainEvent summarises one drain run.
type DrainEvent struct {
	EventID   string    `json:"event_id"`
	DeviceID  string    `json:"device_id"`
	Forced    bool      `json:"forced"`
	Batches   int       `json:"batches"`
	Delivered int       `json:"delivered"`
	Skipped   string    `json:"skipped,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher receives tracker events. Implementations must not block ingestion
// for long; callers pass a bounded context.
type Publisher interface {
	PublishSyncPoint(ctx context.Context, ev SyncPointEvent) error
	PublishDrain(ctx context.Context, ev DrainEvent) error
	Close() error
}

// NopPublisher discards every event. Used when no Kafka brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishSyncPoint(context.Context, SyncPointEvent) error { return nil }
func (NopPublisher) PublishDrain(context.Context, DrainEvent) error         { return nil }
func (NopPublisher) Close() error                                          { return nil }
