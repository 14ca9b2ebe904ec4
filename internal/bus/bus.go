// Package bus carries hub frames between relay replicas so a connection
// held by one process can receive events produced on another.
package bus

import (
	"context"
	"errors"
)

const (
	// Channel is the Redis pub/sub channel used by Redis.
	Channel = "callroom:events"
	// Subject is the NATS subject used by NATS.
	Subject = "callroom.events"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus closed")

// Bus is a broadcast channel shared by every replica. Every published
// frame is delivered to every subscriber, including the publisher's own.
type Bus interface {
	Publish(ctx context.Context, frame []byte) error
	// Subscribe calls fn for each frame until ctx is done. It returns
	// once the subscription is established and torn down again, or on a
	// subscription error.
	Subscribe(ctx context.Context, fn func(frame []byte)) error
	Close() error
}
