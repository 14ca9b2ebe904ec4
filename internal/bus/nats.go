package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS is a Bus over a core NATS subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

// NewNATS connects to the NATS server at url and keeps reconnecting
// for as long as the process runs.
func NewNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("callroom"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Str("module", "bus").Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("module", "bus").Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect nats: %w", err)
	}
	return &NATS{conn: conn, subject: Subject}, nil
}

// Publish sends frame to every subscribed replica.
func (n *NATS) Publish(ctx context.Context, frame []byte) error {
	if n.conn.IsClosed() || n.conn.IsDraining() {
		return ErrClosed
	}
	if err := n.conn.Publish(n.subject, frame); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Subscribe delivers frames to fn until ctx is done.
func (n *NATS) Subscribe(ctx context.Context, fn func(frame []byte)) error {
	sub, err := n.conn.Subscribe(n.subject, func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", n.subject, err)
	}
	// Make sure the server has registered interest before returning control.
	if err := n.conn.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("bus: subscribe %s: %w", n.subject, err)
	}
	log.Info().Str("module", "bus").Str("subject", n.subject).Msg("subscribed")

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && n.conn.IsConnected() {
		return fmt.Errorf("bus: unsubscribe %s: %w", n.subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	return n.conn.Drain()
}
