// Package room coordinates two-party call rooms: joining a role slot,
// pairing, relaying negotiation payloads and closing.
//
// The Coordinator keeps nothing in memory between events. Every decision
// is made against the session store, so any number of replicas can serve
// connections for the same room. Pairing is a read-then-decide sequence
// without a lock; two racing joins may both pass the checks before either
// write lands. That window is accepted for a human-paced two-party flow.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/christopherjohns/callroom/internal/message"
	"github.com/christopherjohns/callroom/internal/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("slot already occupied")
)

// Store is the subset of the session store the Coordinator needs.
type Store interface {
	GetConnectionSession(ctx context.Context, connID string) (*session.ConnectionSession, error)
	SetConnectionRoom(ctx context.Context, connID, roomID string) error
	DeleteConnectionSession(ctx context.Context, connID string) error
	GetRoomFields(ctx context.Context, roomID string, fields ...session.RoomField) (session.RoomFields, error)
	SetRoomField(ctx context.Context, roomID string, field session.RoomField, value string) error
	SetRoomFieldNX(ctx context.Context, roomID string, field session.RoomField, value string) (bool, error)
	DeleteRoomField(ctx context.Context, roomID string, field session.RoomField) error
}

// Emitter delivers events to connections, wherever they are attached.
type Emitter interface {
	// Join adds a connection held by this process to a room group.
	Join(ctx context.Context, connID, roomID string) error
	EmitTo(ctx context.Context, connID string, env message.Envelope) error
	// EmitToRoom sends to every member of roomID except exceptConnID (if set).
	EmitToRoom(ctx context.Context, roomID, exceptConnID string, env message.Envelope) error
	// DisconnectRoom closes every member of roomID after pending events flush.
	DisconnectRoom(ctx context.Context, roomID string) error
}

// State is the derived lifecycle state of a room.
type State string

const (
	StateEmpty          State = "empty"
	StateSingleOccupant State = "single_occupant"
	StatePaired         State = "paired"
	StateClosed         State = "closed"
)

// StateOf derives the state of r. A nil room is empty.
func StateOf(r *session.RoomSession) State {
	switch {
	case r == nil:
		return StateEmpty
	case r.Closed:
		return StateClosed
	case r.PatientConnectionID != "" && r.DoctorConnectionID != "":
		return StatePaired
	case r.PatientConnectionID != "" || r.DoctorConnectionID != "":
		return StateSingleOccupant
	}
	return StateEmpty
}

// Coordinator runs the room state machine.
type Coordinator struct {
	store   Store
	emitter Emitter
	now     func() time.Time
	coin    func() bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithCoin overrides the initiator choice.
func WithCoin(coin func() bool) Option {
	return func(c *Coordinator) {
		c.coin = coin
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, emitter Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		emitter: emitter,
		now:     time.Now,
		coin:    func() bool { return rand.IntN(2) == 0 },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RelaySignal forwards payload verbatim to the other members of the
// connection's room.
func (c *Coordinator) RelaySignal(ctx context.Context, connID string, payload json.RawMessage) error {
	sess, err := c.connection(ctx, connID)
	if err != nil {
		return c.fail(ctx, connID, "signal", err)
	}
	if !sess.Bound() {
		return c.fail(ctx, connID, "signal", notInRoom(ErrInvalidState))
	}
	if err := c.emitter.EmitToRoom(ctx, sess.RoomID, connID, message.Signal(payload)); err != nil {
		return c.fail(ctx, connID, "signal", err)
	}
	return nil
}

func (c *Coordinator) connection(ctx context.Context, connID string) (*session.ConnectionSession, error) {
	sess, err := c.store.GetConnectionSession(ctx, connID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}
