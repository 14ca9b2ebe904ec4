package room

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/christopherjohns/callroom/internal/message"
	"github.com/christopherjohns/callroom/internal/session"
)

// Join attaches the connection to its role's slot in roomID. When the
// other slot is already held, the join completes pairing and both peers
// receive start-peering with exactly one initiator.
func (c *Coordinator) Join(ctx context.Context, connID, roomID string) error {
	if roomID == "" {
		return c.fail(ctx, connID, "join", fmt.Errorf("%w: room id is required", ErrInvalidState))
	}

	sess, err := c.connection(ctx, connID)
	if err != nil {
		return c.fail(ctx, connID, "join", err)
	}
	if sess.Bound() {
		return c.fail(ctx, connID, "join", fmt.Errorf("%w: already in room %s", ErrInvalidState, sess.RoomID))
	}
	role, ok := session.ParseRole(string(sess.Role))
	if !ok {
		return c.fail(ctx, connID, "join", fmt.Errorf("%w: role %q cannot join", ErrForbidden, sess.Role))
	}
	slot := role.SlotField()

	fields, err := c.store.GetRoomFields(ctx, roomID, role.ExpectedField(), slot, session.FieldDuration)
	if err != nil {
		return c.fail(ctx, connID, "join", err)
	}
	if fields.Has(session.FieldDuration) {
		return c.fail(ctx, connID, "join", roomClosed(roomID))
	}
	if expected, ok := fields.Get(role.ExpectedField()); ok && expected != sess.UserID {
		return c.fail(ctx, connID, "join", fmt.Errorf("%w: %s slot of room %s belongs to another user", ErrForbidden, role, roomID))
	}
	if holder, ok := fields.Get(slot); ok && holder != connID {
		return c.fail(ctx, connID, "join", fmt.Errorf("%w: %s slot of room %s", ErrConflict, role, roomID))
	}

	var g errgroup.Group
	g.Go(func() error { return c.emitter.Join(ctx, connID, roomID) })
	g.Go(func() error { return c.store.SetConnectionRoom(ctx, connID, roomID) })
	g.Go(func() error { return c.store.SetRoomField(ctx, roomID, slot, connID) })
	if err := g.Wait(); err != nil {
		return c.fail(ctx, connID, "join", err)
	}

	logger := log.With().Str("module", "room").Str("room", roomID).Str("conn", connID).Logger()
	logger.Info().Str("role", string(role)).Str("user", sess.UserID).Msg("joined room")

	other, err := c.store.GetRoomFields(ctx, roomID, role.Other().SlotField())
	if err != nil {
		return c.fail(ctx, connID, "join", err)
	}
	peerID, ok := other.Get(role.Other().SlotField())
	if !ok {
		return nil
	}

	// A repeated pairing keeps the original start time.
	if _, err := c.store.SetRoomFieldNX(ctx, roomID, session.FieldStartedAt, session.EncodeTime(c.now())); err != nil {
		return c.fail(ctx, connID, "join", err)
	}

	initiator := c.coin()
	if err := c.emitter.EmitTo(ctx, connID, message.StartPeering(initiator)); err != nil {
		return c.fail(ctx, connID, "join", err)
	}
	if err := c.emitter.EmitTo(ctx, peerID, message.StartPeering(!initiator)); err != nil {
		return c.fail(ctx, connID, "join", err)
	}
	logger.Info().Str("peer", peerID).Bool("initiator", initiator).Msg("room paired")
	return nil
}
