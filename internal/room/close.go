package room

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/christopherjohns/callroom/internal/message"
	"github.com/christopherjohns/callroom/internal/session"
)

// CloseRoom ends a paired call. Only a doctor bound to the room may close
// it. Every member receives room-closed and is then disconnected.
func (c *Coordinator) CloseRoom(ctx context.Context, connID string) error {
	sess, err := c.connection(ctx, connID)
	if err != nil {
		return c.fail(ctx, connID, "close", err)
	}
	if role, _ := session.ParseRole(string(sess.Role)); role != session.RoleDoctor {
		return c.fail(ctx, connID, "close", fmt.Errorf("%w: only a doctor can close the room", ErrForbidden))
	}
	if !sess.Bound() {
		return c.fail(ctx, connID, "close", notInRoom(ErrForbidden))
	}
	roomID := sess.RoomID

	fields, err := c.store.GetRoomFields(ctx, roomID, session.FieldStartedAt, session.FieldDuration)
	if err != nil {
		return c.fail(ctx, connID, "close", err)
	}
	if fields.Has(session.FieldDuration) {
		return c.fail(ctx, connID, "close", roomClosed(roomID))
	}
	raw, ok := fields.Get(session.FieldStartedAt)
	if !ok {
		return c.fail(ctx, connID, "close", fmt.Errorf("%w: call in room %s has not started", ErrInvalidState, roomID))
	}
	startedAt, err := session.DecodeTime(raw)
	if err != nil {
		return c.fail(ctx, connID, "close", fmt.Errorf("room: bad start time %q: %w", raw, err))
	}

	// Replica clocks may disagree slightly.
	secs := max(int64(c.now().Sub(startedAt).Seconds()), 0)
	// Duration is written once.
	wrote, err := c.store.SetRoomFieldNX(ctx, roomID, session.FieldDuration, strconv.FormatInt(secs, 10))
	if err != nil {
		return c.fail(ctx, connID, "close", err)
	}
	if !wrote {
		return c.fail(ctx, connID, "close", roomClosed(roomID))
	}
	if err := c.emitter.EmitToRoom(ctx, roomID, "", message.RoomClosed(secs)); err != nil {
		return c.fail(ctx, connID, "close", err)
	}
	if err := c.emitter.DisconnectRoom(ctx, roomID); err != nil {
		return c.fail(ctx, connID, "close", err)
	}

	log.Info().Str("module", "room").Str("room", roomID).Str("conn", connID).Int64("duration_seconds", secs).Msg("room closed")
	return nil
}

// OnDisconnect removes the connection's record and frees its slot. It
// never reports to the connection, which is already gone. An unknown
// connection is a no-op.
func (c *Coordinator) OnDisconnect(ctx context.Context, connID string) error {
	sess, err := c.connection(ctx, connID)
	if errors.Is(err, ErrSessionNotFound) {
		log.Debug().Str("module", "room").Str("conn", connID).Msg("disconnect for unknown connection, nothing to clean up")
		return nil
	}
	if err != nil {
		return fmt.Errorf("room: disconnect %s: %w", connID, err)
	}

	// The two cleanups are independent; neither rolls back the other.
	var g errgroup.Group
	g.Go(func() error {
		return c.store.DeleteConnectionSession(ctx, connID)
	})
	if sess.Bound() {
		roomID := sess.RoomID
		g.Go(func() error {
			var errs []error
			if role, ok := session.ParseRole(string(sess.Role)); ok {
				errs = append(errs, c.store.DeleteRoomField(ctx, roomID, role.SlotField()))
			}
			errs = append(errs, c.emitter.EmitToRoom(ctx, roomID, connID, message.UserLeft()))
			return errors.Join(errs...)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("room: disconnect %s: %w", connID, err)
	}

	log.Info().Str("module", "room").Str("room", sess.RoomID).Str("conn", connID).Msg("connection cleaned up")
	return nil
}
