package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/callroom/internal/message"
)

// unavailableMessage is what clients see for infrastructure failures.
const unavailableMessage = "service temporarily unavailable"

func notInRoom(kind error) error {
	return fmt.Errorf("%w: connection is not in a room", kind)
}

func roomClosed(roomID string) error {
	return fmt.Errorf("%w: room %s is closed", ErrInvalidState, roomID)
}

// clientMessage renders err for the connection that triggered it.
func clientMessage(err error) string {
	for _, known := range []error{ErrSessionNotFound, ErrForbidden, ErrInvalidState, ErrConflict} {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return unavailableMessage
}

// fail reports err to connID as an error event and returns it.
func (c *Coordinator) fail(ctx context.Context, connID, op string, err error) error {
	logger := log.With().Str("module", "room").Str("conn", connID).Str("op", op).Logger()
	if clientMessage(err) == unavailableMessage {
		logger.Error().Err(err).Msg("operation failed")
	} else {
		logger.Warn().Err(err).Msg("operation rejected")
	}

	if emitErr := c.emitter.EmitTo(ctx, connID, message.Error(clientMessage(err))); emitErr != nil {
		logger.Error().Err(emitErr).Msg("failed to report error to connection")
	}
	return fmt.Errorf("room: %s: %w", op, err)
}
