// Package gate admits new connections: it resolves the caller's identity
// and writes the connection's session record before any room event is
// processed. A connection is either rejected or admitted, never both.
package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/callroom/internal/identity"
	"github.com/christopherjohns/callroom/internal/session"
)

// SessionWriter persists the record of an admitted connection.
type SessionWriter interface {
	SetConnectionSession(ctx context.Context, sess session.ConnectionSession) error
}

// Gatekeeper authenticates connections.
type Gatekeeper struct {
	resolver identity.Resolver
	sessions SessionWriter
}

// New creates a Gatekeeper.
func New(resolver identity.Resolver, sessions SessionWriter) *Gatekeeper {
	return &Gatekeeper{resolver: resolver, sessions: sessions}
}

// Admit resolves credential and records connID as an unbound session.
// On any error nothing has been written.
func (g *Gatekeeper) Admit(ctx context.Context, connID, credential string) (session.ConnectionSession, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return session.ConnectionSession{}, fmt.Errorf("%w: missing credential", identity.ErrAuthenticationFailed)
	}

	user, err := g.resolver.Resolve(ctx, credential)
	if err != nil {
		return session.ConnectionSession{}, err
	}
	role, ok := session.ParseRole(user.Role)
	if !ok {
		return session.ConnectionSession{}, fmt.Errorf("%w: unsupported role %q", identity.ErrAuthenticationFailed, user.Role)
	}

	sess := session.ConnectionSession{
		ConnectionID: connID,
		UserID:       user.ID,
		Role:         role,
	}
	if err := g.sessions.SetConnectionSession(ctx, sess); err != nil {
		return session.ConnectionSession{}, fmt.Errorf("gate: record session: %w", err)
	}

	log.Debug().Str("module", "gate").Str("conn", connID).Str("user", user.ID).Str("role", string(role)).Msg("connection admitted")
	return sess, nil
}
