package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/callroom/internal/identity"
	"github.com/christopherjohns/callroom/internal/message"
	"github.com/christopherjohns/callroom/internal/ratelimit"
	"github.com/christopherjohns/callroom/internal/session"
)

const (
	defaultReadLimit = 64 << 10

	// cleanupTimeout bounds disconnect cleanup, which runs after the
	// request context is gone.
	cleanupTimeout = 5 * time.Second
)

// Admitter authenticates a connection before it is upgraded.
type Admitter interface {
	Admit(ctx context.Context, connID, credential string) (session.ConnectionSession, error)
}

// Rooms handles the room events of an admitted connection.
type Rooms interface {
	Join(ctx context.Context, connID, roomID string) error
	RelaySignal(ctx context.Context, connID string, payload json.RawMessage) error
	CloseRoom(ctx context.Context, connID string) error
	OnDisconnect(ctx context.Context, connID string) error
}

// Handler upgrades admitted requests to websockets and runs each
// connection's event loop.
type Handler struct {
	hub       *Hub
	gate      Admitter
	rooms     Rooms
	handshake ratelimit.Limiter
	signals   *ratelimit.Window
	readLimit int64
	origins   []string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandshakeLimiter limits upgrade attempts per client IP.
func WithHandshakeLimiter(l ratelimit.Limiter) HandlerOption {
	return func(h *Handler) {
		h.handshake = l
	}
}

// WithSignalLimiter limits signal events per connection.
func WithSignalLimiter(w *ratelimit.Window) HandlerOption {
	return func(h *Handler) {
		h.signals = w
	}
}

// WithReadLimit sets the maximum size in bytes of an inbound message.
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		h.readLimit = n
	}
}

// WithOriginPatterns restricts cross-origin upgrades to the given host
// patterns. Without patterns every origin is accepted.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) {
		h.origins = patterns
	}
}

// NewHandler creates a websocket Handler.
func NewHandler(hub *Hub, gate Admitter, rooms Rooms, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:       hub,
		gate:      gate,
		rooms:     rooms,
		readLimit: defaultReadLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP admits the request, upgrades it and runs the read loop.
// Rejected requests get a plain HTTP status and are never upgraded.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	logger := log.With().Str("module", "ws").Str("ip", ip).Logger()

	if h.handshake != nil {
		ok, err := h.handshake.Allow(r.Context(), ip)
		if err != nil {
			logger.Warn().Err(err).Msg("handshake limiter unavailable, allowing")
		}
		if !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	connID := uuid.NewString()
	logger = logger.With().Str("conn", connID).Logger()

	sess, err := h.gate.Admit(r.Context(), connID, credential(r))
	if err != nil {
		if errors.Is(err, identity.ErrAuthenticationFailed) {
			logger.Info().Err(err).Msg("connection rejected")
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		logger.Error().Err(err).Msg("admission failed")
		http.Error(w, "service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		logger.Warn().Err(err).Msg("accept failed")
		h.cleanup(connID)
		return
	}
	conn.SetReadLimit(h.readLimit)

	client := &Client{conn: conn, id: connID, userID: sess.UserID}
	connCtx := h.hub.register(client)
	if connCtx.Err() != nil {
		// Rejected by the connection manager, which closes the socket.
		h.cleanup(connID)
		return
	}
	defer func() {
		h.hub.unregister(client)
		if h.signals != nil {
			h.signals.Forget(connID)
		}
		h.cleanup(connID)
		conn.CloseNow()
	}()

	logger.Info().Str("user", sess.UserID).Str("role", string(sess.Role)).Msg("connection opened")
	h.readLoop(connCtx, client)
	logger.Info().Msg("connection closed")
}

// cleanup releases the connection's session state with a fresh context.
func (h *Handler) cleanup(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := h.rooms.OnDisconnect(ctx, connID); err != nil {
		log.Error().Str("module", "ws").Str("conn", connID).Err(err).Msg("disconnect cleanup failed")
	}
}

// readLoop handles the client's events in order until the connection
// closes or the connection manager cancels ctx.
func (h *Handler) readLoop(ctx context.Context, c *Client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		h.hub.ConnMgr().TouchActivity(c)

		var env message.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(c, "invalid message")
			continue
		}

		// Room errors have already been reported to the client.
		if err := h.dispatch(ctx, c, env); err != nil {
			log.Debug().Str("module", "ws").Str("conn", c.id).Str("type", string(env.Type)).Err(err).Msg("event failed")
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *Client, env message.Envelope) error {
	switch env.Type {
	case message.TypeJoinRoom:
		var p message.JoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(c, "invalid join-room payload")
			return err
		}
		return h.rooms.Join(ctx, c.id, strings.TrimSpace(p.RoomID))
	case message.TypeSignal:
		if h.signals != nil {
			if ok, _ := h.signals.Allow(ctx, c.id); !ok {
				h.sendError(c, "rate limit exceeded")
				return nil
			}
		}
		return h.rooms.RelaySignal(ctx, c.id, env.Payload)
	case message.TypeCloseRoom:
		return h.rooms.CloseRoom(ctx, c.id)
	default:
		h.sendError(c, fmt.Sprintf("unknown event type %q", env.Type))
		return nil
	}
}

// sendError reports a transport-level problem straight to the client.
func (h *Handler) sendError(c *Client, msg string) {
	data, err := message.Error(msg).Encode()
	if err != nil {
		return
	}
	h.hub.ConnMgr().Send(c, data)
}

// credential reads the caller's token from the Authorization header, or
// from the token query parameter for clients that cannot set headers.
func credential(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		return v
	}
	return r.URL.Query().Get("token")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
