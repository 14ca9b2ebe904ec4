// Package server exposes the relay over HTTP: the websocket endpoint, a
// health check and read-only room snapshots.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/callroom/internal/room"
	"github.com/christopherjohns/callroom/internal/session"
	"github.com/christopherjohns/callroom/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// RoomReader loads room records for snapshots.
type RoomReader interface {
	GetRoom(ctx context.Context, roomID string) (*session.RoomSession, error)
}

// Server is the main HTTP server for the relay.
type Server struct {
	addr   string
	engine *gin.Engine
	socket http.Handler
	rooms  RoomReader
	conns  *ws.ConnManager
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithSocket mounts h at GET /socket.
func WithSocket(h http.Handler) Option {
	return func(s *Server) {
		s.socket = h
	}
}

// WithRooms enables GET /api/rooms/:id.
func WithRooms(r RoomReader) Option {
	return func(s *Server) {
		s.rooms = r
	}
}

// WithConnManager enables GET /api/stats and closes connections on shutdown.
func WithConnManager(cm *ws.ConnManager) Option {
	return func(s *Server) {
		s.conns = cm
	}
}

// New creates a Server listening on addr.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	if gin.Mode() == gin.DebugMode {
		s.engine.Use(gin.Logger())
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthcheck", s.handleHealth)
	if s.socket != nil {
		s.engine.GET("/socket", gin.WrapH(s.socket))
	}

	api := s.engine.Group("/api")
	if s.rooms != nil {
		api.GET("/rooms/:id", s.handleGetRoom)
	}
	if s.conns != nil {
		api.GET("/stats", s.handleStats)
	}
}

// Run serves until ctx is done, then shuts down gracefully: websockets
// are closed first, then in-flight requests get shutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("module", "server").Str("addr", s.addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	log.Info().Str("module", "server").Msg("shutting down")
	if s.conns != nil {
		s.conns.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

type roomSnapshot struct {
	RoomID          string     `json:"room_id"`
	State           room.State `json:"state"`
	StartedAt       *time.Time `json:"started_at"`
	DurationSeconds *int64     `json:"duration_seconds"`
	PatientJoined   bool       `json:"patient_joined"`
	DoctorJoined    bool       `json:"doctor_joined"`
}

func (s *Server) handleGetRoom(c *gin.Context) {
	id := c.Param("id")
	r, err := s.rooms.GetRoom(c.Request.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	case err != nil:
		log.Error().Str("module", "server").Str("room", id).Err(err).Msg("room lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
		return
	}

	snap := roomSnapshot{
		RoomID:        id,
		State:         room.StateOf(r),
		PatientJoined: r.PatientConnectionID != "",
		DoctorJoined:  r.DoctorConnectionID != "",
	}
	if r.Started() {
		started := r.StartedAt.UTC()
		snap.StartedAt = &started
	}
	if r.Closed {
		d := int64(r.Duration / time.Second)
		snap.DurationSeconds = &d
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.conns.Stats())
}
