package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/christopherjohns/callroom/internal/bus"
	"github.com/christopherjohns/callroom/internal/message"
)

// ErrUnknownConnection is returned when a connection is not held by
// this process.
var ErrUnknownConnection = errors.New("connection not held by this replica")

type frameKind uint8

const (
	frameToConn frameKind = iota + 1
	frameToRoom
	frameDisconnectRoom
)

// frame is one delivery instruction. Frames travel over the bus so that
// every replica can deliver to the connections it holds.
type frame struct {
	Kind   frameKind `msgpack:"k"`
	Conn   string    `msgpack:"c,omitempty"`
	Room   string    `msgpack:"r,omitempty"`
	Except string    `msgpack:"x,omitempty"`
	Data   []byte    `msgpack:"d,omitempty"`
}

// Hub groups the connections held by this process by room and delivers
// events to them. Without a bus, frames are delivered in-process only.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	room  map[string]string
	conns *ConnManager
	bus   bus.Bus
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBus routes every frame through b.
func WithBus(b bus.Bus) HubOption {
	return func(h *Hub) {
		h.bus = b
	}
}

// WithConnManager replaces the default connection manager.
func WithConnManager(cm *ConnManager) HubOption {
	return func(h *Hub) {
		h.conns = cm
	}
}

// NewHub creates a Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms: make(map[string]map[string]struct{}),
		room:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.conns == nil {
		h.conns = NewConnManager()
	}
	return h
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Run delivers frames from the bus until ctx is done. Without a bus it
// just waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	return h.bus.Subscribe(ctx, h.receive)
}

func (h *Hub) receive(data []byte) {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		log.Warn().Str("module", "ws").Err(err).Msg("discarding malformed frame")
		return
	}
	h.deliver(f)
}

// register adds the client to the connection manager.
func (h *Hub) register(c *Client) context.Context {
	return h.conns.Add(c)
}

// unregister drops the client from its room group and stops its write pump.
func (h *Hub) unregister(c *Client) {
	h.leave(c.id)
	h.conns.Remove(c)
}

// Join adds a locally held connection to roomID's group.
func (h *Hub) Join(ctx context.Context, connID, roomID string) error {
	if h.conns.Get(connID) == nil {
		return fmt.Errorf("ws: join %s: %w", connID, ErrUnknownConnection)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.room[connID]; ok && prev != roomID {
		h.removeLocked(connID, prev)
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]struct{})
	}
	h.rooms[roomID][connID] = struct{}{}
	h.room[connID] = roomID
	return nil
}

func (h *Hub) leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if roomID, ok := h.room[connID]; ok {
		h.removeLocked(connID, roomID)
	}
}

func (h *Hub) removeLocked(connID, roomID string) {
	delete(h.room, connID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// EmitTo sends env to connID wherever it is held.
func (h *Hub) EmitTo(ctx context.Context, connID string, env message.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return h.dispatch(ctx, frame{Kind: frameToConn, Conn: connID, Data: data})
}

// EmitToRoom sends env to every member of roomID except exceptConnID.
func (h *Hub) EmitToRoom(ctx context.Context, roomID, exceptConnID string, env message.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return h.dispatch(ctx, frame{Kind: frameToRoom, Room: roomID, Except: exceptConnID, Data: data})
}

// DisconnectRoom closes every member of roomID once its queued frames
// have been written.
func (h *Hub) DisconnectRoom(ctx context.Context, roomID string) error {
	return h.dispatch(ctx, frame{Kind: frameDisconnectRoom, Room: roomID})
}

func (h *Hub) dispatch(ctx context.Context, f frame) error {
	if h.bus == nil {
		h.deliver(f)
		return nil
	}
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return fmt.Errorf("ws: encode frame: %w", err)
	}
	return h.bus.Publish(ctx, data)
}

// deliver applies f to the connections held here. Connections held by
// other replicas are skipped.
func (h *Hub) deliver(f frame) {
	switch f.Kind {
	case frameToConn:
		if c := h.conns.Get(f.Conn); c != nil {
			h.conns.Send(c, f.Data)
		}
	case frameToRoom:
		for _, c := range h.members(f.Room, f.Except) {
			h.conns.Send(c, f.Data)
		}
	case frameDisconnectRoom:
		members := h.members(f.Room, "")
		h.mu.Lock()
		for _, c := range members {
			h.removeLocked(c.id, f.Room)
		}
		h.mu.Unlock()
		for _, c := range members {
			h.conns.Close(c, "room closed")
		}
	default:
		log.Warn().Str("module", "ws").Uint8("kind", uint8(f.Kind)).Msg("unknown frame kind")
	}
}

func (h *Hub) members(roomID, except string) []*Client {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		if id != except {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	out := make([]*Client, 0, len(ids))
	for _, id := range ids {
		if c := h.conns.Get(id); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// ClientCount returns the number of local connections in a room.
func (h *Hub) ClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
