package message

import "encoding/json"

// Type names an event carried over the socket.
type Type string

// Inbound events.
const (
	TypeJoinRoom  Type = "join-room"
	TypeCloseRoom Type = "close-room"
)

// Outbound events. TypeSignal travels in both directions.
const (
	TypeSignal       Type = "signal"
	TypeStartPeering Type = "start-peering"
	TypeRoomClosed   Type = "room-closed"
	TypeUserLeft     Type = "user-left"
	TypeError        Type = "error"
)

// Envelope is the JSON structure sent over the WebSocket.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is sent by the client to join a room.
type JoinPayload struct {
	RoomID string `json:"room_id"`
}

// StartPeeringPayload tells a peer whether it starts the negotiation.
type StartPeeringPayload struct {
	IsInitiator bool `json:"is_initiator"`
}

// RoomClosedPayload carries the call length at close.
type RoomClosedPayload struct {
	DurationSeconds int64 `json:"duration_seconds"`
}

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	Message string `json:"message"`
}

var emptyObject = json.RawMessage(`{}`)

func newEnvelope(t Type, v any) Envelope {
	// Only the fixed payload structs above reach here; they always marshal.
	data, _ := json.Marshal(v)
	return Envelope{Type: t, Payload: data}
}

// StartPeering builds a start-peering event.
func StartPeering(isInitiator bool) Envelope {
	return newEnvelope(TypeStartPeering, StartPeeringPayload{IsInitiator: isInitiator})
}

// Signal wraps an opaque negotiation payload without inspecting it.
func Signal(payload json.RawMessage) Envelope {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{Type: TypeSignal, Payload: payload}
}

// RoomClosed builds a room-closed event.
func RoomClosed(durationSeconds int64) Envelope {
	return newEnvelope(TypeRoomClosed, RoomClosedPayload{DurationSeconds: durationSeconds})
}

// UserLeft builds a user-left event.
func UserLeft() Envelope {
	return Envelope{Type: TypeUserLeft, Payload: emptyObject}
}

// Error builds an error event.
func Error(msg string) Envelope {
	return newEnvelope(TypeError, ErrorPayload{Message: msg})
}

// Encode returns the wire form of e.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
