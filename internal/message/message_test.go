package message

import (
	"encoding/json"
	"testing"
)

func TestSignalIsVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"sdp":"x","nested":{"a":[1,2]}}`)
	data, err := Signal(raw).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeSignal {
		t.Errorf("expected type 'signal', got %q", env.Type)
	}
	if string(env.Payload) != string(raw) {
		t.Errorf("payload changed: got %s", env.Payload)
	}
}

func TestSignalEmptyPayload(t *testing.T) {
	if got := string(Signal(nil).Payload); got != "null" {
		t.Errorf("expected null payload, got %s", got)
	}
}

func TestStartPeeringWireForm(t *testing.T) {
	data, err := StartPeering(true).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"start-peering","payload":{"is_initiator":true}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestRoomClosedWireForm(t *testing.T) {
	data, _ := RoomClosed(90).Encode()
	want := `{"type":"room-closed","payload":{"duration_seconds":90}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestErrorAndUserLeftWireForm(t *testing.T) {
	data, _ := Error("forbidden").Encode()
	if want := `{"type":"error","payload":{"message":"forbidden"}}`; string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
	data, _ = UserLeft().Encode()
	if want := `{"type":"user-left","payload":{}}`; string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}
