//go:build integration

package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// newContainerStore starts a disposable Redis so the store is exercised
// against the real server's hash and TTL semantics.
func newContainerStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
	return NewRedisStore(client), client
}

func TestIntegrationSetRoomField(t *testing.T) {
	s, client := newContainerStore(t)
	ctx := context.Background()
	roomID, patientID := uuid.NewString(), uuid.NewString()

	if err := s.SetRoomField(ctx, roomID, FieldPatientID, patientID); err != nil {
		t.Fatalf("set room field: %v", err)
	}
	got, err := client.HGet(ctx, "room:"+roomID, "PatientID").Result()
	if err != nil {
		t.Fatalf("hget: %v", err)
	}
	if got != patientID {
		t.Errorf("expected %q, got %q", patientID, got)
	}
	ttl, err := client.TTL(ctx, "room:"+roomID).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > DefaultRetention {
		t.Errorf("expected TTL within retention, got %v", ttl)
	}
}

func TestIntegrationGetRoomFields(t *testing.T) {
	s, client := newContainerStore(t)
	ctx := context.Background()
	roomID := uuid.NewString()
	doctorID, connID := uuid.NewString(), uuid.NewString()

	if err := client.HSet(ctx, "room:"+roomID, "DoctorID", doctorID, "DoctorSocketID", connID).Err(); err != nil {
		t.Fatalf("hset: %v", err)
	}

	fields, err := s.GetRoomFields(ctx, roomID, FieldDoctorID, FieldDoctorConnection, FieldPatientID)
	if err != nil {
		t.Fatalf("get room fields: %v", err)
	}
	if fields[FieldDoctorID] != doctorID || fields[FieldDoctorConnection] != connID {
		t.Errorf("unexpected fields: %v", fields)
	}
	if fields.Has(FieldPatientID) {
		t.Error("expected PatientID to be absent")
	}
}
