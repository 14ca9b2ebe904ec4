package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetention caps how long room and connection records live in Redis.
const DefaultRetention = 24 * time.Hour

func roomKey(roomID string) string {
	return "room:" + roomID
}

func connectionKey(connID string) string {
	return "connection:" + connID
}

// RedisStore keeps room and connection records as one Redis hash each.
// It holds no state of its own, so any number of replicas may share it.
type RedisStore struct {
	client    redis.Cmdable
	retention time.Duration
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithRetention sets the TTL refreshed on every write. Zero disables expiry.
func WithRetention(d time.Duration) Option {
	return func(s *RedisStore) {
		s.retention = d
	}
}

// NewRedisStore creates a RedisStore over client.
func NewRedisStore(client redis.Cmdable, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:    client,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, key, err)
}

// write runs fn in a pipeline and refreshes the key's TTL in the same round trip.
func (s *RedisStore) write(ctx context.Context, op, key string, fn func(redis.Pipeliner)) error {
	pipe := s.client.Pipeline()
	fn(pipe)
	if s.retention > 0 {
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(op, key, err)
	}
	return nil
}

// SetRoomField upserts a single room field.
func (s *RedisStore) SetRoomField(ctx context.Context, roomID string, field RoomField, value string) error {
	key := roomKey(roomID)
	return s.write(ctx, "hset", key, func(p redis.Pipeliner) {
		p.HSet(ctx, key, string(field), value)
	})
}

// SetRoomFieldNX sets field only if it is absent and reports whether it wrote.
func (s *RedisStore) SetRoomFieldNX(ctx context.Context, roomID string, field RoomField, value string) (bool, error) {
	key := roomKey(roomID)
	var cmd *redis.BoolCmd
	err := s.write(ctx, "hsetnx", key, func(p redis.Pipeliner) {
		cmd = p.HSetNX(ctx, key, string(field), value)
	})
	if err != nil {
		return false, err
	}
	return cmd.Val(), nil
}

// GetRoomFields reads the requested fields in one round trip.
func (s *RedisStore) GetRoomFields(ctx context.Context, roomID string, fields ...RoomField) (RoomFields, error) {
	key := roomKey(roomID)
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	vals, err := s.client.HMGet(ctx, key, names...).Result()
	if err != nil {
		return nil, unavailable("hmget", key, err)
	}
	out := make(RoomFields, len(fields))
	for i, v := range vals {
		if str, ok := v.(string); ok && str != "" {
			out[fields[i]] = str
		}
	}
	return out, nil
}

// DeleteRoomField removes a single room field.
func (s *RedisStore) DeleteRoomField(ctx context.Context, roomID string, field RoomField) error {
	key := roomKey(roomID)
	if err := s.client.HDel(ctx, key, string(field)).Err(); err != nil {
		return unavailable("hdel", key, err)
	}
	return nil
}

// BothSlotsOccupied reports whether patient and doctor slots are both held.
func (s *RedisStore) BothSlotsOccupied(ctx context.Context, roomID string) (bool, error) {
	key := roomKey(roomID)
	pipe := s.client.Pipeline()
	patient := pipe.HExists(ctx, key, string(FieldPatientConnection))
	doctor := pipe.HExists(ctx, key, string(FieldDoctorConnection))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable("hexists", key, err)
	}
	return patient.Val() && doctor.Val(), nil
}

// GetRoom reads and decodes the whole room record.
func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (*RoomSession, error) {
	key := roomKey(roomID)
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable("hgetall", key, err)
	}
	fields := make(RoomFields, len(vals))
	for k, v := range vals {
		if v != "" {
			fields[RoomField(k)] = v
		}
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	r := &RoomSession{
		ID:                  roomID,
		PatientID:           fields[FieldPatientID],
		DoctorID:            fields[FieldDoctorID],
		AppointmentID:       fields[FieldAppointmentID],
		PatientConnectionID: fields[FieldPatientConnection],
		DoctorConnectionID:  fields[FieldDoctorConnection],
	}
	if v, ok := fields.Get(FieldStartedAt); ok {
		if r.StartedAt, err = DecodeTime(v); err != nil {
			return nil, fmt.Errorf("session: room %s: bad %s %q: %w", roomID, FieldStartedAt, v, err)
		}
	}
	if v, ok := fields.Get(FieldDuration); ok {
		secs, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("session: room %s: bad %s %q: %w", roomID, FieldDuration, v, err)
		}
		r.Duration = time.Duration(secs) * time.Second
		r.Closed = true
	}
	return r, nil
}

// SetConnectionSession writes the whole connection record.
func (s *RedisStore) SetConnectionSession(ctx context.Context, sess ConnectionSession) error {
	key := connectionKey(sess.ConnectionID)
	return s.write(ctx, "hset", key, func(p redis.Pipeliner) {
		p.HSet(ctx, key,
			fieldUserID, sess.UserID,
			fieldUserRole, string(sess.Role),
			fieldRoomID, sess.RoomID,
		)
	})
}

// SetConnectionRoom binds a connection record to roomID.
func (s *RedisStore) SetConnectionRoom(ctx context.Context, connID, roomID string) error {
	key := connectionKey(connID)
	return s.write(ctx, "hset", key, func(p redis.Pipeliner) {
		p.HSet(ctx, key, fieldRoomID, roomID)
	})
}

// GetConnectionSession returns ErrNotFound for a missing or all-empty record.
// Every read also refreshes the record's TTL, so a connection that stays
// open keeps its record for as long as it sends events.
func (s *RedisStore) GetConnectionSession(ctx context.Context, connID string) (*ConnectionSession, error) {
	key := connectionKey(connID)
	pipe := s.client.Pipeline()
	get := pipe.HMGet(ctx, key, fieldUserID, fieldUserRole, fieldRoomID)
	if s.retention > 0 {
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("hmget", key, err)
	}
	vals := get.Val()
	str := make([]string, len(vals))
	empty := true
	for i, v := range vals {
		str[i], _ = v.(string)
		if str[i] != "" {
			empty = false
		}
	}
	if empty {
		return nil, ErrNotFound
	}
	return &ConnectionSession{
		ConnectionID: connID,
		UserID:       str[0],
		Role:         Role(str[1]),
		RoomID:       str[2],
	}, nil
}

// DeleteConnectionSession removes the connection record.
func (s *RedisStore) DeleteConnectionSession(ctx context.Context, connID string) error {
	key := connectionKey(connID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", key, err)
	}
	return nil
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
