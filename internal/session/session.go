package session

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing or every field is empty.
	ErrNotFound = errors.New("session: record not found")

	// ErrUnavailable wraps any failure talking to the backing store.
	ErrUnavailable = errors.New("session: store unavailable")
)

// Role is the participant role carried by a connection.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleDoctor:
		return r, true
	}
	return "", false
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// SlotField is the room field holding the connection id for r.
func (r Role) SlotField() RoomField {
	if r == RoleDoctor {
		return FieldDoctorConnection
	}
	return FieldPatientConnection
}

// ExpectedField is the room field holding the expected user id for r.
func (r Role) ExpectedField() RoomField {
	if r == RoleDoctor {
		return FieldDoctorID
	}
	return FieldPatientID
}

// RoomField names a field of the room hash. The values are shared with
// services that provision rooms, so they must not change.
type RoomField string

const (
	FieldPatientID         RoomField = "PatientID"
	FieldDoctorID          RoomField = "DoctorID"
	FieldAppointmentID     RoomField = "AppointmentID"
	FieldStartedAt         RoomField = "StartedAt"
	FieldDuration          RoomField = "Duration"
	FieldPatientConnection RoomField = "PatientSocketID"
	FieldDoctorConnection  RoomField = "DoctorSocketID"
)

// Connection hash fields.
const (
	fieldUserID   = "UserID"
	fieldUserRole = "UserRole"
	fieldRoomID   = "RoomID"
)

// RoomFields is the result of a batched field read. Fields that are unset
// or empty are not present in the map.
type RoomFields map[RoomField]string

// Get returns the value of f and whether it is set.
func (rf RoomFields) Get(f RoomField) (string, bool) {
	v, ok := rf[f]
	return v, ok
}

// Has reports whether f is set.
func (rf RoomFields) Has(f RoomField) bool {
	_, ok := rf[f]
	return ok
}

// ConnectionSession is the per-connection record written at admission.
type ConnectionSession struct {
	ConnectionID string
	UserID       string
	Role         Role
	RoomID       string
}

// Bound reports whether the connection has joined a room.
func (s *ConnectionSession) Bound() bool {
	return s.RoomID != ""
}

// RoomSession is the decoded room hash.
type RoomSession struct {
	ID                  string
	PatientID           string
	DoctorID            string
	AppointmentID       string
	PatientConnectionID string
	DoctorConnectionID  string
	StartedAt           time.Time
	// Duration is only meaningful when Closed is true.
	Duration time.Duration
	Closed   bool
}

// Started reports whether both peers have attached at least once.
func (r *RoomSession) Started() bool {
	return !r.StartedAt.IsZero()
}

// EncodeTime formats t the way StartedAt is stored.
func EncodeTime(t time.Time) string {
	return formatInt(t.UnixMilli())
}

// DecodeTime parses a StartedAt value.
func DecodeTime(s string) (time.Time, error) {
	ms, err := parseInt(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
