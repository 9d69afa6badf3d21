package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is the RBAC role carried in a credential.
type Role string

const (
	RoleDriver    Role = "DRIVER"
	RoleAdmin     Role = "ADMIN"
	RolePassenger Role = "PASSENGER"
	RoleConductor Role = "CONDUCTOR"
	RoleOwner     Role = "OWNER"
)

// Identity is the verified principal bound to a session.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// CanPublish reports whether the identity may send location updates.
func (i Identity) CanPublish() bool {
	return i.Role == RoleDriver || i.Role == RoleAdmin
}

// LocationUpdate is the inbound publisher payload. Lat and Lng are pointers
// so a missing coordinate is distinguishable from 0. Timestamp stays raw:
// any JSON value is accepted and interpreted at ingest.
type LocationUpdate struct {
	TripID    string          `json:"tripId" validate:"required"`
	Lat       *float64        `json:"lat" validate:"required"`
	Lng       *float64        `json:"lng" validate:"required"`
	Speed     *float64        `json:"speed,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// DecodeLocationUpdate parses a raw payload. Non-numeric coordinates fail
// here rather than in validation.
func DecodeLocationUpdate(raw []byte) (LocationUpdate, error) {
	var u LocationUpdate
	if len(raw) == 0 {
		return u, ErrInvalidPayload
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return u, nil
}

// CachedLocation is the single latest position held per trip.
type CachedLocation struct {
	TripID    string    `json:"tripId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     *float64  `json:"speed,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LocationSnapshot is one durable, immutable history record.
type LocationSnapshot struct {
	TripID     string    `json:"tripId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Speed      *float64  `json:"speed,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// TripLocation is the body of the trip:location broadcast.
type TripLocation struct {
	TripID    string   `json:"tripId"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// ISOMillis renders instants the way browser clients expect them.
const ISOMillis = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(ISOMillis)
}
