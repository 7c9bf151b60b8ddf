package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status of an accepted redemption.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
)

// Reason classifies a rejected scan. Every reason is user-displayable; none
// of them is an infrastructure error.
type Reason string

const (
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonSessionNotFound  Reason = "session_not_found"
	ReasonSessionClosed    Reason = "session_closed"
	ReasonSessionExpired   Reason = "session_expired"
	ReasonCourseMismatch   Reason = "course_mismatch"
	ReasonNotEnrolled      Reason = "not_enrolled"
	ReasonLocationRequired Reason = "location_required"
	ReasonOutOfRange       Reason = "out_of_range"
	ReasonAlreadyRecorded  Reason = "already_recorded"
)

// Record is one successful redemption. Records are append-only: the arbiter
// is the sole writer and nothing mutates a record after creation.
type Record struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	StudentID   string    `json:"student_id"`
	ScanTime    time.Time `json:"scan_time"`
	GeoVerified bool      `json:"geolocation_verified"`
	Status      Status    `json:"status"`
}

// Repository persists successful attendance records. InsertOnce must be a
// single atomic conditional write: when a record for (session, student)
// already exists it reports false and writes nothing, under arbitrary
// concurrent callers across server instances.
type Repository interface {
	InsertOnce(ctx context.Context, rec Record) (inserted bool, err error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Record, error)
	ListForSessions(ctx context.Context, sessionIDs []uuid.UUID) ([]Record, error)
}
