package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/geo"
)

// Status of an attendance session. Closed and Expired are both terminal;
// they differ only for audit (Closed is instructor-initiated, Expired is the
// natural timeout).
type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

// Session is a bounded attendance window for one course.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	CourseID     string        `json:"course_id"`
	InstructorID string        `json:"instructor_id"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	OnTime       time.Duration `json:"-"` // 0 means the whole window is on time
	Fence        *geo.Fence    `json:"geofence,omitempty"`
	Status       Status        `json:"status"`
}

// EffectiveStatus derives the status at a given instant. A stored active row
// whose window has elapsed reads back as expired; no background sweep runs.
func (s Session) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusActive && !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

// Errors returned by the session service and its repositories.
var (
	ErrNotFound            = errors.New("session: not found")
	ErrActiveSessionExists = errors.New("session: course already has an active session")
	ErrNotOwner            = errors.New("session: requester does not own this session")
	ErrAlreadyTerminal     = errors.New("session: already closed or expired")
	ErrCourseNotFound      = errors.New("session: course not found")
	ErrNotInstructor       = errors.New("session: requester is not an instructor of this course")
)

// Repository persists sessions. Implementations must make Insert fail with
// ErrActiveSessionExists when the course already holds an active row, backed
// by a uniqueness guarantee that survives concurrent inserts from multiple
// server instances.
type Repository interface {
	Insert(ctx context.Context, s Session) error
	Get(ctx context.Context, id uuid.UUID) (Session, error)
	// ExpireStale flips active rows whose window elapsed before now to
	// expired, so they stop occupying the one-active-per-course slot.
	ExpireStale(ctx context.Context, courseID string, now time.Time) error
	// CloseActive marks an active session closed and reports whether a row
	// transitioned. False means the session was already terminal.
	CloseActive(ctx context.Context, id uuid.UUID) (bool, error)
	// ListForCourse returns sessions for a course created within [from, to).
	ListForCourse(ctx context.Context, courseID string, from, to time.Time) ([]Session, error)
}
