package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/geo"
	"rollcall/internal/roster"
)

// DefaultWindow is the session duration used when the instructor does not
// pick one.
const DefaultWindow = 5 * time.Minute

// Service owns the session lifecycle and the one-active-session-per-course
// rule. All coordination is pushed into the repository's conditional writes
// so the service stays safe under multi-instance deployment.
type Service struct {
	repo      Repository
	directory roster.Directory
	window    time.Duration
	now       func() time.Time
}

// NewService creates a session service. defaultWindow <= 0 falls back to
// DefaultWindow; now is injected for tests, nil means wall clock.
func NewService(repo Repository, directory roster.Directory, defaultWindow time.Duration, now func() time.Time) *Service {
	if defaultWindow <= 0 {
		defaultWindow = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, directory: directory, window: defaultWindow, now: now}
}

// Create opens an attendance window for a course. window <= 0 uses the
// service default; onTime bounds the Present sub-window (0 means any scan
// before expiry is Present). Fails with ErrActiveSessionExists when the
// course already has a live session, for every concurrent caller but one.
func (s *Service) Create(ctx context.Context, courseID, instructorID string, windowDur, onTime time.Duration, fence *geo.Fence) (Session, error) {
	ok, err := s.directory.CourseExists(ctx, courseID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrCourseNotFound
	}
	ok, err = s.directory.IsInstructor(ctx, instructorID, courseID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrNotInstructor
	}

	if windowDur <= 0 {
		windowDur = s.window
	}
	if onTime < 0 || onTime > windowDur {
		onTime = 0
	}
	now := s.now().UTC()

	// A naturally-expired row still holds the unique active slot until
	// something reads it; flip it first so it cannot block a new session.
	if err := s.repo.ExpireStale(ctx, courseID, now); err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:           uuid.New(),
		CourseID:     courseID,
		InstructorID: instructorID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(windowDur),
		OnTime:       onTime,
		Fence:        fence,
		Status:       StatusActive,
	}
	if err := s.repo.Insert(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Close terminates a session early. Only the owning instructor may close;
// closing a terminal session is an error, not a silent success.
func (s *Service) Close(ctx context.Context, id uuid.UUID, instructorID string) error {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.InstructorID != instructorID {
		return ErrNotOwner
	}
	if sess.EffectiveStatus(s.now()) != StatusActive {
		return ErrAlreadyTerminal
	}
	closed, err := s.repo.CloseActive(ctx, id)
	if err != nil {
		return err
	}
	if !closed {
		// Lost a race with another close or with expiry.
		return ErrAlreadyTerminal
	}
	return nil
}

// Get returns the session with its status derived at call time.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	sess.Status = sess.EffectiveStatus(s.now())
	return sess, nil
}

// ListForCourse returns sessions for a course created in [from, to), with
// derived statuses.
func (s *Service) ListForCourse(ctx context.Context, courseID string, from, to time.Time) ([]Session, error) {
	sessions, err := s.repo.ListForCourse(ctx, courseID, from, to)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range sessions {
		sessions[i].Status = sessions[i].EffectiveStatus(now)
	}
	return sessions, nil
}
