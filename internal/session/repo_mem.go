package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded in-memory repo for dev and tests. It
// upholds the same conditional-write contract as the Postgres repo: the
// one-active-per-course check and the insert happen under one lock.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
}

// NewMemoryRepository creates an empty in-memory repo.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[uuid.UUID]Session)}
}

func (r *MemoryRepository) Insert(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.CourseID == s.CourseID && existing.Status == StatusActive {
			return ErrActiveSessionExists
		}
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) ExpireStale(_ context.Context, courseID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.CourseID == courseID && s.Status == StatusActive && !now.Before(s.ExpiresAt) {
			s.Status = StatusExpired
			r.sessions[id] = s
		}
	}
	return nil
}

func (r *MemoryRepository) CloseActive(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != StatusActive {
		return false, nil
	}
	s.Status = StatusClosed
	r.sessions[id] = s
	return true, nil
}

func (r *MemoryRepository) ListForCourse(_ context.Context, courseID string, from, to time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []Session
	for _, s := range r.sessions {
		if s.CourseID == courseID && !s.CreatedAt.Before(from) && s.CreatedAt.Before(to) {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}
