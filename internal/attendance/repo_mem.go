package attendance

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type pairKey struct {
	session uuid.UUID
	student string
}

// MemoryRepository is an in-memory record store for dev and tests. It keeps
// the same contract as the Postgres repo: the existence check and the insert
// are one atomic step, so concurrent InsertOnce calls for the same
// (session, student) admit exactly one winner.
type MemoryRepository struct {
	mu      sync.Mutex
	byPair  map[pairKey]Record
	ordered []Record
}

// NewMemoryRepository creates an empty in-memory record repo.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byPair: make(map[pairKey]Record)}
}

func (r *MemoryRepository) InsertOnce(_ context.Context, rec Record) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey{rec.SessionID, rec.StudentID}
	if _, exists := r.byPair[key]; exists {
		return false, nil
	}
	r.byPair[key] = rec
	r.ordered = append(r.ordered, rec)
	return true, nil
}

func (r *MemoryRepository) ListBySession(_ context.Context, sessionID uuid.UUID) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []Record
	for _, rec := range r.ordered {
		if rec.SessionID == sessionID {
			res = append(res, rec)
		}
	}
	sortByScanTime(res)
	return res, nil
}

func (r *MemoryRepository) ListForSessions(_ context.Context, sessionIDs []uuid.UUID) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		want[id] = true
	}
	var res []Record
	for _, rec := range r.ordered {
		if want[rec.SessionID] {
			res = append(res, rec)
		}
	}
	sortByScanTime(res)
	return res, nil
}

func sortByScanTime(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ScanTime.Before(recs[j].ScanTime) })
}
