package attendance

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/roster"
	"rollcall/internal/session"
)

// SessionLister enumerates a course's sessions; *session.Service satisfies it.
type SessionLister interface {
	ListForCourse(ctx context.Context, courseID string, from, to time.Time) ([]session.Session, error)
}

// StudentSummary is one student's roll-up over a date range. Absent counts
// sessions where the enrolled student produced no successful record.
type StudentSummary struct {
	StudentID string `json:"student_id"`
	Present   int    `json:"present"`
	Late      int    `json:"late"`
	Absent    int    `json:"absent"`
}

// Query is the read-only reporting facade over attendance data. Results are
// recomputed fresh on every call; nothing here subscribes or caches.
type Query struct {
	records   Repository
	sessions  SessionLister
	directory roster.Directory
}

// NewQuery creates the reporting facade.
func NewQuery(records Repository, sessions SessionLister, directory roster.Directory) *Query {
	return &Query{records: records, sessions: sessions, directory: directory}
}

// ListSession returns a session's records ordered by scan time ascending.
func (q *Query) ListSession(ctx context.Context, sessionID uuid.UUID) ([]Record, error) {
	return q.records.ListBySession(ctx, sessionID)
}

// CourseSummary aggregates per-student Present/Late/Absent counts over the
// course's sessions created within [from, to). Absences are inferred from the
// externally-owned enrollment roster.
func (q *Query) CourseSummary(ctx context.Context, courseID string, from, to time.Time) ([]StudentSummary, error) {
	sessions, err := q.sessions.ListForCourse(ctx, courseID, from, to)
	if err != nil {
		return nil, err
	}
	students, err := q.directory.EnrolledStudents(ctx, courseID)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	records, err := q.records.ListForSessions(ctx, ids)
	if err != nil {
		return nil, err
	}

	byStudent := make(map[string]*StudentSummary, len(students))
	for _, id := range students {
		byStudent[id] = &StudentSummary{StudentID: id}
	}
	attended := make(map[pairKey]bool, len(records))
	for _, rec := range records {
		sum, ok := byStudent[rec.StudentID]
		if !ok {
			// Dropped from the roster after attending; not reported.
			continue
		}
		attended[pairKey{rec.SessionID, rec.StudentID}] = true
		switch rec.Status {
		case StatusLate:
			sum.Late++
		default:
			sum.Present++
		}
	}
	for _, s := range sessions {
		for _, id := range students {
			if !attended[pairKey{s.ID, id}] {
				byStudent[id].Absent++
			}
		}
	}

	res := make([]StudentSummary, 0, len(byStudent))
	for _, sum := range byStudent {
		res = append(res, *sum)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StudentID < res[j].StudentID })
	return res, nil
}
