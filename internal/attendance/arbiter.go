package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/geo"
	"rollcall/internal/roster"
	"rollcall/internal/session"
	"rollcall/internal/token"
)

// SessionSource resolves a session with its status derived at call time.
// *session.Service satisfies it.
type SessionSource interface {
	Get(ctx context.Context, id uuid.UUID) (session.Session, error)
}

// Result is the outcome of one scan attempt. Either Accepted is true and
// Record holds the new row, or Reason names the rejection. Infrastructure
// failures come back as a separate error and mean the scan may be retried.
type Result struct {
	Accepted bool    `json:"accepted"`
	Status   Status  `json:"status,omitempty"`
	Reason   Reason  `json:"reason,omitempty"`
	Record   *Record `json:"record,omitempty"`
}

func rejected(r Reason) Result { return Result{Reason: r} }

// Arbiter is the only writer of attendance records. Each Redeem call runs the
// whole decision in one pass: decode, session liveness, course match,
// geofence, then a single conditional insert that settles races. There are no
// in-process locks; multiple arbiter instances may run against one store.
type Arbiter struct {
	codec     *token.Codec
	sessions  SessionSource
	directory roster.Directory
	records   Repository
	audit     AuditSink
	now       func() time.Time
}

// NewArbiter wires the redemption pipeline. audit may be nil to disable
// rejection logging; now is injected for tests, nil means wall clock.
func NewArbiter(codec *token.Codec, sessions SessionSource, directory roster.Directory, records Repository, audit AuditSink, now func() time.Time) *Arbiter {
	if now == nil {
		now = time.Now
	}
	return &Arbiter{codec: codec, sessions: sessions, directory: directory, records: records, audit: audit, now: now}
}

// Redeem arbitrates one scan attempt. scanAt overrides the arbitration
// instant when non-nil (callers relaying a trusted capture time); loc is the
// student's claimed location, nil when the device sent none.
func (a *Arbiter) Redeem(ctx context.Context, tokenStr, studentID string, loc *geo.Point, scanAt *time.Time) (Result, error) {
	now := a.now().UTC()
	if scanAt != nil {
		now = scanAt.UTC()
	}

	payload, err := a.codec.Decode(tokenStr)
	if err != nil {
		// Tampered or garbage input: never tied to a session, audit only.
		a.logRejection(ctx, uuid.Nil, studentID, now, ReasonInvalidToken)
		return rejected(ReasonInvalidToken), nil
	}

	sess, err := a.sessions.Get(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			a.logRejection(ctx, payload.SessionID, studentID, now, ReasonSessionNotFound)
			return rejected(ReasonSessionNotFound), nil
		}
		return Result{}, err
	}

	switch sess.EffectiveStatus(now) {
	case session.StatusActive:
	case session.StatusClosed:
		a.logRejection(ctx, sess.ID, studentID, now, ReasonSessionClosed)
		return rejected(ReasonSessionClosed), nil
	default:
		a.logRejection(ctx, sess.ID, studentID, now, ReasonSessionExpired)
		return rejected(ReasonSessionExpired), nil
	}

	// A token minted for a rotated or different session must not redeem here.
	if payload.CourseID != sess.CourseID {
		a.logRejection(ctx, sess.ID, studentID, now, ReasonCourseMismatch)
		return rejected(ReasonCourseMismatch), nil
	}

	enrolled, err := a.directory.IsEnrolled(ctx, studentID, sess.CourseID)
	if err != nil {
		return Result{}, err
	}
	if !enrolled {
		a.logRejection(ctx, sess.ID, studentID, now, ReasonNotEnrolled)
		return rejected(ReasonNotEnrolled), nil
	}

	geoVerified := false
	if sess.Fence != nil {
		if loc == nil {
			a.logRejection(ctx, sess.ID, studentID, now, ReasonLocationRequired)
			return rejected(ReasonLocationRequired), nil
		}
		if !geo.Within(sess.Fence, *loc) {
			a.logRejection(ctx, sess.ID, studentID, now, ReasonOutOfRange)
			return rejected(ReasonOutOfRange), nil
		}
		geoVerified = true
	}

	rec := Record{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		StudentID:   studentID,
		ScanTime:    now,
		GeoVerified: geoVerified,
		Status:      classify(sess, now),
	}
	inserted, err := a.records.InsertOnce(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		a.logRejection(ctx, sess.ID, studentID, now, ReasonAlreadyRecorded)
		return rejected(ReasonAlreadyRecorded), nil
	}
	return Result{Accepted: true, Status: rec.Status, Record: &rec}, nil
}

// classify picks Present or Late. OnTime of zero means the whole window
// counts as Present; otherwise scans after created_at+OnTime are Late.
func classify(sess session.Session, at time.Time) Status {
	if sess.OnTime > 0 && at.After(sess.CreatedAt.Add(sess.OnTime)) {
		return StatusLate
	}
	return StatusPresent
}

func (a *Arbiter) logRejection(ctx context.Context, sessionID uuid.UUID, studentID string, at time.Time, reason Reason) {
	if a.audit == nil {
		return
	}
	a.audit.Rejected(ctx, AuditEvent{
		SessionID: sessionID,
		StudentID: studentID,
		ScanTime:  at,
		Reason:    reason,
	})
}
