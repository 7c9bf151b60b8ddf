package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/queue"
)

// AuditMessageType tags rejection events on the queue.
const AuditMessageType = "scan_rejected"

// AuditEvent is a rejected scan attempt kept for analytics. Audit rows are
// non-authoritative: they never influence redemption and may be lost without
// violating exactly-once.
type AuditEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	StudentID string    `json:"student_id"`
	ScanTime  time.Time `json:"scan_time"`
	Reason    Reason    `json:"reason"`
}

// AuditSink receives rejection events from the arbiter.
type AuditSink interface {
	Rejected(ctx context.Context, e AuditEvent)
}

// QueueAuditSink publishes rejections onto the work queue for the worker to
// persist out of the request path. Publish failures are logged and dropped.
type QueueAuditSink struct {
	q queue.Queue
}

// NewQueueAuditSink wraps a queue as an audit sink.
func NewQueueAuditSink(q queue.Queue) *QueueAuditSink {
	return &QueueAuditSink{q: q}
}

func (s *QueueAuditSink) Rejected(ctx context.Context, e AuditEvent) {
	body, err := json.Marshal(e)
	if err != nil {
		log.Printf("audit marshal failed: %v", err)
		return
	}
	if err := s.q.Publish(ctx, queue.Message{Type: AuditMessageType, Body: body}); err != nil {
		log.Printf("audit publish failed: %v", err)
	}
}

// AuditRepository writes audit rows; used by the worker, never by the API.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a Postgres-backed audit repo.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends one rejection row.
func (r *AuditRepository) Insert(ctx context.Context, e AuditEvent) error {
	var sessionID any
	if e.SessionID != uuid.Nil {
		sessionID = e.SessionID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_audit (session_id, student_id, scan_time, reason)
		VALUES ($1,$2,$3,$4)
	`, sessionID, e.StudentID, e.ScanTime, string(e.Reason))
	return err
}
