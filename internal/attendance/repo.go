package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PGRepository persists attendance records in Postgres. Exactly-once lives in
// the unique index on (session_id, student_id): the insert either lands or
// reports a conflict, never both, regardless of interleaving.
type PGRepository struct {
	db *sql.DB
}

// NewPGRepository creates a Postgres-backed record repo.
func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) InsertOnce(ctx context.Context, rec Record) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, scan_time, geo_verified, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, rec.ScanTime, rec.GeoVerified, string(rec.Status))
	if err != nil {
		// ON CONFLICT covers the index; a reported violation can still
		// surface under serialization pressure and means the same thing.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PGRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, scan_time, geo_verified, status
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY scan_time
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (r *PGRepository) ListForSessions(ctx context.Context, sessionIDs []uuid.UUID) ([]Record, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(sessionIDs))
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, scan_time, geo_verified, status
		FROM attendance_records
		WHERE session_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY scan_time
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var res []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.ScanTime, &rec.GeoVerified, &status); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		res = append(res, rec)
	}
	return res, rows.Err()
}
