package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"rollcall/internal/geo"
)

const uniqueViolation = "23505"

// PGRepository persists sessions in Postgres. The one-active-session-per-
// course invariant lives in a partial unique index on (course_id) where
// status='active', so it holds across replicated server processes.
type PGRepository struct {
	db *sql.DB
}

// NewPGRepository creates a Postgres-backed repo.
func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Insert(ctx context.Context, s Session) error {
	var lat, lng, radius sql.NullFloat64
	if s.Fence != nil {
		lat = sql.NullFloat64{Float64: s.Fence.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: s.Fence.Lng, Valid: true}
		radius = sql.NullFloat64{Float64: s.Fence.RadiusM, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions
			(id, course_id, instructor_id, created_at, expires_at, ontime_seconds, fence_lat, fence_lng, fence_radius_m, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, s.ID, s.CourseID, s.InstructorID, s.CreatedAt, s.ExpiresAt,
		int64(s.OnTime/time.Second), lat, lng, radius, string(s.Status))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrActiveSessionExists
	}
	return err
}

func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, instructor_id, created_at, expires_at, ontime_seconds, fence_lat, fence_lng, fence_radius_m, status
		FROM attendance_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

func (r *PGRepository) ExpireStale(ctx context.Context, courseID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = 'expired'
		WHERE course_id = $1 AND status = 'active' AND expires_at <= $2
	`, courseID, now)
	return err
}

func (r *PGRepository) CloseActive(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET status = 'closed'
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PGRepository) ListForCourse(ctx context.Context, courseID string, from, to time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, course_id, instructor_id, created_at, expires_at, ontime_seconds, fence_lat, fence_lng, fence_radius_m, status
		FROM attendance_sessions
		WHERE course_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at
	`, courseID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var ontimeSec int64
	var lat, lng, radius sql.NullFloat64
	var status string
	err := row.Scan(&s.ID, &s.CourseID, &s.InstructorID, &s.CreatedAt, &s.ExpiresAt,
		&ontimeSec, &lat, &lng, &radius, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.OnTime = time.Duration(ontimeSec) * time.Second
	s.Status = Status(status)
	if lat.Valid && lng.Valid && radius.Valid {
		s.Fence = &geo.Fence{Lat: lat.Float64, Lng: lng.Float64, RadiusM: radius.Float64}
	}
	return s, nil
}
