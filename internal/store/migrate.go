package store

import "context"

// Schema carries the two uniqueness guarantees the service depends on: one
// active session per course and one successful record per (session, student).
// The directory tables (courses, enrollments) are owned by the wider campus
// system; they are created here only so a fresh dev database works.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		id UUID PRIMARY KEY,
		course_id TEXT NOT NULL,
		instructor_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		ontime_seconds BIGINT NOT NULL DEFAULT 0,
		fence_lat DOUBLE PRECISION,
		fence_lng DOUBLE PRECISION,
		fence_radius_m DOUBLE PRECISION,
		status TEXT NOT NULL DEFAULT 'active'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_active_session_per_course
		ON attendance_sessions (course_id) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES attendance_sessions (id),
		student_id TEXT NOT NULL,
		scan_time TIMESTAMPTZ NOT NULL,
		geo_verified BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_record_per_session_student
		ON attendance_records (session_id, student_id)`,
	`CREATE TABLE IF NOT EXISTS scan_audit (
		id BIGSERIAL PRIMARY KEY,
		session_id UUID,
		student_id TEXT NOT NULL,
		scan_time TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		instructor_id TEXT NOT NULL,
		name TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS enrollments (
		course_id TEXT NOT NULL REFERENCES courses (id),
		student_id TEXT NOT NULL,
		PRIMARY KEY (course_id, student_id)
	)`,
}

// Migrate applies the schema idempotently at startup.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
