// Package roster adapts the externally-owned course/user directory. Courses,
// instructors, and enrollments are managed elsewhere; this service only reads
// them to authorize session operations and to infer absentees.
package roster

import (
	"context"
	"database/sql"
	"errors"
)

// Directory answers membership questions about courses and users.
type Directory interface {
	CourseExists(ctx context.Context, courseID string) (bool, error)
	IsInstructor(ctx context.Context, userID, courseID string) (bool, error)
	IsEnrolled(ctx context.Context, userID, courseID string) (bool, error)
	EnrolledStudents(ctx context.Context, courseID string) ([]string, error)
}

// PG reads the directory tables in Postgres.
type PG struct {
	db *sql.DB
}

// NewPG creates a Postgres-backed directory.
func NewPG(db *sql.DB) *PG {
	return &PG{db: db}
}

func (p *PG) CourseExists(ctx context.Context, courseID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM courses WHERE id = $1)`, courseID).Scan(&exists)
	return exists, err
}

func (p *PG) IsInstructor(ctx context.Context, userID, courseID string) (bool, error) {
	var instructorID string
	err := p.db.QueryRowContext(ctx,
		`SELECT instructor_id FROM courses WHERE id = $1`, courseID).Scan(&instructorID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return instructorID == userID, nil
}

func (p *PG) IsEnrolled(ctx context.Context, userID, courseID string) (bool, error) {
	var enrolled bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE course_id = $1 AND student_id = $2)
	`, courseID, userID).Scan(&enrolled)
	return enrolled, err
}

func (p *PG) EnrolledStudents(ctx context.Context, courseID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT student_id FROM enrollments WHERE course_id = $1 ORDER BY student_id
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		students = append(students, id)
	}
	return students, rows.Err()
}
