package roster

import (
	"context"
	"sort"
)

// Static is a fixed in-memory directory for dev mode and tests.
type Static struct {
	// Instructors maps course id to its instructor's user id.
	Instructors map[string]string
	// Enrollments maps course id to enrolled student ids.
	Enrollments map[string][]string
}

func (s *Static) CourseExists(_ context.Context, courseID string) (bool, error) {
	_, ok := s.Instructors[courseID]
	return ok, nil
}

func (s *Static) IsInstructor(_ context.Context, userID, courseID string) (bool, error) {
	return s.Instructors[courseID] == userID, nil
}

func (s *Static) IsEnrolled(_ context.Context, userID, courseID string) (bool, error) {
	for _, id := range s.Enrollments[courseID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Static) EnrolledStudents(_ context.Context, courseID string) ([]string, error) {
	students := append([]string(nil), s.Enrollments[courseID]...)
	sort.Strings(students)
	return students, nil
}
