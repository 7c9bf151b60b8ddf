package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rollcall/internal/geo"
	"rollcall/internal/roster"
)

func testDirectory() roster.Directory {
	return &roster.Static{
		Instructors: map[string]string{"C1": "prof-1", "C2": "prof-2"},
		Enrollments: map[string][]string{"C1": {"S1", "S2"}},
	}
}

// fakeClock is a settable clock shared by a test and the service under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{t: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestCreateDefaults(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	svc := NewService(NewMemoryRepository(), testDirectory(), 0, clk.Now)

	s, err := svc.Create(context.Background(), "C1", "prof-1", 0, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := s.ExpiresAt.Sub(s.CreatedAt); got != DefaultWindow {
		t.Fatalf("window = %v, want %v", got, DefaultWindow)
	}
	if s.Status != StatusActive {
		t.Fatalf("status = %v", s.Status)
	}
}

func TestCreateAuthorization(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	svc := NewService(NewMemoryRepository(), testDirectory(), 0, clk.Now)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "NOPE", "prof-1", 0, 0, nil); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("unknown course: got %v", err)
	}
	if _, err := svc.Create(ctx, "C1", "prof-2", 0, 0, nil); !errors.Is(err, ErrNotInstructor) {
		t.Fatalf("wrong instructor: got %v", err)
	}
}

func TestOneActiveSessionPerCourse(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	svc := NewService(NewMemoryRepository(), testDirectory(), 0, clk.Now)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "C1", "prof-1", 0, 0, nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.Create(ctx, "C1", "prof-1", 0, 0, nil); !errors.Is(err, ErrActiveSessionExists) {
		t.Fatalf("second create: got %v, want ErrActiveSessionExists", err)
	}
	// A different course is unaffected.
	if _, err := svc.Create(ctx, "C2", "prof-2", 0, 0, nil); err != nil {
		t.Fatalf("other course: %v", err)
	}
}

func TestCreateConcurrentSingleWinner(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	svc := NewService(NewMemoryRepository(), testDirectory(), 0, clk.Now)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Create(ctx, "C1", "prof-1", 0, 0, nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrActiveSessionExists):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestExpiredSessionDoesNotBlockNewOne(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	svc := NewService(NewMemoryRepository(), testDirectory(), 0, clk.Now)
	ctx := context.Background()

	first, err := svc.Create(ctx, "C1", "prof-1", time.Minute, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(2 * time.Minute)

	second, err := svc.Create(ctx, "C1", "prof-1", time.Minute, 0, nil)
	if err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh session")
	}

	got, err := svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("old session status = %v, want expired", got.Status)
	}
}

func TestClose(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	svc := NewService(NewMemoryRepository(), testDirectory(), 0, clk.Now)
	ctx := context.Background()

	s, err := svc.Create(ctx, "C1", "prof-1", 0, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Close(ctx, s.ID, "prof-2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("non-owner close: got %v", err)
	}
	if err := svc.Close(ctx, s.ID, "prof-1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(ctx, s.ID, "prof-1"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("double close: got %v", err)
	}

	got, err := svc.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusClosed {
		t.Fatalf("status = %v, want closed", got.Status)
	}
}

func TestCloseExpired(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	svc := NewService(NewMemoryRepository(), testDirectory(), 0, clk.Now)
	ctx := context.Background()

	s, err := svc.Create(ctx, "C1", "prof-1", time.Minute, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(time.Minute)

	if err := svc.Close(ctx, s.ID, "prof-1"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("close of expired session: got %v", err)
	}
}

func TestEffectiveStatus(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := Session{Status: StatusActive, ExpiresAt: base.Add(5 * time.Minute)}

	if got := s.EffectiveStatus(base); got != StatusActive {
		t.Fatalf("before expiry: %v", got)
	}
	if got := s.EffectiveStatus(base.Add(5 * time.Minute)); got != StatusExpired {
		t.Fatalf("at expiry: %v", got)
	}
	s.Status = StatusClosed
	if got := s.EffectiveStatus(base.Add(10 * time.Minute)); got != StatusClosed {
		t.Fatalf("closed stays closed: %v", got)
	}
}

func TestCreateWithFence(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	svc := NewService(NewMemoryRepository(), testDirectory(), 0, clk.Now)

	fence := &geo.Fence{Lat: 12.97, Lng: 77.59, RadiusM: 75}
	s, err := svc.Create(context.Background(), "C1", "prof-1", 0, 0, fence)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := svc.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Fence == nil || got.Fence.RadiusM != 75 {
		t.Fatalf("fence not persisted: %+v", got.Fence)
	}
}
