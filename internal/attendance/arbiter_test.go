package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"rollcall/internal/geo"
	"rollcall/internal/roster"
	"rollcall/internal/session"
	"rollcall/internal/token"
)

var arbiterKey = []byte("arbiter-test-secret")

// fixture wires an arbiter over in-memory stores with a settable clock.
type fixture struct {
	mu       sync.Mutex
	now      time.Time
	codec    *token.Codec
	sessions *session.Service
	records  *MemoryRepository
	arbiter  *Arbiter
	audit    *captureSink
	dir      roster.Directory
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

type captureSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (c *captureSink) Rejected(_ context.Context, e AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) reasons() []Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rs []Reason
	for _, e := range c.events {
		rs = append(rs, e.Reason)
	}
	return rs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1700000000, 0)}
	clock := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	directory := &roster.Static{
		Instructors: map[string]string{"C1": "prof-1", "C2": "prof-2"},
		Enrollments: map[string][]string{"C1": {"S1", "S2"}, "C2": {"S1"}},
	}
	f.dir = directory
	f.codec = token.NewCodec(arbiterKey, "rollcall", clock)
	f.sessions = session.NewService(session.NewMemoryRepository(), directory, 0, clock)
	f.records = NewMemoryRepository()
	f.audit = &captureSink{}
	f.arbiter = NewArbiter(f.codec, f.sessions, directory, f.records, f.audit, clock)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// open creates a session and returns its encoded token.
func (f *fixture) open(t *testing.T, courseID, instructorID string, window, onTime time.Duration, fence *geo.Fence) (session.Session, string) {
	t.Helper()
	s, err := f.sessions.Create(context.Background(), courseID, instructorID, window, onTime, fence)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	tok, err := f.codec.Encode(token.Payload{
		SessionID: s.ID,
		CourseID:  s.CourseID,
		IssuedAt:  s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		Fence:     s.Fence,
	})
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return s, tok
}

func mustReject(t *testing.T, res Result, want Reason) {
	t.Helper()
	if res.Accepted {
		t.Fatalf("accepted, want rejection %s", want)
	}
	if res.Reason != want {
		t.Fatalf("reason = %s, want %s", res.Reason, want)
	}
}

func TestRedeemPresent(t *testing.T) {
	f := newFixture(t)
	_, tok := f.open(t, "C1", "prof-1", 5*time.Minute, 0, nil)
	f.advance(time.Minute)

	res, err := f.arbiter.Redeem(context.Background(), tok, "S1", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !res.Accepted || res.Status != StatusPresent {
		t.Fatalf("result = %+v, want accepted present", res)
	}
	if res.Record == nil || res.Record.GeoVerified {
		t.Fatalf("record = %+v", res.Record)
	}
}

func TestRedeemInvalidToken(t *testing.T) {
	f := newFixture(t)
	res, err := f.arbiter.Redeem(context.Background(), "garbage", "S1", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	mustReject(t, res, ReasonInvalidToken)
	if rs := f.audit.reasons(); len(rs) != 1 || rs[0] != ReasonInvalidToken {
		t.Fatalf("audit = %v", rs)
	}
}

func TestRedeemTamperedToken(t *testing.T) {
	f := newFixture(t)
	_, tok := f.open(t, "C1", "prof-1", 5*time.Minute, 0, nil)

	b := []byte(tok)
	b[len(b)-1] ^= 1
	res, err := f.arbiter.Redeem(context.Background(), string(b), "S1", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	mustReject(t, res, ReasonInvalidToken)
}

func TestRedeemSessionNotFound(t *testing.T) {
	f := newFixture(t)

	// Validly signed token pointing at a session this store never saw.
	other := newFixture(t)
	_, orphan := other.open(t, "C1", "prof-1", 5*time.Minute, 0, nil)

	res, err := f.arbiter.Redeem(context.Background(), orphan, "S1", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	mustReject(t, res, ReasonSessionNotFound)
}

func TestRedeemExpired(t *testing.T) {
	f := newFixture(t)
	_, tok := f.open(t, "C1", "prof-1", 5*time.Minute, 0, nil)
	f.advance(5 * time.Minute)

	res, err := f.arbiter.Redeem(context.Background(), tok, "S1", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	mustReject(t, res, ReasonSessionExpired)
}

func TestRedeemClosed(t *testing.T) {
	f := newFixture(t)
	s, tok := f.open(t, "C1", "prof-1", 5*time.Minute, 0, nil)
	if err := f.sessions.Close(context.Background(), s.ID, "prof-1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := f.arbiter.Redeem(context.Background(), tok, "S1", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	mustReject(t, res, ReasonSessionClosed)
}

func TestRedeemNotEnrolled(t *testing.T) {
	f := newFixture(t)
	_, tok := f.open(t, "C1", "prof-1", 5*time.Minute, 0, nil)

	res, err := f.arbiter.Redeem(context.Background(), tok, "outsider", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	mustReject(t, res, ReasonNotEnrolled)
}

func TestRedeemGeofence(t *testing.T) {
	f := newFixture(t)
	fence := &geo.Fence{Lat: 0, Lng: 0, RadiusM: 50}
	_, tok := f.open(t, "C1", "prof-1", 5*time.Minute, 0, fence)
	ctx := context.Background()

	// Fence required but no location sent.
	res, err := f.arbiter.Redeem(ctx, tok, "S1", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	mustReject(t, res, ReasonLocationRequired)

	// ~111m east of center, outside the 50m fence.
	res, err = f.arbiter.Redeem(ctx, tok, "S1", &geo.Point{Lat: 0, Lng: 0.001}, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	mustReject(t, res, ReasonOutOfRange)

	// Exact center.
	res, err = f.arbiter.Redeem(ctx, tok, "S1", &geo.Point{Lat: 0, Lng: 0}, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !res.Accepted || res.Status != StatusPresent {
		t.Fatalf("result = %+v", res)
	}
	if !res.Record.GeoVerified {
		t.Fatal("geo_verified must be set on a fenced success")
	}
}

func TestRedeemLateClassification(t *testing.T) {
	f := newFixture(t)
	_, tok := f.open(t, "C1", "prof-1", 10*time.Minute, 5*time.Minute, nil)
	ctx := context.Background()

	f.advance(4 * time.Minute)
	res, err := f.arbiter.Redeem(ctx, tok, "S1", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !res.Accepted || res.Status != StatusPresent {
		t.Fatalf("within on-time window: %+v", res)
	}

	f.advance(3 * time.Minute) // t=7m: past on-time, before expiry
	res, err = f.arbiter.Redeem(ctx, tok, "S2", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !res.Accepted || res.Status != StatusLate {
		t.Fatalf("after on-time window: %+v", res)
	}
}

func TestRedeemExactlyOnceConcurrent(t *testing.T) {
	f := newFixture(t)
	s, tok := f.open(t, "C1", "prof-1", 5*time.Minute, 0, nil)
	f.advance(time.Minute)

	const n = 64
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.arbiter.Redeem(context.Background(), tok, "S1", nil, nil)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("redeem %d: %v", i, errs[i])
		}
		if results[i].Accepted {
			accepted++
		} else if results[i].Reason != ReasonAlreadyRecorded {
			t.Fatalf("loser %d reason = %s", i, results[i].Reason)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d, want exactly 1", accepted)
	}

	recs, err := f.records.ListBySession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("stored records = %d, want 1", len(recs))
	}
}

// Timeline from the attendance product brief: S1 present at t=60s, S2 too
// late at t=320s, S1's second scan rejected as already recorded.
func TestRedeemScenarioFiveMinuteWindow(t *testing.T) {
	f := newFixture(t)
	_, tok := f.open(t, "C1", "prof-1", 5*time.Minute, 0, nil)
	ctx := context.Background()

	f.advance(60 * time.Second)
	res, err := f.arbiter.Redeem(ctx, tok, "S1", nil, nil)
	if err != nil || !res.Accepted || res.Status != StatusPresent {
		t.Fatalf("S1 at t=60s: %+v err=%v", res, err)
	}

	f.advance(30 * time.Second) // t=90s
	res, err = f.arbiter.Redeem(ctx, tok, "S1", nil, nil)
	if err != nil {
		t.Fatalf("S1 rescan: %v", err)
	}
	mustReject(t, res, ReasonAlreadyRecorded)

	f.advance(230 * time.Second) // t=320s, past the 300s window
	res, err = f.arbiter.Redeem(ctx, tok, "S2", nil, nil)
	if err != nil {
		t.Fatalf("S2 scan: %v", err)
	}
	mustReject(t, res, ReasonSessionExpired)
}

func TestRedeemCourseMismatch(t *testing.T) {
	f := newFixture(t)
	s, _ := f.open(t, "C1", "prof-1", 5*time.Minute, 0, nil)

	// A forged payload binding the real session id to another course.
	forged, err := f.codec.Encode(token.Payload{
		SessionID: s.ID,
		CourseID:  "C2",
		IssuedAt:  s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res, err := f.arbiter.Redeem(context.Background(), forged, "S1", nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	mustReject(t, res, ReasonCourseMismatch)
}
