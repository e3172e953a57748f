package studio_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/catalog"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	yoga     studio.SessionID = "mon-yoga"
	workshop studio.SessionID = "sat-workshop"

	anne  studio.MemberID = "e-anne"
	bruno studio.MemberID = "e-bruno"
	chloe studio.MemberID = "g-chloe"
	david studio.MemberID = "g-david"
	emma  studio.MemberID = "g-emma"
)

var (
	monday       = studio.MustParseDate("2025-03-03")
	addedWed     = studio.MustParseDate("2025-03-05")
	workshopDay  = studio.MustParseDate("2025-03-08")
	cancelledMon = studio.MustParseDate("2025-03-10")
)

type fixture struct {
	store    *store.Memory
	catalog  *catalog.Catalog
	engine   *studio.Engine
	observer *recordingObserver
	metrics  *recordingMetrics
}

// newFixture builds a studio with a weekly session of the given capacity,
// two enrollees (Anne, Bruno) and three guests holding 5 credits each.
func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	ctx := context.Background()

	wd := workshopDay
	cat, err := catalog.New(
		[]studio.Session{
			{ID: yoga, Name: "Yoga", Capacity: capacity, Weekday: time.Monday},
			{ID: workshop, Name: "Workshop", Capacity: 4, Date: &wd, IsExceptional: true},
		},
		[]studio.SessionException{
			{SessionID: yoga, Date: addedWed, Type: studio.ExceptionAddition},
			{SessionID: yoga, Date: cancelledMon, Type: studio.ExceptionCancellation},
		},
		nil,
	)
	require.NoError(t, err)

	mem := store.NewMemory()
	members := []studio.Member{
		{ID: anne, FirstName: "Anne", LastName: "Arnaud", Email: "anne@example.org", EnrolledSessionIDs: []studio.SessionID{yoga}},
		{ID: bruno, FirstName: "Bruno", LastName: "Bernard", Email: "bruno@example.org", EnrolledSessionIDs: []studio.SessionID{yoga}},
		{ID: chloe, FirstName: "Chloé", LastName: "Caron", Email: "chloe@example.org", InitialBalance: 5},
		{ID: david, FirstName: "David", LastName: "Dupont", Email: "david@example.org", InitialBalance: 5},
		{ID: emma, FirstName: "Emma", LastName: "Leroy", InitialBalance: 5},
	}
	for _, m := range members {
		require.NoError(t, mem.SaveMember(ctx, m))
	}

	f := &fixture{store: mem, catalog: cat, observer: &recordingObserver{}, metrics: &recordingMetrics{}}
	seq := 0
	f.engine = studio.NewEngine(mem, cat,
		studio.WithObserver(f.observer),
		studio.WithMetrics(f.metrics),
		studio.WithClock(func() time.Time { return time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC) }),
		studio.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("entry-%03d", seq)
		}),
	)
	return f
}

func ref(date studio.Date) studio.InstanceRef {
	return studio.InstanceRef{SessionID: yoga, Date: date}
}

func (f *fixture) apply(t *testing.T, date studio.Date, opts studio.ApplyOptions, mutate func(*studio.Sheet) error) *studio.Outcome {
	t.Helper()
	out, err := f.engine.Apply(context.Background(), ref(date), opts, mutate)
	require.NoError(t, err)
	return out
}

func (f *fixture) balance(t *testing.T, id studio.MemberID) int {
	t.Helper()
	m, err := f.store.GetMember(context.Background(), id)
	require.NoError(t, err)
	return m.CreditBalance
}

func setStatus(id studio.MemberID, st studio.Status) func(*studio.Sheet) error {
	return func(s *studio.Sheet) error { return s.SetStatus(id, st) }
}

func version(v int64) *int64 { return &v }

type recordingObserver struct {
	mu     sync.Mutex
	events []studio.SeatFreedEvent
}

func (o *recordingObserver) SeatFreed(_ context.Context, ev studio.SeatFreedEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) Events() []studio.SeatFreedEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]studio.SeatFreedEvent(nil), o.events...)
}

type recordingMetrics struct {
	mu        sync.Mutex
	outcomes  []string
	entries   int
	seatFreed int
}

func (m *recordingMetrics) ObserveCommit(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) ObserveEntries(entries []studio.LedgerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries += len(entries)
}

func (m *recordingMetrics) ObserveSeatFreed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seatFreed++
}
