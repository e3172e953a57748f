/*
engine.go - One unit of work per save

FLOW:
  1. Resolve (sessionId, date) into a SessionInstance via the Schedule
  2. Load the committed record and the directory, build the Roster
  3. Run the caller's mutation on a Sheet (working copy)
  4. Capacity gate: newly seated guests in overflow need ConfirmOverflow
  5. Reconcile previous vs new status map into ledger deltas
  6. Commit record + entries + balances with compare-and-swap on Version
  7. If occupied seats dropped and someone is waiting, emit SeatFreedEvent

Member self-service (Book/Cancel) and admin edits share this path. The
reconciler only ever sees server-held previous state, so a client can
never submit a delta.
*/
package studio

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Schedule resolves session instances. The catalog package implements it.
type Schedule interface {
	Resolve(sessionID SessionID, date Date) (SessionInstance, error)
	Sessions() []Session
}

type Recipient struct {
	Email string
	Name  string
}

// SeatFreedEvent is raised after a commit that lowered the number of
// present members while the waiting list was non-empty.
type SeatFreedEvent struct {
	Key            InstanceKey
	SessionName    string
	Date           Date
	OccupiedBefore int
	OccupiedAfter  int
	Recipients     []Recipient
}

// SeatObserver must not block: delivery is fire-and-forget.
type SeatObserver interface {
	SeatFreed(ctx context.Context, ev SeatFreedEvent)
}

// Metrics receives unit-of-work outcomes. See the metrics package.
type Metrics interface {
	ObserveCommit(outcome string, elapsed time.Duration)
	ObserveEntries(entries []LedgerEntry)
	ObserveSeatFreed()
}

const (
	OutcomeCommitted = "committed"
	OutcomeNoop      = "noop"
	OutcomeConflict  = "conflict"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	schedule Schedule
	observer SeatObserver
	metrics  Metrics
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithObserver(o SeatObserver) Option     { return func(e *Engine) { e.observer = o } }
func WithMetrics(m Metrics) Option           { return func(e *Engine) { e.metrics = m } }
func WithLogger(l zerolog.Logger) Option     { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func NewEngine(store Store, schedule Schedule, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		schedule: schedule,
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Schedule() Schedule { return e.schedule }

type InstanceRef struct {
	SessionID SessionID
	Date      Date
}

type ApplyOptions struct {
	// ExpectedVersion, when set, must match the committed version the
	// caller computed its edit from.
	ExpectedVersion *int64
	// ConfirmOverflow accepts newly seated guests beyond capacity.
	ConfirmOverflow bool
	Actor           string
}

type Outcome struct {
	Instance   SessionInstance
	Record     AttendanceRecord
	Roster     *Roster
	Occupancy  Occupancy
	Deltas     []LedgerDelta
	Entries    []LedgerEntry
	Promotions []Promotion
	Requeued   []MemberID
	Skipped    []MemberID
	// Committed is false when the mutation left the record unchanged.
	Committed bool
}

// View is a read-only snapshot of an instance.
type View struct {
	Instance  SessionInstance
	Record    AttendanceRecord
	Roster    *Roster
	Occupancy Occupancy
}

func (e *Engine) View(ctx context.Context, ref InstanceRef) (*View, error) {
	inst, rec, roster, err := e.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &View{Instance: inst, Record: rec, Roster: roster, Occupancy: CapacityFor(inst, roster, rec)}, nil
}

func (e *Engine) load(ctx context.Context, ref InstanceRef) (SessionInstance, AttendanceRecord, *Roster, error) {
	inst, err := e.schedule.Resolve(ref.SessionID, ref.Date)
	if err != nil {
		return SessionInstance{}, AttendanceRecord{}, nil, err
	}
	rec, err := e.store.Load(ctx, inst.Key)
	if err != nil {
		return SessionInstance{}, AttendanceRecord{}, nil, fmt.Errorf("load %s: %w", inst.Key, err)
	}
	members, err := e.store.ListMembers(ctx)
	if err != nil {
		return SessionInstance{}, AttendanceRecord{}, nil, fmt.Errorf("list members: %w", err)
	}
	return inst, rec, NewRoster(inst, members), nil
}

// Apply runs one unit of work. It never retries: on a conflict the caller
// reloads and recomputes.
func (e *Engine) Apply(ctx context.Context, ref InstanceRef, opts ApplyOptions, mutate func(*Sheet) error) (*Outcome, error) {
	start := e.now()
	inst, prev, roster, err := e.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	log := e.logger.With().Str("instance", string(inst.Key)).Str("actor", opts.Actor).Logger()

	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != prev.Version {
		e.observeCommit(OutcomeConflict, start)
		return nil, NewCommitError(inst.Key, fmt.Errorf("%w: expected version %d, found %d",
			ErrConcurrentModification, *opts.ExpectedVersion, prev.Version))
	}

	sheet := newSheet(inst, roster, prev)
	if err := mutate(sheet); err != nil {
		e.observeCommit(OutcomeRejected, start)
		return nil, err
	}
	next := *sheet.rec

	before := CapacityFor(inst, roster, prev)
	after := CapacityFor(inst, roster, next)
	if blocked := e.overflowAdditions(sheet, after); len(blocked) > 0 && !opts.ConfirmOverflow {
		e.observeCommit(OutcomeRejected, start)
		return nil, &CapacityExceededError{Key: inst.Key, Capacity: after.Capacity, Overflow: blocked}
	}

	result := Reconcile(ReconcileInput{
		Previous:    prev.Status,
		Next:        next.Status,
		Enrolled:    enrolledSet(roster),
		Exceptional: inst.IsExceptional(),
		Known:       roster.Known,
	})
	for _, id := range result.Skipped {
		log.Warn().Str("member", string(id)).Msg("unknown member in attendance record, skipped during reconciliation")
	}

	outcome := &Outcome{
		Instance:   inst,
		Record:     next,
		Roster:     roster,
		Occupancy:  after,
		Deltas:     result.Deltas,
		Promotions: sheet.promotions,
		Requeued:   sheet.requeued,
		Skipped:    result.Skipped,
	}
	if len(result.Deltas) == 0 && RecordsEqual(prev, next) {
		outcome.Record = prev
		e.observeCommit(OutcomeNoop, start)
		return outcome, nil
	}

	now := e.now()
	next.UpdatedAt = now
	entries := e.entries(inst.Key, prev.Version+1, opts.Actor, now, result.Deltas)

	version, err := e.store.Commit(ctx, CommitRequest{
		Key:             inst.Key,
		ExpectedVersion: prev.Version,
		Record:          next,
		Entries:         entries,
	})
	if err != nil {
		err = NewCommitError(inst.Key, err)
		if IsRetryable(err) {
			e.observeCommit(OutcomeConflict, start)
			log.Info().Err(err).Msg("commit lost a concurrent modification race")
		} else {
			e.observeCommit(OutcomeFailed, start)
			log.Error().Err(err).Msg("commit failed, nothing applied")
		}
		return nil, err
	}
	next.Version = version
	outcome.Record = next
	outcome.Entries = entries
	outcome.Committed = true

	e.observeCommit(OutcomeCommitted, start)
	if e.metrics != nil {
		e.metrics.ObserveEntries(entries)
	}
	log.Debug().Int64("version", version).Int("entries", len(entries)).Msg("attendance committed")

	if after.OccupiedSeats < before.OccupiedSeats && len(next.WaitingList) > 0 {
		e.seatFreed(ctx, inst, roster, next, before, after)
	}
	return outcome, nil
}

// overflowAdditions returns guests that were not present before and now
// sit in overflow. Explicit overflow promotions are already confirmed.
func (e *Engine) overflowAdditions(s *Sheet, after Occupancy) []MemberID {
	var blocked []MemberID
	for _, g := range after.OverflowGuests {
		if s.overflowConfirmed[g] || s.prev.Status.Get(g) == StatusPresent {
			continue
		}
		blocked = append(blocked, g)
	}
	return blocked
}

func (e *Engine) entries(key InstanceKey, version int64, actor string, now time.Time, deltas []LedgerDelta) []LedgerEntry {
	out := make([]LedgerEntry, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, LedgerEntry{
			ID:             e.newID(),
			MemberID:       d.MemberID,
			InstanceKey:    key,
			Timestamp:      now,
			Delta:          d.Applied,
			Nominal:        d.Nominal,
			Reason:         d.Reason,
			IdempotencyKey: fmt.Sprintf("%s/%s/v%d", key, d.MemberID, version),
			Actor:          actor,
		})
	}
	return out
}

func (e *Engine) seatFreed(ctx context.Context, inst SessionInstance, roster *Roster, rec AttendanceRecord, before, after Occupancy) {
	if e.metrics != nil {
		e.metrics.ObserveSeatFreed()
	}
	if e.observer == nil {
		return
	}
	ev := SeatFreedEvent{
		Key:            inst.Key,
		SessionName:    inst.Session.Name,
		Date:           inst.Date,
		OccupiedBefore: before.OccupiedSeats,
		OccupiedAfter:  after.OccupiedSeats,
	}
	for _, id := range rec.WaitingList {
		m, ok := roster.Member(id)
		if !ok || m.Email == "" {
			continue
		}
		ev.Recipients = append(ev.Recipients, Recipient{Email: m.Email, Name: m.DisplayName()})
	}
	e.observer.SeatFreed(context.WithoutCancel(ctx), ev)
}

func (e *Engine) observeCommit(outcome string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveCommit(outcome, e.now().Sub(start))
	}
}

// =============================================================================
// MEMBER SELF-SERVICE
// =============================================================================

// Book runs the member-facing booking through the same unit of work as
// admin edits.
func (e *Engine) Book(ctx context.Context, ref InstanceRef, id MemberID, opts ApplyOptions) (*Outcome, error) {
	return e.Apply(ctx, ref, opts, func(s *Sheet) error {
		_, err := s.Book(id)
		return err
	})
}

func (e *Engine) Cancel(ctx context.Context, ref InstanceRef, id MemberID, opts ApplyOptions) (*Outcome, error) {
	return e.Apply(ctx, ref, opts, func(s *Sheet) error {
		return s.Cancel(id)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func enrolledSet(r *Roster) map[MemberID]bool {
	out := make(map[MemberID]bool)
	for _, id := range r.Enrollees() {
		out[id] = true
	}
	return out
}

// RecordsEqual compares the persisted fields of two records, including
// status key order.
func RecordsEqual(a, b AttendanceRecord) bool {
	if !a.Status.Equal(b.Status) || !sameIDs(a.Status.Keys(), b.Status.Keys()) {
		return false
	}
	if !sameIDs(a.WaitingList, b.WaitingList) {
		return false
	}
	if len(a.ReplacementLinks) != len(b.ReplacementLinks) || len(a.GuestOrigin) != len(b.GuestOrigin) {
		return false
	}
	for k, v := range a.ReplacementLinks {
		if w, ok := b.ReplacementLinks[k]; !ok || w != v {
			return false
		}
	}
	for k, v := range a.GuestOrigin {
		if w, ok := b.GuestOrigin[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func sameIDs(a, b []MemberID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
