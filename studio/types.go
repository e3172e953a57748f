/*
Package studio provides the session attendance and credit reconciliation engine.

PURPOSE:
  This package owns everything that has invariants in the studio system:
  who occupies a seat in a session instance, who is waiting for one, which
  guest fills the seat of which absent enrollee, and how each change in
  attendance moves a member's credit balance. Scheduling, directory CRUD and
  notification delivery live elsewhere and talk to this package through the
  interfaces in store.go and engine.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Status:           Sum type for a member's state in one instance
  - StatusMap:        Insertion-ordered memberID -> Status mapping
  - Member / Session: Directory and template records (read-only here)
  - AttendanceRecord: The persisted state of one SessionInstance
  - LedgerEntry:      Immutable credit movement, written only by the reconciler

DESIGN PRINCIPLES:
  1. Pure reconciliation: deltas are a function of (previous, new, roster)
  2. One unit of work: record, ledger and balances commit together
  3. Explicit roles: enrollee/guest is resolved once per pass, never re-guessed
  4. Auditability: every credit movement has a reason and an idempotency key

USAGE:
  engine := studio.NewEngine(store, schedule)
  outcome, err := engine.Apply(ctx, ref, studio.ApplyOptions{}, func(s *studio.Sheet) error {
      return s.SetStatus("m-yves", studio.StatusAbsent)
  })

SEE ALSO:
  - reconcile.go: The state-diff algorithm
  - capacity.go:  Seat accounting
  - engine.go:    Load, mutate, reconcile, commit
*/
package studio

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type SessionID string

// InstanceKey identifies a SessionInstance. It is derived deterministically
// from the date and the session id, see NewInstanceKey.
type InstanceKey string

func NewInstanceKey(date Date, sessionID SessionID) InstanceKey {
	return InstanceKey(date.String() + "_" + string(sessionID))
}

// ParseInstanceKey splits a key back into its date and session id.
func ParseInstanceKey(key InstanceKey) (Date, SessionID, error) {
	const dateLen = len("2006-01-02")
	s := string(key)
	if len(s) < dateLen+2 || s[dateLen] != '_' {
		return Date{}, "", fmt.Errorf("%w: malformed instance key %q", ErrNoSuchInstance, s)
	}
	d, err := ParseDate(s[:dateLen])
	if err != nil {
		return Date{}, "", err
	}
	return d, SessionID(s[dateLen+1:]), nil
}

// =============================================================================
// STATUS - A member's state within one session instance
// =============================================================================

type Status string

const (
	StatusPresent         Status = "present"
	StatusAbsent          Status = "absent"
	StatusAbsentAnnounced Status = "absentAnnounced"

	// StatusRemoved is the diff-time value of a key missing from a StatusMap.
	// It is never persisted.
	StatusRemoved Status = "removed"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPresent, StatusAbsent, StatusAbsentAnnounced:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsAbsent reports whether the status vacates a seat.
func (s Status) IsAbsent() bool {
	return s == StatusAbsent || s == StatusAbsentAnnounced
}

// =============================================================================
// STATUS MAP - Insertion-ordered memberID -> Status
// =============================================================================

// StatusMap keeps keys in insertion order. The order is the stable guest
// ordering used for overflow computation, so it survives persistence.
type StatusMap struct {
	order  []MemberID
	states map[MemberID]Status
}

func NewStatusMap() StatusMap {
	return StatusMap{states: make(map[MemberID]Status)}
}

// Get returns the stored status, or StatusRemoved when the key is absent.
func (m StatusMap) Get(id MemberID) Status {
	if st, ok := m.states[id]; ok {
		return st
	}
	return StatusRemoved
}

func (m StatusMap) Has(id MemberID) bool {
	_, ok := m.states[id]
	return ok
}

// Set stores a status. Setting StatusRemoved deletes the key.
// Re-setting an existing key keeps its position.
func (m *StatusMap) Set(id MemberID, st Status) {
	if st == StatusRemoved {
		m.Delete(id)
		return
	}
	if m.states == nil {
		m.states = make(map[MemberID]Status)
	}
	if _, ok := m.states[id]; !ok {
		m.order = append(m.order, id)
	}
	m.states[id] = st
}

func (m *StatusMap) Delete(id MemberID) {
	if _, ok := m.states[id]; !ok {
		return
	}
	delete(m.states, id)
	for i, k := range m.order {
		if k == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
}

// Keys returns member ids in insertion order.
func (m StatusMap) Keys() []MemberID {
	return append([]MemberID(nil), m.order...)
}

func (m StatusMap) Len() int { return len(m.order) }

func (m StatusMap) Clone() StatusMap {
	out := StatusMap{
		order:  append([]MemberID(nil), m.order...),
		states: make(map[MemberID]Status, len(m.states)),
	}
	for k, v := range m.states {
		out.states[k] = v
	}
	return out
}

// Equal compares contents, ignoring order.
func (m StatusMap) Equal(other StatusMap) bool {
	if m.Len() != other.Len() {
		return false
	}
	for k, v := range m.states {
		if other.Get(k) != v {
			return false
		}
	}
	return true
}

// StatusMapOf builds a map from pairs, in argument order. Test and seed helper.
func StatusMapOf(pairs ...any) StatusMap {
	m := NewStatusMap()
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(toMemberID(pairs[i]), pairs[i+1].(Status))
	}
	return m
}

func toMemberID(v any) MemberID {
	switch id := v.(type) {
	case MemberID:
		return id
	case string:
		return MemberID(id)
	}
	panic(fmt.Sprintf("studio: unsupported member id type %T", v))
}

// =============================================================================
// GUEST ORIGIN
// =============================================================================

type GuestOrigin string

const (
	OriginWaitingList GuestOrigin = "fromWaitingList"
	OriginManual      GuestOrigin = "manual"
)

// =============================================================================
// MEMBER - Directory record (mutated only through ledger deltas)
// =============================================================================

type Member struct {
	ID                 MemberID
	FirstName          string
	LastName           string
	Email              string
	EnrolledSessionIDs []SessionID

	// CreditBalance is positive when sessions are owed to the member.
	CreditBalance int
	// InitialBalance is the balance at directory entry. The ledger audit
	// checks InitialBalance + sum(entries) == CreditBalance.
	InitialBalance int

	// Frozen members are excluded from commits pending manual review.
	Frozen    bool
	CreatedAt time.Time
}

func (m Member) DisplayName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

func (m Member) IsEnrolledIn(id SessionID) bool {
	for _, s := range m.EnrolledSessionIDs {
		if s == id {
			return true
		}
	}
	return false
}

// =============================================================================
// SESSION / INSTANCE - Template data supplied by the catalog
// =============================================================================

// DefaultCapacity is used when a session's capacity is absent or malformed.
const DefaultCapacity = 10

type Session struct {
	ID              SessionID
	Name            string
	Capacity        int
	Weekday         time.Weekday
	Date            *Date // set for one-off sessions, nil for recurring ones
	StartTime       string
	DurationMinutes int
	ActiveFrom      *Date
	ActiveTo        *Date
	IsExceptional   bool
}

// OccursOn reports whether a recurring session (or a one-off session) has an
// instance on the given date, ignoring cancellation exceptions.
func (s Session) OccursOn(d Date) bool {
	if s.Date != nil {
		return s.Date.Equal(d)
	}
	if d.Weekday() != s.Weekday {
		return false
	}
	if s.ActiveFrom != nil && d.Before(*s.ActiveFrom) {
		return false
	}
	if s.ActiveTo != nil && d.After(*s.ActiveTo) {
		return false
	}
	return true
}

// EffectiveCapacity applies the fallback for a missing or nonsensical value.
func (s Session) EffectiveCapacity() int {
	return capacityOrDefault(s.Capacity)
}

// SessionInstance is the unit the engine operates on.
type SessionInstance struct {
	Session   Session
	Date      Date
	Key       InstanceKey
	Exception ExceptionType // empty for a regular occurrence
}

// IsExceptional is true for one-off sessions and for "addition" instances.
// Exceptional instances have no enrollees and never move balances.
func (si SessionInstance) IsExceptional() bool {
	return si.Session.IsExceptional || si.Exception == ExceptionAddition
}

type ExceptionType string

const (
	ExceptionCancellation ExceptionType = "cancellation"
	ExceptionAddition     ExceptionType = "addition"
)

// SessionException cancels or adds a (session, date) instance.
type SessionException struct {
	SessionID SessionID
	Date      Date
	Type      ExceptionType
}

// =============================================================================
// ATTENDANCE RECORD - Persisted state of one instance
// =============================================================================

type AttendanceRecord struct {
	Key       InstanceKey
	SessionID SessionID
	Date      Date

	Status           StatusMap
	WaitingList      []MemberID
	ReplacementLinks map[MemberID]MemberID // guestID -> enrolleeID
	GuestOrigin      map[MemberID]GuestOrigin

	// Version is 0 for a record that was never committed and increments on
	// every successful commit. Commits compare-and-swap on it.
	Version   int64
	UpdatedAt time.Time
}

// NewAttendanceRecord returns the empty default for an instance.
func NewAttendanceRecord(key InstanceKey, sessionID SessionID, date Date) AttendanceRecord {
	return AttendanceRecord{
		Key:              key,
		SessionID:        sessionID,
		Date:             date,
		Status:           NewStatusMap(),
		ReplacementLinks: make(map[MemberID]MemberID),
		GuestOrigin:      make(map[MemberID]GuestOrigin),
	}
}

func (r AttendanceRecord) Clone() AttendanceRecord {
	out := r
	out.Status = r.Status.Clone()
	out.WaitingList = append([]MemberID(nil), r.WaitingList...)
	out.ReplacementLinks = make(map[MemberID]MemberID, len(r.ReplacementLinks))
	for k, v := range r.ReplacementLinks {
		out.ReplacementLinks[k] = v
	}
	out.GuestOrigin = make(map[MemberID]GuestOrigin, len(r.GuestOrigin))
	for k, v := range r.GuestOrigin {
		out.GuestOrigin[k] = v
	}
	return out
}

// =============================================================================
// LEDGER ENTRY - Append-only credit movement
// =============================================================================

type LedgerReason string

const (
	ReasonAbsenceCredit LedgerReason = "absence_credit"
	ReasonSeatReclaimed LedgerReason = "seat_reclaimed"
	ReasonGuestBooking  LedgerReason = "guest_booking"
	ReasonGuestRelease  LedgerReason = "guest_release"
	ReasonStatusChange  LedgerReason = "status_change"

	exceptionalPrefix = "exceptional:"
)

// Exceptional returns the audit label used on exceptional instances.
func (r LedgerReason) Exceptional() LedgerReason {
	return LedgerReason(exceptionalPrefix + string(r))
}

func (r LedgerReason) IsExceptional() bool {
	return strings.HasPrefix(string(r), exceptionalPrefix)
}

type LedgerEntry struct {
	ID          string
	MemberID    MemberID
	InstanceKey InstanceKey
	Timestamp   time.Time

	// Delta is the applied balance change. Nominal is the value from the
	// transition table; they differ only on exceptional instances.
	Delta   int
	Nominal int
	Reason  LedgerReason

	IdempotencyKey string
	Actor          string

	// Hidden entries were cosmetically deleted. They still count in audits.
	Hidden bool
}
