/*
store.go - Persistence boundary of the attendance engine

KEY INTERFACES:
  AttendanceStore: Load a record, Commit record + ledger + balances atomically
  MemberDirectory: Read members (the directory collaborator owns CRUD)
  LedgerStore:     Paginated history, cosmetic deletion, audit helpers
  Store:           All of the above

COMMIT CONTRACT:
  Commit compares the stored version with CommitRequest.ExpectedVersion and
  fails with ErrConcurrentModification if they differ. Record, entries and
  balance mutations are applied all-or-nothing. Every failure is returned
  as a *CommitError (errors.Is(err, ErrAtomicCommitFailure) holds). The
  store never retries.

IMPLEMENTATIONS:
  - studio/store/memory.go:     In-memory, for tests and development
  - store/sqlstore/sqlstore.go: SQLite / Postgres via database/sql
*/
package studio

import "context"

type CommitRequest struct {
	Key             InstanceKey
	ExpectedVersion int64
	Record          AttendanceRecord
	Entries         []LedgerEntry
}

// AttendanceStore owns the atomic commit boundary.
type AttendanceStore interface {
	// Load returns the record, or NewAttendanceRecord defaults with
	// Version 0 when none was ever committed.
	Load(ctx context.Context, key InstanceKey) (AttendanceRecord, error)

	// Commit applies the record, its ledger entries and the resulting
	// balance changes atomically, and returns the new version.
	Commit(ctx context.Context, req CommitRequest) (int64, error)
}

type MemberDirectory interface {
	ListMembers(ctx context.Context) ([]Member, error)
	// GetMember returns an *UnknownMemberError for a missing id.
	GetMember(ctx context.Context, id MemberID) (Member, error)
}

// Page selects a window of newest-first history.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// MemberLedger is a member read together with the sum of its ledger.
type MemberLedger struct {
	Member    Member
	LedgerSum int
}

type LedgerStore interface {
	// History returns visible entries for a member, newest first.
	History(ctx context.Context, memberID MemberID, page Page) ([]LedgerEntry, error)

	// HideEntry is the cosmetic deletion: the entry disappears from History
	// but balances are not touched and audits still count it.
	HideEntry(ctx context.Context, entryID string) error

	// LedgerSnapshot returns every member with sum(Delta) over all of its
	// entries, hidden included. Balances and sums come from one consistent
	// read, so a commit is either fully in it or fully out of it.
	LedgerSnapshot(ctx context.Context) ([]MemberLedger, error)

	SetFrozen(ctx context.Context, id MemberID, frozen bool) error
}

type Store interface {
	AttendanceStore
	MemberDirectory
	LedgerStore

	SaveMember(ctx context.Context, m Member) error
}
