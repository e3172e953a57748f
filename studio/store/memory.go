// Package store provides an in-memory studio.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	members     map[studio.MemberID]studio.Member
	records     map[studio.InstanceKey]studio.AttendanceRecord
	entries     []studio.LedgerEntry
	idempotency map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		members:     make(map[studio.MemberID]studio.Member),
		records:     make(map[studio.InstanceKey]studio.AttendanceRecord),
		idempotency: make(map[string]bool),
	}
}

var _ studio.Store = (*Memory)(nil)

// =============================================================================
// ATTENDANCE
// =============================================================================

func (m *Memory) Load(_ context.Context, key studio.InstanceKey) (studio.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.records[key]; ok {
		return rec.Clone(), nil
	}
	date, sessionID, err := studio.ParseInstanceKey(key)
	if err != nil {
		return studio.AttendanceRecord{}, err
	}
	return studio.NewAttendanceRecord(key, sessionID, date), nil
}

// Commit validates everything first, then writes. Nothing is written when
// any check fails.
func (m *Memory) Commit(_ context.Context, req studio.CommitRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.records[req.Key].Version
	if current != req.ExpectedVersion {
		return 0, studio.NewCommitError(req.Key, fmt.Errorf("%w: expected version %d, found %d",
			studio.ErrConcurrentModification, req.ExpectedVersion, current))
	}

	seen := make(map[string]bool, len(req.Entries))
	for _, e := range req.Entries {
		if _, ok := m.members[e.MemberID]; !ok {
			return 0, studio.NewCommitError(req.Key, &studio.UnknownMemberError{MemberID: e.MemberID})
		}
		if m.members[e.MemberID].Frozen {
			return 0, studio.NewCommitError(req.Key, &studio.MemberFrozenError{MemberID: e.MemberID})
		}
		if e.IdempotencyKey != "" && (m.idempotency[e.IdempotencyKey] || seen[e.IdempotencyKey]) {
			return 0, studio.NewCommitError(req.Key, fmt.Errorf("%w: %s", studio.ErrDuplicateIdempotencyKey, e.IdempotencyKey))
		}
		seen[e.IdempotencyKey] = true
	}

	rec := req.Record.Clone()
	rec.Key = req.Key
	rec.Version = current + 1
	m.records[req.Key] = rec

	for _, e := range req.Entries {
		m.entries = append(m.entries, e)
		if e.IdempotencyKey != "" {
			m.idempotency[e.IdempotencyKey] = true
		}
		member := m.members[e.MemberID]
		member.CreditBalance += e.Delta
		m.members[e.MemberID] = member
	}
	return rec.Version, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (m *Memory) ListMembers(_ context.Context) ([]studio.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]studio.Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, cloneMember(member))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetMember(_ context.Context, id studio.MemberID) (studio.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.members[id]
	if !ok {
		return studio.Member{}, &studio.UnknownMemberError{MemberID: id}
	}
	return cloneMember(member), nil
}

// SaveMember inserts a member with CreditBalance = InitialBalance, or
// updates the directory fields of an existing one. Balances only move
// through Commit.
func (m *Memory) SaveMember(_ context.Context, member studio.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.members[member.ID]
	if !ok {
		member = cloneMember(member)
		member.CreditBalance = member.InitialBalance
		m.members[member.ID] = member
		return nil
	}
	existing.FirstName = member.FirstName
	existing.LastName = member.LastName
	existing.Email = member.Email
	existing.EnrolledSessionIDs = append([]studio.SessionID(nil), member.EnrolledSessionIDs...)
	m.members[member.ID] = existing
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) History(_ context.Context, memberID studio.MemberID, page studio.Page) ([]studio.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page = page.Normalize()
	var visible []studio.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.MemberID == memberID && !e.Hidden {
			visible = append(visible, e)
		}
	}
	// Commit order is kept; a stable sort only reorders out-of-order clocks.
	sort.SliceStable(visible, func(i, j int) bool { return visible[i].Timestamp.After(visible[j].Timestamp) })

	if page.Offset >= len(visible) {
		return []studio.LedgerEntry{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(visible) {
		end = len(visible)
	}
	return visible[page.Offset:end], nil
}

func (m *Memory) HideEntry(_ context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.entries {
		if m.entries[i].ID == entryID {
			m.entries[i].Hidden = true
			return nil
		}
	}
	return fmt.Errorf("%w: %s", studio.ErrEntryNotFound, entryID)
}

// LedgerSnapshot reads members and entries under one lock.
func (m *Memory) LedgerSnapshot(_ context.Context) ([]studio.MemberLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[studio.MemberID]int)
	for _, e := range m.entries {
		sums[e.MemberID] += e.Delta
	}
	out := make([]studio.MemberLedger, 0, len(m.members))
	for id, member := range m.members {
		out = append(out, studio.MemberLedger{Member: cloneMember(member), LedgerSum: sums[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Member.ID < out[j].Member.ID })
	return out, nil
}

func (m *Memory) SetFrozen(_ context.Context, id studio.MemberID, frozen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[id]
	if !ok {
		return &studio.UnknownMemberError{MemberID: id}
	}
	member.Frozen = frozen
	m.members[id] = member
	return nil
}

// AdjustBalance moves a balance without a ledger entry. It exists so tests
// can simulate out-of-band corruption for the audit.
func (m *Memory) AdjustBalance(id studio.MemberID, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member := m.members[id]
	member.CreditBalance += delta
	m.members[id] = member
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneMember(m studio.Member) studio.Member {
	m.EnrolledSessionIDs = append([]studio.SessionID(nil), m.EnrolledSessionIDs...)
	return m
}
