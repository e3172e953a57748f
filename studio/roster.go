package studio

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// =============================================================================
// ROLES
// =============================================================================

type Role int

const (
	RoleGuest Role = iota
	RoleEnrollee
)

func (r Role) String() string {
	if r == RoleEnrollee {
		return "enrollee"
	}
	return "guest"
}

// =============================================================================
// ROSTER - Members of the directory as seen by one session instance
// =============================================================================

// Roster resolves roles once per unit of work. Enrollees are kept in the
// canonical directory order (surname, given name, id).
type Roster struct {
	members   map[MemberID]Member
	enrollees []MemberID
	enrolled  map[MemberID]bool
}

// NewRoster builds the roster for an instance. Exceptional instances have
// no enrollees: every member is a guest there.
func NewRoster(inst SessionInstance, members []Member) *Roster {
	r := &Roster{
		members:  make(map[MemberID]Member, len(members)),
		enrolled: make(map[MemberID]bool),
	}
	for _, m := range members {
		r.members[m.ID] = m
		if !inst.IsExceptional() && m.IsEnrolledIn(inst.Session.ID) {
			r.enrolled[m.ID] = true
			r.enrollees = append(r.enrollees, m.ID)
		}
	}
	SortMemberIDs(r.enrollees, r.members)
	return r
}

func (r *Roster) Role(id MemberID) Role {
	if r.enrolled[id] {
		return RoleEnrollee
	}
	return RoleGuest
}

func (r *Roster) IsEnrollee(id MemberID) bool { return r.enrolled[id] }

func (r *Roster) Known(id MemberID) bool {
	_, ok := r.members[id]
	return ok
}

func (r *Roster) Member(id MemberID) (Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

// Enrollees returns enrollee ids in canonical order.
func (r *Roster) Enrollees() []MemberID {
	return append([]MemberID(nil), r.enrollees...)
}

// EffectiveStatus applies the missing-key default: present for an
// enrollee, removed for everyone else.
func (r *Roster) EffectiveStatus(m StatusMap, id MemberID) Status {
	st := m.Get(id)
	if st == StatusRemoved && r.enrolled[id] {
		return StatusPresent
	}
	return st
}

// AbsentEnrollees returns the enrollees currently absent, in canonical order.
func (r *Roster) AbsentEnrollees(m StatusMap) []MemberID {
	var out []MemberID
	for _, id := range r.enrollees {
		if m.Get(id).IsAbsent() {
			out = append(out, id)
		}
	}
	return out
}

// PresentGuests returns present non-enrollees in insertion order. Ids
// missing from the directory are left out.
func (r *Roster) PresentGuests(m StatusMap) []MemberID {
	var out []MemberID
	for _, id := range m.Keys() {
		if r.Known(id) && !r.enrolled[id] && m.Get(id) == StatusPresent {
			out = append(out, id)
		}
	}
	return out
}

// =============================================================================
// CANONICAL ORDERING
// =============================================================================

// SortMemberIDs orders ids by surname then given name using a French,
// case-insensitive collation. Unknown ids sort last, by id.
func SortMemberIDs(ids []MemberID, members map[MemberID]Member) {
	col := collate.New(language.French, collate.IgnoreCase, collate.IgnoreDiacritics)
	sort.SliceStable(ids, func(i, j int) bool {
		a, aok := members[ids[i]]
		b, bok := members[ids[j]]
		if aok != bok {
			return aok
		}
		if c := col.CompareString(a.LastName, b.LastName); c != 0 {
			return c < 0
		}
		if c := col.CompareString(a.FirstName, b.FirstName); c != 0 {
			return c < 0
		}
		return ids[i] < ids[j]
	})
}

// SortMembers orders directory records the same way.
func SortMembers(members []Member) {
	byID := make(map[MemberID]Member, len(members))
	ids := make([]MemberID, len(members))
	for i, m := range members {
		byID[m.ID] = m
		ids[i] = m.ID
	}
	SortMemberIDs(ids, byID)
	for i, id := range ids {
		members[i] = byID[id]
	}
}
