/*
reconcile.go - Attendance state diff -> credit deltas

PURPOSE:
  Reconcile compares the last committed status map of an instance with the
  desired one and returns one delta per member whose effective state
  changed. It has no side effects; the engine turns deltas into ledger
  entries and commits them together with the record.

TRANSITION TABLE:
  role      transition                    delta  reason
  enrollee  -> absent (from not-absent)   +1     absence_credit
  enrollee  absent -> present             -1     seat_reclaimed
  enrollee  any other change               0     (no entry)
  guest     -> present (from not-present) -1     guest_booking
  guest     present -> anything else      +1     guest_release
  guest     any other change               0     (no entry)

  "absent" covers both absent and absentAnnounced. A missing key is present
  for an enrollee and removed for a guest.

EXCEPTIONAL INSTANCES:
  Every member is a guest. Every changed transition is logged with the
  nominal delta and an "exceptional:" reason, but the applied delta is 0.

IDEMPOTENCE:
  Reconcile(M, M) returns no deltas for any M.
*/
package studio

type ReconcileInput struct {
	Previous    StatusMap
	Next        StatusMap
	Enrolled    map[MemberID]bool
	Exceptional bool
	// Known reports whether an id resolves to a directory record. Unknown
	// ids are skipped. Nil means every id is known.
	Known func(MemberID) bool
}

// LedgerDelta is one reconciled transition.
type LedgerDelta struct {
	MemberID MemberID
	Role     Role
	From     Status
	To       Status
	Nominal  int
	Applied  int
	Reason   LedgerReason
}

type ReconcileResult struct {
	Deltas  []LedgerDelta
	Skipped []MemberID
}

// BalanceChanges sums applied deltas per member.
func (r ReconcileResult) BalanceChanges() map[MemberID]int {
	out := make(map[MemberID]int)
	for _, d := range r.Deltas {
		if d.Applied != 0 {
			out[d.MemberID] += d.Applied
		}
	}
	return out
}

func Reconcile(in ReconcileInput) ReconcileResult {
	var res ReconcileResult
	for _, id := range unionKeys(in.Previous, in.Next) {
		if in.Known != nil && !in.Known(id) {
			res.Skipped = append(res.Skipped, id)
			continue
		}

		role := RoleGuest
		if !in.Exceptional && in.Enrolled[id] {
			role = RoleEnrollee
		}

		from := effective(in.Previous.Get(id), role)
		to := effective(in.Next.Get(id), role)
		if from == to {
			continue
		}

		nominal, reason := transition(role, from, to)
		d := LedgerDelta{MemberID: id, Role: role, From: from, To: to, Nominal: nominal, Applied: nominal, Reason: reason}

		if in.Exceptional {
			d.Applied = 0
			d.Reason = reason.Exceptional()
		} else if nominal == 0 {
			continue
		}
		res.Deltas = append(res.Deltas, d)
	}
	return res
}

func effective(st Status, role Role) Status {
	if st == StatusRemoved && role == RoleEnrollee {
		return StatusPresent
	}
	return st
}

func transition(role Role, from, to Status) (int, LedgerReason) {
	switch role {
	case RoleEnrollee:
		switch {
		case to.IsAbsent() && !from.IsAbsent():
			return +1, ReasonAbsenceCredit
		case from.IsAbsent() && to == StatusPresent:
			return -1, ReasonSeatReclaimed
		}
	case RoleGuest:
		switch {
		case to == StatusPresent:
			return -1, ReasonGuestBooking
		case from == StatusPresent:
			return +1, ReasonGuestRelease
		}
	}
	return 0, ReasonStatusChange
}

// unionKeys returns previous keys in order, then new keys not seen before.
func unionKeys(a, b StatusMap) []MemberID {
	seen := make(map[MemberID]bool, a.Len()+b.Len())
	out := make([]MemberID, 0, a.Len()+b.Len())
	for _, m := range []StatusMap{a, b} {
		for _, id := range m.Keys() {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
