package studio

// =============================================================================
// WAITING LIST MANAGER
// =============================================================================

// PromotionPath records how a waiting member got a seat. It is surfaced to
// callers but never stored.
type PromotionPath string

const (
	PathReplacement PromotionPath = "replacement"
	PathFreeSeat    PromotionPath = "free_seat"
	PathOverflow    PromotionPath = "overflow"
)

type Promotion struct {
	MemberID MemberID
	Path     PromotionPath
	LinkedTo MemberID // set when Path == PathReplacement
}

// WaitingListManager mutates the waiting list of one record. Insertion
// order is priority order.
type WaitingListManager struct {
	inst   SessionInstance
	rec    *AttendanceRecord
	roster *Roster
	links  LinkResolver
}

func NewWaitingListManager(inst SessionInstance, rec *AttendanceRecord, roster *Roster) WaitingListManager {
	return WaitingListManager{inst: inst, rec: rec, roster: roster, links: NewLinkResolver(rec, roster)}
}

func (w WaitingListManager) Contains(id MemberID) bool {
	return indexOf(w.rec.WaitingList, id) >= 0
}

// Enqueue appends id. Duplicates, enrollees, present guests and linked
// guests are ignored; the return value reports whether the list changed.
func (w WaitingListManager) Enqueue(id MemberID) bool {
	if w.Contains(id) || w.roster.IsEnrollee(id) {
		return false
	}
	if w.rec.Status.Get(id) == StatusPresent {
		return false
	}
	if _, linked := w.rec.ReplacementLinks[id]; linked {
		return false
	}
	w.rec.WaitingList = append(w.rec.WaitingList, id)
	return true
}

// Dequeue is idempotent.
func (w WaitingListManager) Dequeue(id MemberID) bool {
	i := indexOf(w.rec.WaitingList, id)
	if i < 0 {
		return false
	}
	w.rec.WaitingList = append(w.rec.WaitingList[:i:i], w.rec.WaitingList[i+1:]...)
	return true
}

// PromoteWithReplacement seats a waiting member, linking them to the first
// unlinked absentee if there is one. Without a replacement target it needs
// an available seat.
func (w WaitingListManager) PromoteWithReplacement(id MemberID) (Promotion, error) {
	if !w.Contains(id) {
		return Promotion{}, &NotWaitingError{MemberID: id}
	}
	target, hasTarget := w.links.PickCandidate()
	if !hasTarget {
		occ := CapacityFor(w.inst, w.roster, *w.rec)
		if occ.AvailableSeats() == 0 {
			return Promotion{}, &CapacityExceededError{Key: w.inst.Key, Capacity: occ.Capacity, Overflow: []MemberID{id}}
		}
	}

	w.seat(id)
	if !hasTarget {
		return Promotion{MemberID: id, Path: PathFreeSeat}, nil
	}
	if err := w.links.Link(id, target); err != nil {
		return Promotion{}, err
	}
	return Promotion{MemberID: id, Path: PathReplacement, LinkedTo: target}, nil
}

// PromoteAsOverflow seats a waiting member without a link, even when the
// session is full.
func (w WaitingListManager) PromoteAsOverflow(id MemberID) (Promotion, error) {
	if !w.Contains(id) {
		return Promotion{}, &NotWaitingError{MemberID: id}
	}
	w.seat(id)
	return Promotion{MemberID: id, Path: PathOverflow}, nil
}

func (w WaitingListManager) seat(id MemberID) {
	w.Dequeue(id)
	w.rec.Status.Set(id, StatusPresent)
	w.rec.GuestOrigin[id] = OriginWaitingList
}

// RemoveAndReturn takes a guest out of the session. A guest who came from
// the waiting list goes back to its end, behind everyone still waiting.
func (w WaitingListManager) RemoveAndReturn(id MemberID) (requeued bool) {
	origin := w.rec.GuestOrigin[id]
	w.clearGuest(id)
	if origin == OriginWaitingList {
		return w.Enqueue(id)
	}
	return false
}

// Withdraw takes a guest out of the session and off the waiting list.
func (w WaitingListManager) Withdraw(id MemberID) {
	w.clearGuest(id)
	w.Dequeue(id)
}

func (w WaitingListManager) clearGuest(id MemberID) {
	w.rec.Status.Delete(id)
	w.links.Unlink(id)
	delete(w.rec.GuestOrigin, id)
}

func indexOf(ids []MemberID, id MemberID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
