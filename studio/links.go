package studio

// =============================================================================
// REPLACEMENT LINK RESOLVER - guest <-> absent enrollee
// =============================================================================

// LinkResolver keeps a record's replacement links consistent. A link is
// active while its guest is present and its enrollee is absent; a stale
// link is left in place and ignored until the guest is removed.
type LinkResolver struct {
	rec    *AttendanceRecord
	roster *Roster
}

func NewLinkResolver(rec *AttendanceRecord, roster *Roster) LinkResolver {
	if rec.ReplacementLinks == nil {
		rec.ReplacementLinks = make(map[MemberID]MemberID)
	}
	return LinkResolver{rec: rec, roster: roster}
}

// Link points guestID at enrolleeID. It fails if the enrollee is not an
// absent enrollee or another guest actively holds the seat. Re-linking a
// guest moves its link; inactive links of other guests to the same
// enrollee are dropped.
func (lr LinkResolver) Link(guestID, enrolleeID MemberID) error {
	if !lr.roster.IsEnrollee(enrolleeID) {
		return &InvalidLinkTargetError{GuestID: guestID, EnrolleeID: enrolleeID, Reason: "not enrolled in this session"}
	}
	if lr.roster.IsEnrollee(guestID) {
		return &InvalidLinkTargetError{GuestID: guestID, EnrolleeID: enrolleeID, Reason: "replacement must be a guest"}
	}
	if !lr.rec.Status.Get(enrolleeID).IsAbsent() {
		return &InvalidLinkTargetError{GuestID: guestID, EnrolleeID: enrolleeID, Reason: "enrollee is not absent"}
	}
	if holder, ok := lr.ResolveLinkFor(enrolleeID); ok && holder != guestID {
		return &InvalidLinkTargetError{GuestID: guestID, EnrolleeID: enrolleeID, Reason: "enrollee already replaced", LinkedTo: holder}
	}
	for g, e := range lr.rec.ReplacementLinks {
		if e == enrolleeID && g != guestID {
			delete(lr.rec.ReplacementLinks, g)
		}
	}
	lr.rec.ReplacementLinks[guestID] = enrolleeID
	return nil
}

// Unlink is idempotent.
func (lr LinkResolver) Unlink(guestID MemberID) {
	delete(lr.rec.ReplacementLinks, guestID)
}

// ResolveLinkFor returns the guest actively holding the enrollee's seat.
func (lr LinkResolver) ResolveLinkFor(enrolleeID MemberID) (MemberID, bool) {
	if !lr.rec.Status.Get(enrolleeID).IsAbsent() {
		return "", false
	}
	// Status order keeps the answer deterministic when a hand-edited record
	// holds two links to one enrollee.
	for _, g := range lr.rec.Status.Keys() {
		if lr.rec.ReplacementLinks[g] == enrolleeID && lr.rec.Status.Get(g) == StatusPresent {
			return g, true
		}
	}
	return "", false
}

// IsActive reports whether the guest's link currently holds a seat.
func (lr LinkResolver) IsActive(guestID MemberID) bool {
	target, ok := lr.rec.ReplacementLinks[guestID]
	if !ok {
		return false
	}
	holder, held := lr.ResolveLinkFor(target)
	return held && holder == guestID
}

// PickCandidate selects a replacement target for the current record.
func (lr LinkResolver) PickCandidate() (MemberID, bool) {
	return PickReplacementCandidate(lr.roster.AbsentEnrollees(lr.rec.Status), lr.rec.ReplacementLinks, lr.rec.Status)
}

// PickReplacementCandidate returns the first absent enrollee, in the given
// canonical order, that no present guest is linked to.
func PickReplacementCandidate(absentEnrollees []MemberID, links map[MemberID]MemberID, status StatusMap) (MemberID, bool) {
	taken := make(map[MemberID]bool, len(links))
	for g, e := range links {
		if status.Get(g) == StatusPresent {
			taken[e] = true
		}
	}
	for _, e := range absentEnrollees {
		if !taken[e] {
			return e, true
		}
	}
	return "", false
}
