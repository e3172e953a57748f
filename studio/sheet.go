package studio

// =============================================================================
// SHEET - Working copy of one instance inside a unit of work
// =============================================================================

// Sheet is handed to the mutate callback of Engine.Apply. Every operation
// edits a private copy of the record; nothing is persisted until the
// engine commits.
type Sheet struct {
	inst    SessionInstance
	roster  *Roster
	prev    AttendanceRecord
	rec     *AttendanceRecord
	links   LinkResolver
	waiting WaitingListManager

	promotions []Promotion
	requeued   []MemberID

	// guests seated through PromoteAsOverflow
	overflowConfirmed map[MemberID]bool
}

func newSheet(inst SessionInstance, roster *Roster, prev AttendanceRecord) *Sheet {
	working := prev.Clone()
	s := &Sheet{inst: inst, roster: roster, prev: prev, rec: &working, overflowConfirmed: map[MemberID]bool{}}
	s.links = NewLinkResolver(s.rec, roster)
	s.waiting = NewWaitingListManager(inst, s.rec, roster)
	return s
}

func (s *Sheet) Instance() SessionInstance { return s.inst }
func (s *Sheet) Roster() *Roster           { return s.roster }

// Previous is the committed record the sheet started from.
func (s *Sheet) Previous() AttendanceRecord { return s.prev }

// Record returns a copy of the working record.
func (s *Sheet) Record() AttendanceRecord { return s.rec.Clone() }

func (s *Sheet) Occupancy() Occupancy {
	return CapacityFor(s.inst, s.roster, *s.rec)
}

func (s *Sheet) Links() LinkResolver             { return s.links }
func (s *Sheet) WaitingList() WaitingListManager { return s.waiting }

func (s *Sheet) known(id MemberID) error {
	if !s.roster.Known(id) {
		return &UnknownMemberError{MemberID: id}
	}
	return nil
}

// =============================================================================
// STATUS
// =============================================================================

// SetStatus moves a member to st. For guests, present goes through
// AddGuest and removed through RemoveGuest so links, origins and the
// waiting list stay consistent. An id missing from the directory is
// written as given; it takes no seat and reconciliation skips it.
func (s *Sheet) SetStatus(id MemberID, st Status) error {
	if !s.roster.Known(id) {
		if st == StatusRemoved {
			s.rec.Status.Delete(id)
		} else {
			s.rec.Status.Set(id, st)
		}
		return nil
	}
	if s.roster.IsEnrollee(id) {
		switch st {
		case StatusRemoved:
			s.rec.Status.Delete(id)
		case StatusPresent:
			if s.roster.EffectiveStatus(s.rec.Status, id) != StatusPresent {
				s.rec.Status.Set(id, StatusPresent)
			}
		default:
			s.rec.Status.Set(id, st)
		}
		return nil
	}

	switch st {
	case StatusPresent:
		_, err := s.AddGuest(id)
		return err
	case StatusRemoved:
		_, err := s.RemoveGuest(id)
		return err
	default:
		s.waiting.Dequeue(id)
		s.rec.Status.Set(id, st)
		return nil
	}
}

// ReplaceStatuses applies a full desired status map, as submitted by the
// admin grid. Keys missing from desired are removed.
func (s *Sheet) ReplaceStatuses(desired StatusMap) error {
	for _, id := range s.rec.Status.Keys() {
		if !desired.Has(id) {
			if err := s.SetStatus(id, StatusRemoved); err != nil {
				return err
			}
		}
	}
	for _, id := range desired.Keys() {
		if s.rec.Status.Get(id) == desired.Get(id) {
			continue
		}
		if err := s.SetStatus(id, desired.Get(id)); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// GUESTS
// =============================================================================

// AddGuest marks a non-enrollee present without linking them. Capacity is
// checked by the engine once the whole mutation is known.
func (s *Sheet) AddGuest(id MemberID) (Promotion, error) {
	if err := s.known(id); err != nil {
		return Promotion{}, err
	}
	if s.roster.IsEnrollee(id) {
		return Promotion{}, ErrNotAGuest
	}
	if s.rec.Status.Get(id) == StatusPresent {
		return Promotion{MemberID: id, Path: s.pathOf(id)}, nil
	}
	s.seatGuest(id)
	p := Promotion{MemberID: id, Path: s.pathOf(id)}
	s.promotions = append(s.promotions, p)
	return p, nil
}

// Replace seats a guest in the seat of an absent enrollee. An empty
// enrolleeID picks the first unlinked absentee in roster order.
func (s *Sheet) Replace(guestID, enrolleeID MemberID) (Promotion, error) {
	if err := s.known(guestID); err != nil {
		return Promotion{}, err
	}
	if s.roster.IsEnrollee(guestID) {
		return Promotion{}, ErrNotAGuest
	}
	if enrolleeID == "" {
		candidate, ok := s.links.PickCandidate()
		if !ok {
			return Promotion{}, &InvalidLinkTargetError{GuestID: guestID, Reason: "no absent enrollee without a replacement"}
		}
		enrolleeID = candidate
	}
	if err := s.links.Link(guestID, enrolleeID); err != nil {
		return Promotion{}, err
	}
	if s.rec.Status.Get(guestID) != StatusPresent {
		s.seatGuest(guestID)
	}
	p := Promotion{MemberID: guestID, Path: PathReplacement, LinkedTo: enrolleeID}
	s.promotions = append(s.promotions, p)
	return p, nil
}

// RemoveGuest is the remove-and-return path: a guest who came from the
// waiting list is appended to its end.
func (s *Sheet) RemoveGuest(id MemberID) (requeued bool, err error) {
	if err := s.known(id); err != nil {
		return false, err
	}
	if s.roster.IsEnrollee(id) {
		return false, ErrNotAGuest
	}
	requeued = s.waiting.RemoveAndReturn(id)
	if requeued {
		s.requeued = append(s.requeued, id)
	}
	return requeued, nil
}

// Withdraw removes a guest who gives up their seat or place in line.
func (s *Sheet) Withdraw(id MemberID) error {
	if err := s.known(id); err != nil {
		return err
	}
	if s.roster.IsEnrollee(id) {
		return ErrNotAGuest
	}
	s.waiting.Withdraw(id)
	return nil
}

func (s *Sheet) seatGuest(id MemberID) {
	origin := OriginManual
	if s.waiting.Dequeue(id) || s.rec.GuestOrigin[id] == OriginWaitingList {
		origin = OriginWaitingList
	}
	s.rec.Status.Set(id, StatusPresent)
	s.rec.GuestOrigin[id] = origin
}

func (s *Sheet) pathOf(id MemberID) PromotionPath {
	occ := s.Occupancy()
	for _, g := range occ.ReplacementGuests {
		if g == id {
			return PathReplacement
		}
	}
	if occ.IsOverflowing(id) {
		return PathOverflow
	}
	return PathFreeSeat
}

// =============================================================================
// WAITING LIST
// =============================================================================

func (s *Sheet) Enqueue(id MemberID) (bool, error) {
	if err := s.known(id); err != nil {
		return false, err
	}
	return s.waiting.Enqueue(id), nil
}

func (s *Sheet) Dequeue(id MemberID) bool {
	return s.waiting.Dequeue(id)
}

func (s *Sheet) PromoteWithReplacement(id MemberID) (Promotion, error) {
	p, err := s.waiting.PromoteWithReplacement(id)
	if err != nil {
		return Promotion{}, err
	}
	s.promotions = append(s.promotions, p)
	return p, nil
}

func (s *Sheet) PromoteAsOverflow(id MemberID) (Promotion, error) {
	p, err := s.waiting.PromoteAsOverflow(id)
	if err != nil {
		return Promotion{}, err
	}
	s.overflowConfirmed[id] = true
	s.promotions = append(s.promotions, p)
	return p, nil
}

// =============================================================================
// MEMBER SELF-SERVICE
// =============================================================================

// Book is the member-facing booking. Enrollees reclaim their seat; guests
// are promoted if waiting, otherwise seated in an absentee's place when
// one is free, otherwise seated subject to the capacity gate.
func (s *Sheet) Book(id MemberID) (Promotion, error) {
	if err := s.known(id); err != nil {
		return Promotion{}, err
	}
	if s.roster.IsEnrollee(id) {
		return Promotion{MemberID: id}, s.SetStatus(id, StatusPresent)
	}
	if s.rec.Status.Get(id) == StatusPresent {
		return Promotion{MemberID: id, Path: s.pathOf(id)}, nil
	}
	if s.waiting.Contains(id) {
		return s.PromoteWithReplacement(id)
	}
	if _, ok := s.links.PickCandidate(); ok {
		return s.Replace(id, "")
	}
	return s.AddGuest(id)
}

// Cancel is the member-facing cancellation. Enrollees announce their
// absence; guests give up their seat or leave the waiting list.
func (s *Sheet) Cancel(id MemberID) error {
	if err := s.known(id); err != nil {
		return err
	}
	if s.roster.IsEnrollee(id) {
		if s.rec.Status.Get(id).IsAbsent() {
			return nil
		}
		return s.SetStatus(id, StatusAbsentAnnounced)
	}
	return s.Withdraw(id)
}
