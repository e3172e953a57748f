package studio

// =============================================================================
// CAPACITY CALCULATOR - Pure seat accounting
// =============================================================================

// EnrolleeStatus is one enrollee with its effective status.
type EnrolleeStatus struct {
	ID     MemberID
	Status Status
}

type CapacityInput struct {
	Capacity    int
	Exceptional bool
	Enrollees   []EnrolleeStatus
	// Guests are present non-enrollees in their stable insertion order.
	Guests []MemberID
	// Links maps guestID -> enrolleeID. Stale links are ignored.
	Links map[MemberID]MemberID
}

type Occupancy struct {
	Capacity      int
	OccupiedSeats int
	// FreeSeats is capacity minus the fixed enrollee seats, never negative.
	FreeSeats int
	// ReplacementGuests sit in an absent enrollee's seat via an active link.
	ReplacementGuests []MemberID
	// SeatedGuests are unlinked guests inside the free seats.
	SeatedGuests []MemberID
	// OverflowGuests are unlinked guests beyond FreeSeats.
	OverflowGuests []MemberID
}

func (o Occupancy) Overflow() int { return len(o.OverflowGuests) }

// AvailableSeats is how many more unlinked guests fit without overflow.
func (o Occupancy) AvailableSeats() int {
	if n := o.FreeSeats - len(o.SeatedGuests); n > 0 {
		return n
	}
	return 0
}

func (o Occupancy) IsOverflowing(id MemberID) bool {
	for _, g := range o.OverflowGuests {
		if g == id {
			return true
		}
	}
	return false
}

// ComputeCapacity never fails. A non-positive capacity falls back to
// DefaultCapacity.
func ComputeCapacity(in CapacityInput) Occupancy {
	capacity := capacityOrDefault(in.Capacity)

	presentEnrolled := 0
	absent := make(map[MemberID]bool)
	for _, e := range in.Enrollees {
		switch {
		case e.Status == StatusPresent:
			presentEnrolled++
		case e.Status.IsAbsent():
			absent[e.ID] = true
		}
	}

	baseOccupied := len(in.Enrollees)
	if in.Exceptional {
		baseOccupied = 0
	}
	free := capacity - baseOccupied
	if free < 0 {
		free = 0
	}

	occ := Occupancy{
		Capacity:      capacity,
		OccupiedSeats: presentEnrolled + len(in.Guests),
		FreeSeats:     free,
	}

	held := make(map[MemberID]bool)
	for _, g := range in.Guests {
		target, linked := in.Links[g]
		if linked && absent[target] && !held[target] {
			held[target] = true
			occ.ReplacementGuests = append(occ.ReplacementGuests, g)
			continue
		}
		if len(occ.SeatedGuests) < free {
			occ.SeatedGuests = append(occ.SeatedGuests, g)
		} else {
			occ.OverflowGuests = append(occ.OverflowGuests, g)
		}
	}
	return occ
}

func capacityOrDefault(c int) int {
	if c <= 0 {
		return DefaultCapacity
	}
	return c
}

// CapacityFor evaluates a record against a roster.
func CapacityFor(inst SessionInstance, roster *Roster, rec AttendanceRecord) Occupancy {
	enrollees := roster.Enrollees()
	in := CapacityInput{
		Capacity:    inst.Session.Capacity,
		Exceptional: inst.IsExceptional(),
		Enrollees:   make([]EnrolleeStatus, 0, len(enrollees)),
		Guests:      roster.PresentGuests(rec.Status),
		Links:       rec.ReplacementLinks,
	}
	for _, id := range enrollees {
		in.Enrollees = append(in.Enrollees, EnrolleeStatus{ID: id, Status: roster.EffectiveStatus(rec.Status, id)})
	}
	return ComputeCapacity(in)
}
