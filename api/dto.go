/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  h.validate.Struct before touching the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - studio/codec.go: Persisted record shape (reused for "status")
*/
package api

import (
	"time"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// REQUESTS
// =============================================================================

// MutationOptions is embedded in every request that changes an instance.
type MutationOptions struct {
	// ExpectedVersion is the version the client computed its edit from.
	ExpectedVersion *int64 `json:"expected_version,omitempty" validate:"omitempty,gte=0"`
	ConfirmOverflow bool   `json:"confirm_overflow,omitempty"`
	Actor           string `json:"actor,omitempty" validate:"max=128"`
}

func (o MutationOptions) apply() studio.ApplyOptions {
	actor := o.Actor
	if actor == "" {
		actor = "admin"
	}
	return studio.ApplyOptions{ExpectedVersion: o.ExpectedVersion, ConfirmOverflow: o.ConfirmOverflow, Actor: actor}
}

// SaveStatusesRequest is the admin grid save: the full desired map.
type SaveStatusesRequest struct {
	MutationOptions
	Status studio.StatusMap `json:"status"`
}

type SetStatusRequest struct {
	MutationOptions
	Status string `json:"status" validate:"required,oneof=present absent absentAnnounced removed"`
}

type MemberRequest struct {
	MutationOptions
	MemberID string `json:"member_id" validate:"required,max=64"`
}

type ReplaceRequest struct {
	MutationOptions
	// EnrolleeID is optional; empty picks the first absentee without a replacement.
	EnrolleeID string `json:"enrollee_id,omitempty" validate:"max=64"`
}

type PromoteRequest struct {
	MutationOptions
	Mode string `json:"mode" validate:"required,oneof=replacement overflow"`
}

type CreateMemberRequest struct {
	ID             string   `json:"id,omitempty" validate:"max=64"`
	FirstName      string   `json:"first_name" validate:"required,max=100"`
	LastName       string   `json:"last_name" validate:"required,max=100"`
	Email          string   `json:"email,omitempty" validate:"omitempty,email"`
	Enrolled       []string `json:"enrolled,omitempty" validate:"dive,required"`
	InitialBalance int      `json:"initial_balance"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type SessionDTO struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Weekday         string  `json:"weekday,omitempty"`
	Date            *string `json:"date,omitempty"`
	StartTime       string  `json:"start_time,omitempty"`
	DurationMinutes int     `json:"duration_minutes,omitempty"`
	Capacity        int     `json:"capacity"`
	ActiveFrom      *string `json:"active_from,omitempty"`
	ActiveTo        *string `json:"active_to,omitempty"`
	Exceptional     bool    `json:"exceptional"`
}

type OccupancyDTO struct {
	Capacity          int      `json:"capacity"`
	Occupied          int      `json:"occupied"`
	Free              int      `json:"free"`
	Available         int      `json:"available"`
	Overflow          int      `json:"overflow"`
	OverflowGuests    []string `json:"overflow_guests"`
	ReplacementGuests []string `json:"replacement_guests"`
}

// RosterEntryDTO is one row of the attendance grid.
type RosterEntryDTO struct {
	MemberID string `json:"member_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`

	// Status is the effective status (enrollees default to present).
	Status      string `json:"status"`
	ReplacedBy  string `json:"replaced_by,omitempty"`
	Replaces    string `json:"replaces,omitempty"`
	Origin      string `json:"origin,omitempty"`
	Overflow    bool   `json:"overflow,omitempty"`
	WaitingRank int    `json:"waiting_rank,omitempty"`
}

type InstanceDTO struct {
	Key         string                `json:"key"`
	SessionID   string                `json:"session_id"`
	SessionName string                `json:"session_name"`
	Date        string                `json:"date"`
	Exceptional bool                  `json:"exceptional"`
	Version     int64                 `json:"version"`
	UpdatedAt   *time.Time            `json:"updated_at,omitempty"`
	Record      studio.RecordDocument `json:"record"`
	Occupancy   OccupancyDTO          `json:"occupancy"`
	Roster      []RosterEntryDTO      `json:"roster"`
}

type DeltaDTO struct {
	MemberID string `json:"member_id"`
	Role     string `json:"role"`
	From     string `json:"from"`
	To       string `json:"to"`
	Nominal  int    `json:"nominal"`
	Applied  int    `json:"applied"`
	Reason   string `json:"reason"`
}

type PromotionDTO struct {
	MemberID string `json:"member_id"`
	Path     string `json:"path,omitempty"`
	LinkedTo string `json:"linked_to,omitempty"`
}

type OutcomeDTO struct {
	Committed  bool             `json:"committed"`
	Instance   InstanceDTO      `json:"instance"`
	Deltas     []DeltaDTO       `json:"deltas"`
	Entries    []LedgerEntryDTO `json:"entries"`
	Promotions []PromotionDTO   `json:"promotions"`
	Requeued   []string         `json:"requeued"`
	Skipped    []string         `json:"skipped,omitempty"`
}

type MemberDTO struct {
	ID             string   `json:"id"`
	FirstName      string   `json:"first_name"`
	LastName       string   `json:"last_name"`
	Name           string   `json:"name"`
	Email          string   `json:"email,omitempty"`
	Enrolled       []string `json:"enrolled"`
	CreditBalance  int      `json:"credit_balance"`
	InitialBalance int      `json:"initial_balance"`
	Frozen         bool     `json:"frozen"`
	CreatedAt      string   `json:"created_at,omitempty"`
}

type LedgerEntryDTO struct {
	ID          string `json:"id"`
	MemberID    string `json:"member_id"`
	InstanceKey string `json:"instance_key"`
	Timestamp   string `json:"timestamp"`
	Delta       int    `json:"delta"`
	Nominal     int    `json:"nominal"`
	Reason      string `json:"reason"`
	Actor       string `json:"actor,omitempty"`
}

type LedgerPageDTO struct {
	MemberID string           `json:"member_id"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
	Entries  []LedgerEntryDTO `json:"entries"`
}

type DivergenceDTO struct {
	MemberID       string `json:"member_id"`
	InitialBalance int    `json:"initial_balance"`
	LedgerSum      int    `json:"ledger_sum"`
	CreditBalance  int    `json:"credit_balance"`
}

type AuditDTO struct {
	Checked     int             `json:"checked"`
	Diverged    []DivergenceDTO `json:"diverged"`
	NewlyFrozen []string        `json:"newly_frozen"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Overflow lists guests beyond capacity when the save needs confirmation.
	Overflow []string `json:"overflow,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toSessionDTO(s studio.Session) SessionDTO {
	dto := SessionDTO{
		ID:              string(s.ID),
		Name:            s.Name,
		StartTime:       s.StartTime,
		DurationMinutes: s.DurationMinutes,
		Capacity:        s.EffectiveCapacity(),
		Exceptional:     s.IsExceptional,
	}
	if s.Date != nil {
		dto.Date = datePtr(*s.Date)
	} else {
		dto.Weekday = s.Weekday.String()
	}
	if s.ActiveFrom != nil {
		dto.ActiveFrom = datePtr(*s.ActiveFrom)
	}
	if s.ActiveTo != nil {
		dto.ActiveTo = datePtr(*s.ActiveTo)
	}
	return dto
}

func toOccupancyDTO(o studio.Occupancy) OccupancyDTO {
	return OccupancyDTO{
		Capacity:          o.Capacity,
		Occupied:          o.OccupiedSeats,
		Free:              o.FreeSeats,
		Available:         o.AvailableSeats(),
		Overflow:          o.Overflow(),
		OverflowGuests:    idStrings(o.OverflowGuests),
		ReplacementGuests: idStrings(o.ReplacementGuests),
	}
}

func toInstanceDTO(inst studio.SessionInstance, rec studio.AttendanceRecord, roster *studio.Roster, occ studio.Occupancy) InstanceDTO {
	dto := InstanceDTO{
		Key:         string(inst.Key),
		SessionID:   string(inst.Session.ID),
		SessionName: inst.Session.Name,
		Date:        inst.Date.String(),
		Exceptional: inst.IsExceptional(),
		Version:     rec.Version,
		Record:      rec.Document(),
		Occupancy:   toOccupancyDTO(occ),
		Roster:      toRosterDTO(rec, roster, occ),
	}
	if !rec.UpdatedAt.IsZero() {
		t := rec.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

// toRosterDTO lists enrollees in canonical order, then guests in insertion
// order, then the waiting list.
func toRosterDTO(rec studio.AttendanceRecord, roster *studio.Roster, occ studio.Occupancy) []RosterEntryDTO {
	replacedBy := make(map[studio.MemberID]studio.MemberID)
	for guest, enrollee := range rec.ReplacementLinks {
		if rec.Status.Get(guest) == studio.StatusPresent && rec.Status.Get(enrollee).IsAbsent() {
			replacedBy[enrollee] = guest
		}
	}

	seen := make(map[studio.MemberID]bool)
	rows := []RosterEntryDTO{}
	add := func(id studio.MemberID) RosterEntryDTO {
		seen[id] = true
		row := RosterEntryDTO{
			MemberID: string(id),
			Role:     roster.Role(id).String(),
			Status:   string(roster.EffectiveStatus(rec.Status, id)),
			Origin:   string(rec.GuestOrigin[id]),
			Overflow: occ.IsOverflowing(id),
		}
		if m, ok := roster.Member(id); ok {
			row.Name = m.DisplayName()
		}
		if g, ok := replacedBy[id]; ok {
			row.ReplacedBy = string(g)
		}
		if e, ok := rec.ReplacementLinks[id]; ok && replacedBy[e] == id {
			row.Replaces = string(e)
		}
		return row
	}

	for _, id := range roster.Enrollees() {
		rows = append(rows, add(id))
	}
	for _, id := range rec.Status.Keys() {
		if !seen[id] {
			rows = append(rows, add(id))
		}
	}
	for i, id := range rec.WaitingList {
		if seen[id] {
			continue
		}
		row := add(id)
		row.WaitingRank = i + 1
		rows = append(rows, row)
	}
	return rows
}

func toOutcomeDTO(o *studio.Outcome) OutcomeDTO {
	dto := OutcomeDTO{
		Committed:  o.Committed,
		Instance:   toInstanceDTO(o.Instance, o.Record, o.Roster, o.Occupancy),
		Deltas:     make([]DeltaDTO, 0, len(o.Deltas)),
		Entries:    toLedgerEntryDTOs(o.Entries),
		Promotions: make([]PromotionDTO, 0, len(o.Promotions)),
		Requeued:   idStrings(o.Requeued),
		Skipped:    idStrings(o.Skipped),
	}
	for _, d := range o.Deltas {
		dto.Deltas = append(dto.Deltas, DeltaDTO{
			MemberID: string(d.MemberID),
			Role:     d.Role.String(),
			From:     string(d.From),
			To:       string(d.To),
			Nominal:  d.Nominal,
			Applied:  d.Applied,
			Reason:   string(d.Reason),
		})
	}
	for _, p := range o.Promotions {
		dto.Promotions = append(dto.Promotions, PromotionDTO{
			MemberID: string(p.MemberID),
			Path:     string(p.Path),
			LinkedTo: string(p.LinkedTo),
		})
	}
	return dto
}

func toMemberDTO(m studio.Member) MemberDTO {
	dto := MemberDTO{
		ID:             string(m.ID),
		FirstName:      m.FirstName,
		LastName:       m.LastName,
		Name:           m.DisplayName(),
		Email:          m.Email,
		Enrolled:       make([]string, 0, len(m.EnrolledSessionIDs)),
		CreditBalance:  m.CreditBalance,
		InitialBalance: m.InitialBalance,
		Frozen:         m.Frozen,
	}
	for _, s := range m.EnrolledSessionIDs {
		dto.Enrolled = append(dto.Enrolled, string(s))
	}
	if !m.CreatedAt.IsZero() {
		dto.CreatedAt = m.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toLedgerEntryDTOs(entries []studio.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryDTO{
			ID:          e.ID,
			MemberID:    string(e.MemberID),
			InstanceKey: string(e.InstanceKey),
			Timestamp:   e.Timestamp.Format(time.RFC3339Nano),
			Delta:       e.Delta,
			Nominal:     e.Nominal,
			Reason:      string(e.Reason),
			Actor:       e.Actor,
		})
	}
	return out
}

func toAuditDTO(r studio.AuditReport) AuditDTO {
	dto := AuditDTO{
		Checked:     r.Checked,
		Diverged:    make([]DivergenceDTO, 0, len(r.Diverged)),
		NewlyFrozen: idStrings(r.NewlyFrozen),
	}
	for _, d := range r.Diverged {
		dto.Diverged = append(dto.Diverged, DivergenceDTO{
			MemberID:       string(d.MemberID),
			InitialBalance: d.InitialBalance,
			LedgerSum:      d.LedgerSum,
			CreditBalance:  d.CreditBalance,
		})
	}
	return dto
}

func idStrings(ids []studio.MemberID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

func datePtr(d studio.Date) *string {
	s := d.String()
	return &s
}
