/*
handlers.go - HTTP API handlers for the attendance engine

PURPOSE:
  Exposes session instances, attendance edits, member self-service, the
  member directory and the credit ledger via REST. Handles HTTP
  request/response, JSON serialization, validation, and delegates every
  attendance change to studio.Engine.Apply.

ENDPOINTS:
  Sessions:
    GET    /api/sessions                                   Catalog
    GET    /api/instances/{sessionId}/{date}               Grid view

  Attendance (admin):
    PUT    /api/instances/{sessionId}/{date}/status        Save full status map
    POST   .../members/{memberId}/status                   Set one status
    POST   .../guests                                      Add guest
    POST   .../guests/{memberId}/replace                   Seat guest for an absentee
    DELETE .../guests/{memberId}                           Remove guest (requeue)
    POST   .../waitlist                                    Enqueue
    DELETE .../waitlist/{memberId}                         Dequeue
    POST   .../waitlist/{memberId}/promote                 Promote (replacement|overflow)

  Self-service:
    POST   .../book                                        Book a seat
    POST   .../cancel                                      Cancel

  Members & ledger:
    GET    /api/members                                    List
    POST   /api/members                                    Create
    GET    /api/members/{id}                               Details
    GET    /api/members/{id}/ledger?limit=&offset=         History, newest first
    POST   /api/members/{id}/unfreeze                      Lift an audit freeze
    DELETE /api/ledger/{id}                                Cosmetic delete
    POST   /api/admin/audit                                Run ledger audit

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, validation errors, bad status or date
  - 404: Unknown session, instance, member or entry
  - 409: Version conflict, duplicate idempotency key, cancelled instance,
         member id already taken
  - 422: Capacity needs confirmation, invalid link target, not waiting
  - 423: Member frozen by the ledger audit
  - 500: Internal errors (nothing was committed)

SECURITY NOTE:
  No authentication. Actor names are taken from the request.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - studio/engine.go: Unit of work
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/studio-engine/metrics"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *studio.Engine
	Store    studio.Store
	Schedule studio.Schedule

	// Metrics is optional.
	Metrics *metrics.Recorder

	logger   zerolog.Logger
	validate *validator.Validate
	now      func() time.Time

	// Track currently loaded demo scenario
	currentScenario string
}

func NewHandler(engine *studio.Engine, store studio.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Store:    store,
		Schedule: engine.Schedule(),
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// =============================================================================
// SESSIONS & INSTANCES
// =============================================================================

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.Schedule.Sessions()
	dtos := make([]SessionDTO, 0, len(sessions))
	for _, s := range sessions {
		dtos = append(dtos, toSessionDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	view, err := h.Engine.View(r.Context(), ref)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTO(view.Instance, view.Record, view.Roster, view.Occupancy))
}

// =============================================================================
// ATTENDANCE (ADMIN)
// =============================================================================

func (h *Handler) SaveStatuses(w http.ResponseWriter, r *http.Request) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	var req SaveStatusesRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if req.ExpectedVersion == nil {
		writeError(w, http.StatusBadRequest, "expected_version is required", nil)
		return
	}
	h.apply(w, r, ref, req.apply(), func(s *studio.Sheet) error {
		return s.ReplaceStatuses(req.Status)
	})
}

func (h *Handler) SetMemberStatus(w http.ResponseWriter, r *http.Request) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	var req SetStatusRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	st := studio.StatusRemoved
	if req.Status != string(studio.StatusRemoved) {
		parsed, err := studio.ParseStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status", err)
			return
		}
		st = parsed
	}
	id := studio.MemberID(chi.URLParam(r, "memberId"))
	h.apply(w, r, ref, req.apply(), func(s *studio.Sheet) error {
		return s.SetStatus(id, st)
	})
}

func (h *Handler) AddGuest(w http.ResponseWriter, r *http.Request) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	var req MemberRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	h.apply(w, r, ref, req.apply(), func(s *studio.Sheet) error {
		_, err := s.AddGuest(studio.MemberID(req.MemberID))
		return err
	})
}

func (h *Handler) ReplaceGuest(w http.ResponseWriter, r *http.Request) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	var req ReplaceRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	guest := studio.MemberID(chi.URLParam(r, "memberId"))
	h.apply(w, r, ref, req.apply(), func(s *studio.Sheet) error {
		_, err := s.Replace(guest, studio.MemberID(req.EnrolleeID))
		return err
	})
}

func (h *Handler) RemoveGuest(w http.ResponseWriter, r *http.Request) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	var req MutationOptions
	if !h.decode(w, r, &req, true) {
		return
	}
	guest := studio.MemberID(chi.URLParam(r, "memberId"))
	h.apply(w, r, ref, req.apply(), func(s *studio.Sheet) error {
		_, err := s.RemoveGuest(guest)
		return err
	})
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	var req MemberRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	h.apply(w, r, ref, req.apply(), func(s *studio.Sheet) error {
		_, err := s.Enqueue(studio.MemberID(req.MemberID))
		return err
	})
}

func (h *Handler) Dequeue(w http.ResponseWriter, r *http.Request) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	var req MutationOptions
	if !h.decode(w, r, &req, true) {
		return
	}
	id := studio.MemberID(chi.URLParam(r, "memberId"))
	h.apply(w, r, ref, req.apply(), func(s *studio.Sheet) error {
		if !s.Dequeue(id) {
			return &studio.NotWaitingError{MemberID: id}
		}
		return nil
	})
}

func (h *Handler) Promote(w http.ResponseWriter, r *http.Request) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	var req PromoteRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	id := studio.MemberID(chi.URLParam(r, "memberId"))
	h.apply(w, r, ref, req.apply(), func(s *studio.Sheet) error {
		var err error
		if req.Mode == "overflow" {
			_, err = s.PromoteAsOverflow(id)
		} else {
			_, err = s.PromoteWithReplacement(id)
		}
		return err
	})
}

// =============================================================================
// SELF-SERVICE
// =============================================================================

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	h.selfService(w, r, h.Engine.Book)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.selfService(w, r, h.Engine.Cancel)
}

type selfServiceFunc func(ctx context.Context, ref studio.InstanceRef, id studio.MemberID, opts studio.ApplyOptions) (*studio.Outcome, error)

func (h *Handler) selfService(w http.ResponseWriter, r *http.Request, run selfServiceFunc) {
	ref, ok := instanceRef(w, r)
	if !ok {
		return
	}
	var req MemberRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	opts := req.apply()
	if req.Actor == "" {
		opts.Actor = req.MemberID
	}
	out, err := run(r.Context(), ref, studio.MemberID(req.MemberID), opts)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeDTO(out))
}

// =============================================================================
// MEMBERS
// =============================================================================

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Store.ListMembers(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	studio.SortMembers(members)
	dtos := make([]MemberDTO, 0, len(members))
	for _, m := range members {
		dtos = append(dtos, toMemberDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Store.GetMember(r.Context(), studio.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	known := make(map[studio.SessionID]bool)
	for _, s := range h.Schedule.Sessions() {
		known[s.ID] = true
	}
	m := studio.Member{
		ID:             studio.MemberID(req.ID),
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		InitialBalance: req.InitialBalance,
		CreatedAt:      h.now(),
	}
	if m.ID == "" {
		m.ID = studio.MemberID(uuid.NewString())
	} else if _, err := h.Store.GetMember(r.Context(), m.ID); err == nil {
		writeError(w, http.StatusConflict, "Member already exists", fmt.Errorf("member %s", m.ID))
		return
	} else if !studio.IsNotFound(err) {
		h.writeEngineError(w, r, err)
		return
	}
	for _, sid := range req.Enrolled {
		if !known[studio.SessionID(sid)] {
			writeError(w, http.StatusBadRequest, "Unknown session in enrolled", studio.ErrSessionNotFound)
			return
		}
		m.EnrolledSessionIDs = append(m.EnrolledSessionIDs, studio.SessionID(sid))
	}

	if err := h.Store.SaveMember(r.Context(), m); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	saved, err := h.Store.GetMember(r.Context(), m.ID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(saved))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id := studio.MemberID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetMember(r.Context(), id); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	page := studio.Page{}
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid "+name, err)
			return
		}
		*dst = n
	}
	page = page.Normalize()

	entries, err := h.Store.History(r.Context(), id, page)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerPageDTO{
		MemberID: string(id),
		Limit:    page.Limit,
		Offset:   page.Offset,
		Entries:  toLedgerEntryDTOs(entries),
	})
}

func (h *Handler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	id := studio.MemberID(chi.URLParam(r, "id"))
	if err := h.Store.SetFrozen(r.Context(), id, false); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	hlog.FromRequest(r).Warn().Str("member", string(id)).Msg("member unfrozen by operator")
	m, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

// =============================================================================
// LEDGER
// =============================================================================

// HideLedgerEntry removes an entry from history views. Balances are not
// touched and the audit still counts the entry.
func (h *Handler) HideLedgerEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.HideEntry(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Audit(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

// Audit runs the ledger audit and logs every divergence. Shared by the
// endpoint and the scheduler.
func (h *Handler) Audit(ctx context.Context) (studio.AuditReport, error) {
	report, err := studio.AuditLedger(ctx, h.Store)
	if h.Metrics != nil {
		h.Metrics.ObserveAudit(report, err)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("ledger audit failed")
		return report, err
	}
	for _, d := range report.Diverged {
		h.logger.Error().
			Str("member", string(d.MemberID)).
			Int("initial_balance", d.InitialBalance).
			Int("ledger_sum", d.LedgerSum).
			Int("credit_balance", d.CreditBalance).
			Msg("ledger divergence, member frozen")
	}
	return report, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, ref studio.InstanceRef, opts studio.ApplyOptions, mutate func(*studio.Sheet) error) {
	out, err := h.Engine.Apply(r.Context(), ref, opts, mutate)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeDTO(out))
}

func instanceRef(w http.ResponseWriter, r *http.Request) (studio.InstanceRef, bool) {
	date, err := studio.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return studio.InstanceRef{}, false
	}
	return studio.InstanceRef{SessionID: studio.SessionID(chi.URLParam(r, "sessionId")), Date: date}, true
}

// decode parses and validates a JSON body. With optional set, an empty
// body is accepted.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, studio.ErrConcurrentModification):
		return http.StatusConflict, "Instance was modified concurrently, reload and retry"
	case errors.Is(err, studio.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "Ledger entry already recorded"
	case errors.Is(err, studio.ErrMemberFrozen):
		return http.StatusLocked, "Member is frozen pending ledger review"
	case errors.Is(err, studio.ErrInstanceCancelled):
		return http.StatusConflict, "Session instance is cancelled"
	case errors.Is(err, studio.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity, "Capacity exceeded, confirm overflow to proceed"
	case errors.Is(err, studio.ErrInvalidLinkTarget),
		errors.Is(err, studio.ErrNotWaiting),
		errors.Is(err, studio.ErrNotAGuest):
		return http.StatusUnprocessableEntity, "Operation not allowed for this member"
	case studio.IsNotFound(err), errors.Is(err, studio.ErrNoSuchInstance):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, studio.ErrInvalidStatus), errors.Is(err, studio.ErrInvalidDate):
		return http.StatusBadRequest, "Invalid input"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	resp := ErrorResponse{Error: message, Details: err.Error()}
	var capErr *studio.CapacityExceededError
	if errors.As(err, &capErr) {
		resp.Overflow = idStrings(capErr.Overflow)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
