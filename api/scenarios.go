/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the directory and drive a
	session instance through the engine, so the grid, the ledger and the
	notifications can be shown without manual data entry. Each scenario
	works on the next occurrence of the first recurring catalog session.

AVAILABLE SCENARIOS:

	replacement-day: An enrollee announces an absence, a guest books the seat
	waiting-list:    A full class, two members waiting, a cancellation frees a seat

HOW SCENARIOS WORK:
 1. Upsert demo members (ids prefixed with "demo-")
 2. Find the next occurrence of a recurring session
 3. Apply the scenario's edits through Engine.Apply, like any client

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "waiting-list"}

NOTE:

	Scenarios never delete data. Loading one twice replays its edits on
	top of the current state.

SEE ALSO:
  - handlers.go: Engine-backed handlers
  - catalog/catalog.go: Session schedule
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "replacement-day",
		Name:        "Replacement Day",
		Description: "An enrollee announces an absence and a guest books into their seat",
	},
	{
		ID:          "waiting-list",
		Name:        "Waiting List",
		Description: "Full class, two members waiting, a cancellation frees a seat and the first in line is promoted",
	},
}

type scenarioLoader func(ctx context.Context, inst studio.SessionInstance) error

func (h *Handler) loaders() map[string]scenarioLoader {
	return map[string]scenarioLoader{
		"replacement-day": h.loadReplacementDayScenario,
		"waiting-list":    h.loadWaitingListScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, map[string]any{"scenario": s})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
}

// LoadScenario loads a demo scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	inst, err := h.nextRecurringInstance(studio.DateOf(h.now()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "No recurring session to load the scenario into", err)
		return
	}
	if err := load(r.Context(), inst); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
		"instance": string(inst.Key),
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadReplacementDayScenario(ctx context.Context, inst studio.SessionInstance) error {
	sid := inst.Session.ID
	members := []studio.Member{
		{ID: "demo-rd-durand", FirstName: "Élodie", LastName: "Durand", Email: "elodie@example.org", EnrolledSessionIDs: []studio.SessionID{sid}},
		{ID: "demo-rd-martin", FirstName: "Paul", LastName: "Martin", Email: "paul@example.org", EnrolledSessionIDs: []studio.SessionID{sid}},
		{ID: "demo-rd-petit", FirstName: "Jade", LastName: "Petit", Email: "jade@example.org", InitialBalance: 2},
	}
	if err := h.saveMembers(ctx, members); err != nil {
		return err
	}

	ref := studio.InstanceRef{SessionID: sid, Date: inst.Date}
	opts := studio.ApplyOptions{Actor: "scenario:replacement-day"}
	if _, err := h.Engine.Cancel(ctx, ref, "demo-rd-durand", opts); err != nil {
		return err
	}
	_, err := h.Engine.Book(ctx, ref, "demo-rd-petit", opts)
	return err
}

func (h *Handler) loadWaitingListScenario(ctx context.Context, inst studio.SessionInstance) error {
	sid := inst.Session.ID
	capacity := inst.Session.EffectiveCapacity()

	var members []studio.Member
	for i := 1; i <= capacity; i++ {
		members = append(members, studio.Member{
			ID:                 studio.MemberID(fmt.Sprintf("demo-wl-enrollee-%02d", i)),
			FirstName:          fmt.Sprintf("Enrollee %02d", i),
			LastName:           "Demo",
			EnrolledSessionIDs: []studio.SessionID{sid},
		})
	}
	members = append(members,
		studio.Member{ID: "demo-wl-bernard", FirstName: "Louise", LastName: "Bernard", Email: "louise@example.org", InitialBalance: 1},
		studio.Member{ID: "demo-wl-roux", FirstName: "Hugo", LastName: "Roux", Email: "hugo@example.org", InitialBalance: 1},
	)
	if err := h.saveMembers(ctx, members); err != nil {
		return err
	}

	ref := studio.InstanceRef{SessionID: sid, Date: inst.Date}
	opts := studio.ApplyOptions{Actor: "scenario:waiting-list"}
	_, err := h.Engine.Apply(ctx, ref, opts, func(s *studio.Sheet) error {
		for _, id := range []studio.MemberID{"demo-wl-bernard", "demo-wl-roux"} {
			if _, err := s.Enqueue(id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := h.Engine.Cancel(ctx, ref, "demo-wl-enrollee-01", opts); err != nil {
		return err
	}
	_, err = h.Engine.Apply(ctx, ref, opts, func(s *studio.Sheet) error {
		_, err := s.PromoteWithReplacement("demo-wl-bernard")
		return err
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) saveMembers(ctx context.Context, members []studio.Member) error {
	for _, m := range members {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = h.now()
		}
		if err := h.Store.SaveMember(ctx, m); err != nil {
			return fmt.Errorf("save %s: %w", m.ID, err)
		}
	}
	return nil
}

// nextRecurringInstance finds the first occurrence of a recurring session
// within two weeks of from.
func (h *Handler) nextRecurringInstance(from studio.Date) (studio.SessionInstance, error) {
	for _, s := range h.Schedule.Sessions() {
		if s.Date != nil || s.IsExceptional {
			continue
		}
		for i := 0; i < 14; i++ {
			if inst, err := h.Schedule.Resolve(s.ID, from.AddDays(i)); err == nil && !inst.IsExceptional() {
				return inst, nil
			}
		}
	}
	return studio.SessionInstance{}, studio.ErrNoSuchInstance
}
