package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/api"
	"github.com/warp/studio-engine/catalog"
	"github.com/warp/studio-engine/metrics"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const instancePath = "/api/instances/mon-yoga/2025-03-03"

type testServer struct {
	router  *chi.Mux
	store   *store.Memory
	handler *api.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.New(
		[]studio.Session{{ID: "mon-yoga", Name: "Yoga", Capacity: 2, Weekday: time.Monday}},
		[]studio.SessionException{{SessionID: "mon-yoga", Date: studio.MustParseDate("2025-03-10"), Type: studio.ExceptionCancellation}},
		nil,
	)
	require.NoError(t, err)

	mem := store.NewMemory()
	for _, m := range []studio.Member{
		{ID: "e-anne", FirstName: "Anne", LastName: "Arnaud", EnrolledSessionIDs: []studio.SessionID{"mon-yoga"}},
		{ID: "e-bruno", FirstName: "Bruno", LastName: "Bernard", EnrolledSessionIDs: []studio.SessionID{"mon-yoga"}},
		{ID: "g-chloe", FirstName: "Chloé", LastName: "Caron", Email: "chloe@example.org", InitialBalance: 5},
	} {
		require.NoError(t, mem.SaveMember(ctx, m))
	}

	recorder := metrics.New()
	engine := studio.NewEngine(mem, cat, studio.WithMetrics(recorder))
	h := api.NewHandler(engine, mem, zerolog.Nop())
	h.Metrics = recorder
	return &testServer{
		router:  api.NewRouter(h, api.RouterOptions{Metrics: recorder.Handler()}),
		store:   mem,
		handler: h,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// SESSIONS & INSTANCES
// =============================================================================

func TestListSessions(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/sessions", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode[[]api.SessionDTO](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Monday", sessions[0].Weekday)
	assert.Equal(t, 2, sessions[0].Capacity)
}

func TestGetInstance_DefaultGrid(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, instancePath+"/", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	inst := decode[api.InstanceDTO](t, rec)
	assert.Equal(t, "2025-03-03_mon-yoga", inst.Key)
	assert.Equal(t, int64(0), inst.Version)
	assert.Equal(t, 2, inst.Occupancy.Occupied)
	require.Len(t, inst.Roster, 2)
	assert.Equal(t, "e-anne", inst.Roster[0].MemberID)
	assert.Equal(t, "enrollee", inst.Roster[0].Role)
	assert.Equal(t, "present", inst.Roster[0].Status)
}

func TestGetInstance_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		path string
		code int
	}{
		{"/api/instances/mon-yoga/2025-03-10/", http.StatusConflict},
		{"/api/instances/mon-yoga/2025-03-04/", http.StatusNotFound},
		{"/api/instances/nope/2025-03-03/", http.StatusNotFound},
		{"/api/instances/mon-yoga/not-a-date/", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// ATTENDANCE
// =============================================================================

func TestReplacementFlow(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: Bruno is marked absent
	rec := s.do(t, http.MethodPost, instancePath+"/members/e-bruno/status", map[string]any{"status": "absent"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[api.OutcomeDTO](t, rec)
	require.Len(t, out.Deltas, 1)
	assert.Equal(t, 1, out.Deltas[0].Applied)
	assert.Equal(t, "absence_credit", out.Deltas[0].Reason)

	// WHEN: Chloé books
	rec = s.do(t, http.MethodPost, instancePath+"/book", map[string]any{"member_id": "g-chloe"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out = decode[api.OutcomeDTO](t, rec)

	// THEN: She takes Bruno's seat
	require.Len(t, out.Promotions, 1)
	assert.Equal(t, "replacement", out.Promotions[0].Path)
	assert.Equal(t, "e-bruno", out.Promotions[0].LinkedTo)
	assert.Equal(t, 2, out.Instance.Occupancy.Occupied)
	assert.Equal(t, int64(2), out.Instance.Version)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "g-chloe", out.Entries[0].Actor)

	member := decode[api.MemberDTO](t, s.do(t, http.MethodGet, "/api/members/g-chloe", nil))
	assert.Equal(t, 4, member.CreditBalance)

	page := decode[api.LedgerPageDTO](t, s.do(t, http.MethodGet, "/api/members/g-chloe/ledger?limit=10", nil))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, -1, page.Entries[0].Delta)
	assert.Equal(t, 10, page.Limit)
}

func TestSaveStatuses_RequiresCurrentVersion(t *testing.T) {
	s := newTestServer(t)
	desired := map[string]any{"status": map[string]string{"e-anne": "absentAnnounced"}}

	rec := s.do(t, http.MethodPut, instancePath+"/status", desired)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	desired["expected_version"] = 0
	rec = s.do(t, http.MethodPut, instancePath+"/status", desired)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[api.OutcomeDTO](t, rec).Committed)

	// Same stale version again
	desired["status"] = map[string]string{}
	rec = s.do(t, http.MethodPut, instancePath+"/status", desired)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSaveStatuses_RejectsInvalidPayload(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, instancePath+"/status", map[string]any{
		"expected_version": 0,
		"status":           map[string]string{"e-anne": "sleeping"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

}

func TestSaveStatuses_CarriesUnknownMembers(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, instancePath+"/status", map[string]any{
		"expected_version": 0,
		"status":           map[string]string{"ghost": "present", "e-anne": "absent"},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[api.OutcomeDTO](t, rec)
	assert.Equal(t, []string{"ghost"}, out.Skipped)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "e-anne", out.Entries[0].MemberID)
	assert.Equal(t, 1, out.Instance.Occupancy.Occupied)
}

func TestAddGuest_OverflowNeedsConfirmation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, instancePath+"/guests", map[string]any{"member_id": "g-chloe"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []string{"g-chloe"}, decode[api.ErrorResponse](t, rec).Overflow)

	rec = s.do(t, http.MethodPost, instancePath+"/guests", map[string]any{"member_id": "g-chloe", "confirm_overflow": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[api.OutcomeDTO](t, rec)
	assert.Equal(t, 1, out.Instance.Occupancy.Overflow)
	assert.Equal(t, []string{"g-chloe"}, out.Instance.Occupancy.OverflowGuests)

	rec = s.do(t, http.MethodDelete, instancePath+"/guests/g-chloe", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decode[api.OutcomeDTO](t, rec).Instance.Occupancy.Overflow)
}

func TestWaitingListEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, instancePath+"/waitlist", map[string]any{"member_id": "g-chloe"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []studio.MemberID{"g-chloe"}, decode[api.OutcomeDTO](t, rec).Instance.Record.WaitingList)

	// No free seat and nobody absent
	rec = s.do(t, http.MethodPost, instancePath+"/waitlist/g-chloe/promote", map[string]any{"mode": "replacement"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, instancePath+"/waitlist/g-chloe/promote", map[string]any{"mode": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, instancePath+"/waitlist/g-chloe/promote", map[string]any{"mode": "overflow"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[api.OutcomeDTO](t, rec)
	assert.Equal(t, "overflow", out.Promotions[0].Path)

	rec = s.do(t, http.MethodDelete, instancePath+"/waitlist/g-chloe", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCancel_SelfService(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, instancePath+"/cancel", map[string]any{"member_id": "e-anne"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[api.OutcomeDTO](t, rec)
	assert.Equal(t, "absentAnnounced", out.Deltas[0].To)
	assert.Equal(t, 1, out.Instance.Occupancy.Occupied)
}

// =============================================================================
// MEMBERS & LEDGER
// =============================================================================

func TestCreateMember(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/members", map[string]any{
		"first_name": "Élodie", "last_name": "Durand", "email": "elodie@example.org",
		"enrolled": []string{"mon-yoga"}, "initial_balance": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decode[api.MemberDTO](t, rec)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, 2, m.CreditBalance)
	assert.Equal(t, []string{"mon-yoga"}, m.Enrolled)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown session", map[string]any{"first_name": "A", "last_name": "B", "enrolled": []string{"nope"}}},
		{"bad email", map[string]any{"first_name": "A", "last_name": "B", "email": "not-an-email"}},
		{"missing name", map[string]any{"last_name": "B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/members", tt.body).Code)
		})
	}

	// An explicit id that already exists is not overwritten
	rec = s.do(t, http.MethodPost, "/api/members", map[string]any{
		"id": "g-chloe", "first_name": "Other", "last_name": "Person", "initial_balance": 40,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	chloe := decode[api.MemberDTO](t, s.do(t, http.MethodGet, "/api/members/g-chloe", nil))
	assert.Equal(t, "Chloé", chloe.FirstName)
	assert.Equal(t, 5, chloe.CreditBalance)

	members := decode[[]api.MemberDTO](t, s.do(t, http.MethodGet, "/api/members/", nil))
	require.Len(t, members, 4)
	assert.Equal(t, "Arnaud", members[0].LastName)
	assert.Equal(t, "Durand", members[3].LastName)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/members/ghost", nil).Code)
}

func TestFrozenMemberAndUnfreeze(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.SetFrozen(context.Background(), "g-chloe", true))
	s.do(t, http.MethodPost, instancePath+"/cancel", map[string]any{"member_id": "e-bruno"})

	rec := s.do(t, http.MethodPost, instancePath+"/book", map[string]any{"member_id": "g-chloe"})
	assert.Equal(t, http.StatusLocked, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/members/g-chloe/unfreeze", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[api.MemberDTO](t, rec).Frozen)

	rec = s.do(t, http.MethodPost, instancePath+"/book", map[string]any{"member_id": "g-chloe"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAuditAndHideEntry(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, instancePath+"/cancel", map[string]any{"member_id": "e-anne"})
	require.Equal(t, http.StatusOK, rec.Code)
	entryID := decode[api.OutcomeDTO](t, rec).Entries[0].ID

	// Cosmetic delete keeps the balance and the audit clean
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/ledger/"+entryID, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/ledger/nope", nil).Code)
	page := decode[api.LedgerPageDTO](t, s.do(t, http.MethodGet, "/api/members/e-anne/ledger", nil))
	assert.Empty(t, page.Entries)

	audit := decode[api.AuditDTO](t, s.do(t, http.MethodPost, "/api/admin/audit", nil))
	assert.Equal(t, 3, audit.Checked)
	assert.Empty(t, audit.Diverged)

	// Out-of-band corruption is caught and frozen
	s.store.AdjustBalance("g-chloe", 2)
	audit = decode[api.AuditDTO](t, s.do(t, http.MethodPost, "/api/admin/audit", nil))
	require.Len(t, audit.Diverged, 1)
	assert.Equal(t, "g-chloe", audit.Diverged[0].MemberID)
	assert.Equal(t, []string{"g-chloe"}, audit.NewlyFrozen)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/members/e-anne/ledger?limit=-1", nil).Code)
}

// =============================================================================
// OPERATIONAL
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, instancePath+"/cancel", map[string]any{"member_id": "e-anne"})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `studio_attendance_commits_total{outcome="committed"} 1`)
}

func TestAuditScheduler_RunNow(t *testing.T) {
	s := newTestServer(t)
	sched := api.NewAuditScheduler(s.handler, time.Hour)
	assert.True(t, sched.NextRunTime().IsZero())

	s.store.AdjustBalance("g-chloe", 1)
	sched.RunNow(context.Background())

	m, err := s.store.GetMember(context.Background(), "g-chloe")
	require.NoError(t, err)
	assert.True(t, m.Frozen)
	assert.False(t, sched.NextRunTime().IsZero())
}

func TestAuditScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	sched := api.NewAuditScheduler(s.handler, time.Hour)

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	assert.False(t, sched.NextRunTime().IsZero(), "first audit runs on start")
}
