package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/catalog"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

const sample = `
sessions:
  - id: mon-vinyasa
    name: Vinyasa
    weekday: monday
    start_time: "18:30"
    duration_minutes: 60
    capacity: 12
    active_from: 2025-01-06
    active_to: 2025-06-30
  - id: thu-pilates
    name: Pilates
    weekday: Thu
    capacity: lots
  - id: summer-workshop
    name: Summer workshop
    date: 2025-07-05
    exceptional: true

exceptions:
  - session_id: mon-vinyasa
    date: 2025-03-10
    type: cancellation
  - session_id: mon-vinyasa
    date: 2025-03-12
    type: Addition

members:
  - id: m-001
    first_name: Élodie
    last_name: Durand
    email: elodie@example.org
    enrolled: [mon-vinyasa]
  - id: m-002
    first_name: Paul
    last_name: Martin
    initial_balance: 3
`

func parseSample(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse([]byte(sample))
	require.NoError(t, err)
	return cat
}

func TestParse_Sessions(t *testing.T) {
	cat := parseSample(t)

	sessions := cat.Sessions()
	require.Len(t, sessions, 3)
	assert.Equal(t, studio.SessionID("mon-vinyasa"), sessions[0].ID)
	assert.Equal(t, time.Monday, sessions[0].Weekday)
	assert.Equal(t, 12, sessions[0].EffectiveCapacity())
	assert.Equal(t, "18:30", sessions[0].StartTime)

	// Malformed capacity falls back to the default
	assert.Equal(t, time.Thursday, sessions[1].Weekday)
	assert.Equal(t, 0, sessions[1].Capacity)
	assert.Equal(t, studio.DefaultCapacity, sessions[1].EffectiveCapacity())

	require.NotNil(t, sessions[2].Date)
	assert.True(t, sessions[2].IsExceptional)

	s, ok := cat.Session("thu-pilates")
	assert.True(t, ok)
	assert.Equal(t, "Pilates", s.Name)
}

func TestParse_Members(t *testing.T) {
	members := parseSample(t).Members()

	require.Len(t, members, 2)
	assert.True(t, members[0].IsEnrolledIn("mon-vinyasa"))
	assert.Equal(t, 3, members[1].InitialBalance)
	assert.Equal(t, 3, members[1].CreditBalance)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"invalid yaml", "sessions: [\n"},
		{"no schedule", "sessions:\n  - id: x\n"},
		{"bad weekday", "sessions:\n  - id: x\n    weekday: someday\n"},
		{"bad date", "sessions:\n  - id: x\n    date: 2025-02-30\n"},
		{"duplicate session", "sessions:\n  - id: x\n    weekday: monday\n  - id: x\n    weekday: friday\n"},
		{"exception on unknown session", "exceptions:\n  - session_id: nope\n    date: 2025-03-10\n    type: cancellation\n"},
		{"unknown exception type", "sessions:\n  - id: x\n    weekday: monday\nexceptions:\n  - session_id: x\n    date: 2025-03-10\n    type: moved\n"},
		{"member without id", "members:\n  - first_name: Anon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestResolve(t *testing.T) {
	cat := parseSample(t)

	tests := []struct {
		name        string
		session     studio.SessionID
		date        string
		wantErr     error
		exceptional bool
	}{
		{"regular monday", "mon-vinyasa", "2025-03-03", nil, false},
		{"wrong weekday", "mon-vinyasa", "2025-03-04", studio.ErrNoSuchInstance, false},
		{"before active_from", "mon-vinyasa", "2024-12-30", studio.ErrNoSuchInstance, false},
		{"after active_to", "mon-vinyasa", "2025-07-07", studio.ErrNoSuchInstance, false},
		{"cancelled", "mon-vinyasa", "2025-03-10", studio.ErrInstanceCancelled, false},
		{"added wednesday", "mon-vinyasa", "2025-03-12", nil, true},
		{"one-off", "summer-workshop", "2025-07-05", nil, true},
		{"one-off other day", "summer-workshop", "2025-07-06", studio.ErrNoSuchInstance, false},
		{"unknown session", "nope", "2025-03-03", studio.ErrSessionNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := cat.Resolve(tt.session, studio.MustParseDate(tt.date))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, studio.InstanceKey(tt.date+"_"+string(tt.session)), inst.Key)
			assert.Equal(t, tt.exceptional, inst.IsExceptional())
		})
	}
}

func TestSeed_InsertsMissingMembersOnly(t *testing.T) {
	cat := parseSample(t)
	mem := store.NewMemory()
	ctx := context.Background()

	// GIVEN: m-001 already exists with a directory edit
	require.NoError(t, mem.SaveMember(ctx, studio.Member{ID: "m-001", FirstName: "Élo", LastName: "Durand"}))

	// WHEN: Seeding twice
	n, err := cat.Seed(ctx, mem)
	require.NoError(t, err)
	again, err := cat.Seed(ctx, mem)
	require.NoError(t, err)

	// THEN: Only m-002 was inserted, existing data is untouched
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, again)
	m, err := mem.GetMember(ctx, "m-001")
	require.NoError(t, err)
	assert.Equal(t, "Élo", m.FirstName)
	m, err = mem.GetMember(ctx, "m-002")
	require.NoError(t, err)
	assert.Equal(t, 3, m.CreditBalance)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cat, err := catalog.Load(path)
	require.NoError(t, err)
	assert.Len(t, cat.Sessions(), 3)

	_, err = catalog.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
