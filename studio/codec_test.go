package studio_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/studio"
)

func TestStatusMap_JSONKeepsInsertionOrder(t *testing.T) {
	m := studio.StatusMapOf(david, studio.StatusPresent, anne, studio.StatusAbsent, chloe, studio.StatusAbsentAnnounced)

	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"g-david":"present","e-anne":"absent","g-chloe":"absentAnnounced"}`, string(b))

	var back studio.StatusMap
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, []studio.MemberID{david, anne, chloe}, back.Keys())
	assert.True(t, m.Equal(back))
}

func TestStatusMap_RejectsUnknownStatus(t *testing.T) {
	var m studio.StatusMap
	err := json.Unmarshal([]byte(`{"g-david":"maybe"}`), &m)
	assert.ErrorIs(t, err, studio.ErrInvalidStatus)

	// "removed" is a diff-time value, never persisted
	err = json.Unmarshal([]byte(`{"g-david":"removed"}`), &m)
	assert.ErrorIs(t, err, studio.ErrInvalidStatus)
}

func TestStatusMap_SetKeepsPositionAndRemovedDeletes(t *testing.T) {
	m := studio.StatusMapOf(anne, studio.StatusPresent, bruno, studio.StatusPresent)

	m.Set(anne, studio.StatusAbsent)
	assert.Equal(t, []studio.MemberID{anne, bruno}, m.Keys())

	m.Set(anne, studio.StatusRemoved)
	assert.Equal(t, []studio.MemberID{bruno}, m.Keys())
	assert.Equal(t, studio.StatusRemoved, m.Get(anne))
}

func TestRecord_DocumentRoundTrip(t *testing.T) {
	key := studio.NewInstanceKey(monday, yoga)
	rec := studio.NewAttendanceRecord(key, yoga, monday)
	rec.Status.Set(chloe, studio.StatusPresent)
	rec.Status.Set(anne, studio.StatusAbsent)
	rec.WaitingList = []studio.MemberID{emma, david}
	rec.ReplacementLinks[chloe] = anne
	rec.GuestOrigin[chloe] = studio.OriginWaitingList
	rec.UpdatedAt = time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)

	b, err := studio.MarshalRecord(rec)
	require.NoError(t, err)
	back, err := studio.UnmarshalRecord(b, 7)
	require.NoError(t, err)

	assert.Equal(t, key, back.Key)
	assert.Equal(t, int64(7), back.Version)
	assert.True(t, studio.RecordsEqual(rec, back))
	assert.Equal(t, []studio.MemberID{chloe, anne}, back.Status.Keys())
	assert.True(t, rec.UpdatedAt.Equal(back.UpdatedAt))
}

func TestRecord_EmptyDocumentHasNoNulls(t *testing.T) {
	rec := studio.AttendanceRecord{Date: monday, SessionID: yoga}

	b, err := studio.MarshalRecord(rec)
	require.NoError(t, err)

	assert.Contains(t, string(b), `"status":{}`)
	assert.Contains(t, string(b), `"waitingList":[]`)
	assert.Contains(t, string(b), `"replacementLinks":{}`)
}

func TestParseInstanceKey(t *testing.T) {
	d, sid, err := studio.ParseInstanceKey(studio.NewInstanceKey(monday, "mon_yoga_2"))
	require.NoError(t, err)
	assert.Equal(t, monday, d)
	assert.Equal(t, studio.SessionID("mon_yoga_2"), sid)

	_, _, err = studio.ParseInstanceKey("yoga")
	assert.ErrorIs(t, err, studio.ErrNoSuchInstance)

	_, _, err = studio.ParseInstanceKey("2025-13-40_yoga")
	assert.ErrorIs(t, err, studio.ErrInvalidDate)
}

func TestRosterOrdering_FrenchCollation(t *testing.T) {
	members := []studio.Member{
		{ID: "3", FirstName: "Zoé", LastName: "Éluard"},
		{ID: "1", FirstName: "Anne", LastName: "dupont"},
		{ID: "2", FirstName: "Bernard", LastName: "Dupont"},
		{ID: "4", FirstName: "Yves", LastName: "Faure"},
	}

	studio.SortMembers(members)

	ids := make([]studio.MemberID, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	assert.Equal(t, []studio.MemberID{"1", "2", "3", "4"}, ids)
}
