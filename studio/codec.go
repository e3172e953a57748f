package studio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// PERSISTED SHAPE
// =============================================================================

// RecordDocument is the wire/storage shape of an AttendanceRecord:
//
//	{ date, sessionId, status: {memberId: state}, waitingList: [memberId...],
//	  replacementLinks: {guestId: enrolleeId}, guestOrigin: {guestId: origin},
//	  updatedAt }
type RecordDocument struct {
	Date             Date                     `json:"date"`
	SessionID        SessionID                `json:"sessionId"`
	Status           StatusMap                `json:"status"`
	WaitingList      []MemberID               `json:"waitingList"`
	ReplacementLinks map[MemberID]MemberID    `json:"replacementLinks"`
	GuestOrigin      map[MemberID]GuestOrigin `json:"guestOrigin"`
	UpdatedAt        time.Time                `json:"updatedAt"`
}

func (r AttendanceRecord) Document() RecordDocument {
	doc := RecordDocument{
		Date:             r.Date,
		SessionID:        r.SessionID,
		Status:           r.Status,
		WaitingList:      r.WaitingList,
		ReplacementLinks: r.ReplacementLinks,
		GuestOrigin:      r.GuestOrigin,
		UpdatedAt:        r.UpdatedAt,
	}
	if doc.WaitingList == nil {
		doc.WaitingList = []MemberID{}
	}
	if doc.ReplacementLinks == nil {
		doc.ReplacementLinks = map[MemberID]MemberID{}
	}
	if doc.GuestOrigin == nil {
		doc.GuestOrigin = map[MemberID]GuestOrigin{}
	}
	return doc
}

// Record rebuilds a record from its document. The key is re-derived.
func (d RecordDocument) Record(version int64) AttendanceRecord {
	rec := NewAttendanceRecord(NewInstanceKey(d.Date, d.SessionID), d.SessionID, d.Date)
	if d.Status.states != nil {
		rec.Status = d.Status
	}
	rec.WaitingList = d.WaitingList
	for k, v := range d.ReplacementLinks {
		rec.ReplacementLinks[k] = v
	}
	for k, v := range d.GuestOrigin {
		rec.GuestOrigin[k] = v
	}
	rec.Version = version
	rec.UpdatedAt = d.UpdatedAt
	return rec
}

func MarshalRecord(r AttendanceRecord) ([]byte, error) {
	return json.Marshal(r.Document())
}

func UnmarshalRecord(b []byte, version int64) (AttendanceRecord, error) {
	var doc RecordDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return AttendanceRecord{}, fmt.Errorf("decode attendance record: %w", err)
	}
	return doc.Record(version), nil
}

// =============================================================================
// STATUS MAP JSON - object encoding that keeps key order
// =============================================================================

func (m StatusMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(string(id))
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(string(m.states[id]))
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *StatusMap) UnmarshalJSON(b []byte) error {
	out := NewStatusMap()
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*m = out
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("status map: expected object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("status map: expected string key")
		}
		var raw string
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		st, err := ParseStatus(raw)
		if err != nil {
			return err
		}
		out.Set(MemberID(key), st)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}
