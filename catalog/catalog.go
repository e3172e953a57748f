/*
Package catalog provides YAML to Go session catalog conversion.

PURPOSE:
  Sessions, their weekly schedule, one-off exceptions and the seed member
  directory are configuration, not engine state. The catalog parses them
  from YAML and answers studio.Schedule lookups.

YAML SCHEMA:
  sessions:
    - id: mon-vinyasa
      name: Vinyasa
      weekday: monday            # recurring sessions
      start_time: "18:30"
      duration_minutes: 60
      capacity: 10               # missing or malformed -> 10
      active_from: 2024-09-02
      active_to: 2025-06-30
    - id: summer-workshop
      name: Summer workshop
      date: 2025-07-05           # one-off session
      exceptional: true

  exceptions:
    - session_id: mon-vinyasa
      date: 2024-12-23
      type: cancellation         # or addition

  members:
    - id: m-001
      first_name: Élodie
      last_name: Durand
      email: elodie@example.org
      enrolled: [mon-vinyasa]
      initial_balance: 0

RESOLUTION:
  Resolve(sessionId, date):
  - unknown session                 -> studio.ErrSessionNotFound
  - cancellation exception          -> studio.ErrInstanceCancelled
  - addition exception              -> exceptional instance, no enrollees
  - session occurs on that date     -> regular instance
  - otherwise                       -> studio.ErrNoSuchInstance

SEE ALSO:
  - studio/engine.go: Schedule interface
  - config/:          STUDIO_CATALOG_PATH
*/
package catalog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type File struct {
	Sessions   []SessionYAML   `yaml:"sessions"`
	Exceptions []ExceptionYAML `yaml:"exceptions"`
	Members    []MemberYAML    `yaml:"members"`
}

type SessionYAML struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Weekday         string   `yaml:"weekday"`
	Date            string   `yaml:"date"`
	StartTime       string   `yaml:"start_time"`
	DurationMinutes int      `yaml:"duration_minutes"`
	Capacity        Capacity `yaml:"capacity"`
	ActiveFrom      string   `yaml:"active_from"`
	ActiveTo        string   `yaml:"active_to"`
	Exceptional     bool     `yaml:"exceptional"`
}

type ExceptionYAML struct {
	SessionID string `yaml:"session_id"`
	Date      string `yaml:"date"`
	Type      string `yaml:"type"`
}

type MemberYAML struct {
	ID             string   `yaml:"id"`
	FirstName      string   `yaml:"first_name"`
	LastName       string   `yaml:"last_name"`
	Email          string   `yaml:"email"`
	Enrolled       []string `yaml:"enrolled"`
	InitialBalance int      `yaml:"initial_balance"`
}

// Capacity accepts any scalar. Values that are not a positive integer
// decode to 0, which the engine treats as the default capacity.
type Capacity int

func (c *Capacity) UnmarshalYAML(value *yaml.Node) error {
	*c = 0
	if value.Kind != yaml.ScalarNode {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value.Value))
	if err != nil || n <= 0 {
		return nil
	}
	*c = Capacity(n)
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

type exceptionKey struct {
	SessionID studio.SessionID
	Date      string
}

// Catalog is read-only after construction.
type Catalog struct {
	sessions   map[studio.SessionID]studio.Session
	order      []studio.SessionID
	exceptions map[exceptionKey]studio.ExceptionType
	members    []studio.Member
}

var _ studio.Schedule = (*Catalog)(nil)

func New(sessions []studio.Session, exceptions []studio.SessionException, members []studio.Member) (*Catalog, error) {
	c := &Catalog{
		sessions:   make(map[studio.SessionID]studio.Session),
		exceptions: make(map[exceptionKey]studio.ExceptionType),
		members:    members,
	}
	for _, s := range sessions {
		if s.ID == "" {
			return nil, fmt.Errorf("session without id")
		}
		if _, dup := c.sessions[s.ID]; dup {
			return nil, fmt.Errorf("duplicate session %q", s.ID)
		}
		c.sessions[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	for _, e := range exceptions {
		if _, ok := c.sessions[e.SessionID]; !ok {
			return nil, fmt.Errorf("exception on %s: %w: %s", e.Date, studio.ErrSessionNotFound, e.SessionID)
		}
		c.exceptions[exceptionKey{e.SessionID, e.Date.String()}] = e.Type
	}
	return c, nil
}

func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	return FromYAML(f)
}

func FromYAML(f File) (*Catalog, error) {
	sessions := make([]studio.Session, 0, len(f.Sessions))
	for _, sy := range f.Sessions {
		s, err := parseSession(sy)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	exceptions := make([]studio.SessionException, 0, len(f.Exceptions))
	for _, ey := range f.Exceptions {
		d, err := studio.ParseDate(ey.Date)
		if err != nil {
			return nil, fmt.Errorf("exception on %s: %w", ey.SessionID, err)
		}
		typ := studio.ExceptionType(strings.ToLower(strings.TrimSpace(ey.Type)))
		if typ != studio.ExceptionCancellation && typ != studio.ExceptionAddition {
			return nil, fmt.Errorf("exception on %s: unknown type %q", ey.SessionID, ey.Type)
		}
		exceptions = append(exceptions, studio.SessionException{SessionID: studio.SessionID(ey.SessionID), Date: d, Type: typ})
	}

	members := make([]studio.Member, 0, len(f.Members))
	for _, my := range f.Members {
		if my.ID == "" {
			return nil, fmt.Errorf("member without id")
		}
		m := studio.Member{
			ID:             studio.MemberID(my.ID),
			FirstName:      my.FirstName,
			LastName:       my.LastName,
			Email:          my.Email,
			InitialBalance: my.InitialBalance,
			CreditBalance:  my.InitialBalance,
		}
		for _, sid := range my.Enrolled {
			m.EnrolledSessionIDs = append(m.EnrolledSessionIDs, studio.SessionID(sid))
		}
		members = append(members, m)
	}

	return New(sessions, exceptions, members)
}

func parseSession(sy SessionYAML) (studio.Session, error) {
	s := studio.Session{
		ID:              studio.SessionID(sy.ID),
		Name:            sy.Name,
		Capacity:        int(sy.Capacity),
		StartTime:       sy.StartTime,
		DurationMinutes: sy.DurationMinutes,
		IsExceptional:   sy.Exceptional,
	}
	if s.Name == "" {
		s.Name = sy.ID
	}

	switch {
	case sy.Date != "":
		d, err := studio.ParseDate(sy.Date)
		if err != nil {
			return studio.Session{}, fmt.Errorf("session %s: %w", sy.ID, err)
		}
		s.Date = &d
	case sy.Weekday != "":
		wd, err := studio.ParseWeekday(sy.Weekday)
		if err != nil {
			return studio.Session{}, fmt.Errorf("session %s: %w", sy.ID, err)
		}
		s.Weekday = wd
	default:
		return studio.Session{}, fmt.Errorf("session %s: needs a weekday or a date", sy.ID)
	}

	if sy.ActiveFrom != "" {
		d, err := studio.ParseDate(sy.ActiveFrom)
		if err != nil {
			return studio.Session{}, fmt.Errorf("session %s active_from: %w", sy.ID, err)
		}
		s.ActiveFrom = &d
	}
	if sy.ActiveTo != "" {
		d, err := studio.ParseDate(sy.ActiveTo)
		if err != nil {
			return studio.Session{}, fmt.Errorf("session %s active_to: %w", sy.ID, err)
		}
		s.ActiveTo = &d
	}
	return s, nil
}

// =============================================================================
// SCHEDULE
// =============================================================================

func (c *Catalog) Resolve(sessionID studio.SessionID, date studio.Date) (studio.SessionInstance, error) {
	s, ok := c.sessions[sessionID]
	if !ok {
		return studio.SessionInstance{}, fmt.Errorf("%w: %s", studio.ErrSessionNotFound, sessionID)
	}
	inst := studio.SessionInstance{Session: s, Date: date, Key: studio.NewInstanceKey(date, sessionID)}

	switch c.exceptions[exceptionKey{sessionID, date.String()}] {
	case studio.ExceptionCancellation:
		return studio.SessionInstance{}, fmt.Errorf("%w: %s", studio.ErrInstanceCancelled, inst.Key)
	case studio.ExceptionAddition:
		inst.Exception = studio.ExceptionAddition
		return inst, nil
	}
	if !s.OccursOn(date) {
		return studio.SessionInstance{}, fmt.Errorf("%w: %s", studio.ErrNoSuchInstance, inst.Key)
	}
	return inst, nil
}

// Sessions returns sessions in catalog order.
func (c *Catalog) Sessions() []studio.Session {
	out := make([]studio.Session, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.sessions[id])
	}
	return out
}

func (c *Catalog) Session(id studio.SessionID) (studio.Session, bool) {
	s, ok := c.sessions[id]
	return s, ok
}

func (c *Catalog) Members() []studio.Member {
	return append([]studio.Member(nil), c.members...)
}

// MemberSaver is the directory write side used for seeding.
type MemberSaver interface {
	GetMember(ctx context.Context, id studio.MemberID) (studio.Member, error)
	SaveMember(ctx context.Context, m studio.Member) error
}

// Seed inserts catalog members missing from the directory. Existing
// members are left untouched. It returns the number inserted.
func (c *Catalog) Seed(ctx context.Context, dir MemberSaver) (int, error) {
	inserted := 0
	for _, m := range c.members {
		_, err := dir.GetMember(ctx, m.ID)
		if err == nil {
			continue
		}
		if !studio.IsNotFound(err) {
			return inserted, err
		}
		if err := dir.SaveMember(ctx, m); err != nil {
			return inserted, fmt.Errorf("seed %s: %w", m.ID, err)
		}
		inserted++
	}
	return inserted, nil
}
