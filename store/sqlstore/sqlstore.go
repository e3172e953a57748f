/*
Package sqlstore provides a database/sql implementation of studio.Store.

PURPOSE:
  Persists members, attendance records and the credit ledger. The same
  schema and queries run on SQLite (mattn/go-sqlite3) and PostgreSQL
  (jackc/pgx stdlib); queries are written with "?" placeholders and
  rebound for Postgres.

KEY TABLES:
  members:            Directory records with the running credit balance
  attendance_records: One JSON document per instance key, plus its version
  ledger_entries:     Append-only credit movements (hidden = cosmetic delete)

COMMIT:
  One SQL transaction per studio.CommitRequest:
  - Version compare-and-swap on attendance_records
  - Frozen/unknown member checks
  - Ledger inserts (idempotency_key is UNIQUE)
  - Balance updates
  Any failure rolls everything back and surfaces as *studio.CommitError.

USAGE:
  store, err := sqlstore.New("./data/studio.db")            // SQLite
  store, err := sqlstore.Open(sqlstore.DriverPostgres, dsn) // Postgres
  store, err := sqlstore.Connect(cfg.DBDriver, cfg.DBDSN)    // either
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on Open().

SEE ALSO:
  - studio/store.go:        Interface definitions
  - studio/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/studio-engine/studio"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements studio.Store on a *sql.DB.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

var _ studio.Store = (*Store)(nil)

// New opens a SQLite store. Use ":memory:" for an in-memory database; the
// pool is limited to one connection so it stays a single database.
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, sqliteDSN(dbPath))
}

// Connect opens a store for a configured driver. File-backed SQLite gets
// the same WAL and busy-timeout settings as New.
func Connect(driver, dsn string) (*Store, error) {
	if driver == DriverSQLite {
		return New(dsn)
	}
	return Open(driver, dsn)
}

const sqliteParams = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"

func sqliteDSN(path string) string {
	switch {
	case path == ":memory:", strings.Contains(path, "mode=memory"), strings.HasPrefix(path, "file::memory:"):
		return path
	case strings.Contains(path, "_journal_mode="):
		return path
	case strings.Contains(path, "?"):
		return path + "&" + sqliteParams
	default:
		return path + "?" + sqliteParams
	}
}

func Open(driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, driver: driver}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		enrollments TEXT NOT NULL DEFAULT '[]',
		credit_balance INTEGER NOT NULL DEFAULT 0,
		initial_balance INTEGER NOT NULL DEFAULT 0,
		frozen BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attendance_records (
		instance_key TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		date TEXT NOT NULL,
		document TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_session_date
		ON attendance_records(session_id, date);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		instance_key TEXT NOT NULL,
		created_at TEXT NOT NULL,
		seq INTEGER NOT NULL,
		delta INTEGER NOT NULL,
		nominal INTEGER NOT NULL,
		reason TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		actor TEXT NOT NULL DEFAULT '',
		hidden BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Member history, newest first (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_member_created
		ON ledger_entries(member_id, created_at DESC, seq DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// ATTENDANCE
// =============================================================================

func (s *Store) Load(ctx context.Context, key studio.InstanceKey) (studio.AttendanceRecord, error) {
	var (
		doc     string
		version int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT document, version FROM attendance_records WHERE instance_key = ?`), string(key),
	).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		date, sessionID, perr := studio.ParseInstanceKey(key)
		if perr != nil {
			return studio.AttendanceRecord{}, perr
		}
		return studio.NewAttendanceRecord(key, sessionID, date), nil
	}
	if err != nil {
		return studio.AttendanceRecord{}, fmt.Errorf("failed to load attendance record: %w", err)
	}
	return studio.UnmarshalRecord([]byte(doc), version)
}

func (s *Store) Commit(ctx context.Context, req studio.CommitRequest) (int64, error) {
	version, err := s.commit(ctx, req)
	if err != nil {
		return 0, studio.NewCommitError(req.Key, err)
	}
	return version, nil
}

func (s *Store) commit(ctx context.Context, req studio.CommitRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := studio.MarshalRecord(req.Record)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	next := req.ExpectedVersion + 1
	updatedAt := formatTime(req.Record.UpdatedAt)
	if req.ExpectedVersion == 0 {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO attendance_records (instance_key, session_id, date, document, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			string(req.Key), string(req.Record.SessionID), req.Record.Date.String(), string(doc), next, updatedAt)
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("%w: record %s was created concurrently", studio.ErrConcurrentModification, req.Key)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to insert attendance record: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE attendance_records SET document = ?, version = ?, updated_at = ?
			WHERE instance_key = ? AND version = ?`),
			string(doc), next, updatedAt, string(req.Key), req.ExpectedVersion)
		if err != nil {
			return 0, fmt.Errorf("failed to update attendance record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: expected version %d", studio.ErrConcurrentModification, req.ExpectedVersion)
		}
	}

	for i, e := range req.Entries {
		var frozen bool
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT frozen FROM members WHERE id = ?`), string(e.MemberID)).Scan(&frozen)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &studio.UnknownMemberError{MemberID: e.MemberID}
		}
		if err != nil {
			return 0, err
		}
		if frozen {
			return 0, &studio.MemberFrozenError{MemberID: e.MemberID}
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO ledger_entries (id, member_id, instance_key, created_at, seq, delta, nominal, reason, idempotency_key, actor, hidden)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, string(e.MemberID), string(e.InstanceKey), formatTime(e.Timestamp), i,
			e.Delta, e.Nominal, string(e.Reason), nullString(e.IdempotencyKey), e.Actor, false)
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("%w: %s", studio.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to insert ledger entry: %w", err)
		}

		if e.Delta != 0 {
			if _, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE members SET credit_balance = credit_balance + ? WHERE id = ?`), e.Delta, string(e.MemberID)); err != nil {
				return 0, fmt.Errorf("failed to update balance: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return next, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

const memberColumns = `id, first_name, last_name, email, enrollments, credit_balance, initial_balance, frozen, created_at`

func (s *Store) ListMembers(ctx context.Context) ([]studio.Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []studio.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMember(ctx context.Context, id studio.MemberID) (studio.Member, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+memberColumns+` FROM members WHERE id = ?`), string(id))
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return studio.Member{}, &studio.UnknownMemberError{MemberID: id}
	}
	return m, err
}

// SaveMember inserts a member with credit_balance = initial_balance, or
// updates the directory fields of an existing one.
func (s *Store) SaveMember(ctx context.Context, m studio.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enrollments, err := json.Marshal(nonNilSessions(m.EnrolledSessionIDs))
	if err != nil {
		return err
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE members SET first_name = ?, last_name = ?, email = ?, enrollments = ? WHERE id = ?`),
		m.FirstName, m.LastName, m.Email, string(enrollments), string(m.ID))
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(m.ID), m.FirstName, m.LastName, m.Email, string(enrollments),
		m.InitialBalance, m.InitialBalance, m.Frozen, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to insert member: %w", err)
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) History(ctx context.Context, memberID studio.MemberID, page studio.Page) ([]studio.LedgerEntry, error) {
	page = page.Normalize()
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, member_id, instance_key, created_at, delta, nominal, reason, idempotency_key, actor, hidden
		FROM ledger_entries
		WHERE member_id = ? AND hidden = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?`),
		string(memberID), false, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []studio.LedgerEntry{}
	for rows.Next() {
		var (
			e      studio.LedgerEntry
			member string
			key    string
			ts     string
			reason string
			idem   sql.NullString
		)
		if err := rows.Scan(&e.ID, &member, &key, &ts, &e.Delta, &e.Nominal, &reason, &idem, &e.Actor, &e.Hidden); err != nil {
			return nil, err
		}
		e.MemberID = studio.MemberID(member)
		e.InstanceKey = studio.InstanceKey(key)
		e.Reason = studio.LedgerReason(reason)
		e.IdempotencyKey = idem.String
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) HideEntry(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE ledger_entries SET hidden = ? WHERE id = ?`), true, entryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", studio.ErrEntryNotFound, entryID)
	}
	return nil
}

// LedgerSnapshot is a single statement, so balances and sums are read from
// the same database snapshot.
func (s *Store) LedgerSnapshot(ctx context.Context) ([]studio.MemberLedger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memberColumns+`,
			COALESCE((SELECT SUM(l.delta) FROM ledger_entries l WHERE l.member_id = members.id), 0)
		FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []studio.MemberLedger
	for rows.Next() {
		var sum int64
		m, err := scanMember(rows, &sum)
		if err != nil {
			return nil, err
		}
		out = append(out, studio.MemberLedger{Member: m, LedgerSum: int(sum)})
	}
	return out, rows.Err()
}

func (s *Store) SetFrozen(ctx context.Context, id studio.MemberID, frozen bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE members SET frozen = ? WHERE id = ?`), frozen, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &studio.UnknownMemberError{MemberID: id}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// scanMember reads memberColumns, then any extra trailing columns into extra.
func scanMember(row scanner, extra ...any) (studio.Member, error) {
	var (
		m           studio.Member
		id          string
		enrollments string
		createdAt   string
	)
	dest := append([]any{&id, &m.FirstName, &m.LastName, &m.Email, &enrollments,
		&m.CreditBalance, &m.InitialBalance, &m.Frozen, &createdAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return studio.Member{}, err
	}
	m.ID = studio.MemberID(id)
	if err := json.Unmarshal([]byte(enrollments), &m.EnrolledSessionIDs); err != nil {
		return studio.Member{}, fmt.Errorf("decode enrollments of %s: %w", id, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return studio.Member{}, err
	}
	m.CreatedAt = t
	return m, nil
}

// rebind turns "?" placeholders into "$1, $2, ..." for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNilSessions(ids []studio.SessionID) []studio.SessionID {
	if ids == nil {
		return []studio.SessionID{}
	}
	return ids
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
