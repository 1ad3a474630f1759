/*
Package sqlite provides a SQLite-backed implementation of the fee stores.

PURPOSE:
  Implements fees.Backend (EventStore, StudentDirectory, DuesRunStore)
  on an embedded SQLite database. This is the default backend of the
  server; store/postgres covers the same interfaces for PostgreSQL.

KEY TABLES:
  fee_events:       One row per fee event, keyed by id, ordered by seq
  students:         Student profiles
  memberships:      Student-to-batch links, ordered, with a disabled flag
  dues_runs:        History of scheduled pending-dues runs
  invoice_sequence: Counter behind INV-000001 style invoice numbers

INDEXES:
  - idx_fee_events_cell: UNIQUE (student_id, batch_key, year, month_index).
    The service guard rejects occupied cells first; the index is what
    keeps a second writer process from slipping a duplicate in.
  - idx_fee_events_student: Grid reads (all batches of one student)

BATCH KEYS:
  Rows keep the batch as entered (batch) and its normalized form
  (batch_key). Lookups always use batch_key.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. ":memory:" databases are pinned to
  a single connection because every connection would otherwise open its
  own empty database.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/fees.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := fees.NewService(store, store, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - fees/store.go: Interface definitions
  - fees/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/fee-engine/fees"
)

// Store implements fees.Backend using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ fees.Backend = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Fee events (editable, deletable)
	CREATE TABLE IF NOT EXISTS fee_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL,
		batch TEXT NOT NULL,
		batch_key TEXT NOT NULL,
		year INTEGER NOT NULL,
		month_index INTEGER NOT NULL CHECK (month_index BETWEEN 0 AND 11),
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		entry_date TEXT NOT NULL,
		payment_mode TEXT,
		payment_receiver TEXT,
		remarks TEXT,
		invoice_no TEXT,
		created_at TEXT NOT NULL
	);

	-- One event per fees month per enrollment
	CREATE UNIQUE INDEX IF NOT EXISTS idx_fee_events_cell
		ON fee_events(student_id, batch_key, year, month_index);

	CREATE INDEX IF NOT EXISTS idx_fee_events_student
		ON fee_events(student_id, year, month_index);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_fee_events_invoice
		ON fee_events(invoice_no) WHERE invoice_no IS NOT NULL;

	-- Students
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_students_name
		ON students(name);

	-- Batch memberships
	CREATE TABLE IF NOT EXISTS memberships (
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		batch TEXT NOT NULL,
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (student_id, position)
	);

	-- Dues runs (for scheduled pending-dues scans)
	CREATE TABLE IF NOT EXISTS dues_runs (
		id TEXT PRIMARY KEY,
		ran_at TEXT NOT NULL,
		start_year INTEGER NOT NULL,
		end_year INTEGER NOT NULL,
		students INTEGER NOT NULL DEFAULT 0,
		enrollments INTEGER NOT NULL DEFAULT 0,
		pending_cells INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dues_runs_ran_at
		ON dues_runs(ran_at DESC);

	-- Invoice numbers
	CREATE TABLE IF NOT EXISTS invoice_sequence (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (fees.EventStore interface)
// =============================================================================

const eventColumns = `id, student_id, batch, year, month_index, kind, amount, entry_date,
	payment_mode, payment_receiver, remarks, invoice_no, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendBatch adds multiple events atomically and allocates invoice numbers
// for payments inside the same transaction.
func (s *Store) AppendBatch(ctx context.Context, events []fees.FeeEvent) ([]fees.FeeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	out := make([]fees.FeeEvent, len(events))
	for i, ev := range events {
		if ev.Kind == fees.KindPayment && ev.InvoiceNo == "" {
			n, err := nextInvoice(ctx, sqlTx)
			if err != nil {
				return nil, err
			}
			ev.InvoiceNo = fmt.Sprintf("INV-%06d", n)
		}
		if err := s.appendEvent(ctx, sqlTx, ev); err != nil {
			return nil, err
		}
		out[i] = ev
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fee events: %w", err)
	}
	return out, nil
}

func (s *Store) appendEvent(ctx context.Context, db execer, ev fees.FeeEvent) error {
	query := `
		INSERT INTO fee_events
		(id, student_id, batch, batch_key, year, month_index, kind, amount, entry_date,
		 payment_mode, payment_receiver, remarks, invoice_no, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := db.ExecContext(ctx, query,
		ev.ID,
		ev.StudentID,
		ev.Batch,
		ev.BatchKey(),
		ev.Month.Year,
		ev.Month.Month,
		ev.Kind,
		ev.Amount.String(),
		ev.EntryDate.Format(time.RFC3339Nano),
		nullString(string(ev.PaymentMode)),
		nullString(ev.PaymentReceiver),
		nullString(ev.Remarks),
		nullString(ev.InvoiceNo),
		formatTime(createdAt),
	)
	if err != nil {
		if isCellUniquenessError(err) {
			return fmt.Errorf("%w: %s %s", fees.ErrCellOccupied, fees.NewEnrollment(ev.StudentID, ev.Batch), ev.Month)
		}
		return fmt.Errorf("failed to append fee event: %w", err)
	}
	return nil
}

func nextInvoice(ctx context.Context, db execer) (int64, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO invoice_sequence (name, value) VALUES ('invoice', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate invoice number: %w", err)
	}
	var n int64
	if err := db.QueryRowContext(ctx, "SELECT value FROM invoice_sequence WHERE name = 'invoice'").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read invoice number: %w", err)
	}
	return n, nil
}

// Load returns the events of one enrollment in insertion order.
func (s *Store) Load(ctx context.Context, studentID fees.StudentID, batch fees.BatchKey) ([]fees.FeeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + eventColumns + `
		FROM fee_events
		WHERE student_id = ? AND batch_key = ?
		ORDER BY seq ASC
	`
	return s.queryEvents(ctx, query, studentID, batch)
}

// LoadByStudent returns all of a student's events ordered by fees month.
func (s *Store) LoadByStudent(ctx context.Context, studentID fees.StudentID) ([]fees.FeeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + eventColumns + `
		FROM fee_events
		WHERE student_id = ?
		ORDER BY year ASC, month_index ASC, seq ASC
	`
	return s.queryEvents(ctx, query, studentID)
}

// Get retrieves a single event by ID.
func (s *Store) Get(ctx context.Context, id fees.EventID) (*fees.FeeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM fee_events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fees.ErrEventNotFound
	}
	return &events[0], nil
}

// Update replaces the mutable fields of an event.
func (s *Store) Update(ctx context.Context, ev fees.FeeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE fee_events SET
			amount = ?,
			year = ?,
			month_index = ?,
			payment_mode = ?,
			payment_receiver = ?,
			remarks = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		ev.Amount.String(),
		ev.Month.Year,
		ev.Month.Month,
		nullString(string(ev.PaymentMode)),
		nullString(ev.PaymentReceiver),
		nullString(ev.Remarks),
		ev.ID,
	)
	if err != nil {
		if isCellUniquenessError(err) {
			return fmt.Errorf("%w: %s", fees.ErrCellOccupied, ev.Month)
		}
		return fmt.Errorf("failed to update fee event: %w", err)
	}
	return requireRow(res, fees.ErrEventNotFound)
}

// Delete removes an event permanently.
func (s *Store) Delete(ctx context.Context, id fees.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM fee_events WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete fee event: %w", err)
	}
	return requireRow(res, fees.ErrEventNotFound)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]fees.FeeEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee events: %w", err)
	}
	defer rows.Close()

	var events []fees.FeeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (fees.FeeEvent, error) {
	var (
		ev              fees.FeeEvent
		amount          string
		entryDate       string
		paymentMode     sql.NullString
		paymentReceiver sql.NullString
		remarks         sql.NullString
		invoiceNo       sql.NullString
		createdAt       string
	)

	err := rows.Scan(
		&ev.ID, &ev.StudentID, &ev.Batch, &ev.Month.Year, &ev.Month.Month, &ev.Kind,
		&amount, &entryDate, &paymentMode, &paymentReceiver, &remarks, &invoiceNo, &createdAt,
	)
	if err != nil {
		return ev, fmt.Errorf("failed to scan fee event: %w", err)
	}

	ev.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return ev, fmt.Errorf("fee event %s has invalid amount %q: %w", ev.ID, amount, err)
	}
	if ev.EntryDate, err = parseTime(entryDate); err != nil {
		return ev, fmt.Errorf("fee event %s has invalid entry date: %w", ev.ID, err)
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return ev, fmt.Errorf("fee event %s has invalid created_at: %w", ev.ID, err)
	}
	ev.PaymentMode = fees.PaymentMode(paymentMode.String)
	ev.PaymentReceiver = paymentReceiver.String
	ev.Remarks = remarks.String
	ev.InvoiceNo = invoiceNo.String

	return ev, nil
}

// =============================================================================
// STUDENT DIRECTORY (fees.StudentDirectory interface)
// =============================================================================

// SaveStudent creates or replaces a student and its memberships.
func (s *Store) SaveStudent(ctx context.Context, st fees.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO students (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name
	`, st.ID, st.Name, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM memberships WHERE student_id = ?", st.ID); err != nil {
		return fmt.Errorf("failed to clear memberships: %w", err)
	}
	for i, m := range st.Memberships {
		_, err := sqlTx.ExecContext(ctx,
			"INSERT INTO memberships (student_id, position, batch, disabled) VALUES (?, ?, ?, ?)",
			st.ID, i, m.Batch, m.Disabled,
		)
		if err != nil {
			return fmt.Errorf("failed to save membership: %w", err)
		}
	}

	return sqlTx.Commit()
}

// GetStudent retrieves a student with its memberships.
func (s *Store) GetStudent(ctx context.Context, id fees.StudentID) (*fees.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st fees.Student
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM students WHERE id = ?",
		id,
	).Scan(&st.ID, &st.Name, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fees.ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("student %s has invalid created_at: %w", st.ID, err)
	}

	memberships, err := s.loadMemberships(ctx, "WHERE student_id = ?", id)
	if err != nil {
		return nil, err
	}
	st.Memberships = memberships[st.ID]
	return &st, nil
}

// ListStudents returns all students ordered by name.
func (s *Store) ListStudents(ctx context.Context) ([]fees.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, created_at FROM students ORDER BY name, id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}

	var students []fees.Student
	for rows.Next() {
		var st fees.Student
		var createdAt string
		if err := rows.Scan(&st.ID, &st.Name, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		var err error
		if st.CreatedAt, err = parseTime(createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("student %s has invalid created_at: %w", st.ID, err)
		}
		students = append(students, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Second query only after the first cursor is closed; ":memory:" has one connection.
	memberships, err := s.loadMemberships(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range students {
		students[i].Memberships = memberships[students[i].ID]
	}
	return students, nil
}

// ActiveBatches returns the batch names of a student's enabled memberships.
func (s *Store) ActiveBatches(ctx context.Context, id fees.StudentID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM students WHERE id = ?", id).Scan(&count); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fees.ErrStudentNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT batch FROM memberships WHERE student_id = ? AND NOT disabled ORDER BY position",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var batches []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) loadMemberships(ctx context.Context, where string, args ...any) (map[fees.StudentID][]fees.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT student_id, batch, disabled FROM memberships "+where+" ORDER BY student_id, position",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	out := make(map[fees.StudentID][]fees.Membership)
	for rows.Next() {
		var id fees.StudentID
		var m fees.Membership
		if err := rows.Scan(&id, &m.Batch, &m.Disabled); err != nil {
			return nil, err
		}
		out[id] = append(out[id], m)
	}
	return out, rows.Err()
}

// =============================================================================
// DUES RUNS (fees.DuesRunStore interface)
// =============================================================================

// SaveDuesRun records one scheduler run.
func (s *Store) SaveDuesRun(ctx context.Context, run fees.DuesRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO dues_runs (id, ran_at, start_year, end_year, students, enrollments, pending_cells)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, formatTime(run.RanAt), run.Window.StartYear, run.Window.EndYear,
		run.Students, run.Enrollments, run.PendingCells,
	)
	if err != nil {
		return fmt.Errorf("failed to save dues run: %w", err)
	}
	return nil
}

// ListDuesRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ListDuesRuns(ctx context.Context, limit int) ([]fees.DuesRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, ran_at, start_year, end_year, students, enrollments, pending_cells
		FROM dues_runs
		ORDER BY ran_at DESC, rowid DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dues runs: %w", err)
	}
	defer rows.Close()

	var runs []fees.DuesRun
	for rows.Next() {
		var r fees.DuesRun
		var ranAt string
		if err := rows.Scan(
			&r.ID, &ranAt, &r.Window.StartYear, &r.Window.EndYear,
			&r.Students, &r.Enrollments, &r.PendingCells,
		); err != nil {
			return nil, err
		}
		var err error
		if r.RanAt, err = parseTime(ranAt); err != nil {
			return nil, fmt.Errorf("dues run %s has invalid ran_at: %w", r.ID, err)
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"fee_events", "memberships", "students", "dues_runs", "invoice_sequence"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout has a fixed-width fraction so stored times sort as text.
// Entry dates are stored with their own offset instead; they are never
// sorted and must keep their calendar day.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// isCellUniquenessError reports a violation of idx_fee_events_cell. The
// driver carries no constraint name, so the cell index is told apart from
// the id and invoice indexes by its leading column.
func isCellUniquenessError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(sqliteErr.Error(), "fee_events.student_id")
}
