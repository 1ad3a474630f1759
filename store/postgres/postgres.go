/*
Package postgres provides a PostgreSQL implementation of the fee stores
on top of GORM.

PURPOSE:
  Same contract as store/sqlite (fees.Backend) for deployments that share
  one database between several server instances.

SCHEMA:
  Tables are created with AutoMigrate from the row models below. The
  unique cell index and the invoice sequence are created by hand:
    - idx_fee_events_cell: UNIQUE (student_id, batch_key, year, month_index)
    - fee_invoice_seq:     source of INV-000001 style invoice numbers

CONCURRENCY:
  The service serializes writers per enrollment inside one process. Across
  processes the unique cell index is the guard; a losing writer gets
  fees.ErrCellOccupied.

INVOICE GAPS:
  nextval() is not transactional. A rolled back payment batch leaves a gap
  in invoice numbers.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/warp/fee-engine/fees"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// ROW MODELS
// =============================================================================

type feeEventRow struct {
	Seq             int64           `gorm:"column:seq;autoIncrement"`
	ID              string          `gorm:"column:id;primaryKey"`
	StudentID       string          `gorm:"column:student_id;not null;index:idx_fee_events_student,priority:1"`
	Batch           string          `gorm:"column:batch;not null"`
	BatchKey        string          `gorm:"column:batch_key;not null"`
	Year            int             `gorm:"column:year;not null;index:idx_fee_events_student,priority:2"`
	MonthIndex      int             `gorm:"column:month_index;not null;check:month_index BETWEEN 0 AND 11;index:idx_fee_events_student,priority:3"`
	Kind            string          `gorm:"column:kind;not null"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(14,2);not null"`
	EntryDate       string          `gorm:"column:entry_date;type:text;not null"` // RFC3339, original offset kept
	PaymentMode     *string         `gorm:"column:payment_mode"`
	PaymentReceiver *string         `gorm:"column:payment_receiver"`
	Remarks         *string         `gorm:"column:remarks"`
	InvoiceNo       *string         `gorm:"column:invoice_no;uniqueIndex"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null"`
}

func (feeEventRow) TableName() string { return "fee_events" }

type studentRow struct {
	ID          string          `gorm:"column:id;primaryKey"`
	Name        string          `gorm:"column:name;not null;index"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null"`
	Memberships []membershipRow `gorm:"foreignKey:StudentID;constraint:OnDelete:CASCADE"`
}

func (studentRow) TableName() string { return "students" }

type membershipRow struct {
	StudentID string `gorm:"column:student_id;primaryKey"`
	Position  int    `gorm:"column:position;primaryKey;autoIncrement:false"`
	Batch     string `gorm:"column:batch;not null"`
	Disabled  bool   `gorm:"column:disabled;not null;default:false"`
}

func (membershipRow) TableName() string { return "memberships" }

type duesRunRow struct {
	ID           string    `gorm:"column:id;primaryKey"`
	RanAt        time.Time `gorm:"column:ran_at;not null;index"`
	StartYear    int       `gorm:"column:start_year;not null"`
	EndYear      int       `gorm:"column:end_year;not null"`
	Students     int       `gorm:"column:students;not null"`
	Enrollments  int       `gorm:"column:enrollments;not null"`
	PendingCells int       `gorm:"column:pending_cells;not null"`
}

func (duesRunRow) TableName() string { return "dues_runs" }

// =============================================================================
// STORE
// =============================================================================

// Store implements fees.Backend using PostgreSQL.
type Store struct {
	db *gorm.DB
}

var _ fees.Backend = (*Store)(nil)

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&studentRow{}, &membershipRow{}, &feeEventRow{}, &duesRunRow{}); err != nil {
		return err
	}
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fee_events_cell
			ON fee_events(student_id, batch_key, year, month_index)`,
		`CREATE SEQUENCE IF NOT EXISTS fee_invoice_seq`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// EVENT STORE (fees.EventStore interface)
// =============================================================================

// AppendBatch inserts events in one transaction.
func (s *Store) AppendBatch(ctx context.Context, events []fees.FeeEvent) ([]fees.FeeEvent, error) {
	out := make([]fees.FeeEvent, len(events))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, ev := range events {
			if ev.Kind == fees.KindPayment && ev.InvoiceNo == "" {
				var n int64
				if err := tx.Raw("SELECT nextval('fee_invoice_seq')").Scan(&n).Error; err != nil {
					return fmt.Errorf("failed to allocate invoice number: %w", err)
				}
				ev.InvoiceNo = fmt.Sprintf("INV-%06d", n)
			}
			if ev.CreatedAt.IsZero() {
				ev.CreatedAt = time.Now()
			}
			row := toEventRow(ev)
			if err := tx.Create(&row).Error; err != nil {
				if isCellUniquenessError(err) {
					return fmt.Errorf("%w: %s %s", fees.ErrCellOccupied, fees.NewEnrollment(ev.StudentID, ev.Batch), ev.Month)
				}
				return fmt.Errorf("failed to append fee event: %w", err)
			}
			out[i] = ev
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Load returns the events of one enrollment in insertion order.
func (s *Store) Load(ctx context.Context, studentID fees.StudentID, batch fees.BatchKey) ([]fees.FeeEvent, error) {
	var rows []feeEventRow
	err := s.db.WithContext(ctx).
		Where("student_id = ? AND batch_key = ?", string(studentID), string(batch)).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query fee events: %w", err)
	}
	return fromEventRows(rows)
}

// LoadByStudent returns all of a student's events ordered by fees month.
func (s *Store) LoadByStudent(ctx context.Context, studentID fees.StudentID) ([]fees.FeeEvent, error) {
	var rows []feeEventRow
	err := s.db.WithContext(ctx).
		Where("student_id = ?", string(studentID)).
		Order("year ASC").Order("month_index ASC").Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query fee events: %w", err)
	}
	return fromEventRows(rows)
}

func (s *Store) Get(ctx context.Context, id fees.EventID) (*fees.FeeEvent, error) {
	var row feeEventRow
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fees.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fee event: %w", err)
	}
	ev, err := fromEventRow(row)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Update replaces the mutable fields of an event.
func (s *Store) Update(ctx context.Context, ev fees.FeeEvent) error {
	row := toEventRow(ev)
	res := s.db.WithContext(ctx).
		Model(&feeEventRow{}).
		Where("id = ?", row.ID).
		Select("amount", "year", "month_index", "payment_mode", "payment_receiver", "remarks").
		Updates(map[string]any{
			"amount":           row.Amount,
			"year":             row.Year,
			"month_index":      row.MonthIndex,
			"payment_mode":     row.PaymentMode,
			"payment_receiver": row.PaymentReceiver,
			"remarks":          row.Remarks,
		})
	if res.Error != nil {
		if isCellUniquenessError(res.Error) {
			return fmt.Errorf("%w: %s", fees.ErrCellOccupied, ev.Month)
		}
		return fmt.Errorf("failed to update fee event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fees.ErrEventNotFound
	}
	return nil
}

// Delete removes an event permanently.
func (s *Store) Delete(ctx context.Context, id fees.EventID) error {
	res := s.db.WithContext(ctx).Where("id = ?", string(id)).Delete(&feeEventRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete fee event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fees.ErrEventNotFound
	}
	return nil
}

// =============================================================================
// STUDENT DIRECTORY (fees.StudentDirectory interface)
// =============================================================================

// SaveStudent upserts the student and replaces its memberships.
func (s *Store) SaveStudent(ctx context.Context, st fees.Student) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		createdAt := st.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		row := studentRow{ID: string(st.ID), Name: st.Name, CreatedAt: createdAt}
		err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("failed to save student: %w", err)
		}

		if err := tx.Where("student_id = ?", row.ID).Delete(&membershipRow{}).Error; err != nil {
			return fmt.Errorf("failed to clear memberships: %w", err)
		}
		if len(st.Memberships) == 0 {
			return nil
		}
		members := make([]membershipRow, len(st.Memberships))
		for i, m := range st.Memberships {
			members[i] = membershipRow{StudentID: row.ID, Position: i, Batch: m.Batch, Disabled: m.Disabled}
		}
		if err := tx.Create(&members).Error; err != nil {
			return fmt.Errorf("failed to save memberships: %w", err)
		}
		return nil
	})
}

func (s *Store) GetStudent(ctx context.Context, id fees.StudentID) (*fees.Student, error) {
	var row studentRow
	err := s.db.WithContext(ctx).
		Preload("Memberships", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", string(id)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fees.ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	st := fromStudentRow(row)
	return &st, nil
}

func (s *Store) ListStudents(ctx context.Context) ([]fees.Student, error) {
	var rows []studentRow
	err := s.db.WithContext(ctx).
		Preload("Memberships", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("name ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	out := make([]fees.Student, len(rows))
	for i, r := range rows {
		out[i] = fromStudentRow(r)
	}
	return out, nil
}

func (s *Store) ActiveBatches(ctx context.Context, id fees.StudentID) ([]string, error) {
	st, err := s.GetStudent(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.ActiveBatches(), nil
}

// =============================================================================
// DUES RUNS (fees.DuesRunStore interface)
// =============================================================================

func (s *Store) SaveDuesRun(ctx context.Context, run fees.DuesRun) error {
	row := duesRunRow{
		ID:           run.ID,
		RanAt:        run.RanAt,
		StartYear:    run.Window.StartYear,
		EndYear:      run.Window.EndYear,
		Students:     run.Students,
		Enrollments:  run.Enrollments,
		PendingCells: run.PendingCells,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save dues run: %w", err)
	}
	return nil
}

func (s *Store) ListDuesRuns(ctx context.Context, limit int) ([]fees.DuesRun, error) {
	q := s.db.WithContext(ctx).Order("ran_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []duesRunRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query dues runs: %w", err)
	}
	out := make([]fees.DuesRun, len(rows))
	for i, r := range rows {
		out[i] = fees.DuesRun{
			ID:           r.ID,
			RanAt:        r.RanAt,
			Window:       fees.CalendarWindow{StartYear: r.StartYear, EndYear: r.EndYear},
			Students:     r.Students,
			Enrollments:  r.Enrollments,
			PendingCells: r.PendingCells,
		}
	}
	return out, nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("TRUNCATE fee_events, memberships, students, dues_runs").Error; err != nil {
			return err
		}
		return tx.Exec("ALTER SEQUENCE fee_invoice_seq RESTART WITH 1").Error
	})
}

// =============================================================================
// CONVERSION
// =============================================================================

func toEventRow(ev fees.FeeEvent) feeEventRow {
	return feeEventRow{
		ID:              string(ev.ID),
		StudentID:       string(ev.StudentID),
		Batch:           ev.Batch,
		BatchKey:        string(ev.BatchKey()),
		Year:            ev.Month.Year,
		MonthIndex:      ev.Month.Month,
		Kind:            string(ev.Kind),
		Amount:          ev.Amount,
		EntryDate:       ev.EntryDate.Format(time.RFC3339Nano),
		PaymentMode:     optional(string(ev.PaymentMode)),
		PaymentReceiver: optional(ev.PaymentReceiver),
		Remarks:         optional(ev.Remarks),
		InvoiceNo:       optional(ev.InvoiceNo),
		CreatedAt:       ev.CreatedAt,
	}
}

const (
	uniqueViolation = "23505"
	cellIndex       = "idx_fee_events_cell"
)

// isCellUniquenessError reports a violation of the one-event-per-cell index.
// Duplicate ids and invoice numbers are other constraints and stay internal.
func isCellUniquenessError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == cellIndex
}

func fromEventRow(r feeEventRow) (fees.FeeEvent, error) {
	entryDate, err := time.Parse(time.RFC3339Nano, r.EntryDate)
	if err != nil {
		return fees.FeeEvent{}, fmt.Errorf("fee event %s has invalid entry date %q: %w", r.ID, r.EntryDate, err)
	}
	return fees.FeeEvent{
		ID:              fees.EventID(r.ID),
		StudentID:       fees.StudentID(r.StudentID),
		Batch:           r.Batch,
		Month:           fees.MonthKey{Year: r.Year, Month: r.MonthIndex},
		Kind:            fees.Kind(r.Kind),
		Amount:          r.Amount,
		EntryDate:       entryDate,
		PaymentMode:     fees.PaymentMode(deref(r.PaymentMode)),
		PaymentReceiver: deref(r.PaymentReceiver),
		Remarks:         deref(r.Remarks),
		InvoiceNo:       deref(r.InvoiceNo),
		CreatedAt:       r.CreatedAt,
	}, nil
}

func fromEventRows(rows []feeEventRow) ([]fees.FeeEvent, error) {
	out := make([]fees.FeeEvent, len(rows))
	for i, r := range rows {
		ev, err := fromEventRow(r)
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

func fromStudentRow(r studentRow) fees.Student {
	st := fees.Student{ID: fees.StudentID(r.ID), Name: r.Name, CreatedAt: r.CreatedAt}
	for _, m := range r.Memberships {
		st.Memberships = append(st.Memberships, fees.Membership{Batch: m.Batch, Disabled: m.Disabled})
	}
	return st
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
