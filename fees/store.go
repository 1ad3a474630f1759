/*
store.go - Persistence interfaces for fee events and student profiles

PURPOSE:
  Defines the narrow interface between the fee engine and the database.
  The engine reads the events of one enrollment at a time and writes
  through Service only.

KEY INTERFACES:
  EventStore:       Fee event persistence (load, append batch, update, delete)
  StudentDirectory: Student profiles and active batch memberships
  DuesRunStore:     History of scheduled pending-dues runs

ATOMIC BATCHES:
  AppendBatch() is all-or-nothing. Paying three months at once either
  writes three events or none, so intake never leaves a half-paid action.

MUTABILITY:
  Unlike a pure ledger, fee events can be edited in place (amount, month,
  mode, receiver, remarks) and deleted permanently. There is no soft delete.

INVOICE NUMBERS:
  Stores allocate InvoiceNo for PAYMENT events inside AppendBatch. The
  engine treats it as an opaque display string.

IMPLEMENTATIONS:
  - fees/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: Embedded SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via GORM
*/
package fees

import (
	"context"
	"time"
)

// =============================================================================
// EVENT STORE
// =============================================================================

type EventStore interface {
	// Load returns every event of the (student, batch) enrollment. batch is
	// compared in normalized form. Order is not significant.
	Load(ctx context.Context, studentID StudentID, batch BatchKey) ([]FeeEvent, error)

	// LoadByStudent returns the events of all of a student's batches.
	LoadByStudent(ctx context.Context, studentID StudentID) ([]FeeEvent, error)

	// Get returns ErrEventNotFound for an unknown id.
	Get(ctx context.Context, id EventID) (*FeeEvent, error)

	// AppendBatch persists events atomically and returns them as stored,
	// with InvoiceNo allocated for payments.
	AppendBatch(ctx context.Context, events []FeeEvent) ([]FeeEvent, error)

	// Update replaces the mutable fields of an existing event.
	Update(ctx context.Context, ev FeeEvent) error

	// Delete removes an event permanently.
	Delete(ctx context.Context, id EventID) error
}

// =============================================================================
// STUDENT DIRECTORY - Enrollment source
// =============================================================================

type StudentDirectory interface {
	ListStudents(ctx context.Context) ([]Student, error)

	// GetStudent returns ErrStudentNotFound for an unknown id.
	GetStudent(ctx context.Context, id StudentID) (*Student, error)

	// SaveStudent creates or replaces a student and its memberships.
	SaveStudent(ctx context.Context, s Student) error

	// ActiveBatches returns the student's batch names, disabled memberships excluded.
	ActiveBatches(ctx context.Context, id StudentID) ([]string, error)
}

// =============================================================================
// DUES RUNS - Output of the dues scheduler
// =============================================================================

type DuesRun struct {
	ID           string
	RanAt        time.Time
	Window       CalendarWindow
	Students     int // students with at least one pending month
	Enrollments  int // enrollments with at least one pending month
	PendingCells int
}

type DuesRunStore interface {
	SaveDuesRun(ctx context.Context, run DuesRun) error
	// ListDuesRuns returns the most recent runs first.
	ListDuesRuns(ctx context.Context, limit int) ([]DuesRun, error)
}

// Backend is everything a full deployment persists.
type Backend interface {
	EventStore
	StudentDirectory
	DuesRunStore

	// Reset deletes all data. Development and demo use only.
	Reset(ctx context.Context) error
}
