/*
service.go - Store-backed orchestration of the fee engine

PURPOSE:
  Service is the only writer of fee events and the entry point for reads
  that need the store (grids, pending dues). The derivation engine itself
  stays pure; Service loads snapshots, supplies "now" and guards writes.

WRITE PATH:
  1. Validate input (no store access on failure)
  2. Lock the enrollment (per-enrollment serialization)
  3. Load the enrollment's events and build a ledger
  4. Reject any target month that is PAYMENT, NEW_ADMISSION or EXEMPTED
  5. AppendBatch / Update / Delete
  6. Unlock

CONCURRENCY:
  Writers of the same enrollment are serialized in-process. Different
  enrollments never block each other. A multi-instance deployment would
  need optimistic versioning of the enrollment's event set instead.

TIME:
  Clock is read once per operation and converted to Location. Nothing
  below Service reads the system clock.
*/
package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Clock supplies the current time.
type Clock func() time.Time

type Service struct {
	Events    EventStore
	Students  StudentDirectory
	Validator *Validator
	Logger    *slog.Logger

	// Clock defaults to time.Now; tests inject a fixed clock.
	Clock Clock
	// Location decides which calendar month "now" falls in.
	Location *time.Location
	// NewID defaults to random UUIDs.
	NewID IDFunc
	// Workers bounds parallel grid computation in PendingDues.
	Workers int

	locks keyedMutex
}

// NewService creates a service over the given stores. logger may be nil.
func NewService(events EventStore, students StudentDirectory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Events:    events,
		Students:  students,
		Validator: DefaultValidator(),
		Logger:    logger,
		Clock:     time.Now,
		Location:  time.UTC,
		NewID:     func() EventID { return EventID(uuid.NewString()) },
		Workers:   4,
	}
}

// Now returns the current time in the service location.
func (s *Service) Now() time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return s.Clock().In(loc)
}

// =============================================================================
// READS
// =============================================================================

// Ledger loads the enrollment's events and indexes them.
func (s *Service) Ledger(ctx context.Context, enr Enrollment) (*EnrollmentLedger, error) {
	events, err := s.Events.Load(ctx, enr.StudentID, enr.Batch)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", enr, err)
	}
	return NewEnrollmentLedger(enr, events, s.Logger), nil
}

// CellStatus derives one cell against the current store contents.
func (s *Service) CellStatus(ctx context.Context, enr Enrollment, month MonthKey) (CellStatus, error) {
	ledger, err := s.Ledger(ctx, enr)
	if err != nil {
		return CellStatus{}, err
	}
	return ledger.Status(month, s.Now()), nil
}

// StudentGrid builds the fee grid of one student over window.
func (s *Service) StudentGrid(ctx context.Context, id StudentID, window CalendarWindow) (*StudentGrid, error) {
	return s.studentGrid(ctx, id, window, s.Now())
}

func (s *Service) studentGrid(ctx context.Context, id StudentID, window CalendarWindow, now time.Time) (*StudentGrid, error) {
	student, err := s.Students.GetStudent(ctx, id)
	if err != nil {
		return nil, err
	}
	batches, err := s.Students.ActiveBatches(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("active batches of %s: %w", id, err)
	}
	events, err := s.Events.LoadByStudent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load events of %s: %w", id, err)
	}
	grid := BuildGrid(*student, ResolveEnrollments(id, batches), window, events, now, s.Logger)
	return &grid, nil
}

// PendingDues collects every enrollment with pending months in window,
// sorted by student then batch. Students are processed in parallel, at
// most Workers at a time; the first failure cancels the rest.
func (s *Service) PendingDues(ctx context.Context, window CalendarWindow) ([]Due, error) {
	students, err := s.Students.ListStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	now := s.Now()

	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	perStudent := make([][]Due, len(students))
	for i, st := range students {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			grid, err := s.studentGrid(gctx, st.ID, window, now)
			if err != nil {
				return err
			}
			perStudent[i] = grid.Dues()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// A caller cancellation can stop the loop before any worker fails.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var dues []Due
	for _, d := range perStudent {
		dues = append(dues, d...)
	}
	sort.Slice(dues, func(i, j int) bool {
		if dues[i].StudentID != dues[j].StudentID {
			return dues[i].StudentID < dues[j].StudentID
		}
		return dues[i].Batch < dues[j].Batch
	})
	return dues, nil
}

// =============================================================================
// WRITES
// =============================================================================

// RecordPayment writes one PAYMENT event per selected month. Either every
// month is written or none is.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (*IntakeResult, error) {
	if err := s.Validator.Struct(in); err != nil {
		return nil, err
	}
	enr := in.Enrollment()
	if err := s.requireEnrollment(ctx, enr); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(enr.String())
	defer unlock()

	ledger, err := s.Ledger(ctx, enr)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	for _, m := range in.Months {
		if err := guardCell(ledger, m, now, ""); err != nil {
			return nil, err
		}
	}

	stored, err := s.Events.AppendBatch(ctx, BuildPaymentEvents(in, s.NewID, now))
	if err != nil {
		return nil, fmt.Errorf("record payment for %s: %w", enr, err)
	}
	s.Logger.Info("payment recorded",
		slog.String("enrollment", enr.String()),
		slog.Int("months", len(stored)),
		slog.String("amount", in.Amount.String()),
		slog.String("mode", string(in.Mode)),
	)
	return &IntakeResult{Events: stored}, nil
}

// MarkStatus writes a single NEW_ADMISSION or EXEMPTED event.
func (s *Service) MarkStatus(ctx context.Context, in StatusInput) (FeeEvent, error) {
	if err := s.Validator.Struct(in); err != nil {
		return FeeEvent{}, err
	}
	enr := in.Enrollment()
	if err := s.requireEnrollment(ctx, enr); err != nil {
		return FeeEvent{}, err
	}

	unlock := s.locks.Lock(enr.String())
	defer unlock()

	ledger, err := s.Ledger(ctx, enr)
	if err != nil {
		return FeeEvent{}, err
	}
	now := s.Now()
	if err := guardCell(ledger, in.Month, now, ""); err != nil {
		return FeeEvent{}, err
	}

	stored, err := s.Events.AppendBatch(ctx, []FeeEvent{BuildStatusEvent(in, s.NewID, now)})
	if err != nil {
		return FeeEvent{}, fmt.Errorf("mark %s for %s: %w", in.Kind, enr, err)
	}
	s.Logger.Info("status recorded",
		slog.String("enrollment", enr.String()),
		slog.String("kind", string(in.Kind)),
		slog.String("month", in.Month.String()),
	)
	return stored[0], nil
}

// EditEvent changes an event in place. The event keeps its ID, kind,
// entry date and invoice number. Moving it onto a month that already has
// another event is rejected.
func (s *Service) EditEvent(ctx context.Context, id EventID, patch EventPatch) (FeeEvent, error) {
	current, err := s.Events.Get(ctx, id)
	if err != nil {
		return FeeEvent{}, err
	}
	enr := NewEnrollment(current.StudentID, current.Batch)

	unlock := s.locks.Lock(enr.String())
	defer unlock()

	// Re-read under the lock; the event may have changed or vanished.
	current, err = s.Events.Get(ctx, id)
	if err != nil {
		return FeeEvent{}, err
	}
	if patch.Empty() {
		return *current, nil
	}

	updated := patch.Apply(*current)
	if err := s.Validator.Struct(formOf(updated)); err != nil {
		return FeeEvent{}, err
	}

	if !updated.Month.Equal(current.Month) {
		ledger, err := s.Ledger(ctx, enr)
		if err != nil {
			return FeeEvent{}, err
		}
		if err := guardCell(ledger, updated.Month, s.Now(), id); err != nil {
			return FeeEvent{}, err
		}
	}

	if err := s.Events.Update(ctx, updated); err != nil {
		return FeeEvent{}, fmt.Errorf("update event %s: %w", id, err)
	}
	s.Logger.Info("fee event edited",
		slog.String("event_id", string(id)),
		slog.String("enrollment", enr.String()),
		slog.String("from_month", current.Month.String()),
		slog.String("to_month", updated.Month.String()),
	)
	return updated, nil
}

// DeleteEvent removes an event permanently and returns what was removed.
func (s *Service) DeleteEvent(ctx context.Context, id EventID) (FeeEvent, error) {
	current, err := s.Events.Get(ctx, id)
	if err != nil {
		return FeeEvent{}, err
	}
	enr := NewEnrollment(current.StudentID, current.Batch)

	unlock := s.locks.Lock(enr.String())
	defer unlock()

	if err := s.Events.Delete(ctx, id); err != nil {
		return FeeEvent{}, fmt.Errorf("delete event %s: %w", id, err)
	}
	s.Logger.Info("fee event deleted",
		slog.String("event_id", string(id)),
		slog.String("enrollment", enr.String()),
		slog.String("kind", string(current.Kind)),
		slog.String("month", current.Month.String()),
	)
	return *current, nil
}

// requireEnrollment rejects writes for unknown students and for batches
// the student is not actively enrolled in, since such events would show in
// no grid row and no dues.
func (s *Service) requireEnrollment(ctx context.Context, enr Enrollment) error {
	if s.Students == nil {
		return nil
	}
	batches, err := s.Students.ActiveBatches(ctx, enr.StudentID)
	if err != nil {
		if errors.Is(err, ErrStudentNotFound) {
			return err
		}
		return fmt.Errorf("look up student %s: %w", enr.StudentID, err)
	}
	for _, active := range ResolveEnrollments(enr.StudentID, batches) {
		if active.Batch == enr.Batch {
			return nil
		}
	}
	return NewValidationError("batch", fmt.Sprintf("student is not enrolled in %q", enr.Label))
}

// guardCell rejects month when it already resolves to an explicit status.
// The event named by self is ignored so an event can stay in its own cell.
func guardCell(ledger *EnrollmentLedger, month MonthKey, now time.Time, self EventID) error {
	st := ledger.Status(month, now)
	if !st.IsExplicit() || (self != "" && st.EventID == self) {
		return nil
	}
	return &CellOccupiedError{Enrollment: ledger.Enrollment(), Month: month, Existing: st}
}

// =============================================================================
// KEYED MUTEX - Per-enrollment write serialization
// =============================================================================

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
