package fees_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-engine/fees"
	"github.com/warp/fee-engine/fees/store"
)

func newTestService(t *testing.T) (*fees.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := fees.NewService(mem, mem, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Clock = func() time.Time { return june2024 }

	var mu sync.Mutex
	n := 0
	svc.NewID = func() fees.EventID {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fees.EventID(fmt.Sprintf("ev-%03d", n))
	}

	ctx := context.Background()
	require.NoError(t, mem.SaveStudent(ctx, fees.Student{
		ID:   "stu-1",
		Name: "Asha",
		Memberships: []fees.Membership{
			{Batch: "Physics A"},
			{Batch: "Maths B", Disabled: true},
		},
	}))
	require.NoError(t, mem.SaveStudent(ctx, fees.Student{ID: "stu-2", Name: "Bilal"}))
	return svc, mem
}

func payFor(studentID fees.StudentID, months ...fees.MonthKey) fees.PaymentInput {
	return fees.PaymentInput{
		StudentID: studentID,
		Batch:     "Physics A",
		Amount:    decimal.NewFromInt(500),
		Mode:      fees.ModeOffline,
		EntryDate: june2024,
		Months:    months,
	}
}

func statusOf(t *testing.T, svc *fees.Service, m fees.MonthKey) fees.CellStatus {
	t.Helper()
	st, err := svc.CellStatus(context.Background(), enrollment(), m)
	require.NoError(t, err)
	return st
}

// =============================================================================
// PAYMENT INTAKE
// =============================================================================

func TestService_RecordPayment_FansOutPerMonth(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	res, err := svc.RecordPayment(ctx, payFor("stu-1", month(2024, 0), month(2024, 1)))
	require.NoError(t, err)

	require.Len(t, res.Events, 2)
	assert.Equal(t, []fees.MonthKey{month(2024, 0), month(2024, 1)}, res.Months())
	assert.Equal(t, "INV-000001", res.Events[0].InvoiceNo)
	assert.Equal(t, "INV-000002", res.Events[1].InvoiceNo)
	for _, ev := range res.Events {
		assert.True(t, ev.Amount.Equal(decimal.NewFromInt(500)))
		assert.Equal(t, fees.ModeOffline, ev.PaymentMode)
		assert.Equal(t, june2024, ev.EntryDate)
	}

	stored, err := mem.Load(ctx, "stu-1", "physics a")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	assert.Equal(t, fees.StatusPayment, statusOf(t, svc, month(2024, 0)).Kind)
	assert.Equal(t, fees.StatusPayment, statusOf(t, svc, month(2024, 1)).Kind)
	assert.Equal(t, fees.StatusPending, statusOf(t, svc, month(2024, 2)).Kind)
}

func TestService_RecordPayment_ValidationWritesNothing(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	in := payFor("stu-1", month(2024, 0))
	in.Mode = fees.ModeOnline // no receiver

	_, err := svc.RecordPayment(ctx, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, fees.ErrValidation)
	assert.True(t, fees.IsClientError(err))

	stored, err := mem.LoadByStudent(ctx, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestService_RecordPayment_UnknownStudent(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RecordPayment(context.Background(), payFor("stu-404", month(2024, 0)))
	assert.ErrorIs(t, err, fees.ErrStudentNotFound)
	assert.True(t, fees.IsNotFound(err))
}

func TestService_Intake_RequiresActiveEnrollment(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	// Maths B is a disabled membership of stu-1
	disabled := payFor("stu-1", month(2024, 0))
	disabled.Batch = "Maths B"
	_, err := svc.RecordPayment(ctx, disabled)
	assert.Equal(t, `student is not enrolled in "Maths B"`, fieldsOf(t, err)["batch"])

	// stu-2 has no batch at all
	_, err = svc.RecordPayment(ctx, payFor("stu-2", month(2024, 0)))
	assert.ErrorIs(t, err, fees.ErrValidation)

	_, err = svc.MarkStatus(ctx, fees.StatusInput{
		StudentID: "stu-1", Batch: "Chemistry", Kind: fees.KindExempted,
		Month: month(2024, 3), EntryDate: june2024,
	})
	assert.Contains(t, fieldsOf(t, err), "batch")

	for _, id := range []fees.StudentID{"stu-1", "stu-2"} {
		stored, err := mem.LoadByStudent(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, stored, id)
	}
}

func TestService_RecordPayment_OccupiedCellRejectsWholeBatch(t *testing.T) {
	// GIVEN: April 2024 is exempted
	svc, mem := newTestService(t)
	ctx := context.Background()
	_, err := svc.MarkStatus(ctx, fees.StatusInput{
		StudentID: "stu-1", Batch: "Physics A", Kind: fees.KindExempted,
		Month: month(2024, 3), EntryDate: june2024,
	})
	require.NoError(t, err)

	// WHEN: a payment covers March and April
	_, err = svc.RecordPayment(ctx, payFor("stu-1", month(2024, 2), month(2024, 3)))

	// THEN: rejected, nothing written, April still exempted
	var occupied *fees.CellOccupiedError
	require.True(t, errors.As(err, &occupied))
	assert.ErrorIs(t, err, fees.ErrCellOccupied)
	assert.Equal(t, month(2024, 3), occupied.Month)
	assert.Equal(t, fees.StatusExempted, occupied.Existing.Kind)

	stored, err := mem.LoadByStudent(ctx, "stu-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Equal(t, fees.StatusExempted, statusOf(t, svc, month(2024, 3)).Kind)
	assert.Equal(t, fees.StatusPending, statusOf(t, svc, month(2024, 2)).Kind)
}

func TestService_RecordPayment_BatchSpellingSharesCells(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, payFor("stu-1", month(2024, 0)))
	require.NoError(t, err)

	in := payFor("stu-1", month(2024, 0))
	in.Batch = "PHYSICS  a"
	_, err = svc.RecordPayment(ctx, in)
	assert.ErrorIs(t, err, fees.ErrCellOccupied)
}

func TestService_RecordPayment_ConcurrentSameMonth(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordPayment(ctx, payFor("stu-1", month(2024, 4)))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, fees.ErrCellOccupied)
	}
	assert.Equal(t, 1, wins)

	stored, err := mem.Load(ctx, "stu-1", "physics a")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

// =============================================================================
// STATUS MARKERS
// =============================================================================

func TestService_MarkStatus_AdmissionGatesEarlierMonths(t *testing.T) {
	svc, _ := newTestService(t)

	ev, err := svc.MarkStatus(context.Background(), fees.StatusInput{
		StudentID: "stu-1", Batch: "Physics A", Kind: fees.KindNewAdmission,
		Month: month(2024, 2), EntryDate: june2024,
	})
	require.NoError(t, err)
	assert.True(t, ev.Amount.IsZero())
	assert.Empty(t, ev.InvoiceNo)

	assert.Equal(t, fees.StatusOpen, statusOf(t, svc, month(2024, 1)).Kind)
	assert.Equal(t, fees.StatusNewAdmission, statusOf(t, svc, month(2024, 2)).Kind)
	assert.Equal(t, fees.StatusPending, statusOf(t, svc, month(2024, 3)).Kind)
}

func TestService_MarkStatus_RejectsPaymentKind(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.MarkStatus(context.Background(), fees.StatusInput{
		StudentID: "stu-1", Batch: "Physics A", Kind: fees.KindPayment,
		Month: month(2024, 2), EntryDate: june2024,
	})
	assert.ErrorIs(t, err, fees.ErrValidation)
}

// =============================================================================
// EDIT / DELETE
// =============================================================================

func TestService_EditEvent_MoveMonthReDerives(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res, err := svc.RecordPayment(ctx, payFor("stu-1", month(2024, 0), month(2024, 1)))
	require.NoError(t, err)
	jan := res.Events[0]

	// WHEN: January's payment is moved to March
	year, idx := 2024, 2
	edited, err := svc.EditEvent(ctx, jan.ID, fees.EventPatch{Year: &year, MonthIndex: &idx})
	require.NoError(t, err)

	// THEN: same event, new month; January falls back to pending
	assert.Equal(t, jan.ID, edited.ID)
	assert.Equal(t, jan.InvoiceNo, edited.InvoiceNo)
	assert.Equal(t, month(2024, 2), edited.Month)
	assert.Equal(t, fees.StatusPending, statusOf(t, svc, month(2024, 0)).Kind)
	assert.Equal(t, fees.StatusPayment, statusOf(t, svc, month(2024, 1)).Kind)
	assert.Equal(t, fees.StatusPayment, statusOf(t, svc, month(2024, 2)).Kind)
}

func TestService_EditEvent_OntoOccupiedMonthRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res, err := svc.RecordPayment(ctx, payFor("stu-1", month(2024, 0), month(2024, 1)))
	require.NoError(t, err)

	idx := 1
	_, err = svc.EditEvent(ctx, res.Events[0].ID, fees.EventPatch{MonthIndex: &idx})
	assert.ErrorIs(t, err, fees.ErrCellOccupied)

	// Amount-only edit keeps the event in its own cell.
	amount := decimal.NewFromInt(650)
	edited, err := svc.EditEvent(ctx, res.Events[0].ID, fees.EventPatch{Amount: &amount})
	require.NoError(t, err)
	assert.True(t, edited.Amount.Equal(amount))
	assert.True(t, statusOf(t, svc, month(2024, 0)).Amount.Equal(amount))
}

func TestService_EditEvent_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res, err := svc.RecordPayment(ctx, payFor("stu-1", month(2024, 0)))
	require.NoError(t, err)
	id := res.Events[0].ID

	zero := decimal.Zero
	_, err = svc.EditEvent(ctx, id, fees.EventPatch{Amount: &zero})
	assert.ErrorIs(t, err, fees.ErrValidation)

	online := fees.ModeOnline
	_, err = svc.EditEvent(ctx, id, fees.EventPatch{Mode: &online})
	assert.ErrorIs(t, err, fees.ErrValidation)

	receiver := "Front desk"
	edited, err := svc.EditEvent(ctx, id, fees.EventPatch{Mode: &online, Receiver: &receiver})
	require.NoError(t, err)
	assert.Equal(t, fees.ModeOnline, edited.PaymentMode)
	assert.Equal(t, "Front desk", edited.PaymentReceiver)

	bad := 12
	_, err = svc.EditEvent(ctx, id, fees.EventPatch{MonthIndex: &bad})
	assert.ErrorIs(t, err, fees.ErrValidation)

	subCent := decimal.RequireFromString("100.005")
	_, err = svc.EditEvent(ctx, id, fees.EventPatch{Amount: &subCent})
	assert.ErrorIs(t, err, fees.ErrValidation)
	assert.True(t, statusOf(t, svc, month(2024, 0)).Amount.Equal(decimal.NewFromInt(500)))
}

func TestService_EditEvent_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	amount := decimal.NewFromInt(1)

	_, err := svc.EditEvent(context.Background(), "missing", fees.EventPatch{Amount: &amount})
	assert.ErrorIs(t, err, fees.ErrEventNotFound)
}

func TestService_DeleteEvent_Reverts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res, err := svc.RecordPayment(ctx, payFor("stu-1", month(2024, 0)))
	require.NoError(t, err)

	removed, err := svc.DeleteEvent(ctx, res.Events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, res.Events[0].ID, removed.ID)
	assert.Equal(t, fees.StatusPending, statusOf(t, svc, month(2024, 0)).Kind)

	_, err = svc.DeleteEvent(ctx, res.Events[0].ID)
	assert.ErrorIs(t, err, fees.ErrEventNotFound)

	// The freed cell accepts a new payment.
	_, err = svc.RecordPayment(ctx, payFor("stu-1", month(2024, 0)))
	assert.NoError(t, err)
}

// =============================================================================
// GRID AND DUES
// =============================================================================

func TestService_StudentGrid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RecordPayment(ctx, payFor("stu-1", month(2024, 0), month(2024, 1)))
	require.NoError(t, err)

	grid, err := svc.StudentGrid(ctx, "stu-1", fees.NewCalendarWindow(2024, 2024))
	require.NoError(t, err)

	// Disabled Maths membership produces no row.
	require.Len(t, grid.Rows, 1)
	row := grid.Rows[0]
	assert.Equal(t, "Physics A", row.Enrollment.Label)
	require.Len(t, row.Cells, 12)
	assert.Equal(t, "Jan 2024", row.Cells[0].Label)
	assert.Equal(t, 2, row.Summary.Payments)
	assert.True(t, row.Summary.Paid.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 4, row.Summary.Pending) // Mar..Jun
	assert.Equal(t, 6, row.Summary.Open)    // Jul..Dec
	assert.Nil(t, row.Summary.Admission)
	assert.Equal(t, []fees.MonthKey{month(2024, 2), month(2024, 3), month(2024, 4), month(2024, 5)}, row.PendingMonths())
}

func TestService_StudentGrid_Unassigned(t *testing.T) {
	svc, _ := newTestService(t)

	grid, err := svc.StudentGrid(context.Background(), "stu-2", fees.NewCalendarWindow(2024, 2024))
	require.NoError(t, err)

	require.Len(t, grid.Rows, 1)
	assert.True(t, grid.Rows[0].Enrollment.IsUnassigned())
	assert.Equal(t, "Unassigned", grid.Rows[0].Enrollment.Label)
}

func TestService_StudentGrid_UnknownStudent(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.StudentGrid(context.Background(), "nobody", fees.NewCalendarWindow(2024, 2024))
	assert.ErrorIs(t, err, fees.ErrStudentNotFound)
}

func TestService_PendingDues(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, m := range []fees.MonthKey{month(2024, 0), month(2024, 1), month(2024, 2), month(2024, 3)} {
		_, err := svc.RecordPayment(ctx, payFor("stu-1", m))
		require.NoError(t, err)
	}

	dues, err := svc.PendingDues(ctx, fees.NewCalendarWindow(2024, 2024))
	require.NoError(t, err)

	require.Len(t, dues, 2)
	assert.Equal(t, fees.StudentID("stu-1"), dues[0].StudentID)
	assert.Equal(t, []fees.MonthKey{month(2024, 4), month(2024, 5)}, dues[0].Months)
	assert.Equal(t, fees.StudentID("stu-2"), dues[1].StudentID)
	assert.Equal(t, fees.Unassigned, dues[1].Batch)
	assert.Len(t, dues[1].Months, 6)
}

// failingEvents fails LoadByStudent for one student and counts every call.
type failingEvents struct {
	*store.Memory
	failFor fees.StudentID
	calls   atomic.Int32
}

var errStoreDown = errors.New("store down")

func (f *failingEvents) LoadByStudent(ctx context.Context, id fees.StudentID) ([]fees.FeeEvent, error) {
	f.calls.Add(1)
	if id == f.failFor {
		return nil, errStoreDown
	}
	return f.Memory.LoadByStudent(ctx, id)
}

func newDuesFixture(t *testing.T, students int) (*fees.Service, *failingEvents) {
	t.Helper()
	mem := store.NewMemory()
	for i := 0; i < students; i++ {
		require.NoError(t, mem.SaveStudent(context.Background(), fees.Student{
			ID:   fees.StudentID(fmt.Sprintf("stu-%02d", i)),
			Name: fmt.Sprintf("Student %02d", i),
		}))
	}
	events := &failingEvents{Memory: mem}
	svc := fees.NewService(events, mem, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Clock = func() time.Time { return june2024 }
	return svc, events
}

func TestService_PendingDues_StoreFailureStopsScan(t *testing.T) {
	// GIVEN: Ten students, the first of which cannot be loaded
	svc, events := newDuesFixture(t, 10)
	events.failFor = "stu-00"
	svc.Workers = 1

	// WHEN: Computing pending dues
	dues, err := svc.PendingDues(context.Background(), fees.NewCalendarWindow(2024, 2024))

	// THEN: The store error surfaces and no later student is loaded
	assert.ErrorIs(t, err, errStoreDown)
	assert.Nil(t, dues)
	assert.Equal(t, int32(1), events.calls.Load())
}

func TestService_PendingDues_FailureWithParallelWorkers(t *testing.T) {
	svc, events := newDuesFixture(t, 10)
	events.failFor = "stu-05"
	svc.Workers = 4

	_, err := svc.PendingDues(context.Background(), fees.NewCalendarWindow(2024, 2024))

	assert.ErrorIs(t, err, errStoreDown)
	assert.LessOrEqual(t, events.calls.Load(), int32(10))
}

func TestService_PendingDues_CancelledContext(t *testing.T) {
	svc, events := newDuesFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.PendingDues(ctx, fees.NewCalendarWindow(2024, 2024))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), events.calls.Load())
}
