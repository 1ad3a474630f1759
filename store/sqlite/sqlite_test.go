package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-engine/fees"
	"github.com/warp/fee-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var entry = time.Date(2024, time.March, 3, 9, 30, 0, 0, time.UTC)

func paymentEvent(id string, batch string, year, month int) fees.FeeEvent {
	return fees.FeeEvent{
		ID:              fees.EventID(id),
		StudentID:       "stu-1",
		Batch:           batch,
		Month:           fees.MonthKey{Year: year, Month: month},
		Kind:            fees.KindPayment,
		Amount:          decimal.RequireFromString("1250.50"),
		EntryDate:       entry,
		PaymentMode:     fees.ModeOnline,
		PaymentReceiver: "Front desk",
		Remarks:         "cash via parent",
		CreatedAt:       entry,
	}
}

func admissionEvent(id string, year, month int) fees.FeeEvent {
	return fees.FeeEvent{
		ID:        fees.EventID(id),
		StudentID: "stu-1",
		Batch:     "Physics A",
		Month:     fees.MonthKey{Year: year, Month: month},
		Kind:      fees.KindNewAdmission,
		Amount:    decimal.Zero,
		EntryDate: entry,
		CreatedAt: entry,
	}
}

// =============================================================================
// EVENT STORE
// =============================================================================

func TestStore_AppendBatch_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stored, err := store.AppendBatch(ctx, []fees.FeeEvent{
		admissionEvent("a1", 2024, 0),
		paymentEvent("p1", "Physics A", 2024, 1),
		paymentEvent("p2", "Physics A", 2024, 2),
	})
	require.NoError(t, err)

	// Only payments get invoice numbers.
	assert.Empty(t, stored[0].InvoiceNo)
	assert.Equal(t, "INV-000001", stored[1].InvoiceNo)
	assert.Equal(t, "INV-000002", stored[2].InvoiceNo)

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, fees.StudentID("stu-1"), got.StudentID)
	assert.Equal(t, "Physics A", got.Batch)
	assert.Equal(t, fees.MonthKey{Year: 2024, Month: 1}, got.Month)
	assert.Equal(t, fees.KindPayment, got.Kind)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("1250.5")))
	assert.Equal(t, entry, got.EntryDate)
	assert.Equal(t, fees.ModeOnline, got.PaymentMode)
	assert.Equal(t, "Front desk", got.PaymentReceiver)
	assert.Equal(t, "cash via parent", got.Remarks)
	assert.Equal(t, "INV-000001", got.InvoiceNo)

	adm, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, adm.Amount.IsZero())
	assert.Empty(t, adm.PaymentMode)
}

func TestStore_AppendBatch_AllOrNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, []fees.FeeEvent{paymentEvent("p1", "Physics A", 2024, 1)})
	require.NoError(t, err)

	// Second event of the batch collides with p1's cell.
	_, err = store.AppendBatch(ctx, []fees.FeeEvent{
		paymentEvent("p2", "Physics A", 2024, 2),
		paymentEvent("p3", "physics  a", 2024, 1),
	})
	assert.ErrorIs(t, err, fees.ErrCellOccupied)

	events, err := store.Load(ctx, "stu-1", "physics a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fees.EventID("p1"), events[0].ID)

	// The rolled back batch did not consume invoice numbers.
	stored, err := store.AppendBatch(ctx, []fees.FeeEvent{paymentEvent("p4", "Physics A", 2024, 3)})
	require.NoError(t, err)
	assert.Equal(t, "INV-000002", stored[0].InvoiceNo)
}

func TestStore_AppendBatch_DuplicateIDIsNotCellConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, []fees.FeeEvent{paymentEvent("p1", "Physics A", 2024, 1)})
	require.NoError(t, err)

	// Same id, different cell
	_, err = store.AppendBatch(ctx, []fees.FeeEvent{paymentEvent("p1", "Physics A", 2024, 2)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, fees.ErrCellOccupied)

	// Same invoice number, different cell
	dup := paymentEvent("p2", "Physics A", 2024, 3)
	dup.InvoiceNo = "INV-000001"
	_, err = store.AppendBatch(ctx, []fees.FeeEvent{dup})
	require.Error(t, err)
	assert.NotErrorIs(t, err, fees.ErrCellOccupied)
}

func TestStore_Update_OntoOccupiedCell(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.AppendBatch(ctx, []fees.FeeEvent{
		paymentEvent("p1", "Physics A", 2024, 1),
		paymentEvent("p2", "Physics A", 2024, 2),
	})
	require.NoError(t, err)

	moved := paymentEvent("p2", "Physics A", 2024, 1)
	err = store.Update(ctx, moved)

	assert.ErrorIs(t, err, fees.ErrCellOccupied)
}

func TestStore_CorruptTimestampsAreReported(t *testing.T) {
	// GIVEN: a file database with one event, one student and one dues run
	path := filepath.Join(t.TempDir(), "fees.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	_, err = store.AppendBatch(ctx, []fees.FeeEvent{paymentEvent("p1", "Physics A", 2024, 1)})
	require.NoError(t, err)
	require.NoError(t, store.SaveStudent(ctx, fees.Student{ID: "stu-1", Name: "Asha"}))
	require.NoError(t, store.SaveDuesRun(ctx, fees.DuesRun{ID: "run-1", RanAt: entry}))

	// WHEN: another connection writes unparseable timestamps
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	for _, stmt := range []string{
		"UPDATE fee_events SET entry_date = 'third of march'",
		"UPDATE students SET created_at = 'long ago'",
		"UPDATE dues_runs SET ran_at = 'yesterday'",
	} {
		_, err = raw.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	// THEN: reads fail instead of returning zero times
	_, err = store.Get(ctx, "p1")
	assert.ErrorContains(t, err, "invalid entry date")
	_, err = store.Load(ctx, "stu-1", "physics a")
	assert.Error(t, err)
	_, err = store.GetStudent(ctx, "stu-1")
	assert.ErrorContains(t, err, "invalid created_at")
	_, err = store.ListStudents(ctx)
	assert.Error(t, err)
	_, err = store.ListDuesRuns(ctx, 10)
	assert.ErrorContains(t, err, "invalid ran_at")
}

func TestStore_Load_ByNormalizedBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, []fees.FeeEvent{
		paymentEvent("p2", "PHYSICS A", 2024, 5),
		paymentEvent("p1", " Physics   A", 2024, 1),
		paymentEvent("m1", "Maths", 2024, 1),
	})
	require.NoError(t, err)

	events, err := store.Load(ctx, "stu-1", fees.NormalizeBatch("physics a"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Insertion order.
	assert.Equal(t, fees.EventID("p2"), events[0].ID)
	assert.Equal(t, fees.EventID("p1"), events[1].ID)

	all, err := store.LoadByStudent(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 2024*12+1, all[0].Month.Year*12+all[0].Month.Month)
	assert.Equal(t, fees.EventID("p2"), all[2].ID)
}

func TestStore_UpdateAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stored, err := store.AppendBatch(ctx, []fees.FeeEvent{paymentEvent("p1", "Physics A", 2024, 1)})
	require.NoError(t, err)

	ev := stored[0]
	ev.Amount = decimal.NewFromInt(900)
	ev.Month = fees.MonthKey{Year: 2024, Month: 4}
	ev.PaymentMode = fees.ModeOffline
	ev.PaymentReceiver = ""
	ev.Remarks = ""
	require.NoError(t, store.Update(ctx, ev))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, fees.MonthKey{Year: 2024, Month: 4}, got.Month)
	assert.Equal(t, fees.ModeOffline, got.PaymentMode)
	assert.Empty(t, got.PaymentReceiver)
	assert.Equal(t, "INV-000001", got.InvoiceNo, "invoice survives edits")

	require.NoError(t, store.Delete(ctx, "p1"))
	_, err = store.Get(ctx, "p1")
	assert.ErrorIs(t, err, fees.ErrEventNotFound)

	assert.ErrorIs(t, store.Delete(ctx, "p1"), fees.ErrEventNotFound)
	assert.ErrorIs(t, store.Update(ctx, ev), fees.ErrEventNotFound)
}

// =============================================================================
// STUDENT DIRECTORY
// =============================================================================

func TestStore_Students(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStudent(ctx, fees.Student{
		ID:   "stu-2",
		Name: "Zara",
		Memberships: []fees.Membership{
			{Batch: "Maths B"},
			{Batch: "Physics A", Disabled: true},
			{Batch: "Chemistry"},
		},
	}))
	require.NoError(t, store.SaveStudent(ctx, fees.Student{ID: "stu-1", Name: "Asha"}))

	st, err := store.GetStudent(ctx, "stu-2")
	require.NoError(t, err)
	assert.Equal(t, "Zara", st.Name)
	require.Len(t, st.Memberships, 3)
	assert.True(t, st.Memberships[1].Disabled)
	assert.False(t, st.CreatedAt.IsZero())

	batches, err := store.ActiveBatches(ctx, "stu-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"Maths B", "Chemistry"}, batches)

	batches, err = store.ActiveBatches(ctx, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, batches)

	list, err := store.ListStudents(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Asha", list[0].Name)
	assert.Len(t, list[1].Memberships, 3)

	_, err = store.GetStudent(ctx, "nobody")
	assert.ErrorIs(t, err, fees.ErrStudentNotFound)
	_, err = store.ActiveBatches(ctx, "nobody")
	assert.ErrorIs(t, err, fees.ErrStudentNotFound)
}

func TestStore_SaveStudent_ReplacesMemberships(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStudent(ctx, fees.Student{
		ID: "stu-1", Name: "Asha", Memberships: []fees.Membership{{Batch: "Physics A"}, {Batch: "Maths"}},
	}))
	first, err := store.GetStudent(ctx, "stu-1")
	require.NoError(t, err)

	require.NoError(t, store.SaveStudent(ctx, fees.Student{
		ID: "stu-1", Name: "Asha K", Memberships: []fees.Membership{{Batch: "Physics A", Disabled: true}},
	}))

	st, err := store.GetStudent(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "Asha K", st.Name)
	assert.Equal(t, first.CreatedAt, st.CreatedAt)
	assert.Equal(t, []fees.Membership{{Batch: "Physics A", Disabled: true}}, st.Memberships)
}

// =============================================================================
// DUES RUNS AND RESET
// =============================================================================

func TestStore_DuesRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, store.SaveDuesRun(ctx, fees.DuesRun{
			ID:           id,
			RanAt:        entry.Add(time.Duration(i) * time.Hour),
			Window:       fees.NewCalendarWindow(2023, 2025),
			Students:     i,
			Enrollments:  i * 2,
			PendingCells: i * 5,
		}))
	}

	runs, err := store.ListDuesRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)
	assert.Equal(t, fees.NewCalendarWindow(2023, 2025), runs[0].Window)
	assert.Equal(t, 10, runs[0].PendingCells)
	assert.Equal(t, entry.Add(2*time.Hour), runs[0].RanAt)

	all, err := store.ListDuesRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStudent(ctx, fees.Student{ID: "stu-1", Name: "Asha", Memberships: []fees.Membership{{Batch: "Physics A"}}}))
	_, err := store.AppendBatch(ctx, []fees.FeeEvent{paymentEvent("p1", "Physics A", 2024, 1)})
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx))

	list, err := store.ListStudents(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	events, err := store.LoadByStudent(ctx, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	stored, err := store.AppendBatch(ctx, []fees.FeeEvent{paymentEvent("p1", "Physics A", 2024, 1)})
	require.NoError(t, err)
	assert.Equal(t, "INV-000001", stored[0].InvoiceNo)
}

// =============================================================================
// SERVICE ON SQLITE
// =============================================================================

func TestStore_ServiceEndToEnd(t *testing.T) {
	// GIVEN: a student enrolled in Physics A, now is June 2024
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveStudent(ctx, fees.Student{ID: "stu-1", Name: "Asha", Memberships: []fees.Membership{{Batch: "Physics A"}}}))

	svc := fees.NewService(store, store, nil)
	svc.Clock = func() time.Time { return time.Date(2024, time.June, 15, 10, 0, 0, 0, time.UTC) }
	enr := fees.NewEnrollment("stu-1", "Physics A")

	// WHEN: January and February are paid together
	res, err := svc.RecordPayment(ctx, fees.PaymentInput{
		StudentID: "stu-1", Batch: "Physics A", Amount: decimal.NewFromInt(500),
		Mode: fees.ModeOffline, EntryDate: entry,
		Months: []fees.MonthKey{{Year: 2024, Month: 0}, {Year: 2024, Month: 1}},
	})
	require.NoError(t, err)

	// THEN: both months derive PAYMENT
	for _, m := range res.Months() {
		st, err := svc.CellStatus(ctx, enr, m)
		require.NoError(t, err)
		assert.Equal(t, fees.StatusPayment, st.Kind)
	}

	// WHEN: January's event moves to March
	year, idx := 2024, 2
	_, err = svc.EditEvent(ctx, res.Events[0].ID, fees.EventPatch{Year: &year, MonthIndex: &idx})
	require.NoError(t, err)

	jan, err := svc.CellStatus(ctx, enr, fees.MonthKey{Year: 2024, Month: 0})
	require.NoError(t, err)
	assert.Equal(t, fees.StatusPending, jan.Kind)
	mar, err := svc.CellStatus(ctx, enr, fees.MonthKey{Year: 2024, Month: 2})
	require.NoError(t, err)
	assert.Equal(t, fees.StatusPayment, mar.Kind)

	// WHEN: it is deleted
	_, err = svc.DeleteEvent(ctx, res.Events[0].ID)
	require.NoError(t, err)
	mar, err = svc.CellStatus(ctx, enr, fees.MonthKey{Year: 2024, Month: 2})
	require.NoError(t, err)
	assert.Equal(t, fees.StatusPending, mar.Kind)
}
