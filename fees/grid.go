package fees

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GRID - Window x enrollments, one status per cell
// =============================================================================

type MonthCell struct {
	Month  MonthKey
	Label  string
	Status CellStatus
}

type RowSummary struct {
	Paid      decimal.Decimal
	Payments  int
	Pending   int
	Exempted  int
	Open      int
	Admission *MonthKey
}

type EnrollmentRow struct {
	Enrollment Enrollment
	Cells      []MonthCell
	Summary    RowSummary
}

// PendingMonths lists the months of the row with a collection obligation.
func (r EnrollmentRow) PendingMonths() []MonthKey {
	var out []MonthKey
	for _, c := range r.Cells {
		if c.Status.IsDue() {
			out = append(out, c.Month)
		}
	}
	return out
}

type StudentGrid struct {
	Student Student
	Window  CalendarWindow
	Rows    []EnrollmentRow
}

// BuildRow classifies every month of window for one ledger.
func BuildRow(ledger *EnrollmentLedger, window CalendarWindow, now time.Time) EnrollmentRow {
	row := EnrollmentRow{
		Enrollment: ledger.Enrollment(),
		Cells:      make([]MonthCell, 0, window.Len()),
		Summary:    RowSummary{Paid: decimal.Zero},
	}
	if adm, ok := ledger.Admission(); ok {
		row.Summary.Admission = &adm
	}
	for slot := range window.Months() {
		st := ledger.Status(slot.MonthKey, now)
		row.Cells = append(row.Cells, MonthCell{Month: slot.MonthKey, Label: slot.Label, Status: st})
		switch st.Kind {
		case StatusPayment:
			row.Summary.Payments++
			row.Summary.Paid = row.Summary.Paid.Add(st.Amount)
		case StatusPending:
			row.Summary.Pending++
		case StatusExempted:
			row.Summary.Exempted++
		case StatusOpen:
			row.Summary.Open++
		}
	}
	return row
}

// BuildGrid builds one row per enrollment from all of a student's events.
// Events for batches the student is no longer enrolled in are logged and
// left out of the grid.
func BuildGrid(student Student, enrollments []Enrollment, window CalendarWindow, events []FeeEvent, now time.Time, logger *slog.Logger) StudentGrid {
	byBatch, stray := PartitionEvents(enrollments, events)
	if logger != nil && len(stray) > 0 {
		logger.Debug("events outside active enrollments",
			slog.String("student_id", string(student.ID)),
			slog.Int("count", len(stray)),
		)
	}

	grid := StudentGrid{Student: student, Window: window, Rows: make([]EnrollmentRow, 0, len(enrollments))}
	for _, enr := range enrollments {
		ledger := NewEnrollmentLedger(enr, byBatch[enr.Batch], logger)
		grid.Rows = append(grid.Rows, BuildRow(ledger, window, now))
	}
	return grid
}

// =============================================================================
// DUES
// =============================================================================

// Due lists the pending months of one enrollment.
type Due struct {
	StudentID   StudentID
	StudentName string
	Batch       BatchKey
	BatchLabel  string
	Months      []MonthKey
}

// Dues extracts the enrollments of grid that have pending months.
func (g StudentGrid) Dues() []Due {
	var out []Due
	for _, row := range g.Rows {
		months := row.PendingMonths()
		if len(months) == 0 {
			continue
		}
		out = append(out, Due{
			StudentID:   g.Student.ID,
			StudentName: g.Student.Name,
			Batch:       row.Enrollment.Batch,
			BatchLabel:  row.Enrollment.Label,
			Months:      months,
		})
	}
	return out
}
