/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the fee engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONTHS:
  A fees month is always {"year": 2025, "month_index": 2} on the wire,
  month_index running 0..11. Responses add a display label ("Mar 2025").

AMOUNTS:
  decimal.Decimal marshals as a JSON string ("500.00" style) and accepts
  either a string or a number on input.

VALIDATION:
  Request shapes are checked with the fees validator in handlers. Domain
  rules (receiver vs mode, occupied cells) are checked by fees.Service.

SEE ALSO:
  - handlers.go: Uses these types
  - fees/intake.go: PaymentInput, StatusInput, EventPatch
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fee-engine/fees"
)

// =============================================================================
// STUDENTS
// =============================================================================

type StudentDTO struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Batches   []MembershipDTO `json:"batches"`
	CreatedAt string          `json:"created_at,omitempty"`
}

type MembershipDTO struct {
	Batch    string `json:"batch" validate:"notblank,max=120"`
	Disabled bool   `json:"disabled"`
}

// CreateStudentRequest creates or replaces a student. ID is generated when empty.
type CreateStudentRequest struct {
	ID      string          `json:"id" validate:"max=64"`
	Name    string          `json:"name" validate:"notblank,max=120"`
	Batches []MembershipDTO `json:"batches" validate:"dive"`
}

// =============================================================================
// FEE EVENTS
// =============================================================================

type EventDTO struct {
	ID              string          `json:"id"`
	StudentID       string          `json:"student_id"`
	Batch           string          `json:"batch"`
	Year            int             `json:"year"`
	MonthIndex      int             `json:"month_index"`
	MonthLabel      string          `json:"month_label"`
	Kind            string          `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	EntryDate       string          `json:"entry_date"`
	PaymentMode     string          `json:"payment_mode,omitempty"`
	PaymentReceiver string          `json:"payment_receiver,omitempty"`
	Remarks         string          `json:"remarks,omitempty"`
	InvoiceNo       string          `json:"invoice_no,omitempty"`
	CreatedAt       string          `json:"created_at,omitempty"`
}

// PaymentRequest pays one amount for each listed month.
// POST /api/students/{id}/payments
type PaymentRequest struct {
	Batch           string          `json:"batch"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentMode     string          `json:"payment_mode"`
	PaymentReceiver string          `json:"payment_receiver"`
	EntryDate       string          `json:"entry_date"` // YYYY-MM-DD or RFC3339; defaults to today
	Months          []fees.MonthKey `json:"months"`
	Remarks         string          `json:"remarks"`
}

// StatusRequest marks one month as NEW_ADMISSION or EXEMPTED.
// POST /api/students/{id}/statuses
type StatusRequest struct {
	Batch     string        `json:"batch"`
	Kind      string        `json:"kind"`
	Month     fees.MonthKey `json:"month"`
	EntryDate string        `json:"entry_date"`
	Remarks   string        `json:"remarks"`
}

// UpdateEventRequest lists the fields to change; absent fields are kept.
// PUT /api/events/{id}
type UpdateEventRequest struct {
	Amount          *decimal.Decimal `json:"amount"`
	Year            *int             `json:"year"`
	MonthIndex      *int             `json:"month_index"`
	PaymentMode     *string          `json:"payment_mode"`
	PaymentReceiver *string          `json:"payment_receiver"`
	Remarks         *string          `json:"remarks"`
}

type IntakeResponse struct {
	Events []EventDTO `json:"events"`
}

// =============================================================================
// GRID
// =============================================================================

type WindowDTO struct {
	StartYear int `json:"start_year"`
	EndYear   int `json:"end_year"`
}

type MonthSlotDTO struct {
	Year       int    `json:"year"`
	MonthIndex int    `json:"month_index"`
	Label      string `json:"label"`
}

type CalendarDTO struct {
	Window WindowDTO      `json:"window"`
	Months []MonthSlotDTO `json:"months"`
}

type CellDTO struct {
	Year       int              `json:"year"`
	MonthIndex int              `json:"month_index"`
	Label      string           `json:"label"`
	Status     string           `json:"status"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	EntryDate  string           `json:"entry_date,omitempty"`
	HasRemarks bool             `json:"has_remarks"`
	EventID    string           `json:"event_id,omitempty"`
}

type RowSummaryDTO struct {
	Paid      decimal.Decimal `json:"paid"`
	Payments  int             `json:"payments"`
	Pending   int             `json:"pending"`
	Exempted  int             `json:"exempted"`
	Open      int             `json:"open"`
	Admission *MonthSlotDTO   `json:"admission,omitempty"`
}

type RowDTO struct {
	Batch      string        `json:"batch"`
	Label      string        `json:"label"`
	Unassigned bool          `json:"unassigned"`
	Cells      []CellDTO     `json:"cells"`
	Summary    RowSummaryDTO `json:"summary"`
}

// FeeGridDTO is the response of GET /api/students/{id}/fees.
type FeeGridDTO struct {
	Student StudentDTO `json:"student"`
	Window  WindowDTO  `json:"window"`
	Rows    []RowDTO   `json:"rows"`
}

// =============================================================================
// DUES
// =============================================================================

type DueDTO struct {
	StudentID   string         `json:"student_id"`
	StudentName string         `json:"student_name"`
	Batch       string         `json:"batch"`
	Label       string         `json:"label"`
	Months      []MonthSlotDTO `json:"months"`
}

type DuesResponse struct {
	Window       WindowDTO `json:"window"`
	Dues         []DueDTO  `json:"dues"`
	PendingCells int       `json:"pending_cells"`
}

type DuesRunDTO struct {
	ID           string    `json:"id"`
	RanAt        string    `json:"ran_at"`
	Window       WindowDTO `json:"window"`
	Students     int       `json:"students"`
	Enrollments  int       `json:"enrollments"`
	PendingCells int       `json:"pending_cells"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// ConflictDTO describes the event that blocks a write.
type ConflictDTO struct {
	Year       int    `json:"year"`
	MonthIndex int    `json:"month_index"`
	Label      string `json:"label"`
	Status     string `json:"status"`
	EventID    string `json:"event_id"`
}

// =============================================================================
// CONVERSION
// =============================================================================

const dateLayout = "2006-01-02"

func toStudentDTO(s fees.Student) StudentDTO {
	dto := StudentDTO{ID: string(s.ID), Name: s.Name, Batches: make([]MembershipDTO, len(s.Memberships))}
	for i, m := range s.Memberships {
		dto.Batches[i] = MembershipDTO{Batch: m.Batch, Disabled: m.Disabled}
	}
	if !s.CreatedAt.IsZero() {
		dto.CreatedAt = s.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toEventDTO(ev fees.FeeEvent) EventDTO {
	dto := EventDTO{
		ID:              string(ev.ID),
		StudentID:       string(ev.StudentID),
		Batch:           ev.Batch,
		Year:            ev.Month.Year,
		MonthIndex:      ev.Month.Month,
		MonthLabel:      ev.Month.Label(),
		Kind:            string(ev.Kind),
		Amount:          ev.Amount,
		EntryDate:       ev.EntryDate.Format(dateLayout),
		PaymentMode:     string(ev.PaymentMode),
		PaymentReceiver: ev.PaymentReceiver,
		Remarks:         ev.Remarks,
		InvoiceNo:       ev.InvoiceNo,
	}
	if !ev.CreatedAt.IsZero() {
		dto.CreatedAt = ev.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toEventDTOs(events []fees.FeeEvent) []EventDTO {
	out := make([]EventDTO, len(events))
	for i, ev := range events {
		out[i] = toEventDTO(ev)
	}
	return out
}

func toWindowDTO(w fees.CalendarWindow) WindowDTO {
	return WindowDTO{StartYear: w.StartYear, EndYear: w.EndYear}
}

func toMonthSlotDTO(m fees.MonthKey) MonthSlotDTO {
	return MonthSlotDTO{Year: m.Year, MonthIndex: m.Month, Label: m.Label()}
}

func toMonthSlotDTOs(months []fees.MonthKey) []MonthSlotDTO {
	out := make([]MonthSlotDTO, len(months))
	for i, m := range months {
		out[i] = toMonthSlotDTO(m)
	}
	return out
}

func toCellDTO(c fees.MonthCell) CellDTO {
	dto := CellDTO{
		Year:       c.Month.Year,
		MonthIndex: c.Month.Month,
		Label:      c.Label,
		Status:     string(c.Status.Kind),
		HasRemarks: c.Status.HasRemarks,
		EventID:    string(c.Status.EventID),
	}
	if c.Status.IsExplicit() {
		amount := c.Status.Amount
		dto.Amount = &amount
		dto.EntryDate = c.Status.EntryDate.Format(dateLayout)
	}
	return dto
}

func toFeeGridDTO(g *fees.StudentGrid) FeeGridDTO {
	dto := FeeGridDTO{
		Student: toStudentDTO(g.Student),
		Window:  toWindowDTO(g.Window),
		Rows:    make([]RowDTO, len(g.Rows)),
	}
	for i, row := range g.Rows {
		r := RowDTO{
			Batch:      string(row.Enrollment.Batch),
			Label:      row.Enrollment.Label,
			Unassigned: row.Enrollment.IsUnassigned(),
			Cells:      make([]CellDTO, len(row.Cells)),
			Summary: RowSummaryDTO{
				Paid:     row.Summary.Paid,
				Payments: row.Summary.Payments,
				Pending:  row.Summary.Pending,
				Exempted: row.Summary.Exempted,
				Open:     row.Summary.Open,
			},
		}
		if row.Summary.Admission != nil {
			adm := toMonthSlotDTO(*row.Summary.Admission)
			r.Summary.Admission = &adm
		}
		for j, c := range row.Cells {
			r.Cells[j] = toCellDTO(c)
		}
		dto.Rows[i] = r
	}
	return dto
}

func toDuesRunDTO(run fees.DuesRun) DuesRunDTO {
	return DuesRunDTO{
		ID:           run.ID,
		RanAt:        run.RanAt.Format(time.RFC3339),
		Window:       toWindowDTO(run.Window),
		Students:     run.Students,
		Enrollments:  run.Enrollments,
		PendingCells: run.PendingCells,
	}
}
