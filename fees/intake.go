/*
intake.go - Payment intake

PURPOSE:
  Turns one user action into fee events. "Pay 500 for January, February
  and March" becomes three PAYMENT events that share amount, mode,
  receiver, entry date and remarks.

VALIDATION (before any write):
  - amount > 0
  - at least one month, no month twice, month index 0..11
  - Online requires a receiver, Offline forbids one
  - student and batch not blank, entry date set

GUARD:
  The builders here do not look at existing events. The occupied-cell
  guard lives in Service, which checks every target month against the
  enrollment ledger under the enrollment lock before writing.

SEE ALSO:
  - validate.go: validator wiring and messages
  - service.go: RecordPayment, MarkStatus, EditEvent, DeleteEvent
*/
package fees

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS
// =============================================================================

type PaymentInput struct {
	StudentID StudentID       `json:"student_id" validate:"notblank"`
	Batch     string          `json:"batch" validate:"notblank"`
	Amount    decimal.Decimal `json:"amount"`
	Mode      PaymentMode     `json:"payment_mode" validate:"oneof=Online Offline"`
	Receiver  string          `json:"payment_receiver" validate:"max=120"`
	EntryDate time.Time       `json:"entry_date"`
	Months    []MonthKey      `json:"months" validate:"min=1,dive"`
	Remarks   string          `json:"remarks" validate:"max=500"`
}

func (in PaymentInput) Enrollment() Enrollment { return NewEnrollment(in.StudentID, in.Batch) }

// StatusInput marks exactly one month as NEW_ADMISSION or EXEMPTED.
type StatusInput struct {
	StudentID StudentID `json:"student_id" validate:"notblank"`
	Batch     string    `json:"batch" validate:"notblank"`
	Kind      Kind      `json:"kind"`
	Month     MonthKey  `json:"month"`
	EntryDate time.Time `json:"entry_date"`
	Remarks   string    `json:"remarks" validate:"max=500"`
}

func (in StatusInput) Enrollment() Enrollment { return NewEnrollment(in.StudentID, in.Batch) }

// =============================================================================
// FAN-OUT
// =============================================================================

// IDFunc allocates event IDs.
type IDFunc func() EventID

// BuildPaymentEvents creates one PAYMENT event per month, in input order.
// The input is expected to be validated.
func BuildPaymentEvents(in PaymentInput, newID IDFunc, createdAt time.Time) []FeeEvent {
	receiver := strings.TrimSpace(in.Receiver)
	if in.Mode == ModeOffline {
		receiver = ""
	}
	events := make([]FeeEvent, 0, len(in.Months))
	for _, m := range in.Months {
		events = append(events, FeeEvent{
			ID:              newID(),
			StudentID:       in.StudentID,
			Batch:           strings.TrimSpace(in.Batch),
			Month:           m,
			Kind:            KindPayment,
			Amount:          in.Amount,
			EntryDate:       in.EntryDate,
			PaymentMode:     in.Mode,
			PaymentReceiver: receiver,
			Remarks:         strings.TrimSpace(in.Remarks),
			CreatedAt:       createdAt,
		})
	}
	return events
}

// BuildStatusEvent creates the single zero-amount status event of in.
func BuildStatusEvent(in StatusInput, newID IDFunc, createdAt time.Time) FeeEvent {
	return FeeEvent{
		ID:        newID(),
		StudentID: in.StudentID,
		Batch:     strings.TrimSpace(in.Batch),
		Month:     in.Month,
		Kind:      in.Kind,
		Amount:    decimal.Zero,
		EntryDate: in.EntryDate,
		Remarks:   strings.TrimSpace(in.Remarks),
		CreatedAt: createdAt,
	}
}

// IntakeResult holds the events persisted by one intake action.
type IntakeResult struct {
	Events []FeeEvent
}

func (r IntakeResult) Months() []MonthKey {
	out := make([]MonthKey, len(r.Events))
	for i, ev := range r.Events {
		out[i] = ev.Month
	}
	return out
}

// =============================================================================
// EDIT
// =============================================================================

// EventPatch lists the mutable fields of an event; nil means unchanged.
// ID, Kind, StudentID, Batch, EntryDate and InvoiceNo never change.
type EventPatch struct {
	Amount     *decimal.Decimal
	Year       *int
	MonthIndex *int
	Mode       *PaymentMode
	Receiver   *string
	Remarks    *string
}

func (p EventPatch) Empty() bool {
	return p.Amount == nil && p.Year == nil && p.MonthIndex == nil &&
		p.Mode == nil && p.Receiver == nil && p.Remarks == nil
}

// Apply returns ev with the patch applied. Switching a payment to Offline
// without naming a receiver clears the old receiver.
func (p EventPatch) Apply(ev FeeEvent) FeeEvent {
	if p.Amount != nil {
		ev.Amount = *p.Amount
	}
	if p.Year != nil {
		ev.Month.Year = *p.Year
	}
	if p.MonthIndex != nil {
		ev.Month.Month = *p.MonthIndex
	}
	if p.Mode != nil {
		ev.PaymentMode = *p.Mode
		if *p.Mode == ModeOffline && p.Receiver == nil {
			ev.PaymentReceiver = ""
		}
	}
	if p.Receiver != nil {
		ev.PaymentReceiver = strings.TrimSpace(*p.Receiver)
	}
	if p.Remarks != nil {
		ev.Remarks = strings.TrimSpace(*p.Remarks)
	}
	return ev
}

// eventForm is the validation view of a stored event after an edit.
type eventForm struct {
	Kind     Kind            `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`
	Month    MonthKey        `json:"month"`
	Mode     PaymentMode     `json:"payment_mode"`
	Receiver string          `json:"payment_receiver" validate:"max=120"`
	Remarks  string          `json:"remarks" validate:"max=500"`
}

func formOf(ev FeeEvent) eventForm {
	return eventForm{
		Kind:     ev.Kind,
		Amount:   ev.Amount,
		Month:    ev.Month,
		Mode:     ev.PaymentMode,
		Receiver: ev.PaymentReceiver,
		Remarks:  ev.Remarks,
	}
}
