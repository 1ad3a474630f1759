/*
status.go - Status derivation engine

PURPOSE:
  Classifies one (enrollment, fees month) cell into exactly one status,
  given that enrollment's fee events and an explicit "now".

STATUSES:
  PAYMENT        a PAYMENT event exists for the cell
  NEW_ADMISSION  a NEW_ADMISSION event exists for the cell
  EXEMPTED       an EXEMPTED event exists for the cell
  PENDING        no event, month <= current month, student enrolled by then
  OPEN           no event, and either a future month or before admission

RULES (first match wins):
  1. Exact cell: the first event whose Month equals the cell.
  2. Admission: the earliest NEW_ADMISSION month of the enrollment.
  3. Cell after current month            -> OPEN
  4. Admission known, cell >= admission  -> PENDING
     Admission known, cell <  admission  -> OPEN
     No admission at all                 -> PENDING

TOLERANCE:
  The engine never fails. Events of another student or batch are dropped,
  a second event for an occupied cell is ignored, and each case is recorded
  as an Anomaly and logged at WARN.

CACHING:
  EnrollmentLedger indexes the events once; Status is then O(1) and pure,
  so one ledger can serve a whole grid and be reused until the event set
  changes.
*/
package fees

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CELL STATUS
// =============================================================================

type StatusKind string

const (
	StatusPayment      StatusKind = "PAYMENT"
	StatusNewAdmission StatusKind = "NEW_ADMISSION"
	StatusExempted     StatusKind = "EXEMPTED"
	StatusPending      StatusKind = "PENDING"
	StatusOpen         StatusKind = "OPEN"
)

// CellStatus is the derived status of one cell. Amount, EntryDate and
// HasRemarks are only set for PAYMENT; EventID is set for every explicit status.
type CellStatus struct {
	Kind       StatusKind
	Amount     decimal.Decimal
	EntryDate  time.Time
	HasRemarks bool
	EventID    EventID
}

// IsExplicit reports a status backed by a stored event.
func (s CellStatus) IsExplicit() bool {
	return s.Kind == StatusPayment || s.Kind == StatusNewAdmission || s.Kind == StatusExempted
}

// IsDue reports a cell with a collection obligation.
func (s CellStatus) IsDue() bool { return s.Kind == StatusPending }

func statusFromEvent(ev FeeEvent) CellStatus {
	switch ev.Kind {
	case KindPayment:
		return CellStatus{
			Kind:       StatusPayment,
			Amount:     ev.Amount,
			EntryDate:  ev.EntryDate,
			HasRemarks: ev.HasRemarks(),
			EventID:    ev.ID,
		}
	case KindNewAdmission:
		return CellStatus{Kind: StatusNewAdmission, EventID: ev.ID}
	default:
		return CellStatus{Kind: StatusExempted, EventID: ev.ID}
	}
}

// =============================================================================
// ANOMALIES - Data-integrity findings, reported but never fatal
// =============================================================================

type AnomalyKind string

const (
	AnomalyForeignEvent       AnomalyKind = "foreign_event"       // event of another student/batch
	AnomalyDuplicateCell      AnomalyKind = "duplicate_cell"      // second event for one cell
	AnomalyMultipleAdmissions AnomalyKind = "multiple_admissions" // more than one NEW_ADMISSION
	AnomalyUnknownKind        AnomalyKind = "unknown_kind"        // event kind not recognised
)

type Anomaly struct {
	Kind    AnomalyKind
	EventID EventID
	Month   MonthKey
	Kept    EventID // the event that won, when applicable
}

// =============================================================================
// ENROLLMENT LEDGER - Indexed snapshot of one enrollment's events
// =============================================================================

type EnrollmentLedger struct {
	enrollment Enrollment
	cells      map[MonthKey]FeeEvent
	admission  *MonthKey
	events     int
	anomalies  []Anomaly
}

// NewEnrollmentLedger indexes events for enrollment. events may be in any
// order; when two events claim one cell the earlier one in the slice wins.
// logger may be nil.
func NewEnrollmentLedger(enrollment Enrollment, events []FeeEvent, logger *slog.Logger) *EnrollmentLedger {
	l := &EnrollmentLedger{
		enrollment: enrollment,
		cells:      make(map[MonthKey]FeeEvent, len(events)),
	}

	var admissionID EventID
	for _, ev := range events {
		if !enrollment.Matches(ev) {
			l.anomalies = append(l.anomalies, Anomaly{Kind: AnomalyForeignEvent, EventID: ev.ID, Month: ev.Month})
			continue
		}
		if !ev.Kind.Valid() {
			l.anomalies = append(l.anomalies, Anomaly{Kind: AnomalyUnknownKind, EventID: ev.ID, Month: ev.Month})
			continue
		}
		l.events++

		if kept, ok := l.cells[ev.Month]; ok {
			l.anomalies = append(l.anomalies, Anomaly{Kind: AnomalyDuplicateCell, EventID: ev.ID, Month: ev.Month, Kept: kept.ID})
		} else {
			l.cells[ev.Month] = ev
		}

		if ev.Kind != KindNewAdmission {
			continue
		}
		if l.admission == nil {
			m := ev.Month
			l.admission = &m
			admissionID = ev.ID
			continue
		}
		// Earliest month wins; ties keep the first seen.
		winner := admissionID
		if ev.Month.Before(*l.admission) {
			m := ev.Month
			l.admission = &m
			admissionID = ev.ID
			winner = ev.ID
		}
		l.anomalies = append(l.anomalies, Anomaly{Kind: AnomalyMultipleAdmissions, EventID: ev.ID, Month: ev.Month, Kept: winner})
	}

	if logger != nil {
		for _, a := range l.anomalies {
			logger.LogAttrs(context.Background(), slog.LevelWarn, "fee ledger anomaly",
				slog.String("anomaly", string(a.Kind)),
				slog.String("enrollment", enrollment.String()),
				slog.String("event_id", string(a.EventID)),
				slog.String("month", a.Month.String()),
				slog.String("kept", string(a.Kept)),
			)
		}
	}
	return l
}

func (l *EnrollmentLedger) Enrollment() Enrollment { return l.enrollment }

// Len returns the number of events accepted into the ledger.
func (l *EnrollmentLedger) Len() int { return l.events }

func (l *EnrollmentLedger) Anomalies() []Anomaly { return l.anomalies }

// Event returns the event occupying month, if any.
func (l *EnrollmentLedger) Event(month MonthKey) (FeeEvent, bool) {
	ev, ok := l.cells[month]
	return ev, ok
}

// Admission returns the admission month, if the enrollment has one.
func (l *EnrollmentLedger) Admission() (MonthKey, bool) {
	if l.admission == nil {
		return MonthKey{}, false
	}
	return *l.admission, true
}

// Status derives the status of month as seen at now. Only now's year and
// month are used, in now's own location.
func (l *EnrollmentLedger) Status(month MonthKey, now time.Time) CellStatus {
	if ev, ok := l.cells[month]; ok {
		return statusFromEvent(ev)
	}

	if month.After(MonthOf(now)) {
		return CellStatus{Kind: StatusOpen}
	}
	if l.admission != nil && month.Before(*l.admission) {
		return CellStatus{Kind: StatusOpen}
	}
	return CellStatus{Kind: StatusPending}
}

// DeriveStatus is the one-shot form of NewEnrollmentLedger(...).Status(...).
// Build a ledger instead when classifying more than one cell.
func DeriveStatus(enrollment Enrollment, month MonthKey, events []FeeEvent, now time.Time) CellStatus {
	return NewEnrollmentLedger(enrollment, events, nil).Status(month, now)
}
