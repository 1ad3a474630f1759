/*
Package fees provides the fee-status reconciliation engine.

PURPOSE:
  A tutoring organization tracks monthly fees per student and per batch
  (course section). What gets stored is a sparse set of fee events: a
  payment for March, an admission marker for January, an exemption for
  August. What gets displayed is a dense grid: every month of every
  enrollment carries exactly one status. This package derives the grid
  from the events.

KEY CONCEPTS IN THIS FILE (types.go):
  - FeeEvent: one financial or status fact for a student, batch and fees month
  - Kind: PAYMENT, NEW_ADMISSION or EXEMPTED
  - PaymentMode: Online (receiver required) or Offline (no receiver)
  - Student / Membership: profile data the enrollment source reads

DESIGN PRINCIPLES:
  1. Derived, never stored: cell statuses are recomputed from events on every read
  2. Precision: amounts use decimal.Decimal
  3. Injected time: the engine never reads the system clock
  4. Tolerant reads: malformed event sets still render; anomalies are logged

USAGE:
  ledger := fees.NewEnrollmentLedger(enrollment, events, logger)
  status := ledger.Status(fees.MonthKey{Year: 2025, Month: 2}, now)

SEE ALSO:
  - month.go: MonthKey (fees month) arithmetic
  - status.go: Status derivation engine
  - intake.go: Payment intake
  - service.go: Store-backed orchestration
*/
package fees

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type EventID string

// =============================================================================
// EVENT KIND
// =============================================================================

type Kind string

const (
	KindPayment      Kind = "PAYMENT"
	KindNewAdmission Kind = "NEW_ADMISSION"
	KindExempted     Kind = "EXEMPTED"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPayment, KindNewAdmission, KindExempted:
		return true
	}
	return false
}

// ParseKind accepts the canonical spelling in any case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown fee event kind %q", s)
	}
	return k, nil
}

// =============================================================================
// PAYMENT MODE
// =============================================================================

type PaymentMode string

const (
	ModeOnline  PaymentMode = "Online"
	ModeOffline PaymentMode = "Offline"
)

func (m PaymentMode) Valid() bool { return m == ModeOnline || m == ModeOffline }

func ParsePaymentMode(s string) (PaymentMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return ModeOnline, nil
	case "offline":
		return ModeOffline, nil
	}
	return "", fmt.Errorf("unknown payment mode %q", s)
}

// =============================================================================
// FEE EVENT
// =============================================================================

// FeeEvent records one fact about one fees month. Month is the month the
// event is FOR; EntryDate is when it was recorded.
type FeeEvent struct {
	ID              EventID
	StudentID       StudentID
	Batch           string // as entered; compare with BatchKey()
	Month           MonthKey
	Kind            Kind
	Amount          decimal.Decimal
	EntryDate       time.Time
	PaymentMode     PaymentMode // PAYMENT only
	PaymentReceiver string      // PAYMENT + Online only
	Remarks         string
	InvoiceNo       string // allocated by the store for PAYMENT events
	CreatedAt       time.Time
}

func (e FeeEvent) BatchKey() BatchKey { return NormalizeBatch(e.Batch) }
func (e FeeEvent) HasRemarks() bool  { return strings.TrimSpace(e.Remarks) != "" }
func (e FeeEvent) IsPayment() bool   { return e.Kind == KindPayment }

// =============================================================================
// STUDENT PROFILE
// =============================================================================

type Student struct {
	ID          StudentID
	Name        string
	Memberships []Membership
	CreatedAt   time.Time
}

// Membership links a student to a batch. Disabled memberships are kept for
// history but never produce an enrollment.
type Membership struct {
	Batch    string
	Disabled bool
}

// ActiveBatches returns the batches of non-disabled memberships in order.
func (s Student) ActiveBatches() []string {
	var out []string
	for _, m := range s.Memberships {
		if !m.Disabled {
			out = append(out, m.Batch)
		}
	}
	return out
}
