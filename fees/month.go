package fees

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH KEY - Calendar month granularity
// =============================================================================

// Supported fees years. The validate tag on MonthKey.Year repeats them.
const (
	MinYear = 1900
	MaxYear = 9999
)

// MonthKey identifies a fees month. Month is zero-based (0 = January).
// All comparisons happen on (Year, Month) only; days and clock time never
// take part, so a timezone offset cannot move an event into a neighbour month.
type MonthKey struct {
	Year  int `json:"year" validate:"gte=1900,lte=9999"`
	Month int `json:"month_index" validate:"gte=0,lte=11"`
}

func NewMonthKey(year, monthIndex int) (MonthKey, error) {
	m := MonthKey{Year: year, Month: monthIndex}
	if !m.Valid() {
		return MonthKey{}, fmt.Errorf("invalid fees month %d/%d", year, monthIndex)
	}
	return m, nil
}

// MonthOf returns the fees month containing t, in t's own location.
func MonthOf(t time.Time) MonthKey {
	return MonthKey{Year: t.Year(), Month: int(t.Month()) - 1}
}

func (m MonthKey) Valid() bool { return m.Month >= 0 && m.Month <= 11 }

func (m MonthKey) ordinal() int { return m.Year*12 + m.Month }

func fromOrdinal(n int) MonthKey {
	y := n / 12
	if n%12 < 0 {
		y--
	}
	return MonthKey{Year: y, Month: n - y*12}
}

// Comparison
func (m MonthKey) Before(o MonthKey) bool { return m.ordinal() < o.ordinal() }
func (m MonthKey) After(o MonthKey) bool  { return m.ordinal() > o.ordinal() }
func (m MonthKey) Equal(o MonthKey) bool  { return m.ordinal() == o.ordinal() }

// Compare returns -1, 0 or +1.
func (m MonthKey) Compare(o MonthKey) int {
	switch a, b := m.ordinal(), o.ordinal(); {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Arithmetic
func (m MonthKey) AddMonths(n int) MonthKey { return fromOrdinal(m.ordinal() + n) }
func (m MonthKey) Next() MonthKey           { return m.AddMonths(1) }

// MonthsUntil returns the number of months from m to o (negative if o is earlier).
func (m MonthKey) MonthsUntil(o MonthKey) int { return o.ordinal() - m.ordinal() }

// Date returns the first day of the month at noon in loc (UTC when nil).
// Noon keeps the date stable when the value is serialized and read back in
// another offset.
func (m MonthKey) Date(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(m.Year, time.Month(m.Month+1), 1, 12, 0, 0, 0, loc)
}

// Label is the display form, e.g. "Mar 2025".
func (m MonthKey) Label() string {
	return fmt.Sprintf("%s %d", time.Month(m.Month+1).String()[:3], m.Year)
}

// String is the sortable form, e.g. "2025-03".
func (m MonthKey) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month+1)
}

// ParseMonthKey parses the String form ("2025-03").
func ParseMonthKey(s string) (MonthKey, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return MonthKey{}, fmt.Errorf("invalid fees month %q (use YYYY-MM): %w", s, err)
	}
	return MonthOf(t), nil
}
