package fees

import (
	"iter"
	"math"
	"time"
)

// =============================================================================
// CALENDAR WINDOW - Display bounds for the fee grid
// =============================================================================

// CalendarWindow spans whole years, StartYear through EndYear inclusive.
// It only bounds how many cells are rendered; it carries no business rule.
type CalendarWindow struct {
	StartYear int
	EndYear   int
}

// MonthSlot is one month of a window with its display label.
type MonthSlot struct {
	MonthKey
	Label string
}

func NewCalendarWindow(startYear, endYear int) CalendarWindow {
	return CalendarWindow{StartYear: startYear, EndYear: endYear}
}

// DefaultWindow spans yearsBefore years before now's year through
// yearsAfter years after it.
func DefaultWindow(now time.Time, yearsBefore, yearsAfter int) CalendarWindow {
	y := now.Year()
	return CalendarWindow{StartYear: y - yearsBefore, EndYear: y + yearsAfter}
}

// Empty reports a window with StartYear > EndYear. Such a window yields no months.
func (w CalendarWindow) Empty() bool { return w.StartYear > w.EndYear }

// Len is the number of months in the window, capped at math.MaxInt.
func (w CalendarWindow) Len() int {
	years := w.years()
	if years > math.MaxInt/12 {
		return math.MaxInt
	}
	return int(years) * 12
}

// years counts whole years without overflowing on extreme bounds.
func (w CalendarWindow) years() uint64 {
	if w.Empty() {
		return 0
	}
	d := uint64(w.EndYear) - uint64(w.StartYear)
	if d == math.MaxUint64 {
		return d
	}
	return d + 1
}

func (w CalendarWindow) First() MonthKey { return MonthKey{Year: w.StartYear, Month: 0} }
func (w CalendarWindow) Last() MonthKey  { return MonthKey{Year: w.EndYear, Month: 11} }

func (w CalendarWindow) Contains(m MonthKey) bool {
	return !w.Empty() && m.Valid() && m.Year >= w.StartYear && m.Year <= w.EndYear
}

// Months yields every month of the window in calendar order. The sequence
// is lazy and can be ranged over any number of times. It counts years
// rather than comparing against EndYear, so it always terminates.
func (w CalendarWindow) Months() iter.Seq[MonthSlot] {
	return func(yield func(MonthSlot) bool) {
		y := w.StartYear
		for n := w.years(); n > 0; n, y = n-1, y+1 {
			for m := 0; m < 12; m++ {
				k := MonthKey{Year: y, Month: m}
				if !yield(MonthSlot{MonthKey: k, Label: k.Label()}) {
					return
				}
			}
		}
	}
}
