package fees

import "strings"

// =============================================================================
// BATCH KEY - Canonical batch identity
// =============================================================================

// BatchKey is the canonical form of a batch name: trimmed, inner whitespace
// collapsed to single spaces, lower-cased. Raw batch strings are normalized
// once at the edge and only BatchKey values are compared afterwards.
type BatchKey string

// Unassigned marks the placeholder enrollment of a student with no active
// batch. NormalizeBatch never produces it for a real batch name.
const Unassigned BatchKey = ""

const unassignedLabel = "Unassigned"

func NormalizeBatch(raw string) BatchKey {
	return BatchKey(strings.ToLower(strings.Join(strings.Fields(raw), " ")))
}

// =============================================================================
// ENROLLMENT - A (student, batch) pair tracked independently
// =============================================================================

type Enrollment struct {
	StudentID StudentID
	Batch     BatchKey
	Label     string // display spelling, first seen
}

func NewEnrollment(studentID StudentID, batch string) Enrollment {
	return Enrollment{
		StudentID: studentID,
		Batch:     NormalizeBatch(batch),
		Label:     strings.Join(strings.Fields(batch), " "),
	}
}

func (e Enrollment) IsUnassigned() bool { return e.Batch == Unassigned }

// Matches reports whether ev belongs to this enrollment.
func (e Enrollment) Matches(ev FeeEvent) bool {
	return ev.StudentID == e.StudentID && ev.BatchKey() == e.Batch
}

func (e Enrollment) String() string {
	if e.IsUnassigned() {
		return string(e.StudentID) + "/" + unassignedLabel
	}
	return string(e.StudentID) + "/" + string(e.Batch)
}

// ResolveEnrollments turns a student's active batch names into enrollments.
// Blank names are dropped and names that normalize to the same key collapse
// into one enrollment, keeping the first spelling as label. Input order is
// preserved.
//
// A student with no usable batch gets a single Unassigned enrollment so the
// student still shows up in aggregate views.
func ResolveEnrollments(studentID StudentID, batches []string) []Enrollment {
	seen := make(map[BatchKey]bool, len(batches))
	var out []Enrollment
	for _, b := range batches {
		enr := NewEnrollment(studentID, b)
		if enr.Batch == Unassigned || seen[enr.Batch] {
			continue
		}
		seen[enr.Batch] = true
		out = append(out, enr)
	}
	if len(out) == 0 {
		out = append(out, Enrollment{StudentID: studentID, Batch: Unassigned, Label: unassignedLabel})
	}
	return out
}

// PartitionEvents splits a student's events by enrollment. Events whose
// batch matches no enrollment are returned separately.
func PartitionEvents(enrollments []Enrollment, events []FeeEvent) (map[BatchKey][]FeeEvent, []FeeEvent) {
	known := make(map[BatchKey]bool, len(enrollments))
	for _, e := range enrollments {
		known[e.Batch] = true
	}
	byBatch := make(map[BatchKey][]FeeEvent, len(enrollments))
	var stray []FeeEvent
	for _, ev := range events {
		k := ev.BatchKey()
		if known[k] {
			byBatch[k] = append(byBatch[k], ev)
			continue
		}
		stray = append(stray, ev)
	}
	return byBatch, stray
}
