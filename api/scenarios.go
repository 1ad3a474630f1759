/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates students, batch memberships and
	fee events that show specific grid behaviour.

AVAILABLE SCENARIOS:

	single-batch:  One student, one batch, admission then a run of payments
	multi-batch:   Two batches per student, an exemption, a disabled
	               membership and a student with no batch at all
	mixed-class:   A whole class whose batch name was typed inconsistently

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create students with their memberships
 3. Record admissions, exemptions and payments through fees.Service

	All months are relative to the current month, so the grid always shows
	a mix of paid, pending and open cells.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "multi-batch"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Route handlers
  - fees/service.go: RecordPayment, MarkStatus
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fee-engine/fees"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-batch",
		Name:        "Single Batch",
		Description: "One student admitted five months ago, three months paid, the rest pending",
	},
	{
		ID:          "multi-batch",
		Name:        "Multiple Batches",
		Description: "Students in two batches with an exemption, a disabled membership and an unassigned student",
	},
	{
		ID:          "mixed-class",
		Name:        "Mixed Class",
		Description: "A class whose batch name was typed with different spacing and case",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"single-batch": (*Handler).loadSingleBatchScenario,
	"multi-batch":  (*Handler).loadMultiBatchScenario,
	"mixed-class":  (*Handler).loadMixedClassScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(h, ctx); err != nil {
		h.writeServiceError(w, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSingleBatchScenario(ctx context.Context) error {
	cur := fees.MonthOf(h.Service.Now())
	admitted := cur.AddMonths(-5)

	if err := h.seedStudent(ctx, "stu-asha", "Asha Verma", fees.Membership{Batch: "Physics A"}); err != nil {
		return err
	}
	if err := h.seedStatus(ctx, "stu-asha", "Physics A", fees.KindNewAdmission, admitted, "Joined after trial class"); err != nil {
		return err
	}
	// Months 2-5 after admission stay pending.
	return h.seedPayment(ctx, "stu-asha", "Physics A", 1500, fees.ModeOnline, "Front desk UPI",
		admitted.AddMonths(1), admitted.AddMonths(2))
}

func (h *Handler) loadMultiBatchScenario(ctx context.Context) error {
	cur := fees.MonthOf(h.Service.Now())

	// Rohan: admitted to Maths B eight months ago, one month exempted.
	// Chemistry C has no admission, so every past month of it is pending.
	if err := h.seedStudent(ctx, "stu-rohan", "Rohan Das",
		fees.Membership{Batch: "Maths B"},
		fees.Membership{Batch: "Chemistry C"},
		fees.Membership{Batch: "Biology", Disabled: true},
	); err != nil {
		return err
	}
	mathsAdmission := cur.AddMonths(-8)
	if err := h.seedStatus(ctx, "stu-rohan", "Maths B", fees.KindNewAdmission, mathsAdmission, ""); err != nil {
		return err
	}
	if err := h.seedPayment(ctx, "stu-rohan", "Maths B", 1200, fees.ModeOffline, "",
		mathsAdmission.AddMonths(1), mathsAdmission.AddMonths(2), mathsAdmission.AddMonths(3)); err != nil {
		return err
	}
	if err := h.seedStatus(ctx, "stu-rohan", "Maths B", fees.KindExempted, mathsAdmission.AddMonths(4), "Hospitalised, fee waived"); err != nil {
		return err
	}
	if err := h.seedPayment(ctx, "stu-rohan", "Chemistry C", 900, fees.ModeOnline, "Bank transfer",
		cur.AddMonths(-1), cur); err != nil {
		return err
	}

	// Isha: one batch, fully paid up to the current month.
	if err := h.seedStudent(ctx, "stu-isha", "Isha Nair", fees.Membership{Batch: "Maths B"}); err != nil {
		return err
	}
	ishaAdmission := cur.AddMonths(-3)
	if err := h.seedStatus(ctx, "stu-isha", "Maths B", fees.KindNewAdmission, ishaAdmission, ""); err != nil {
		return err
	}
	if err := h.seedPayment(ctx, "stu-isha", "Maths B", 1200, fees.ModeOffline, "",
		ishaAdmission.AddMonths(1), ishaAdmission.AddMonths(2), cur); err != nil {
		return err
	}

	// Meera: no batch yet, shows the unassigned row.
	return h.seedStudent(ctx, "stu-meera", "Meera Iyer")
}

func (h *Handler) loadMixedClassScenario(ctx context.Context) error {
	cur := fees.MonthOf(h.Service.Now())
	spellings := []string{"Class 10 Science", "class 10  science", " CLASS 10 Science "}
	names := []string{"Kabir Shah", "Zoya Khan", "Arjun Mehta", "Neha Rao", "Dev Patel", "Sara Thomas"}

	for i, name := range names {
		id := fees.StudentID(fmt.Sprintf("stu-class10-%02d", i+1))
		batch := spellings[i%len(spellings)]
		if err := h.seedStudent(ctx, id, name, fees.Membership{Batch: batch}); err != nil {
			return err
		}

		admitted := cur.AddMonths(-(6 + i))
		// Events are recorded under a different spelling than the membership.
		eventBatch := spellings[(i+1)%len(spellings)]
		if err := h.seedStatus(ctx, id, eventBatch, fees.KindNewAdmission, admitted, ""); err != nil {
			return err
		}

		paid := make([]fees.MonthKey, 0, i+1)
		for m := 1; m <= i+1; m++ {
			paid = append(paid, admitted.AddMonths(m))
		}
		mode, receiver := fees.ModeOffline, ""
		if i%2 == 1 {
			mode, receiver = fees.ModeOnline, "Office UPI"
		}
		if err := h.seedPayment(ctx, id, eventBatch, 2000, mode, receiver, paid...); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (h *Handler) seedStudent(ctx context.Context, id fees.StudentID, name string, memberships ...fees.Membership) error {
	if err := h.Store.SaveStudent(ctx, fees.Student{ID: id, Name: name, Memberships: memberships}); err != nil {
		return fmt.Errorf("seed student %s: %w", id, err)
	}
	return nil
}

func (h *Handler) seedStatus(ctx context.Context, id fees.StudentID, batch string, kind fees.Kind, month fees.MonthKey, remarks string) error {
	_, err := h.Service.MarkStatus(ctx, fees.StatusInput{
		StudentID: id,
		Batch:     batch,
		Kind:      kind,
		Month:     month,
		EntryDate: h.entryDateFor(month),
		Remarks:   remarks,
	})
	return err
}

func (h *Handler) seedPayment(ctx context.Context, id fees.StudentID, batch string, amount int64, mode fees.PaymentMode, receiver string, months ...fees.MonthKey) error {
	_, err := h.Service.RecordPayment(ctx, fees.PaymentInput{
		StudentID: id,
		Batch:     batch,
		Amount:    decimal.NewFromInt(amount),
		Mode:      mode,
		Receiver:  receiver,
		EntryDate: h.entryDateFor(months[0]),
		Months:    months,
	})
	return err
}

// entryDateFor dates a seeded entry on the 5th of month, never after now.
func (h *Handler) entryDateFor(month fees.MonthKey) time.Time {
	now := h.Service.Now()
	d := month.Date(now.Location()).AddDate(0, 0, 4)
	if d.After(now) {
		return now
	}
	return d
}
