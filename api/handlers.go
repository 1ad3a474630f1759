/*
handlers.go - HTTP API handlers for the fee engine

PURPOSE:
  Exposes the fee engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to fees.Service.

ENDPOINTS:
  Students:
    GET    /api/students                    List all students
    POST   /api/students                    Create or replace a student
    GET    /api/students/{id}               Get student details
    GET    /api/students/{id}/fees          Fee grid (?from=2024&to=2025)
    GET    /api/students/{id}/events        Raw fee events (?batch=Physics A)

  Intake:
    POST   /api/students/{id}/payments      Pay one amount for several months
    POST   /api/students/{id}/statuses      Mark NEW_ADMISSION or EXEMPTED

  Events:
    PUT    /api/events/{id}                 Edit amount, month, mode, receiver, remarks
    DELETE /api/events/{id}                 Delete permanently

  Calendar and dues:
    GET    /api/calendar                    Months of a window
    GET    /api/dues                        Pending months of every enrollment
    GET    /api/dues/runs                   Scheduler history
    POST   /api/dues/runs                   Run the dues scan now

  Scenarios:
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Load a demo scenario

ERROR HANDLING:
  Errors are returned as ErrorResponse with a status derived from the
  fees error classification:
  - 400: Validation errors, invalid input
  - 404: Student or event not found
  - 409: Target month already has a payment or status
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/fee-engine/fees"
)

// maxWindowYears bounds the span of a requested window.
const maxWindowYears = 50

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     fees.Backend
	Service   *fees.Service
	Scheduler *DuesScheduler // optional; enables POST /api/dues/runs
	Logger    *slog.Logger

	// Default window around the current year.
	YearsBefore int
	YearsAfter  int

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over store and svc.
func NewHandler(store fees.Backend, svc *fees.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:       store,
		Service:     svc,
		Logger:      logger,
		YearsBefore: 1,
		YearsAfter:  1,
	}
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// ListStudents returns all students.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Store.ListStudents(r.Context())
	if err != nil {
		h.writeServiceError(w, "Failed to list students", err)
		return
	}

	dtos := make([]StudentDTO, len(students))
	for i, s := range students {
		dtos[i] = toStudentDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateStudent creates or replaces a student and its batch memberships.
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Service.Validator.Struct(req); err != nil {
		h.writeServiceError(w, "Invalid student", err)
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	student := fees.Student{ID: fees.StudentID(id), Name: strings.TrimSpace(req.Name)}
	for _, b := range req.Batches {
		student.Memberships = append(student.Memberships, fees.Membership{
			Batch:    strings.TrimSpace(b.Batch),
			Disabled: b.Disabled,
		})
	}

	ctx := r.Context()
	if err := h.Store.SaveStudent(ctx, student); err != nil {
		h.writeServiceError(w, "Failed to save student", err)
		return
	}
	saved, err := h.Store.GetStudent(ctx, student.ID)
	if err != nil {
		h.writeServiceError(w, "Failed to load student", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStudentDTO(*saved))
}

// GetStudent returns a single student.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	student, err := h.Store.GetStudent(r.Context(), fees.StudentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, "Failed to get student", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(*student))
}

// GetStudentFees returns the fee grid of a student.
// GET /api/students/{id}/fees?from=2024&to=2025
func (h *Handler) GetStudentFees(w http.ResponseWriter, r *http.Request) {
	window, err := h.windowFromQuery(r)
	if err != nil {
		h.writeServiceError(w, "Invalid window", err)
		return
	}

	grid, err := h.Service.StudentGrid(r.Context(), fees.StudentID(chi.URLParam(r, "id")), window)
	if err != nil {
		h.writeServiceError(w, "Failed to build fee grid", err)
		return
	}
	writeJSON(w, http.StatusOK, toFeeGridDTO(grid))
}

// GetStudentEvents returns the raw events of a student, optionally one batch.
// GET /api/students/{id}/events?batch=Physics%20A
func (h *Handler) GetStudentEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := fees.StudentID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetStudent(ctx, id); err != nil {
		h.writeServiceError(w, "Failed to get student", err)
		return
	}

	var (
		events []fees.FeeEvent
		err    error
	)
	if batch := r.URL.Query().Get("batch"); batch != "" {
		events, err = h.Store.Load(ctx, id, fees.NormalizeBatch(batch))
		sort.SliceStable(events, func(i, j int) bool { return events[i].Month.Before(events[j].Month) })
	} else {
		events, err = h.Store.LoadByStudent(ctx, id)
	}
	if err != nil {
		h.writeServiceError(w, "Failed to load events", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// =============================================================================
// INTAKE HANDLERS
// =============================================================================

// RecordPayment records one payment covering one or more months.
// POST /api/students/{id}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entryDate, err := h.parseEntryDate(req.EntryDate)
	if err != nil {
		h.writeServiceError(w, "Invalid payment", err)
		return
	}

	in := fees.PaymentInput{
		StudentID: fees.StudentID(chi.URLParam(r, "id")),
		Batch:     req.Batch,
		Amount:    req.Amount,
		Mode:      parseMode(req.PaymentMode),
		Receiver:  req.PaymentReceiver,
		EntryDate: entryDate,
		Months:    req.Months,
		Remarks:   req.Remarks,
	}
	res, err := h.Service.RecordPayment(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, IntakeResponse{Events: toEventDTOs(res.Events)})
}

// MarkStatus records a NEW_ADMISSION or EXEMPTED marker for one month.
// POST /api/students/{id}/statuses
func (h *Handler) MarkStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entryDate, err := h.parseEntryDate(req.EntryDate)
	if err != nil {
		h.writeServiceError(w, "Invalid status", err)
		return
	}

	kind, err := fees.ParseKind(req.Kind)
	if err != nil {
		kind = fees.Kind(req.Kind)
	}
	ev, err := h.Service.MarkStatus(r.Context(), fees.StatusInput{
		StudentID: fees.StudentID(chi.URLParam(r, "id")),
		Batch:     req.Batch,
		Kind:      kind,
		Month:     req.Month,
		EntryDate: entryDate,
		Remarks:   req.Remarks,
	})
	if err != nil {
		h.writeServiceError(w, "Failed to record status", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(ev))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// UpdateEvent edits an event in place.
// PUT /api/events/{id}
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req UpdateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := fees.EventPatch{
		Amount:     req.Amount,
		Year:       req.Year,
		MonthIndex: req.MonthIndex,
		Receiver:   req.PaymentReceiver,
		Remarks:    req.Remarks,
	}
	if req.PaymentMode != nil {
		mode := parseMode(*req.PaymentMode)
		patch.Mode = &mode
	}

	ev, err := h.Service.EditEvent(r.Context(), fees.EventID(chi.URLParam(r, "id")), patch)
	if err != nil {
		h.writeServiceError(w, "Failed to update event", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

// DeleteEvent removes an event permanently.
// DELETE /api/events/{id}
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Service.DeleteEvent(r.Context(), fees.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, "Failed to delete event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "event": toEventDTO(ev)})
}

// =============================================================================
// CALENDAR AND DUES HANDLERS
// =============================================================================

// GetCalendar lists the months of a window.
// GET /api/calendar?from=2024&to=2025
func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	window, err := h.windowFromQuery(r)
	if err != nil {
		h.writeServiceError(w, "Invalid window", err)
		return
	}

	months := make([]MonthSlotDTO, 0, window.Len())
	for slot := range window.Months() {
		months = append(months, MonthSlotDTO{Year: slot.Year, MonthIndex: slot.Month, Label: slot.Label})
	}
	writeJSON(w, http.StatusOK, CalendarDTO{Window: toWindowDTO(window), Months: months})
}

// GetDues lists every enrollment with pending months.
// GET /api/dues?from=2024&to=2025
func (h *Handler) GetDues(w http.ResponseWriter, r *http.Request) {
	window, err := h.windowFromQuery(r)
	if err != nil {
		h.writeServiceError(w, "Invalid window", err)
		return
	}

	dues, err := h.Service.PendingDues(r.Context(), window)
	if err != nil {
		h.writeServiceError(w, "Failed to compute dues", err)
		return
	}

	resp := DuesResponse{Window: toWindowDTO(window), Dues: make([]DueDTO, len(dues))}
	for i, d := range dues {
		resp.Dues[i] = DueDTO{
			StudentID:   string(d.StudentID),
			StudentName: d.StudentName,
			Batch:       string(d.Batch),
			Label:       d.BatchLabel,
			Months:      toMonthSlotDTOs(d.Months),
		}
		resp.PendingCells += len(d.Months)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDuesRuns returns recent scheduler runs.
// GET /api/dues/runs?limit=20
func (h *Handler) ListDuesRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeServiceError(w, "Invalid limit", fees.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := h.Store.ListDuesRuns(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "Failed to list dues runs", err)
		return
	}
	dtos := make([]DuesRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toDuesRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerDuesRun runs the dues scan immediately.
// POST /api/dues/runs
func (h *Handler) TriggerDuesRun(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Dues scheduler not configured", nil)
		return
	}
	run, err := h.Scheduler.RunOnce(r.Context())
	if err != nil {
		h.writeServiceError(w, "Dues run failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDuesRunDTO(run))
}

// =============================================================================
// HELPERS
// =============================================================================

// windowFromQuery reads ?from= and ?to= as years. Missing bounds fall back
// to the default window around the current year.
func (h *Handler) windowFromQuery(r *http.Request) (fees.CalendarWindow, error) {
	window := fees.DefaultWindow(h.Service.Now(), h.YearsBefore, h.YearsAfter)
	q := r.URL.Query()

	if raw := q.Get("from"); raw != "" {
		y, err := parseYear("from", raw)
		if err != nil {
			return window, err
		}
		window.StartYear = y
	}
	if raw := q.Get("to"); raw != "" {
		y, err := parseYear("to", raw)
		if err != nil {
			return window, err
		}
		window.EndYear = y
	}
	if window.EndYear-window.StartYear >= maxWindowYears {
		return window, fees.NewValidationError("to", fmt.Sprintf("window cannot span more than %d years", maxWindowYears))
	}
	return window, nil
}

func parseYear(field, raw string) (int, error) {
	y, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fees.NewValidationError(field, "must be a year")
	}
	if y < fees.MinYear || y > fees.MaxYear {
		return 0, fees.NewValidationError(field, fmt.Sprintf("must be between %d and %d", fees.MinYear, fees.MaxYear))
	}
	return y, nil
}

// parseEntryDate accepts YYYY-MM-DD (read in the service location) or
// RFC3339. Empty means today.
func (h *Handler) parseEntryDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return h.Service.Now(), nil
	}
	if t, err := time.ParseInLocation(dateLayout, raw, h.Service.Now().Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fees.NewValidationError("entry_date", "must be YYYY-MM-DD or RFC3339")
}

// parseMode canonicalizes the spelling; unknown values pass through so the
// validator reports them.
func parseMode(raw string) fees.PaymentMode {
	if mode, err := fees.ParsePaymentMode(raw); err == nil {
		return mode
	}
	return fees.PaymentMode(raw)
}

// writeServiceError maps fees errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	var (
		verr     *fees.ValidationError
		occupied *fees.CellOccupiedError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "validation_failed", Details: verr.Fields})
	case errors.As(err, &occupied):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: message,
			Code:  "cell_occupied",
			Details: ConflictDTO{
				Year:       occupied.Month.Year,
				MonthIndex: occupied.Month.Month,
				Label:      occupied.Month.Label(),
				Status:     string(occupied.Existing.Kind),
				EventID:    string(occupied.Existing.EventID),
			},
		})
	case errors.Is(err, fees.ErrCellOccupied):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "cell_occupied", Details: err.Error()})
	case fees.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "not_found", Details: err.Error()})
	default:
		h.Logger.Error(message, slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: codeFor(status)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "internal"
}
