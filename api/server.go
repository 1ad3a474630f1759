/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the front office UI

ROUTE GROUPS:
  /api/students/*       Students, fee grid, payment and status intake
  /api/events/*         Edit and delete of recorded events
  /api/calendar         Window months
  /api/dues/*           Pending months and scheduler runs
  /api/scenarios/*      Demo scenarios
  /                     API index

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. origins lists
// the CORS origins; nil allows every origin.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	allowCredentials := true
	for _, o := range origins {
		if o == "*" {
			allowCredentials = false
		}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: allowCredentials,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Post("/", h.CreateStudent)
			r.Get("/{id}", h.GetStudent)
			r.Get("/{id}/fees", h.GetStudentFees)
			r.Get("/{id}/events", h.GetStudentEvents)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Post("/{id}/statuses", h.MarkStatus)
		})

		r.Route("/events", func(r chi.Router) {
			r.Put("/{id}", h.UpdateEvent)
			r.Delete("/{id}", h.DeleteEvent)
		})

		r.Get("/calendar", h.GetCalendar)

		r.Route("/dues", func(r chi.Router) {
			r.Get("/", h.GetDues)
			r.Get("/runs", h.ListDuesRuns)
			r.Post("/runs", h.TriggerDuesRun)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Fee Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Fee Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/students">/api/students</a> - List students</li>
<li><a href="/api/calendar">/api/calendar</a> - Calendar window</li>
<li><a href="/api/dues">/api/dues</a> - Pending months</li>
<li><a href="/api/dues/runs">/api/dues/runs</a> - Dues scheduler runs</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
