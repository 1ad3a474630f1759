/*
scheduler.go - Periodic dues scan

PURPOSE:
  Periodically derives every enrollment's pending months over the default
  window and records a summary run. The runs back the dues dashboard and
  give the front office a history of how collection is trending.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on start
  - A run never writes fee events; it only reads and records a DuesRun
  - RunOnce is shared with the POST /api/dues/runs endpoint

CONFIGURATION:
  - Interval: How often to scan (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewDuesScheduler(svc, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ListDuesRuns, TriggerDuesRun
  - fees/service.go: PendingDues
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/fee-engine/fees"
)

// DuesScheduler records periodic dues runs.
type DuesScheduler struct {
	Service  *fees.Service
	Runs     fees.DuesRunStore
	Logger   *slog.Logger
	Interval time.Duration
	Enabled  bool

	// Window around the current year.
	YearsBefore int
	YearsAfter  int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDuesScheduler creates a scheduler with a one hour interval.
func NewDuesScheduler(svc *fees.Service, runs fees.DuesRunStore, logger *slog.Logger) *DuesScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuesScheduler{
		Service:     svc,
		Runs:        runs,
		Logger:      logger.With(slog.String("component", "dues-scheduler")),
		Interval:    time.Hour,
		Enabled:     true,
		YearsBefore: 1,
		YearsAfter:  1,
	}
}

// Start begins the scheduler.
func (ds *DuesScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.Logger.Info("disabled, not starting")
		return
	}
	if ds.ticker != nil {
		return
	}

	ds.ticker = time.NewTicker(ds.Interval)
	ds.stop = make(chan struct{})
	ds.wg.Add(1)

	go ds.run()

	ds.Logger.Info("started", slog.Duration("interval", ds.Interval))
}

// Stop stops the scheduler and waits for an in-flight run.
func (ds *DuesScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticker != nil {
		ds.ticker.Stop()
		close(ds.stop)
		ds.wg.Wait()
		ds.ticker = nil
		ds.Logger.Info("stopped")
	}
}

func (ds *DuesScheduler) run() {
	defer ds.wg.Done()

	ds.scan()

	for {
		select {
		case <-ds.ticker.C:
			ds.scan()
		case <-ds.stop:
			return
		}
	}
}

func (ds *DuesScheduler) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := ds.RunOnce(ctx); err != nil {
		ds.Logger.Error("dues run failed", slog.Any("error", err))
	}
}

// RunOnce derives pending months for every student and records the run.
func (ds *DuesScheduler) RunOnce(ctx context.Context) (fees.DuesRun, error) {
	now := ds.Service.Now()
	window := fees.DefaultWindow(now, ds.YearsBefore, ds.YearsAfter)

	dues, err := ds.Service.PendingDues(ctx, window)
	if err != nil {
		return fees.DuesRun{}, fmt.Errorf("pending dues: %w", err)
	}

	run := fees.DuesRun{
		ID:          uuid.NewString(),
		RanAt:       now,
		Window:      window,
		Enrollments: len(dues),
	}
	students := make(map[fees.StudentID]struct{})
	for _, d := range dues {
		students[d.StudentID] = struct{}{}
		run.PendingCells += len(d.Months)
	}
	run.Students = len(students)

	if err := ds.Runs.SaveDuesRun(ctx, run); err != nil {
		return fees.DuesRun{}, fmt.Errorf("save dues run: %w", err)
	}

	ds.Logger.Info("dues run completed",
		slog.String("run", run.ID),
		slog.Int("students", run.Students),
		slog.Int("enrollments", run.Enrollments),
		slog.Int("pending_cells", run.PendingCells))
	return run, nil
}
