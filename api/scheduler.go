/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically reconciles every stored series: stale running totals left by
  a failed rollup batch are recomputed and duplicate unique keys are
  reported. Every pass is recorded as a ReconcileRun for audit and display.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on start
  - Series are reconciled one after another; periods within a series fan
    out on the engine's Parallelism
  - A failing series is recorded as a failed run and does not stop the pass

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(engine, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual reconciliation)
  - rollup/reconcile.go: Engine.Reconcile
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/rollup-engine/log"
	"github.com/warp/rollup-engine/rollup"
)

// ReconciliationScheduler handles automated reconciliation.
type ReconciliationScheduler struct {
	Engine        *rollup.Engine
	Store         Backend
	Logger        *log.Logger
	CheckInterval time.Duration
	Enabled       bool

	// Now stamps run records. Defaults to time.Now in UTC.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *rollup.Engine, store Backend, logger *log.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Engine:        engine,
		Store:         store,
		Logger:        logger.WithComponent(log.ComponentScheduler),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("scheduler started", "interval", rs.CheckInterval.String())
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow reconciles every stored series and returns the recorded runs.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) []ReconcileRunDTO {
	all, err := rs.Store.ListSeries(ctx)
	if err != nil {
		rs.Logger.ErrorContext(ctx, "failed to list series", log.FieldError, err)
		return nil
	}

	var runs []ReconcileRunDTO
	repaired, duplicates := 0, 0
	for _, series := range all {
		if ctx.Err() != nil {
			break
		}
		run, report, err := rs.ReconcileSeries(ctx, series)
		if err != nil {
			rs.Logger.ErrorContext(ctx, "reconcile failed",
				log.FieldSeries, series.ID, log.FieldRun, run.ID, log.FieldError, err)
		}
		repaired += run.Repaired
		duplicates += run.Duplicates
		runs = append(runs, toRunDTO(run, &report))
	}

	if repaired > 0 || duplicates > 0 {
		rs.Logger.WarnContext(ctx, "reconciliation found drift",
			"series", len(all), "repaired", repaired, "duplicates", duplicates)
	} else {
		rs.Logger.DebugContext(ctx, "reconciliation clean", "series", len(all))
	}
	return runs
}

// ReconcileSeries runs one recorded reconcile pass. The returned run is the
// one persisted, failed or completed.
func (rs *ReconciliationScheduler) ReconcileSeries(ctx context.Context, series rollup.Series) (rollup.ReconcileRun, rollup.ReconcileReport, error) {
	run := rollup.ReconcileRun{
		ID:        uuid.New().String(),
		SeriesID:  series.ID,
		Status:    rollup.RunRunning,
		StartedAt: rs.now(),
	}
	if err := rs.Store.SaveRun(ctx, run); err != nil {
		return run, rollup.ReconcileReport{}, fmt.Errorf("failed to save run record: %w", err)
	}

	report, recErr := rs.Engine.Reconcile(ctx, series)
	run.Complete(report, recErr, rs.now())

	for _, d := range report.Duplicates {
		rs.Logger.WarnContext(ctx, "duplicate unique key",
			log.FieldSeries, series.ID,
			log.FieldPeriod, d.Period,
			log.FieldDimension, d.Dimension,
			"entries", len(d.EntryIDs),
		)
	}

	if err := rs.Store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		return run, report, fmt.Errorf("failed to update run record: %w", err)
	}
	return run, report, recErr
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	return rs.now().Add(rs.CheckInterval)
}

func (rs *ReconciliationScheduler) now() time.Time {
	if rs.Now == nil {
		return time.Now().UTC()
	}
	return rs.Now()
}
