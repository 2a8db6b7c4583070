package tasks

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

// SweepScheduler books sweep runs through the durable job queue. Ticks from
// multiple instances share a window-deduplicated job ID and collapse into one
// run.
type SweepScheduler interface {
	ScheduleClaimSweep(ctx context.Context, tenantID string) error
}

// Sweeper periodically expires overdue claims across all tenants. With a
// scheduler attached each tick enqueues a deduplicated job; without one the
// sweep runs in process.
type Sweeper struct {
	svc       *Service
	interval  time.Duration
	scheduler SweepScheduler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper constructs a sweeper around the claim engine.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{svc: svc, interval: interval}
}

// AttachScheduler routes sweep ticks through the job queue. Call before Start.
func (w *Sweeper) AttachScheduler(s SweepScheduler) { w.scheduler = s }

// Name implements system.Service.
func (w *Sweeper) Name() string { return "task-sweeper" }

// Start launches the sweep loop.
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go w.loop(loopCtx)
	w.svc.log.WithField("interval", w.interval.String()).Info("task sweeper started")
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (w *Sweeper) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Sweeper) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.scheduler != nil {
				if err := w.scheduler.ScheduleClaimSweep(ctx, ""); err != nil {
					w.svc.log.WithError(err).Warn("failed to enqueue claim sweep")
				}
				continue
			}
			if _, err := w.svc.ExpireOverdue(ctx, ""); err != nil {
				w.svc.log.WithError(err).Warn("claim sweep failed")
			}
		}
	}
}
