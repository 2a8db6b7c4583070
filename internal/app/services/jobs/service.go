// Package jobs runs the durable scheduled-job queue.
//
// Jobs are rows with a due time; a poller executes them at least once and
// deduplicates by job ID, so a crashed poller re-runs a pending job but never
// a completed one. Recurring system work (reconciliation sweeps, claim
// sweeps) is driven by cron entries that enqueue window-deduplicated jobs.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/guildworks/economy/internal/app/domain/job"
	"github.com/guildworks/economy/internal/app/storage"
	apperrors "github.com/guildworks/economy/internal/errors"
	"github.com/guildworks/economy/internal/metrics"
	"github.com/guildworks/economy/pkg/logger"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultMaxAttempts  = 5
	retryBackoffBase    = 30 * time.Second

	// reconcileWindow buckets reconciliation requests for the same account so
	// a burst of projection failures schedules one repair, not hundreds.
	reconcileWindow = 5 * time.Minute

	// claimSweepWindow buckets sweep ticks so instances sharing a job store
	// run one sweep per window.
	claimSweepWindow = time.Minute
)

// Handler executes one job kind. A nil error marks the job succeeded.
type Handler func(ctx context.Context, j job.Job) error

// Config tunes the poller.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Log          *logger.Logger
}

// Service owns the job queue and its poller.
type Service struct {
	store        storage.JobStore
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	log          *logger.Logger

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs the job service.
func New(store storage.JobStore, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("jobs")
	}
	return &Service{
		store:        store,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		log:          cfg.Log,
		handlers:     make(map[string]Handler),
		cron:         cron.New(),
	}
}

// Register binds a handler to a job kind. Call before Start.
func (s *Service) Register(kind string, h Handler) {
	s.handlerMu.Lock()
	s.handlers[kind] = h
	s.handlerMu.Unlock()
}

// Schedule enqueues a job. An ID that already exists is a no-op returning the
// stored row, which makes scheduling idempotent for deterministic IDs.
func (s *Service) Schedule(ctx context.Context, j job.Job) (job.Job, error) {
	if j.Kind == "" {
		return job.Job{}, apperrors.Validation("job kind is required")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.RunAt.IsZero() {
		j.RunAt = time.Now().UTC()
	}
	j.Status = job.StatusPending
	return s.store.CreateJob(ctx, j)
}

// ScheduleReconciliation books a balance repair for the account. Requests in
// the same time window share one job ID and collapse into a single run.
func (s *Service) ScheduleReconciliation(ctx context.Context, tenantID, userID string) error {
	bucket := time.Now().UTC().Truncate(reconcileWindow).Unix()
	_, err := s.Schedule(ctx, job.Job{
		ID:       fmt.Sprintf("reconcile-%s-%s-%d", tenantID, userID, bucket),
		TenantID: tenantID,
		Kind:     job.KindReconciliation,
		Payload:  map[string]string{"tenant_id": tenantID, "user_id": userID},
	})
	return err
}

// ScheduleClaimSweep books an overdue-claim sweep. Ticks in the same time
// window share one job ID, so concurrent instances collapse into a single run.
func (s *Service) ScheduleClaimSweep(ctx context.Context, tenantID string) error {
	bucket := time.Now().UTC().Truncate(claimSweepWindow).Unix()
	_, err := s.Schedule(ctx, job.Job{
		ID:       fmt.Sprintf("claim-sweep-%s-%d", tenantID, bucket),
		TenantID: tenantID,
		Kind:     job.KindClaimSweep,
	})
	return err
}

// ScheduleGrantReversal books the deferred reversal of a timed shop grant.
func (s *Service) ScheduleGrantReversal(ctx context.Context, tenantID, userID, itemID string, qty int, runAt time.Time) error {
	_, err := s.Schedule(ctx, job.Job{
		TenantID: tenantID,
		Kind:     job.KindGrantReversal,
		RunAt:    runAt,
		Payload: map[string]string{
			"tenant_id": tenantID,
			"user_id":   userID,
			"item_id":   itemID,
			"qty":       fmt.Sprintf("%d", qty),
		},
	})
	return err
}

// ScheduleRecurring registers a cron entry (standard 5-field spec) that runs
// fn on schedule. Call before Start.
func (s *Service) ScheduleRecurring(spec string, fn func()) error {
	_, err := s.cron.AddFunc(spec, fn)
	return err
}

// Name implements system.Service.
func (s *Service) Name() string { return "job-queue" }

// Start launches the poller and the cron scheduler.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(loopCtx)
	s.cron.Start()
	s.log.WithField("poll_interval", s.pollInterval.String()).Info("job queue started")
	return nil
}

// Stop halts the poller, waits for in-flight jobs, and stops cron.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	cronDone := s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cronDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunDue(ctx); err != nil {
				s.log.WithError(err).Warn("job poll failed")
			}
		}
	}
}

// RunDue executes all currently due jobs once. Exposed for tests and for
// deployments that drive the queue from an external scheduler.
func (s *Service) RunDue(ctx context.Context) error {
	due, err := s.store.ListDueJobs(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		return err
	}

	for _, j := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.runOne(ctx, j)
	}
	return nil
}

func (s *Service) runOne(ctx context.Context, j job.Job) {
	// Re-read before executing: another poller may have taken the job
	// between the listing and now.
	current, err := s.store.GetJob(ctx, j.ID)
	if err != nil || !current.Due(time.Now().UTC()) {
		return
	}

	current.Status = job.StatusRunning
	current.Attempts++
	running, err := s.store.UpdateJob(ctx, current)
	if err != nil {
		s.log.WithError(err).WithField("job_id", j.ID).Warn("failed to mark job running")
		return
	}

	s.handlerMu.RLock()
	handler, ok := s.handlers[running.Kind]
	s.handlerMu.RUnlock()
	if !ok {
		running.Status = job.StatusFailed
		running.LastError = "no handler registered for kind " + running.Kind
		s.finish(ctx, running, "failed")
		return
	}

	if err := handler(ctx, running); err != nil {
		running.LastError = err.Error()
		if running.Attempts >= s.maxAttempts {
			running.Status = job.StatusFailed
			s.log.WithError(err).
				WithField("job_id", running.ID).
				WithField("kind", running.Kind).
				WithField("attempts", running.Attempts).
				Error("job failed permanently")
			s.finish(ctx, running, "failed")
			return
		}
		running.Status = job.StatusPending
		running.RunAt = time.Now().UTC().Add(retryBackoffBase * time.Duration(running.Attempts))
		s.log.WithError(err).
			WithField("job_id", running.ID).
			WithField("kind", running.Kind).
			Warn("job failed, retrying")
		s.finish(ctx, running, "retried")
		return
	}

	running.Status = job.StatusSucceeded
	running.LastError = ""
	s.finish(ctx, running, "succeeded")
}

func (s *Service) finish(ctx context.Context, j job.Job, outcome string) {
	metrics.RecordJobRun(j.Kind, outcome)
	if _, err := s.store.UpdateJob(ctx, j); err != nil {
		s.log.WithError(err).WithField("job_id", j.ID).Warn("failed to persist job state")
	}
}
