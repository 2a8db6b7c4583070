// Package tasks implements the reward-task claim engine.
//
// A claim moves through claimed -> in_progress -> submitted -> accepted, with
// rejected sending it back to claimed and expired terminating it. Accepting a
// claim grants the task reward through the balance coordinator exactly once.
package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/domain/task"
	"github.com/guildworks/economy/internal/app/services/economy"
	"github.com/guildworks/economy/internal/app/storage"
	"github.com/guildworks/economy/internal/cache"
	apperrors "github.com/guildworks/economy/internal/errors"
	"github.com/guildworks/economy/internal/events"
	"github.com/guildworks/economy/internal/keylock"
	"github.com/guildworks/economy/internal/metrics"
	"github.com/guildworks/economy/pkg/logger"
)

// Service is the task claim engine.
type Service struct {
	tasks       storage.TaskStore
	claims      storage.ClaimStore
	coordinator *economy.Service
	locks       *keylock.Registry
	cache       *cache.Service
	bus         *events.Bus
	log         *logger.Logger

	now func() time.Time
}

// New constructs the engine. cache and bus may be nil in tests.
func New(tasks storage.TaskStore, claims storage.ClaimStore, coordinator *economy.Service, locks *keylock.Registry, cacheSvc *cache.Service, bus *events.Bus, log *logger.Logger) *Service {
	if locks == nil {
		locks = keylock.New(0)
	}
	if log == nil {
		log = logger.NewDefault("tasks")
	}
	return &Service{
		tasks:       tasks,
		claims:      claims,
		coordinator: coordinator,
		locks:       locks,
		cache:       cacheSvc,
		bus:         bus,
		log:         log,
		now:         time.Now,
	}
}

// CreateTask registers a new task and opens it for claims.
func (s *Service) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if strings.TrimSpace(t.TenantID) == "" {
		return task.Task{}, apperrors.Validation("tenant_id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return task.Task{}, apperrors.Validation("title is required")
	}
	if t.Reward <= 0 {
		return task.Task{}, apperrors.Validation("reward must be positive")
	}
	if t.MaxClaims == 0 || t.MaxClaims < task.UnlimitedClaims {
		return task.Task{}, apperrors.Validation("max_claims must be positive or -1 for unlimited")
	}
	if t.Duration != "" {
		if _, err := time.ParseDuration(t.Duration); err != nil {
			return task.Task{}, apperrors.Validation("invalid duration %q", t.Duration)
		}
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = task.TaskActive
	t.CurrentClaims = 0

	created, err := s.tasks.CreateTask(ctx, t)
	if err != nil {
		return task.Task{}, err
	}
	s.invalidateTasks(ctx, created.TenantID)
	s.log.WithField("tenant_id", created.TenantID).
		WithField("task_id", created.ID).
		WithField("reward", created.Reward).
		Info("task created")
	return created, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, tenantID, taskID string) (task.Task, error) {
	return s.tasks.GetTask(ctx, tenantID, taskID)
}

// ListTasks returns the tenant's tasks, optionally filtered by status. Active
// listings are served from cache when possible.
func (s *Service) ListTasks(ctx context.Context, tenantID string, status task.TaskStatus) ([]task.Task, error) {
	cacheable := status == task.TaskActive && s.cache != nil
	if cacheable {
		if v, ok := s.cache.Get(tenantID, cache.KindTasks, ""); ok {
			return v.([]task.Task), nil
		}
	}

	out, err := s.tasks.ListTasks(ctx, tenantID, status)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.cache.Set(tenantID, cache.KindTasks, "", out)
	}
	return out, nil
}

// CancelTask closes the task to further claims. Existing claims keep running.
func (s *Service) CancelTask(ctx context.Context, tenantID, taskID string) (task.Task, error) {
	return s.setTaskStatus(ctx, tenantID, taskID, task.TaskCancelled)
}

// CompleteTask retires a finished task.
func (s *Service) CompleteTask(ctx context.Context, tenantID, taskID string) (task.Task, error) {
	return s.setTaskStatus(ctx, tenantID, taskID, task.TaskCompleted)
}

func (s *Service) setTaskStatus(ctx context.Context, tenantID, taskID string, status task.TaskStatus) (task.Task, error) {
	unlock := s.locks.Lock(keylock.Key(tenantID, "task", taskID))
	defer unlock()

	t, err := s.tasks.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status != task.TaskActive {
		return task.Task{}, apperrors.Validation("task is %s", t.Status)
	}
	t.Status = status

	updated, err := s.tasks.UpdateTask(ctx, t)
	if err != nil {
		return task.Task{}, err
	}
	s.invalidateTasks(ctx, tenantID)
	return updated, nil
}

// Claim admits the user to the task. Admission control runs under the
// per-task lock so the claim cap cannot be oversubscribed; the unique
// (tenant, user, task) constraint in the store backs up the one-claim rule.
func (s *Service) Claim(ctx context.Context, tenantID, userID, taskID string) (task.Claim, error) {
	if strings.TrimSpace(userID) == "" {
		return task.Claim{}, apperrors.Validation("user_id is required")
	}

	unlock := s.locks.Lock(keylock.Key(tenantID, "task", taskID))
	defer unlock()

	t, err := s.tasks.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return task.Claim{}, err
	}

	now := s.now()
	if !t.ClaimableNow(now) {
		if t.Status == task.TaskActive && !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
			// Lazy expiry on first touch past the deadline.
			t.Status = task.TaskExpired
			if _, err := s.tasks.UpdateTask(ctx, t); err != nil {
				s.log.WithError(err).WithField("task_id", taskID).Warn("failed to mark task expired")
			}
			s.invalidateTasks(ctx, tenantID)
		}
		return task.Claim{}, apperrors.Validation("task is not open for claims")
	}
	if t.Full() {
		return task.Claim{}, apperrors.Validation("task claim limit reached")
	}

	c := task.Claim{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		TaskID:    taskID,
		Status:    task.ClaimClaimed,
		ClaimedAt: now,
	}
	if t.Duration != "" {
		d, _ := time.ParseDuration(t.Duration)
		c.Deadline = now.Add(d)
	}

	created, err := s.claims.CreateClaim(ctx, c)
	if err != nil {
		return task.Claim{}, err
	}

	if _, err := s.tasks.IncrementTaskClaims(ctx, tenantID, taskID, t.CurrentClaims); err != nil {
		// The claim row exists and admission already passed under the lock,
		// so the claim stands; the counter is repaired on the next read.
		s.log.WithError(err).
			WithField("tenant_id", tenantID).
			WithField("task_id", taskID).
			Warn("claim counter increment failed")
	}

	s.invalidateTasks(ctx, tenantID)
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventTaskClaimed,
			TenantID: tenantID,
			UserID:   userID,
			Metadata: map[string]string{"task_id": taskID, "claim_id": created.ID},
		})
	}
	return created, nil
}

// Start marks a claimed task as being worked on.
func (s *Service) Start(ctx context.Context, tenantID, userID, taskID string) (task.Claim, error) {
	unlock := s.locks.Lock(keylock.Key(tenantID, "claim", userID, taskID))
	defer unlock()

	c, err := s.claims.GetClaim(ctx, tenantID, userID, taskID)
	if err != nil {
		return task.Claim{}, err
	}
	if c.Status != task.ClaimClaimed {
		return task.Claim{}, apperrors.Validation("claim is %s, expected claimed", c.Status)
	}
	c.Status = task.ClaimInProgress
	return s.claims.UpdateClaim(ctx, c)
}

// Submit hands in the work for review. An overdue claim is expired instead.
func (s *Service) Submit(ctx context.Context, tenantID, userID, taskID string) (task.Claim, error) {
	unlock := s.locks.Lock(keylock.Key(tenantID, "claim", userID, taskID))
	defer unlock()

	c, err := s.claims.GetClaim(ctx, tenantID, userID, taskID)
	if err != nil {
		return task.Claim{}, err
	}
	now := s.now()
	if c.Overdue(now) {
		c.Status = task.ClaimExpired
		if _, err := s.claims.UpdateClaim(ctx, c); err != nil {
			return task.Claim{}, err
		}
		return task.Claim{}, apperrors.Validation("claim deadline has passed")
	}
	if c.Status == task.ClaimAccepted {
		return task.Claim{}, apperrors.ErrAlreadyCompleted
	}
	if !c.Submittable() {
		return task.Claim{}, apperrors.Validation("claim is %s, cannot submit", c.Status)
	}

	c.Status = task.ClaimSubmitted
	c.SubmittedAt = now
	return s.claims.UpdateClaim(ctx, c)
}

// Approve accepts a submitted claim and grants the task reward. The reward is
// granted exactly once: the claim is re-read under the lock, the ledger-first
// reward adjust runs, and only then is the claim marked accepted. A claim
// update failure after the durable reward is a critical incident, not a
// rollback.
func (s *Service) Approve(ctx context.Context, tenantID, userID, taskID string) (task.Claim, error) {
	unlock := s.locks.Lock(keylock.Key(tenantID, "claim", userID, taskID))
	defer unlock()

	c, err := s.claims.GetClaim(ctx, tenantID, userID, taskID)
	if err != nil {
		return task.Claim{}, err
	}
	if c.Status == task.ClaimAccepted {
		return task.Claim{}, apperrors.ErrAlreadyCompleted
	}
	if c.Status != task.ClaimSubmitted {
		return task.Claim{}, apperrors.Validation("claim is %s, expected submitted", c.Status)
	}

	t, err := s.tasks.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return task.Claim{}, err
	}

	if _, err := s.coordinator.Adjust(ctx, tenantID, userID, t.Reward, "task reward: "+t.Title, domain.TxTypeTaskReward); err != nil {
		// Nothing durable happened; the claim stays submitted and the
		// approval can be retried.
		return task.Claim{}, err
	}

	c.Status = task.ClaimAccepted
	c.CompletedAt = s.now()
	updated, err := s.claims.UpdateClaim(ctx, c)
	if err != nil {
		metrics.RecordProjectionFailure()
		s.log.WithError(err).
			WithField("tenant_id", tenantID).
			WithField("user_id", userID).
			WithField("task_id", taskID).
			Error("CRITICAL: claim accept write failed after durable reward grant")
		c.CompletedAt = time.Time{}
		updated = c
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventTaskCompleted,
			TenantID: tenantID,
			UserID:   userID,
			Metadata: map[string]string{"task_id": taskID, "claim_id": c.ID},
		})
	}
	return updated, nil
}

// Reject sends a submitted claim back to the user with a reason. The claim
// returns to claimed and may be resubmitted before its deadline.
func (s *Service) Reject(ctx context.Context, tenantID, userID, taskID, reason string) (task.Claim, error) {
	unlock := s.locks.Lock(keylock.Key(tenantID, "claim", userID, taskID))
	defer unlock()

	c, err := s.claims.GetClaim(ctx, tenantID, userID, taskID)
	if err != nil {
		return task.Claim{}, err
	}
	if c.Status == task.ClaimAccepted {
		return task.Claim{}, apperrors.ErrAlreadyCompleted
	}
	if c.Status != task.ClaimSubmitted {
		return task.Claim{}, apperrors.Validation("claim is %s, expected submitted", c.Status)
	}

	c.Status = task.ClaimClaimed
	c.RejectReason = reason
	c.SubmittedAt = time.Time{}
	return s.claims.UpdateClaim(ctx, c)
}

// ListClaims returns the user's claims in the tenant.
func (s *Service) ListClaims(ctx context.Context, tenantID, userID string) ([]task.Claim, error) {
	return s.claims.ListClaimsByUser(ctx, tenantID, userID)
}

// ExpireOverdue transitions all overdue non-terminal claims to expired and
// returns how many were swept. An empty tenantID sweeps every tenant.
func (s *Service) ExpireOverdue(ctx context.Context, tenantID string) (int, error) {
	overdue, err := s.claims.ListOverdueClaims(ctx, tenantID, s.now())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range overdue {
		unlock := s.locks.Lock(keylock.Key(c.TenantID, "claim", c.UserID, c.TaskID))
		cur, err := s.claims.GetClaim(ctx, c.TenantID, c.UserID, c.TaskID)
		if err == nil && !cur.IsTerminal() && cur.Overdue(s.now()) {
			cur.Status = task.ClaimExpired
			if _, err := s.claims.UpdateClaim(ctx, cur); err != nil {
				s.log.WithError(err).WithField("claim_id", cur.ID).Warn("failed to expire claim")
			} else {
				swept++
			}
		}
		unlock()
	}

	if swept > 0 {
		s.log.WithField("tenant_id", tenantID).WithField("count", swept).Info("expired overdue claims")
	}
	return swept, nil
}

func (s *Service) invalidateTasks(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, cache.Invalidation{TenantID: tenantID, Kind: cache.KindTasks})
}
