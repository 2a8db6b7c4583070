// Package task defines reward tasks and per-user claims.
package task

import "time"

// TaskStatus tracks the task-level lifecycle.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskExpired   TaskStatus = "expired"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// ClaimStatus tracks one user's progress through a task.
type ClaimStatus string

const (
	ClaimClaimed    ClaimStatus = "claimed"
	ClaimInProgress ClaimStatus = "in_progress"
	ClaimSubmitted  ClaimStatus = "submitted"
	ClaimAccepted   ClaimStatus = "accepted"
	ClaimRejected   ClaimStatus = "rejected"
	ClaimExpired    ClaimStatus = "expired"
)

// UnlimitedClaims marks a task with no claim cap.
const UnlimitedClaims = -1

// Task is a reward task owned by a tenant.
type Task struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Reward        int64      `json:"reward"`
	Duration      string     `json:"duration,omitempty"` // Go duration string, claim deadline offset
	MaxClaims     int        `json:"max_claims"`         // -1 = unlimited
	CurrentClaims int        `json:"current_claims"`
	Status        TaskStatus `json:"status"`
	ExpiresAt     time.Time  `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ClaimableNow reports whether the task admits new claims at the given time.
// Capacity is checked separately under the claim lock.
func (t Task) ClaimableNow(now time.Time) bool {
	if t.Status != TaskActive {
		return false
	}
	if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
		return false
	}
	return true
}

// Full reports whether the claim cap has been reached.
func (t Task) Full() bool {
	return t.MaxClaims != UnlimitedClaims && t.CurrentClaims >= t.MaxClaims
}

// Claim is one user's attempt at a task. At most one exists per
// (tenant, user, task).
type Claim struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	UserID       string      `json:"user_id"`
	TaskID       string      `json:"task_id"`
	Status       ClaimStatus `json:"status"`
	ClaimedAt    time.Time   `json:"claimed_at"`
	Deadline     time.Time   `json:"deadline,omitempty"`
	SubmittedAt  time.Time   `json:"submitted_at,omitempty"`
	CompletedAt  time.Time   `json:"completed_at,omitempty"`
	RejectReason string      `json:"reject_reason,omitempty"`
}

// IsTerminal reports whether the claim can no longer change state.
func (c Claim) IsTerminal() bool {
	return c.Status == ClaimAccepted || c.Status == ClaimExpired
}

// Submittable reports whether work may be handed in.
func (c Claim) Submittable() bool {
	return c.Status == ClaimClaimed || c.Status == ClaimInProgress
}

// Overdue reports whether the deadline has passed for a non-terminal claim.
func (c Claim) Overdue(now time.Time) bool {
	if c.IsTerminal() || c.Deadline.IsZero() {
		return false
	}
	return now.After(c.Deadline)
}
