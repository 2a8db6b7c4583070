// Package job defines durable scheduled work items.
//
// Jobs carry a due time and are executed at least once; executors deduplicate
// by job ID so a poller restart never repeats a completed job's side effects.
package job

import "time"

// Status values for a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Well-known job kinds.
const (
	KindGrantReversal  = "grant_reversal"
	KindReconciliation = "reconciliation"
	KindClaimSweep     = "claim_sweep"
)

// Job is one durable unit of deferred work.
type Job struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Kind      string            `json:"kind"`
	RunAt     time.Time         `json:"run_at"`
	Payload   map[string]string `json:"payload,omitempty"`
	Status    Status            `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Due reports whether the job should run at the given time.
func (j Job) Due(now time.Time) bool {
	return j.Status == StatusPending && !j.RunAt.After(now)
}
