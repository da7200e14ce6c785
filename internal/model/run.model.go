package model

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// DispatchMode says who drives a run's jobs: the queue workers (async) or
// the executor call itself (sync).
type DispatchMode string

const (
	DispatchModeAsync DispatchMode = "async"
	DispatchModeSync  DispatchMode = "sync"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CampaignRun is one execution of a campaign against its resolved audience.
// ProcessedCount always equals SentCount + FailedCount + SkippedCount.
type CampaignRun struct {
	ID              int64        `json:"id"`
	CampaignID      int64        `json:"campaign_id"`
	TenantID        string       `json:"tenant_id"`
	Status          RunStatus    `json:"status"`
	Mode            DispatchMode `json:"mode"`
	TotalRecipients int64        `json:"total_recipients"`
	ProcessedCount  int64        `json:"processed_count"`
	SentCount       int64        `json:"sent_count"`
	FailedCount     int64        `json:"failed_count"`
	SkippedCount    int64        `json:"skipped_count"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (r *CampaignRun) Counts() RunCounts {
	return RunCounts{
		Sent:    r.SentCount,
		Failed:  r.FailedCount,
		Skipped: r.SkippedCount,
	}
}

// Progress returns the processed share of the audience in percent.
func (r *CampaignRun) Progress() float64 {
	if r.TotalRecipients <= 0 {
		return 0
	}
	p := float64(r.ProcessedCount) / float64(r.TotalRecipients) * 100
	if p > 100 {
		p = 100
	}
	return p
}

type RunCounts struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

func (c RunCounts) Processed() int64 {
	return c.Sent + c.Failed + c.Skipped
}

// RunDelta is the contribution of one terminal job to its run counters.
type RunDelta struct {
	Sent    int64
	Failed  int64
	Skipped int64
}

func (d RunDelta) Processed() int64 {
	return d.Sent + d.Failed + d.Skipped
}
