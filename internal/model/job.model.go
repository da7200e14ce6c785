package model

import "time"

type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSent       JobStatus = "SENT"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusRetrying   JobStatus = "RETRYING"
	JobStatusDead       JobStatus = "DEAD"
	JobStatusSkipped    JobStatus = "SKIPPED"
)

// jobTransitions lists, per state, the states a job may move to.
// QUEUED -> DEAD covers jobs that never reached a worker (enqueue failure,
// dead-lettered by the queue).
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusDead},
	JobStatusProcessing: {JobStatusSent, JobStatusSkipped, JobStatusFailed, JobStatusDead},
	JobStatusFailed:     {JobStatusRetrying, JobStatusDead},
	JobStatusRetrying:   {JobStatusProcessing, JobStatusDead},
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusSent || s == JobStatusDead || s == JobStatusSkipped
}

func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Predecessors returns every state from which a job may enter to.
func Predecessors(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatusFailed, JobStatusRetrying} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type SkipReason string

const (
	SkipContactNotFound    SkipReason = "CONTACT_NOT_FOUND"
	SkipMissingEmail       SkipReason = "MISSING_EMAIL"
	SkipInvalidEmail       SkipReason = "INVALID_EMAIL"
	SkipMissingPhone       SkipReason = "MISSING_PHONE"
	SkipMissingDeviceToken SkipReason = "MISSING_DEVICE_TOKEN"
	SkipRunCancelled       SkipReason = "RUN_CANCELLED"
)

// DeliveryJob is one attempt to deliver a campaign message to one contact.
type DeliveryJob struct {
	ID                int64      `json:"id"`
	CampaignID        int64      `json:"campaign_id"`
	CampaignRunID     int64      `json:"campaign_run_id"`
	TenantID          string     `json:"tenant_id"`
	ContactID         string     `json:"contact_id"`
	Channel           Channel    `json:"channel"`
	TemplateVersionID string     `json:"template_version_id"`
	Status            JobStatus  `json:"dispatch_status"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	DispatchError     string     `json:"dispatch_error,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	SkipReason        SkipReason `json:"skip_reason,omitempty"`
	RetryCount        int        `json:"retry_count"`
	CorrelationID     string     `json:"correlation_id"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	ClickedAt         *time.Time `json:"clicked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Attempt is the 1-based number of the send attempt currently in progress.
func (j *DeliveryJob) Attempt() int {
	return j.RetryCount + 1
}

func (j *DeliveryJob) Ref() DeliveryJobRef {
	return DeliveryJobRef{
		JobID:             j.ID,
		TenantID:          j.TenantID,
		CorrelationID:     j.CorrelationID,
		CampaignID:        j.CampaignID,
		CampaignRunID:     j.CampaignRunID,
		ContactID:         j.ContactID,
		Channel:           j.Channel,
		TemplateVersionID: j.TemplateVersionID,
	}
}

// DeliveryJobRef is the queue payload. Mutable job state is always re-read
// from the store when the ref is processed.
type DeliveryJobRef struct {
	JobID             int64   `json:"jobId"`
	TenantID          string  `json:"tenantId"`
	CorrelationID     string  `json:"correlationId"`
	CampaignID        int64   `json:"campaignId"`
	CampaignRunID     int64   `json:"campaignRunId"`
	ContactID         string  `json:"contactId"`
	Channel           Channel `json:"channel"`
	TemplateVersionID string  `json:"templateVersionId"`
}

// JobPatch carries the column changes applied together with a status transition.
type JobPatch struct {
	ProviderMessageID string
	DispatchError     string
	ErrorCode         string
	SkipReason        SkipReason
	IncrementRetry    bool
	SentAt            *time.Time
}
