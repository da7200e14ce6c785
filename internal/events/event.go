package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
)

// Lifecycle subjects, one per state transition.
const (
	SubjectJobStarted  = "campaign.job.started"
	SubjectJobSent     = "campaign.job.sent"
	SubjectJobRetrying = "campaign.job.retrying"
	SubjectJobDead     = "campaign.job.dead"
	SubjectJobSkipped  = "campaign.job.skipped"

	SubjectRunStarted   = "campaign.run.started"
	SubjectRunCompleted = "campaign.run.completed"
	SubjectRunFailed    = "campaign.run.failed"
	SubjectRunCancelled = "campaign.run.cancelled"
)

type Metadata struct {
	TenantID      string
	CorrelationID string
}

// Publisher delivers an encoded event to a message bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, meta Metadata) error
	Close() error
}

// Event is the envelope every lifecycle event is published with.
type Event struct {
	EventID           string    `json:"eventId"`
	Subject           string    `json:"subject"`
	TenantID          string    `json:"tenantId"`
	CorrelationID     string    `json:"correlationId"`
	Timestamp         time.Time `json:"timestamp"`
	CampaignID        int64     `json:"campaignId"`
	RunID             int64     `json:"runId"`
	JobID             int64     `json:"jobId,omitempty"`
	ContactID         string    `json:"contactId,omitempty"`
	Channel           string    `json:"channel,omitempty"`
	Error             string    `json:"error,omitempty"`
	ErrorCode         string    `json:"errorCode,omitempty"`
	SkipReason        string    `json:"skipReason,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Attempt           int       `json:"attempt,omitempty"`

	TotalRecipients int64 `json:"totalRecipients,omitempty"`
	SentCount       int64 `json:"sentCount,omitempty"`
	FailedCount     int64 `json:"failedCount,omitempty"`
	SkippedCount    int64 `json:"skippedCount,omitempty"`
}

// JobEvent builds the envelope for a job transition.
func JobEvent(job *model.DeliveryJob) Event {
	return Event{
		TenantID:          job.TenantID,
		CorrelationID:     job.CorrelationID,
		CampaignID:        job.CampaignID,
		RunID:             job.CampaignRunID,
		JobID:             job.ID,
		ContactID:         job.ContactID,
		Channel:           string(job.Channel),
		Error:             job.DispatchError,
		ErrorCode:         job.ErrorCode,
		SkipReason:        string(job.SkipReason),
		ProviderMessageID: job.ProviderMessageID,
		Attempt:           job.Attempt(),
	}
}

// RunEvent builds the envelope for a run transition.
func RunEvent(run *model.CampaignRun, channel model.Channel) Event {
	return Event{
		TenantID:        run.TenantID,
		CorrelationID:   RunCorrelationID(run.ID),
		CampaignID:      run.CampaignID,
		RunID:           run.ID,
		Channel:         string(channel),
		Error:           run.ErrorMessage,
		TotalRecipients: run.TotalRecipients,
		SentCount:       run.SentCount,
		FailedCount:     run.FailedCount,
		SkippedCount:    run.SkippedCount,
	}
}

func RunCorrelationID(runID int64) string {
	return "run-" + strconv.FormatInt(runID, 10)
}

// Emitter publishes lifecycle events. Publish failures are logged and never
// returned: a broken bus must not fail delivery.
type Emitter struct {
	publisher Publisher
}

func NewEmitter(p Publisher) *Emitter {
	return &Emitter{publisher: p}
}

func (e *Emitter) Emit(ctx context.Context, subject string, ev Event) {
	if e == nil || e.publisher == nil {
		return
	}
	ev.EventID = uuid.NewString()
	ev.Subject = subject
	ev.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("failed to encode event", "subject", subject, "error", err)
		return
	}

	meta := Metadata{TenantID: ev.TenantID, CorrelationID: ev.CorrelationID}
	if err := e.publisher.Publish(ctx, subject, payload, meta); err != nil {
		logger.Warn("failed to publish event", "subject", subject, "run_id", ev.RunID, "job_id", ev.JobID, "error", err)
	}
}
