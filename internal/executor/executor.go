package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/aggregator"
	"github.com/nimasrn/campaign-pipeline/internal/dispatch"
	"github.com/nimasrn/campaign-pipeline/internal/events"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/repository"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/prom"
)

type Mode string

const (
	ModeAsync Mode = "async"
	ModeSync  Mode = "sync"
)

var (
	ErrCampaignNotFound = repository.ErrCampaignNotFound
	ErrRunNotFound      = repository.ErrRunNotFound
	ErrNotCancellable   = errors.New("campaign cannot be cancelled in its current status")
	ErrUnknownMode      = errors.New("unknown dispatch mode")
)

// InvalidCampaignStateError is returned by Execute when the campaign cannot
// start a run. Reason is meant for the caller.
type InvalidCampaignStateError struct {
	CampaignID int64
	Status     model.CampaignStatus
	Reason     string
}

func (e *InvalidCampaignStateError) Error() string {
	return fmt.Sprintf("campaign %d: %s", e.CampaignID, e.Reason)
}

type CampaignStore interface {
	Get(ctx context.Context, tenantID string, id int64) (*model.Campaign, error)
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	MarkRunning(ctx context.Context, id, runID int64) (bool, error)
	UpdateStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	AddLifetimeCounts(ctx context.Context, id int64, counts model.RunCounts) error
}

type RunStore interface {
	Create(ctx context.Context, run *model.CampaignRun) error
	Get(ctx context.Context, id int64) (*model.CampaignRun, error)
	MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, message string, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, id int64, at time.Time) (bool, error)
	FindActiveByCampaign(ctx context.Context, campaignID int64) (*model.CampaignRun, error)
}

type JobCounter interface {
	CountByStatus(ctx context.Context, runID int64) (map[model.JobStatus]int64, error)
}

type AudienceResolver interface {
	ResolveAudience(ctx context.Context, tenantID, segmentID string) ([]model.ContactRef, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, campaign *model.Campaign, run *model.CampaignRun, recipients []model.ContactRef) (*dispatch.DispatchResult, error)
	Enqueue(ctx context.Context, campaign *model.Campaign, run *model.CampaignRun, recipients []model.ContactRef) (int, error)
}

type Deps struct {
	Tx         aggregator.Transactor
	Campaigns  CampaignStore
	Runs       RunStore
	Jobs       JobCounter
	Audience   AudienceResolver
	Dispatcher Dispatcher
	Emitter    *events.Emitter
	Mode       Mode
}

type ExecuteRequest struct {
	CampaignID int64  `json:"campaign_id"`
	TenantID   string `json:"tenant_id"`
	DryRun     bool   `json:"dry_run"`
	Mode       Mode   `json:"mode,omitempty"`
}

type ExecuteResult struct {
	Success         bool                     `json:"success"`
	RunID           *int64                   `json:"run_id,omitempty"`
	TotalRecipients int                      `json:"total_recipients"`
	EnqueuedJobs    int                      `json:"enqueued_jobs"`
	Message         string                   `json:"message"`
	Dispatch        *dispatch.DispatchResult `json:"dispatch,omitempty"`
}

type ExecutionStats struct {
	RunID           int64                     `json:"run_id"`
	CampaignID      int64                     `json:"campaign_id"`
	TenantID        string                    `json:"tenant_id"`
	Status          model.RunStatus           `json:"status"`
	TotalRecipients int64                     `json:"total_recipients"`
	ProcessedCount  int64                     `json:"processed_count"`
	SentCount       int64                     `json:"sent_count"`
	FailedCount     int64                     `json:"failed_count"`
	SkippedCount    int64                     `json:"skipped_count"`
	Progress        float64                   `json:"progress"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
	DurationMs      int64                     `json:"duration_ms"`
	ErrorMessage    string                    `json:"error_message,omitempty"`
	JobsByStatus    map[model.JobStatus]int64 `json:"jobs_by_status"`
}

// Executor starts campaign runs and owns the run and campaign lifecycle
// around them. Job level state belongs to the pipeline.
type Executor struct {
	tx         aggregator.Transactor
	campaigns  CampaignStore
	runs       RunStore
	jobs       JobCounter
	audience   AudienceResolver
	dispatcher Dispatcher
	emitter    *events.Emitter
	mode       Mode
	now        func() time.Time
}

func New(deps Deps) *Executor {
	mode := deps.Mode
	if mode == "" {
		mode = ModeAsync
	}
	return &Executor{
		tx:         deps.Tx,
		campaigns:  deps.Campaigns,
		runs:       deps.Runs,
		jobs:       deps.Jobs,
		audience:   deps.Audience,
		dispatcher: deps.Dispatcher,
		emitter:    deps.Emitter,
		mode:       mode,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	mode := req.Mode
	if mode == "" {
		mode = e.mode
	}
	if mode != ModeAsync && mode != ModeSync {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	campaign, err := e.campaigns.Get(ctx, req.TenantID, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %d: %w", req.CampaignID, err)
	}
	if err := checkExecutable(campaign); err != nil {
		return nil, err
	}

	log := logger.With("campaign_id", campaign.ID, "tenant_id", campaign.TenantID, "channel", campaign.Channel)

	resolved, err := e.audience.ResolveAudience(ctx, campaign.TenantID, campaign.SegmentID)
	if err != nil {
		return nil, fmt.Errorf("resolve audience of segment %s: %w", campaign.SegmentID, err)
	}
	recipients := uniqueRecipients(resolved)

	if len(recipients) == 0 {
		log.Info("campaign audience is empty", "segment_id", campaign.SegmentID)
		return &ExecuteResult{
			Success: false,
			Message: fmt.Sprintf("segment %s resolved to no recipients", campaign.SegmentID),
		}, nil
	}

	if req.DryRun {
		return &ExecuteResult{
			Success:         true,
			TotalRecipients: len(recipients),
			Message:         fmt.Sprintf("dry run: %d recipients would be targeted", len(recipients)),
		}, nil
	}

	run, err := e.startRun(ctx, campaign, model.DispatchMode(mode), int64(len(recipients)))
	if err != nil {
		return nil, err
	}
	log = log.With("run_id", run.ID)
	log.Info("campaign run started", "recipients", len(recipients), "mode", mode)
	e.emitter.Emit(ctx, events.SubjectRunStarted, events.RunEvent(run, campaign.Channel))

	result := &ExecuteResult{
		Success:         true,
		RunID:           &run.ID,
		TotalRecipients: len(recipients),
	}

	switch mode {
	case ModeSync:
		dispatched, err := e.dispatcher.Dispatch(ctx, campaign, run, recipients)
		if err != nil {
			return nil, e.failRun(ctx, campaign, run, err)
		}
		result.Dispatch = dispatched
		result.EnqueuedJobs = int(dispatched.SentCount + dispatched.FailedCount + dispatched.SkippedCount)
		result.Message = fmt.Sprintf("run %d delivered: %d sent, %d failed, %d skipped",
			run.ID, dispatched.SentCount, dispatched.FailedCount, dispatched.SkippedCount)
	default:
		enqueued, err := e.dispatcher.Enqueue(ctx, campaign, run, recipients)
		if err != nil {
			return nil, e.failRun(ctx, campaign, run, err)
		}
		result.EnqueuedJobs = enqueued
		result.Message = fmt.Sprintf("run %d started: %d of %d jobs enqueued", run.ID, enqueued, len(recipients))
	}

	return result, nil
}

func checkExecutable(c *model.Campaign) error {
	invalid := func(reason string) error {
		return &InvalidCampaignStateError{CampaignID: c.ID, Status: c.Status, Reason: reason}
	}
	switch {
	case !c.Status.Executable():
		return invalid(fmt.Sprintf("campaign in status %s cannot be executed", c.Status))
	case c.SegmentID == "":
		return invalid("campaign must have a segment assigned")
	case c.TemplateVersionID == "":
		return invalid("campaign must have a template assigned")
	}
	return nil
}

// uniqueRecipients keeps the first occurrence of every contact id.
func uniqueRecipients(in []model.ContactRef) []model.ContactRef {
	seen := make(map[string]struct{}, len(in))
	out := make([]model.ContactRef, 0, len(in))
	for _, c := range in {
		if c.ID == "" {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// startRun creates the run and moves the campaign to RUNNING atomically. A
// concurrent Execute loses on the conditional campaign update.
func (e *Executor) startRun(ctx context.Context, campaign *model.Campaign, mode model.DispatchMode, total int64) (*model.CampaignRun, error) {
	startedAt := e.now()
	run := &model.CampaignRun{
		CampaignID:      campaign.ID,
		TenantID:        campaign.TenantID,
		Status:          model.RunStatusRunning,
		Mode:            mode,
		TotalRecipients: total,
		StartedAt:       &startedAt,
	}

	err := e.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := e.runs.Create(ctx, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		ok, err := e.campaigns.MarkRunning(ctx, campaign.ID, run.ID)
		if err != nil {
			return fmt.Errorf("mark campaign %d running: %w", campaign.ID, err)
		}
		if !ok {
			return &InvalidCampaignStateError{
				CampaignID: campaign.ID,
				Status:     campaign.Status,
				Reason:     "campaign was started or changed concurrently",
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	campaign.Status = model.CampaignStatusRunning
	campaign.LastRunID = &run.ID
	return run, nil
}

// failRun records a run-level failure. Outcomes already recorded for single
// jobs stay as they are.
func (e *Executor) failRun(ctx context.Context, campaign *model.Campaign, run *model.CampaignRun, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := logger.With("campaign_id", campaign.ID, "run_id", run.ID)
	log.Error("campaign run failed", "error", cause)

	var applied bool
	err := e.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		applied, err = e.runs.MarkFailed(ctx, run.ID, cause.Error(), e.now())
		if err != nil || !applied {
			return err
		}
		_, err = e.campaigns.UpdateStatus(ctx, campaign.ID, []model.CampaignStatus{model.CampaignStatusRunning}, model.CampaignStatusFailed)
		return err
	})
	if err != nil {
		log.Error("failed to record run failure", "error", err)
	}

	if applied {
		if failed, err := e.runs.Get(ctx, run.ID); err == nil {
			run = failed
		}
		prom.AddRunFinished(string(model.RunStatusFailed))
		e.emitter.Emit(ctx, events.SubjectRunFailed, events.RunEvent(run, campaign.Channel))
	}

	return fmt.Errorf("run %d failed: %w", run.ID, cause)
}

// MarkRunCompleted finalizes a run whose counters cover its audience. Only
// the first call for a run has any effect.
func (e *Executor) MarkRunCompleted(ctx context.Context, runID int64, counts model.RunCounts) error {
	var (
		run      *model.CampaignRun
		campaign *model.Campaign
	)
	err := e.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		applied, err := e.runs.MarkCompleted(ctx, runID, e.now())
		if err != nil {
			return fmt.Errorf("mark run %d completed: %w", runID, err)
		}
		if !applied {
			return nil
		}

		if run, err = e.runs.Get(ctx, runID); err != nil {
			return err
		}
		if err := e.campaigns.AddLifetimeCounts(ctx, run.CampaignID, counts); err != nil {
			return fmt.Errorf("roll up counts of run %d: %w", runID, err)
		}
		if _, err := e.campaigns.UpdateStatus(ctx, run.CampaignID, []model.CampaignStatus{model.CampaignStatusRunning}, model.CampaignStatusCompleted); err != nil {
			return err
		}
		campaign, err = e.campaigns.GetByID(ctx, run.CampaignID)
		return err
	})
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}

	logger.Info("campaign run completed",
		"run_id", run.ID,
		"campaign_id", run.CampaignID,
		"sent", counts.Sent,
		"failed", counts.Failed,
		"skipped", counts.Skipped,
	)
	prom.AddRunFinished(string(model.RunStatusCompleted))
	e.emitter.Emit(ctx, events.SubjectRunCompleted, events.RunEvent(run, campaign.Channel))
	return nil
}

// Cancel stops a scheduled or running campaign. Jobs already claimed by a
// worker still finish; the rest are skipped or never enqueued.
func (e *Executor) Cancel(ctx context.Context, tenantID string, campaignID int64) error {
	campaign, err := e.campaigns.Get(ctx, tenantID, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign %d: %w", campaignID, err)
	}

	switch campaign.Status {
	case model.CampaignStatusScheduled:
		ok, err := e.campaigns.UpdateStatus(ctx, campaign.ID, []model.CampaignStatus{model.CampaignStatusScheduled}, model.CampaignStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotCancellable
		}
		logger.Info("scheduled campaign cancelled", "campaign_id", campaign.ID)
		return nil

	case model.CampaignStatusRunning:
		return e.cancelRunning(ctx, campaign)
	}

	return ErrNotCancellable
}

func (e *Executor) cancelRunning(ctx context.Context, campaign *model.Campaign) error {
	var run *model.CampaignRun
	err := e.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		active, err := e.runs.FindActiveByCampaign(ctx, campaign.ID)
		if err != nil && !errors.Is(err, repository.ErrRunNotFound) {
			return err
		}
		if active != nil {
			cancelled, err := e.runs.MarkCancelled(ctx, active.ID, e.now())
			if err != nil {
				return err
			}
			if cancelled {
				run = active
			}
		}

		ok, err := e.campaigns.UpdateStatus(ctx, campaign.ID, []model.CampaignStatus{model.CampaignStatusRunning}, model.CampaignStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotCancellable
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("running campaign cancelled", "campaign_id", campaign.ID)
	if run != nil {
		if cancelled, err := e.runs.Get(ctx, run.ID); err == nil {
			run = cancelled
		}
		prom.AddRunFinished(string(model.RunStatusCancelled))
		e.emitter.Emit(ctx, events.SubjectRunCancelled, events.RunEvent(run, campaign.Channel))
	}
	return nil
}

func (e *Executor) GetExecutionStats(ctx context.Context, runID int64) (*ExecutionStats, error) {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %d: %w", runID, err)
	}

	byStatus, err := e.jobs.CountByStatus(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("count jobs of run %d: %w", runID, err)
	}

	stats := &ExecutionStats{
		RunID:           run.ID,
		CampaignID:      run.CampaignID,
		TenantID:        run.TenantID,
		Status:          run.Status,
		TotalRecipients: run.TotalRecipients,
		ProcessedCount:  run.ProcessedCount,
		SentCount:       run.SentCount,
		FailedCount:     run.FailedCount,
		SkippedCount:    run.SkippedCount,
		Progress:        run.Progress(),
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		ErrorMessage:    run.ErrorMessage,
		JobsByStatus:    byStatus,
	}
	if run.StartedAt != nil {
		end := e.now()
		if run.CompletedAt != nil {
			end = *run.CompletedAt
		}
		stats.DurationMs = end.Sub(*run.StartedAt).Milliseconds()
	}
	return stats, nil
}
