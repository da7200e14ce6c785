package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/pipeline"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/prom"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize = 50
	DefaultChunkSize = 500

	CodeDispatchError = "DISPATCH_ERROR"
)

type JobCreator interface {
	CreateBatch(ctx context.Context, jobs []*model.DeliveryJob) error
}

type RunReader interface {
	Get(ctx context.Context, id int64) (*model.CampaignRun, error)
}

// Publisher puts an encoded job ref on the durable work queue.
type Publisher interface {
	Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error)
}

type Options struct {
	BatchSize  int
	ChunkSize  int
	SyncPolicy pipeline.RetryPolicy
}

type DispatchResult struct {
	RunID        int64 `json:"run_id"`
	SentCount    int64 `json:"sent_count"`
	FailedCount  int64 `json:"failed_count"`
	SkippedCount int64 `json:"skipped_count"`
	DurationMs   int64 `json:"duration_ms"`
}

// Engine creates the job rows of a run and fans them out, either inline in
// fixed-size concurrent batches or through the work queue.
type Engine struct {
	jobs      JobCreator
	runs      RunReader
	processor *pipeline.Processor
	sync      *pipeline.Processor
	queue     Publisher
	batchSize int
	chunkSize int
	tracer    trace.Tracer
}

func NewEngine(jobs JobCreator, runs RunReader, processor *pipeline.Processor, queue Publisher, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.SyncPolicy.MaxAttempts <= 0 {
		opts.SyncPolicy.MaxAttempts = 1
	}
	return &Engine{
		jobs:      jobs,
		runs:      runs,
		processor: processor,
		sync:      processor.WithPolicies(pipeline.StaticPolicy(opts.SyncPolicy)),
		queue:     queue,
		batchSize: opts.BatchSize,
		chunkSize: opts.ChunkSize,
		tracer:    otel.Tracer("github.com/nimasrn/campaign-pipeline/internal/dispatch"),
	}
}

// Dispatch delivers a run synchronously. Batches run one after another, the
// jobs of a batch all at once. A failing recipient never aborts the run;
// only errors outside the per-job loop are returned.
func (e *Engine) Dispatch(ctx context.Context, campaign *model.Campaign, run *model.CampaignRun, recipients []model.ContactRef) (*DispatchResult, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.sync", trace.WithAttributes(
		attribute.Int64("run.id", run.ID),
		attribute.Int("recipients", len(recipients)),
	))
	defer span.End()

	start := time.Now()
	jobs := buildJobs(campaign, run, recipients)
	if err := e.jobs.CreateBatch(ctx, jobs); err != nil {
		return nil, fmt.Errorf("create jobs for run %d: %w", run.ID, err)
	}

	byContact := make(map[string]*model.DeliveryJob, len(jobs))
	for _, job := range jobs {
		byContact[job.ContactID] = job
	}

	var sent, failed, skipped atomic.Int64
	for from := 0; from < len(recipients); from += e.batchSize {
		if err := ctx.Err(); err != nil {
			abandoned := e.abandon(ctx, recipients[from:], byContact, err)
			logger.Warn("sync dispatch cancelled", "run_id", run.ID, "abandoned", abandoned)
			return nil, err
		}
		to := min(from+e.batchSize, len(recipients))

		var g errgroup.Group
		for _, recipient := range recipients[from:to] {
			job, ok := byContact[recipient.ID]
			if !ok {
				logger.Error("no job for recipient", "run_id", run.ID, "contact_id", recipient.ID)
				failed.Add(1)
				continue
			}
			g.Go(func() error {
				switch e.deliver(ctx, job).Kind {
				case pipeline.OutcomeSent:
					sent.Add(1)
				case pipeline.OutcomeSkipped:
					skipped.Add(1)
				case pipeline.OutcomeDead:
					failed.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
		prom.AddDispatchBatch(string(campaign.Channel))
	}

	result := &DispatchResult{
		RunID:        run.ID,
		SentCount:    sent.Load(),
		FailedCount:  failed.Load(),
		SkippedCount: skipped.Load(),
		DurationMs:   time.Since(start).Milliseconds(),
	}
	logger.Info("run dispatched",
		"run_id", run.ID, "sent", result.SentCount, "failed", result.FailedCount,
		"skipped", result.SkippedCount, "duration_ms", result.DurationMs)
	return result, nil
}

// abandon drives the jobs of recipients that were never attempted to DEAD so
// the run's counters still cover its audience.
func (e *Engine) abandon(ctx context.Context, recipients []model.ContactRef, byContact map[string]*model.DeliveryJob, cause error) int {
	ctx = context.WithoutCancel(ctx)
	n := 0
	for _, recipient := range recipients {
		job, ok := byContact[recipient.ID]
		if !ok {
			continue
		}
		delete(byContact, recipient.ID)
		if e.processor.Abandon(ctx, job.ID, CodeDispatchError, "dispatch cancelled: "+cause.Error()).Kind == pipeline.OutcomeDead {
			n++
		}
	}
	return n
}

// deliver runs one job to a terminal outcome. Panics and infrastructure
// errors are turned into a DEAD job so the batch carries on.
func (e *Engine) deliver(ctx context.Context, job *model.DeliveryJob) (out pipeline.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "job_id", job.ID, "panic", r)
			out = e.processor.Abandon(ctx, job.ID, CodeDispatchError, fmt.Sprintf("panic: %v", r))
		}
	}()

	ref := job.Ref()
	for {
		out = e.sync.Process(ctx, ref)
		switch out.Kind {
		case pipeline.OutcomeRetry:
			select {
			case <-time.After(out.Delay):
			case <-ctx.Done():
				return e.processor.Abandon(context.WithoutCancel(ctx), job.ID, CodeDispatchError, ctx.Err().Error())
			}
		case pipeline.OutcomeError, pipeline.OutcomeBusy:
			msg := "dispatch error"
			if out.Err != nil {
				msg = out.Err.Error()
			}
			return e.processor.Abandon(context.WithoutCancel(ctx), job.ID, CodeDispatchError, msg)
		default:
			return out
		}
	}
}

// Enqueue creates the jobs of a run chunk by chunk and publishes one ref per
// job. It stops as soon as the run is cancelled. Refs that cannot be
// published are dead-lettered so the run can still complete.
func (e *Engine) Enqueue(ctx context.Context, campaign *model.Campaign, run *model.CampaignRun, recipients []model.ContactRef) (int, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.enqueue", trace.WithAttributes(
		attribute.Int64("run.id", run.ID),
		attribute.Int("recipients", len(recipients)),
	))
	defer span.End()

	enqueued := 0
	for from := 0; from < len(recipients); from += e.chunkSize {
		current, err := e.runs.Get(ctx, run.ID)
		if err != nil {
			return enqueued, fmt.Errorf("reload run %d: %w", run.ID, err)
		}
		if current.Status == model.RunStatusCancelled {
			logger.Info("run cancelled, enqueue stopped", "run_id", run.ID, "enqueued", enqueued)
			return enqueued, nil
		}

		to := min(from+e.chunkSize, len(recipients))
		jobs := buildJobs(campaign, run, recipients[from:to])
		if err := e.jobs.CreateBatch(ctx, jobs); err != nil {
			return enqueued, fmt.Errorf("create jobs for run %d: %w", run.ID, err)
		}

		for _, job := range jobs {
			if err := PublishRef(ctx, e.queue, job); err != nil {
				logger.Error("failed to enqueue job", "job_id", job.ID, "run_id", run.ID, "error", err)
				e.processor.Abandon(context.WithoutCancel(ctx), job.ID, pipeline.CodeEnqueueFailed, err.Error())
				continue
			}
			enqueued++
		}
	}
	return enqueued, nil
}

// PublishRef puts the ref of job on the work queue.
func PublishRef(ctx context.Context, queue Publisher, job *model.DeliveryJob) error {
	data, err := json.Marshal(job.Ref())
	if err != nil {
		return err
	}
	_, err = queue.Publish(ctx, data, RefMetadata(job))
	return err
}

// RefMetadata is the queue metadata attached to a published job ref.
func RefMetadata(job *model.DeliveryJob) map[string]string {
	return map[string]string{
		"job_id":         strconv.FormatInt(job.ID, 10),
		"run_id":         strconv.FormatInt(job.CampaignRunID, 10),
		"tenant_id":      job.TenantID,
		"correlation_id": job.CorrelationID,
	}
}

// buildJobs maps recipients to QUEUED jobs, one per distinct contact.
func buildJobs(campaign *model.Campaign, run *model.CampaignRun, recipients []model.ContactRef) []*model.DeliveryJob {
	seen := make(map[string]struct{}, len(recipients))
	jobs := make([]*model.DeliveryJob, 0, len(recipients))
	for _, r := range recipients {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		jobs = append(jobs, &model.DeliveryJob{
			CampaignID:        campaign.ID,
			CampaignRunID:     run.ID,
			TenantID:          run.TenantID,
			ContactID:         r.ID,
			Channel:           campaign.Channel,
			TemplateVersionID: campaign.TemplateVersionID,
			Status:            model.JobStatusQueued,
			CorrelationID:     CorrelationID(run.ID, r.ID),
		})
	}
	return jobs
}

func CorrelationID(runID int64, contactID string) string {
	return fmt.Sprintf("run-%d-%s", runID, contactID)
}
