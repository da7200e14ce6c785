package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/pipeline"
	"github.com/nimasrn/campaign-pipeline/internal/queue"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
)

type JobPipeline interface {
	Process(ctx context.Context, ref model.DeliveryJobRef) pipeline.Outcome
	Abandon(ctx context.Context, jobID int64, code, message string) pipeline.Outcome
}

// Requeuer schedules a job ref for a later attempt.
type Requeuer interface {
	PublishDelayed(ctx context.Context, data []byte, metadata map[string]string, delay time.Duration) error
}

// DeliveryJobProcessor turns queue messages into pipeline runs and maps the
// outcome back onto the queue: ack, delayed re-enqueue or redelivery.
type DeliveryJobProcessor struct {
	pipeline JobPipeline
	locks    *JobLockService
	requeue  Requeuer
}

func NewDeliveryJobProcessor(p JobPipeline, locks *JobLockService, requeue Requeuer) *DeliveryJobProcessor {
	return &DeliveryJobProcessor{
		pipeline: p,
		locks:    locks,
		requeue:  requeue,
	}
}

func (p *DeliveryJobProcessor) GetType() string {
	return "delivery_job"
}

// Process returns nil when the message may be acked.
func (p *DeliveryJobProcessor) Process(ctx context.Context, msg *queue.Message) (pipeline.Outcome, error) {
	var ref model.DeliveryJobRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.JobID == 0 {
		// nothing to retry: the payload will never decode
		logger.Error("Dropping malformed job ref", "message_id", msg.ID, "error", err)
		return pipeline.Outcome{Kind: pipeline.OutcomeDead, Err: err}, nil
	}

	lock, err := p.locks.Acquire(ctx, ref.JobID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			logger.Debug("Job already processed, acking", "job_id", ref.JobID)
			return pipeline.Outcome{Kind: pipeline.OutcomeDuplicate, JobID: ref.JobID}, nil
		}
		if errors.Is(err, ErrLockHeld) {
			// redelivered after the visibility timeout if the holder dies
			logger.Info("Job locked by another worker", "job_id", ref.JobID, "delivery", msg.Attempts)
			return pipeline.Outcome{Kind: pipeline.OutcomeBusy, JobID: ref.JobID}, ErrLockHeld
		}
		return pipeline.Outcome{Kind: pipeline.OutcomeError, JobID: ref.JobID, Err: err}, err
	}
	defer p.locks.Release(context.WithoutCancel(ctx), lock)

	out := p.pipeline.Process(ctx, ref)

	switch out.Kind {
	case pipeline.OutcomeSent, pipeline.OutcomeSkipped, pipeline.OutcomeDead, pipeline.OutcomeDuplicate:
		if err := p.locks.MarkDone(context.WithoutCancel(ctx), lock); err != nil {
			logger.Warn("Failed to mark job processed", "job_id", ref.JobID, "error", err)
		}
		return out, nil

	case pipeline.OutcomeRetry:
		if err := p.requeue.PublishDelayed(ctx, msg.Data, msg.Metadata, out.Delay); err != nil {
			// the RETRYING job is picked up again by stream redelivery
			logger.Error("Failed to schedule retry", "job_id", ref.JobID, "error", err)
			return out, fmt.Errorf("schedule retry of job %d: %w", ref.JobID, err)
		}
		logger.Info("Job retry scheduled", "job_id", ref.JobID, "attempt", out.Attempt, "delay", out.Delay)
		return out, nil
	}

	err = out.Err
	if err == nil {
		err = fmt.Errorf("job %d: %s", ref.JobID, out.Kind)
	}
	logger.Error("Failed to process job", "job_id", ref.JobID, "delivery", msg.Attempts, "error", err)
	return out, err
}

// DeadLetter drives the job of a message that exhausted its deliveries to
// DEAD, so its run still completes.
func (p *DeliveryJobProcessor) DeadLetter(ctx context.Context, msg *queue.Message) {
	var ref model.DeliveryJobRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.JobID == 0 {
		return
	}
	reason := fmt.Sprintf("dropped after %d deliveries", msg.Attempts-1)
	out := p.pipeline.Abandon(ctx, ref.JobID, pipeline.CodeDeadLettered, reason)
	if out.Kind == pipeline.OutcomeError {
		logger.Error("Failed to dead-letter job", "job_id", ref.JobID, "error", out.Err)
	}
}
