package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/aggregator"
	"github.com/nimasrn/campaign-pipeline/internal/events"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/prom"
)

type JobStore interface {
	Get(ctx context.Context, id int64) (*model.DeliveryJob, error)
	Transition(ctx context.Context, id int64, to model.JobStatus, patch model.JobPatch) (bool, error)
}

// Completer finalizes a run once all of its jobs reached a terminal state.
type Completer interface {
	MarkRunCompleted(ctx context.Context, runID int64, counts model.RunCounts) error
}

// Machine is the only writer of a job's dispatch status. Terminal moves and
// the run counter increment commit together, so a job is counted exactly
// once no matter how many workers race on it.
type Machine struct {
	tx        aggregator.Transactor
	jobs      JobStore
	agg       *aggregator.Aggregator
	emitter   *events.Emitter
	completer Completer
	now       func() time.Time
}

func NewMachine(tx aggregator.Transactor, jobs JobStore, agg *aggregator.Aggregator, emitter *events.Emitter) *Machine {
	return &Machine{
		tx:      tx,
		jobs:    jobs,
		agg:     agg,
		emitter: emitter,
		now:     time.Now,
	}
}

// SetCompleter must be called before the machine is used concurrently.
func (m *Machine) SetCompleter(c Completer) {
	m.completer = c
}

// Claim moves a job into PROCESSING. It reports false when the job is
// already terminal. Claiming a job that is already PROCESSING is a no-op.
func (m *Machine) Claim(ctx context.Context, job *model.DeliveryJob) (bool, error) {
	switch {
	case job.Status.Terminal():
		return false, nil
	case job.Status == model.JobStatusProcessing:
		return true, nil
	case job.Status == model.JobStatusFailed:
		// a FAILED row left behind without its RETRYING move
		if _, err := m.jobs.Transition(ctx, job.ID, model.JobStatusRetrying, model.JobPatch{}); err != nil {
			return false, err
		}
	}

	ok, err := m.jobs.Transition(ctx, job.ID, model.JobStatusProcessing, model.JobPatch{})
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", job.ID, err)
	}
	if !ok {
		current, err := m.jobs.Get(ctx, job.ID)
		if err != nil {
			return false, err
		}
		*job = *current
		if job.Status == model.JobStatusProcessing {
			return true, nil
		}
		if job.Status.Terminal() {
			return false, nil
		}
		return false, fmt.Errorf("job %d in status %s cannot be claimed", job.ID, job.Status)
	}

	job.Status = model.JobStatusProcessing
	m.transitioned(ctx, job, events.SubjectJobStarted, events.JobEvent(job))
	return true, nil
}

// Complete records a successful send.
func (m *Machine) Complete(ctx context.Context, job *model.DeliveryJob, providerMessageID string) (bool, error) {
	now := m.now().UTC()
	patch := model.JobPatch{ProviderMessageID: providerMessageID, SentAt: &now}
	return m.finish(ctx, job, model.JobStatusSent, patch, events.SubjectJobSent)
}

func (m *Machine) Skip(ctx context.Context, job *model.DeliveryJob, reason model.SkipReason) (bool, error) {
	return m.finish(ctx, job, model.JobStatusSkipped, model.JobPatch{SkipReason: reason}, events.SubjectJobSkipped)
}

// Kill is the single terminal failure path. Exhausted retries, non-retryable
// send errors, unrecoverable worker errors and dead-lettered refs all end here.
func (m *Machine) Kill(ctx context.Context, job *model.DeliveryJob, code, message string) (bool, error) {
	patch := model.JobPatch{ErrorCode: code, DispatchError: message}
	return m.finish(ctx, job, model.JobStatusDead, patch, events.SubjectJobDead)
}

// Orphan moves a job whose run no longer exists to DEAD. There are no
// counters to record it against.
func (m *Machine) Orphan(ctx context.Context, job *model.DeliveryJob, code, message string) (bool, error) {
	patch := model.JobPatch{ErrorCode: code, DispatchError: message}
	ok, err := m.jobs.Transition(ctx, job.ID, model.JobStatusDead, patch)
	if err != nil {
		return false, fmt.Errorf("move orphaned job %d to DEAD: %w", job.ID, err)
	}
	if !ok {
		return false, nil
	}
	applyPatch(job, model.JobStatusDead, patch)
	m.transitioned(ctx, job, events.SubjectJobDead, events.JobEvent(job))
	return true, nil
}

// Retry records a retryable failure: PROCESSING -> FAILED -> RETRYING in one
// transaction, bumping the retry count. Run counters are not touched.
func (m *Machine) Retry(ctx context.Context, job *model.DeliveryJob, sendErr *model.SendError) (bool, error) {
	patch := model.JobPatch{ErrorCode: string(sendErr.Code), DispatchError: sendErr.Message}

	applied := false
	err := m.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := m.jobs.Transition(ctx, job.ID, model.JobStatusFailed, patch)
		if err != nil || !ok {
			return err
		}
		ok, err = m.jobs.Transition(ctx, job.ID, model.JobStatusRetrying, model.JobPatch{IncrementRetry: true})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %d left FAILED without retry", job.ID)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("retry job %d: %w", job.ID, err)
	}
	if !applied {
		return false, nil
	}

	job.Status = model.JobStatusRetrying
	job.ErrorCode = patch.ErrorCode
	job.DispatchError = patch.DispatchError
	ev := events.JobEvent(job)
	job.RetryCount++
	m.transitioned(ctx, job, events.SubjectJobRetrying, ev)
	return true, nil
}

func (m *Machine) finish(ctx context.Context, job *model.DeliveryJob, to model.JobStatus, patch model.JobPatch, subject string) (bool, error) {
	var run *model.CampaignRun
	applied := false

	err := m.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := m.jobs.Transition(ctx, job.ID, to, patch)
		if err != nil || !ok {
			return err
		}
		applied = true
		run, err = m.agg.Record(ctx, job.CampaignRunID, aggregator.DeltaFor(to))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("move job %d to %s: %w", job.ID, to, err)
	}
	if !applied {
		return false, nil
	}

	applyPatch(job, to, patch)
	m.transitioned(ctx, job, subject, events.JobEvent(job))

	if aggregator.Done(run) {
		m.complete(ctx, run)
	}
	return true, nil
}

func (m *Machine) complete(ctx context.Context, run *model.CampaignRun) {
	if m.completer == nil {
		logger.Warn("run finished without a completer", "run_id", run.ID)
		return
	}
	if err := m.completer.MarkRunCompleted(ctx, run.ID, run.Counts()); err != nil {
		// the reconciler finalizes runs whose completion got lost
		logger.Error("failed to complete run", "run_id", run.ID, "error", err)
	}
}

func (m *Machine) transitioned(ctx context.Context, job *model.DeliveryJob, subject string, ev events.Event) {
	prom.AddJobTransition(string(job.Channel), string(job.Status))
	m.emitter.Emit(ctx, subject, ev)
}

func applyPatch(job *model.DeliveryJob, to model.JobStatus, patch model.JobPatch) {
	job.Status = to
	if patch.ProviderMessageID != "" {
		job.ProviderMessageID = patch.ProviderMessageID
	}
	if patch.DispatchError != "" {
		job.DispatchError = patch.DispatchError
	}
	if patch.ErrorCode != "" {
		job.ErrorCode = patch.ErrorCode
	}
	if patch.SkipReason != "" {
		job.SkipReason = patch.SkipReason
	}
	if patch.SentAt != nil {
		job.SentAt = patch.SentAt
	}
}
