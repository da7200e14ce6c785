// Package reconciler repairs runs the normal pipeline could not finish: jobs
// whose ref was lost and runs whose completion was never recorded.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/aggregator"
	"github.com/nimasrn/campaign-pipeline/internal/dispatch"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/pipeline"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "@every 1m"
	DefaultStaleAge = 10 * time.Minute
	DefaultBatch    = 500
)

type RunLister interface {
	ListRunning(ctx context.Context, limit int) ([]*model.CampaignRun, error)
}

type StaleJobs interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*model.DeliveryJob, error)
	Touch(ctx context.Context, ids []int64) error
}

type Options struct {
	Schedule string
	StaleAge time.Duration
	Batch    int
}

type Report struct {
	Finalized   int `json:"finalized"`
	Republished int `json:"republished"`
}

type Reconciler struct {
	runs      RunLister
	jobs      StaleJobs
	queue     dispatch.Publisher
	completer pipeline.Completer
	opts      Options
	parser    cron.Parser
	c         *cron.Cron
	mu        sync.Mutex
	now       func() time.Time
}

func New(runs RunLister, jobs StaleJobs, queue dispatch.Publisher, completer pipeline.Completer, opts Options) *Reconciler {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = DefaultStaleAge
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	return &Reconciler{
		runs:      runs,
		jobs:      jobs,
		queue:     queue,
		completer: completer,
		opts:      opts,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:       time.Now,
	}
}

// Start schedules RunOnce. A sweep still running when the next one is due
// is skipped.
func (r *Reconciler) Start() error {
	r.c = cron.New(cron.WithParser(r.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := r.c.AddFunc(r.opts.Schedule, r.sweep); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.opts.Schedule, err)
	}
	r.c.Start()
	logger.Info("Reconciler started", "schedule", r.opts.Schedule, "stale_age", r.opts.StaleAge)
	return nil
}

// Stop waits for a running sweep to return.
func (r *Reconciler) Stop() {
	if r.c == nil {
		return
	}
	<-r.c.Stop().Done()
}

func (r *Reconciler) sweep() {
	report, err := r.RunOnce(context.Background())
	if err != nil {
		logger.Error("reconcile sweep failed", "error", err)
		return
	}
	if report.Finalized > 0 || report.Republished > 0 {
		logger.Info("reconcile sweep", "finalized", report.Finalized, "republished", report.Republished)
	}
}

// RunOnce finalizes runs whose counters already cover their audience and
// puts stale non-terminal jobs back on the queue.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report

	runs, err := r.runs.ListRunning(ctx, r.opts.Batch)
	if err != nil {
		return report, fmt.Errorf("list running runs: %w", err)
	}
	for _, run := range runs {
		if !aggregator.Done(run) {
			continue
		}
		if err := r.completer.MarkRunCompleted(ctx, run.ID, run.Counts()); err != nil {
			logger.Error("failed to finalize run", "run_id", run.ID, "error", err)
			continue
		}
		report.Finalized++
	}

	stale, err := r.jobs.ListStale(ctx, r.now().Add(-r.opts.StaleAge), r.opts.Batch)
	if err != nil {
		return report, fmt.Errorf("list stale jobs: %w", err)
	}

	ids := make([]int64, 0, len(stale))
	for _, job := range stale {
		if err := dispatch.PublishRef(ctx, r.queue, job); err != nil {
			logger.Warn("failed to republish stale job", "job_id", job.ID, "status", job.Status, "error", err)
			continue
		}
		ids = append(ids, job.ID)
	}
	if err := r.jobs.Touch(ctx, ids); err != nil {
		return report, fmt.Errorf("touch republished jobs: %w", err)
	}
	report.Republished = len(ids)

	return report, nil
}
