package aggregator

import (
	"context"
	"fmt"

	"github.com/nimasrn/campaign-pipeline/internal/model"
)

type RunStore interface {
	IncrementCounters(ctx context.Context, id int64, delta model.RunDelta) error
	Get(ctx context.Context, id int64) (*model.CampaignRun, error)
}

type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Aggregator keeps the per-run counters. Record must only be called from a
// job's terminal transition so every job is counted once.
type Aggregator struct {
	tx   Transactor
	runs RunStore
}

func New(tx Transactor, runs RunStore) *Aggregator {
	return &Aggregator{tx: tx, runs: runs}
}

// Record applies delta atomically and returns the run as seen right after
// the increment. When ctx already carries a transaction the increment joins it.
func (a *Aggregator) Record(ctx context.Context, runID int64, delta model.RunDelta) (*model.CampaignRun, error) {
	if delta.Processed() == 0 {
		return a.runs.Get(ctx, runID)
	}

	var run *model.CampaignRun
	err := a.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := a.runs.IncrementCounters(ctx, runID, delta); err != nil {
			return fmt.Errorf("increment run %d: %w", runID, err)
		}
		var err error
		run, err = a.runs.Get(ctx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Done reports whether every recipient of a running run has been processed.
// It must be evaluated on the run returned by Record, never on a copy read
// before the increment.
func Done(run *model.CampaignRun) bool {
	return run != nil &&
		run.Status == model.RunStatusRunning &&
		run.TotalRecipients > 0 &&
		run.ProcessedCount >= run.TotalRecipients
}

// DeltaFor returns the counter contribution of a terminal job status.
func DeltaFor(status model.JobStatus) model.RunDelta {
	switch status {
	case model.JobStatusSent:
		return model.RunDelta{Sent: 1}
	case model.JobStatusDead:
		return model.RunDelta{Failed: 1}
	case model.JobStatusSkipped:
		return model.RunDelta{Skipped: 1}
	}
	return model.RunDelta{}
}
