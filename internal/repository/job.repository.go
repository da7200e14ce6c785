package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/pkg/pg"
	"gorm.io/gorm"
)

const createBatchSize = 500

type DeliveryJobRepository struct {
	*pg.DB
}

func NewDeliveryJobRepository(db *pg.DB) *DeliveryJobRepository {
	return &DeliveryJobRepository{
		db,
	}
}

func (r *DeliveryJobRepository) Create(ctx context.Context, job *model.DeliveryJob) error {
	entity := toDeliveryJobEntity(job)
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("campaign %d contact %s: %w", job.CampaignID, job.ContactID, ErrDuplicateJob)
		}
		return err
	}
	*job = *toDeliveryJobModel(entity)
	return nil
}

// CreateBatch inserts all jobs in one transaction and fills in their ids.
// A duplicate (campaign, contact) pair rejects the whole batch.
func (r *DeliveryJobRepository) CreateBatch(ctx context.Context, jobs []*model.DeliveryJob) error {
	if len(jobs) == 0 {
		return nil
	}
	entities := make([]*DeliveryJobEntity, len(jobs))
	for i, j := range jobs {
		entities[i] = toDeliveryJobEntity(j)
	}

	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		return r.Write(ctx).CreateInBatches(entities, createBatchSize).Error
	})
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicateJob
		}
		return err
	}

	for i, e := range entities {
		*jobs[i] = *toDeliveryJobModel(e)
	}
	return nil
}

func (r *DeliveryJobRepository) Get(ctx context.Context, id int64) (*model.DeliveryJob, error) {
	var entity DeliveryJobEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return toDeliveryJobModel(&entity), nil
}

// Transition moves a job to `to` with a conditional UPDATE guarded by the
// legal predecessor states. It reports false when the job was not in a state
// that allows the move, which callers treat as a lost race.
func (r *DeliveryJobRepository) Transition(ctx context.Context, id int64, to model.JobStatus, patch model.JobPatch) (bool, error) {
	from := model.Predecessors(to)
	if len(from) == 0 {
		return false, fmt.Errorf("no transition leads to %s", to)
	}
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	updates := map[string]interface{}{
		"dispatch_status": string(to),
		"updated_at":      time.Now(),
	}
	if patch.ProviderMessageID != "" {
		updates["provider_message_id"] = patch.ProviderMessageID
	}
	if patch.DispatchError != "" {
		updates["dispatch_error"] = patch.DispatchError
	}
	if patch.ErrorCode != "" {
		updates["error_code"] = patch.ErrorCode
	}
	if patch.SkipReason != "" {
		updates["skip_reason"] = string(patch.SkipReason)
	}
	if patch.SentAt != nil {
		updates["sent_at"] = *patch.SentAt
	}
	if patch.IncrementRetry {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}

	result := r.Write(ctx).
		Model(&DeliveryJobEntity{}).
		Where("id = ? AND dispatch_status IN ?", id, statuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CountByStatus returns the number of jobs of a run per dispatch status.
func (r *DeliveryJobRepository) CountByStatus(ctx context.Context, runID int64) (map[model.JobStatus]int64, error) {
	var rows []struct {
		DispatchStatus string
		Total          int64
	}
	err := r.Read(ctx).
		Model(&DeliveryJobEntity{}).
		Select("dispatch_status, COUNT(*) AS total").
		Where("campaign_run_id = ?", runID).
		Group("dispatch_status").
		Scan(&rows).
		Error
	if err != nil {
		return nil, err
	}

	out := make(map[model.JobStatus]int64, len(rows))
	for _, row := range rows {
		out[model.JobStatus(row.DispatchStatus)] = row.Total
	}
	return out, nil
}

// ListStale returns non-terminal jobs of RUNNING async runs that have not
// changed since before olderThan. Jobs of sync runs belong to the executor
// call delivering them.
func (r *DeliveryJobRepository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*model.DeliveryJob, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	var entities []*DeliveryJobEntity
	err := r.Read(ctx).
		Where("dispatch_status IN ?", []string{
			string(model.JobStatusQueued),
			string(model.JobStatusProcessing),
			string(model.JobStatusFailed),
			string(model.JobStatusRetrying),
		}).
		Where("updated_at < ?", olderThan).
		Where("campaign_run_id IN (?)", r.Read(ctx).
			Model(&CampaignRunEntity{}).
			Select("id").
			Where("status = ? AND mode = ?", string(model.RunStatusRunning), string(model.DispatchModeAsync))).
		Order("id ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toDeliveryJobModels(entities), nil
}

// Touch bumps updated_at so a re-published job is not swept again right away.
func (r *DeliveryJobRepository) Touch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.Write(ctx).
		Model(&DeliveryJobEntity{}).
		Where("id IN ?", ids).
		Update("updated_at", time.Now()).
		Error
}

func (r *DeliveryJobRepository) ListByRun(ctx context.Context, runID int64) ([]*model.DeliveryJob, error) {
	var entities []*DeliveryJobEntity
	err := r.Read(ctx).
		Where("campaign_run_id = ?", runID).
		Order("id ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toDeliveryJobModels(entities), nil
}
