package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/pkg/pg"
	"gorm.io/gorm"
)

type CampaignRunRepository struct {
	*pg.DB
}

func NewCampaignRunRepository(db *pg.DB) *CampaignRunRepository {
	return &CampaignRunRepository{
		db,
	}
}

func (r *CampaignRunRepository) Create(ctx context.Context, run *model.CampaignRun) error {
	entity := toCampaignRunEntity(run)
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return err
	}
	*run = *toCampaignRunModel(entity)
	return nil
}

func (r *CampaignRunRepository) Get(ctx context.Context, id int64) (*model.CampaignRun, error) {
	var entity CampaignRunEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return toCampaignRunModel(&entity), nil
}

// IncrementCounters applies delta with a single atomic UPDATE so concurrent
// workers never lose increments.
func (r *CampaignRunRepository) IncrementCounters(ctx context.Context, id int64, delta model.RunDelta) error {
	result := r.Write(ctx).
		Model(&CampaignRunEntity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_count": gorm.Expr("processed_count + ?", delta.Processed()),
			"sent_count":      gorm.Expr("sent_count + ?", delta.Sent),
			"failed_count":    gorm.Expr("failed_count + ?", delta.Failed),
			"skipped_count":   gorm.Expr("skipped_count + ?", delta.Skipped),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MarkCompleted finalizes a RUNNING run. Only one caller ever observes true.
func (r *CampaignRunRepository) MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.finish(ctx, id, []model.RunStatus{model.RunStatusRunning}, map[string]interface{}{
		"status":       string(model.RunStatusCompleted),
		"completed_at": at,
	})
}

func (r *CampaignRunRepository) MarkFailed(ctx context.Context, id int64, message string, at time.Time) (bool, error) {
	return r.finish(ctx, id, []model.RunStatus{model.RunStatusPending, model.RunStatusRunning}, map[string]interface{}{
		"status":        string(model.RunStatusFailed),
		"error_message": message,
		"completed_at":  at,
	})
}

func (r *CampaignRunRepository) MarkCancelled(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.finish(ctx, id, []model.RunStatus{model.RunStatusPending, model.RunStatusRunning}, map[string]interface{}{
		"status":       string(model.RunStatusCancelled),
		"completed_at": at,
	})
}

func (r *CampaignRunRepository) finish(ctx context.Context, id int64, from []model.RunStatus, updates map[string]interface{}) (bool, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	result := r.Write(ctx).
		Model(&CampaignRunEntity{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FindActiveByCampaign returns the latest PENDING or RUNNING run of a campaign.
func (r *CampaignRunRepository) FindActiveByCampaign(ctx context.Context, campaignID int64) (*model.CampaignRun, error) {
	var entity CampaignRunEntity
	err := r.Read(ctx).
		Where("campaign_id = ? AND status IN ?", campaignID, []string{string(model.RunStatusPending), string(model.RunStatusRunning)}).
		Order("id DESC").
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return toCampaignRunModel(&entity), nil
}

func (r *CampaignRunRepository) ListRunning(ctx context.Context, limit int) ([]*model.CampaignRun, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entities []*CampaignRunEntity
	err := r.Read(ctx).
		Where("status = ?", string(model.RunStatusRunning)).
		Order("id ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toCampaignRunModels(entities), nil
}
