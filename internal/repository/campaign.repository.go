package repository

import (
	"context"
	"errors"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/pkg/pg"
	"gorm.io/gorm"
)

type CampaignRepository struct {
	*pg.DB
}

func NewCampaignRepository(db *pg.DB) *CampaignRepository {
	return &CampaignRepository{
		db,
	}
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	entity := toCampaignEntity(c)
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return err
	}
	*c = *toCampaignModel(entity)
	return nil
}

// Get loads a campaign owned by tenantID. Campaigns of other tenants are
// reported as not found.
func (r *CampaignRepository) Get(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	var entity CampaignEntity
	err := r.Read(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return toCampaignModel(&entity), nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	var entity CampaignEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return toCampaignModel(&entity), nil
}

// UpdateStatus moves the campaign to `to` only if it is currently in one of
// `from`. It reports whether the row was changed.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	result := r.Write(ctx).
		Model(&CampaignEntity{}).
		Where("id = ? AND status IN ?", id, campaignStatuses(from)).
		Update("status", string(to))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkRunning starts an executable campaign and records the run driving it.
func (r *CampaignRepository) MarkRunning(ctx context.Context, id, runID int64) (bool, error) {
	result := r.Write(ctx).
		Model(&CampaignEntity{}).
		Where("id = ? AND status IN ?", id, campaignStatuses([]model.CampaignStatus{model.CampaignStatusDraft, model.CampaignStatusScheduled})).
		Updates(map[string]interface{}{
			"status":      string(model.CampaignStatusRunning),
			"last_run_id": runID,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// AddLifetimeCounts rolls a finished run's counters into the campaign totals.
func (r *CampaignRepository) AddLifetimeCounts(ctx context.Context, id int64, counts model.RunCounts) error {
	result := r.Write(ctx).
		Model(&CampaignEntity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_sent":    gorm.Expr("total_sent + ?", counts.Sent),
			"total_failed":  gorm.Expr("total_failed + ?", counts.Failed),
			"total_skipped": gorm.Expr("total_skipped + ?", counts.Skipped),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

func campaignStatuses(in []model.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
