package repository

import (
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
)

type CampaignRunEntity struct {
	ID              int64      `db:"id"               gorm:"primaryKey;autoIncrement;column:id"`
	CampaignID      int64      `db:"campaign_id"      gorm:"column:campaign_id;not null;index"`
	TenantID        string     `db:"tenant_id"        gorm:"column:tenant_id;not null"`
	Status          string     `db:"status"           gorm:"column:status;not null;index"`
	Mode            string     `db:"mode"             gorm:"column:mode;not null;default:async"`
	TotalRecipients int64      `db:"total_recipients" gorm:"column:total_recipients;not null;default:0"`
	ProcessedCount  int64      `db:"processed_count"  gorm:"column:processed_count;not null;default:0"`
	SentCount       int64      `db:"sent_count"       gorm:"column:sent_count;not null;default:0"`
	FailedCount     int64      `db:"failed_count"     gorm:"column:failed_count;not null;default:0"`
	SkippedCount    int64      `db:"skipped_count"    gorm:"column:skipped_count;not null;default:0"`
	StartedAt       *time.Time `db:"started_at"       gorm:"column:started_at"`
	CompletedAt     *time.Time `db:"completed_at"     gorm:"column:completed_at"`
	ErrorMessage    string     `db:"error_message"    gorm:"column:error_message"`
	CreatedAt       time.Time  `db:"created_at"       gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `db:"updated_at"       gorm:"column:updated_at;autoUpdateTime"`
}

func (CampaignRunEntity) TableName() string {
	return "campaign_runs"
}

func toCampaignRunEntity(m *model.CampaignRun) *CampaignRunEntity {
	if m == nil {
		return nil
	}
	mode := m.Mode
	if mode == "" {
		mode = model.DispatchModeAsync
	}
	return &CampaignRunEntity{
		ID:              m.ID,
		CampaignID:      m.CampaignID,
		TenantID:        m.TenantID,
		Status:          string(m.Status),
		Mode:            string(mode),
		TotalRecipients: m.TotalRecipients,
		ProcessedCount:  m.ProcessedCount,
		SentCount:       m.SentCount,
		FailedCount:     m.FailedCount,
		SkippedCount:    m.SkippedCount,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		ErrorMessage:    m.ErrorMessage,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toCampaignRunModel(e *CampaignRunEntity) *model.CampaignRun {
	if e == nil {
		return nil
	}
	return &model.CampaignRun{
		ID:              e.ID,
		CampaignID:      e.CampaignID,
		TenantID:        e.TenantID,
		Status:          model.RunStatus(e.Status),
		Mode:            model.DispatchMode(e.Mode),
		TotalRecipients: e.TotalRecipients,
		ProcessedCount:  e.ProcessedCount,
		SentCount:       e.SentCount,
		FailedCount:     e.FailedCount,
		SkippedCount:    e.SkippedCount,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		ErrorMessage:    e.ErrorMessage,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func toCampaignRunModels(entities []*CampaignRunEntity) []*model.CampaignRun {
	if entities == nil {
		return nil
	}
	models := make([]*model.CampaignRun, len(entities))
	for i, e := range entities {
		models[i] = toCampaignRunModel(e)
	}
	return models
}
