package repository

import (
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
)

type CampaignEntity struct {
	ID                int64             `db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	TenantID          string            `db:"tenant_id"           gorm:"column:tenant_id;not null;index"`
	Name              string            `db:"name"                gorm:"column:name;not null"`
	Channel           string            `db:"channel"             gorm:"column:channel;not null"`
	Status            string            `db:"status"              gorm:"column:status;not null;index"`
	SegmentID         string            `db:"segment_id"          gorm:"column:segment_id"`
	TemplateVersionID string            `db:"template_version_id" gorm:"column:template_version_id"`
	Metadata          map[string]string `db:"metadata"            gorm:"column:metadata;serializer:json"`
	ScheduledAt       *time.Time        `db:"scheduled_at"        gorm:"column:scheduled_at"`
	TotalSent         int64             `db:"total_sent"          gorm:"column:total_sent;not null;default:0"`
	TotalFailed       int64             `db:"total_failed"        gorm:"column:total_failed;not null;default:0"`
	TotalSkipped      int64             `db:"total_skipped"       gorm:"column:total_skipped;not null;default:0"`
	LastRunID         *int64            `db:"last_run_id"         gorm:"column:last_run_id"`
	CreatedAt         time.Time         `db:"created_at"          gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time         `db:"updated_at"          gorm:"column:updated_at;autoUpdateTime"`
}

func (CampaignEntity) TableName() string {
	return "campaigns"
}

func toCampaignEntity(m *model.Campaign) *CampaignEntity {
	if m == nil {
		return nil
	}
	return &CampaignEntity{
		ID:                m.ID,
		TenantID:          m.TenantID,
		Name:              m.Name,
		Channel:           string(m.Channel),
		Status:            string(m.Status),
		SegmentID:         m.SegmentID,
		TemplateVersionID: m.TemplateVersionID,
		Metadata:          m.Metadata,
		ScheduledAt:       m.ScheduledAt,
		TotalSent:         m.TotalSent,
		TotalFailed:       m.TotalFailed,
		TotalSkipped:      m.TotalSkipped,
		LastRunID:         m.LastRunID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func toCampaignModel(e *CampaignEntity) *model.Campaign {
	if e == nil {
		return nil
	}
	return &model.Campaign{
		ID:                e.ID,
		TenantID:          e.TenantID,
		Name:              e.Name,
		Channel:           model.Channel(e.Channel),
		Status:            model.CampaignStatus(e.Status),
		SegmentID:         e.SegmentID,
		TemplateVersionID: e.TemplateVersionID,
		Metadata:          e.Metadata,
		ScheduledAt:       e.ScheduledAt,
		TotalSent:         e.TotalSent,
		TotalFailed:       e.TotalFailed,
		TotalSkipped:      e.TotalSkipped,
		LastRunID:         e.LastRunID,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}
