package repository

import (
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
)

type DeliveryJobEntity struct {
	ID                int64      `db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	CampaignID        int64      `db:"campaign_id"         gorm:"column:campaign_id;not null;uniqueIndex:uq_delivery_jobs_campaign_contact,priority:1"`
	CampaignRunID     int64      `db:"campaign_run_id"     gorm:"column:campaign_run_id;not null;index:idx_delivery_jobs_run_status,priority:1"`
	TenantID          string     `db:"tenant_id"           gorm:"column:tenant_id;not null"`
	ContactID         string     `db:"contact_id"          gorm:"column:contact_id;not null;uniqueIndex:uq_delivery_jobs_campaign_contact,priority:2"`
	Channel           string     `db:"channel"             gorm:"column:channel;not null"`
	TemplateVersionID string     `db:"template_version_id" gorm:"column:template_version_id;not null"`
	DispatchStatus    string     `db:"dispatch_status"     gorm:"column:dispatch_status;not null;index:idx_delivery_jobs_run_status,priority:2"`
	ProviderMessageID string     `db:"provider_message_id" gorm:"column:provider_message_id"`
	DispatchError     string     `db:"dispatch_error"      gorm:"column:dispatch_error"`
	ErrorCode         string     `db:"error_code"          gorm:"column:error_code"`
	SkipReason        string     `db:"skip_reason"         gorm:"column:skip_reason"`
	RetryCount        int        `db:"retry_count"         gorm:"column:retry_count;not null;default:0"`
	CorrelationID     string     `db:"correlation_id"      gorm:"column:correlation_id"`
	SentAt            *time.Time `db:"sent_at"             gorm:"column:sent_at"`
	DeliveredAt       *time.Time `db:"delivered_at"        gorm:"column:delivered_at"`
	OpenedAt          *time.Time `db:"opened_at"           gorm:"column:opened_at"`
	ClickedAt         *time.Time `db:"clicked_at"          gorm:"column:clicked_at"`
	CreatedAt         time.Time  `db:"created_at"          gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `db:"updated_at"          gorm:"column:updated_at;autoUpdateTime;index"`
}

func (DeliveryJobEntity) TableName() string {
	return "delivery_jobs"
}

func toDeliveryJobEntity(m *model.DeliveryJob) *DeliveryJobEntity {
	if m == nil {
		return nil
	}
	return &DeliveryJobEntity{
		ID:                m.ID,
		CampaignID:        m.CampaignID,
		CampaignRunID:     m.CampaignRunID,
		TenantID:          m.TenantID,
		ContactID:         m.ContactID,
		Channel:           string(m.Channel),
		TemplateVersionID: m.TemplateVersionID,
		DispatchStatus:    string(m.Status),
		ProviderMessageID: m.ProviderMessageID,
		DispatchError:     m.DispatchError,
		ErrorCode:         m.ErrorCode,
		SkipReason:        string(m.SkipReason),
		RetryCount:        m.RetryCount,
		CorrelationID:     m.CorrelationID,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		OpenedAt:          m.OpenedAt,
		ClickedAt:         m.ClickedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func toDeliveryJobModel(e *DeliveryJobEntity) *model.DeliveryJob {
	if e == nil {
		return nil
	}
	return &model.DeliveryJob{
		ID:                e.ID,
		CampaignID:        e.CampaignID,
		CampaignRunID:     e.CampaignRunID,
		TenantID:          e.TenantID,
		ContactID:         e.ContactID,
		Channel:           model.Channel(e.Channel),
		TemplateVersionID: e.TemplateVersionID,
		Status:            model.JobStatus(e.DispatchStatus),
		ProviderMessageID: e.ProviderMessageID,
		DispatchError:     e.DispatchError,
		ErrorCode:         e.ErrorCode,
		SkipReason:        model.SkipReason(e.SkipReason),
		RetryCount:        e.RetryCount,
		CorrelationID:     e.CorrelationID,
		SentAt:            e.SentAt,
		DeliveredAt:       e.DeliveredAt,
		OpenedAt:          e.OpenedAt,
		ClickedAt:         e.ClickedAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func toDeliveryJobModels(entities []*DeliveryJobEntity) []*model.DeliveryJob {
	if entities == nil {
		return nil
	}
	models := make([]*model.DeliveryJob, len(entities))
	for i, e := range entities {
		models[i] = toDeliveryJobModel(e)
	}
	return models
}
