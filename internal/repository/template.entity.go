package repository

import (
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
)

type TemplateVersionEntity struct {
	ID        string    `db:"id"         gorm:"primaryKey;column:id"`
	TenantID  string    `db:"tenant_id"  gorm:"column:tenant_id;not null;index"`
	Name      string    `db:"name"       gorm:"column:name;not null"`
	Channel   string    `db:"channel"    gorm:"column:channel;not null"`
	Subject   string    `db:"subject"    gorm:"column:subject"`
	Title     string    `db:"title"      gorm:"column:title"`
	HTMLBody  string    `db:"html_body"  gorm:"column:html_body"`
	TextBody  string    `db:"text_body"  gorm:"column:text_body"`
	CreatedAt time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (TemplateVersionEntity) TableName() string {
	return "template_versions"
}

func toTemplateVersionEntity(m *model.TemplateVersion) *TemplateVersionEntity {
	if m == nil {
		return nil
	}
	return &TemplateVersionEntity{
		ID:        m.ID,
		TenantID:  m.TenantID,
		Name:      m.Name,
		Channel:   string(m.Channel),
		Subject:   m.Subject,
		Title:     m.Title,
		HTMLBody:  m.HTMLBody,
		TextBody:  m.TextBody,
		CreatedAt: m.CreatedAt,
	}
}

func toTemplateVersionModel(e *TemplateVersionEntity) *model.TemplateVersion {
	if e == nil {
		return nil
	}
	return &model.TemplateVersion{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Name:      e.Name,
		Channel:   model.Channel(e.Channel),
		Subject:   e.Subject,
		Title:     e.Title,
		HTMLBody:  e.HTMLBody,
		TextBody:  e.TextBody,
		CreatedAt: e.CreatedAt,
	}
}
