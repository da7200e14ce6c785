package model

import "time"

type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelPush     Channel = "PUSH"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelPush:
		return true
	}
	return false
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusScheduled CampaignStatus = "SCHEDULED"
	CampaignStatusRunning   CampaignStatus = "RUNNING"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
	CampaignStatusFailed    CampaignStatus = "FAILED"
	CampaignStatusCancelled CampaignStatus = "CANCELLED"
)

// Executable reports whether a campaign in this status may start a new run.
func (s CampaignStatus) Executable() bool {
	return s == CampaignStatusDraft || s == CampaignStatusScheduled
}

type Campaign struct {
	ID                int64             `json:"id"`
	TenantID          string            `json:"tenant_id"`
	Name              string            `json:"name"`
	Channel           Channel           `json:"channel"`
	Status            CampaignStatus    `json:"status"`
	SegmentID         string            `json:"segment_id"`
	TemplateVersionID string            `json:"template_version_id"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ScheduledAt       *time.Time        `json:"scheduled_at,omitempty"`
	TotalSent         int64             `json:"total_sent"`
	TotalFailed       int64             `json:"total_failed"`
	TotalSkipped      int64             `json:"total_skipped"`
	LastRunID         *int64            `json:"last_run_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type TemplateVersion struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Channel   Channel   `json:"channel"`
	Subject   string    `json:"subject,omitempty"`
	Title     string    `json:"title,omitempty"`
	HTMLBody  string    `json:"html_body,omitempty"`
	TextBody  string    `json:"text_body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
