package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrRunNotFound      = errors.New("campaign run not found")
	ErrJobNotFound      = errors.New("delivery job not found")
	ErrDuplicateJob     = errors.New("delivery job already exists for campaign and contact")
)

// isDuplicate reports unique constraint violations. Drivers that do not
// translate errors are matched on their message.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// AutoMigrate creates the pipeline tables. Production schemas are managed by
// goose; this is used by tests and local sqlite runs.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CampaignEntity{},
		&CampaignRunEntity{},
		&DeliveryJobEntity{},
		&TemplateVersionEntity{},
	)
}
