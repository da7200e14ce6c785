package repository

import (
	"context"
	"errors"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/pkg/pg"
	"gorm.io/gorm"
)

type TemplateRepository struct {
	*pg.DB
}

func NewTemplateRepository(db *pg.DB) *TemplateRepository {
	return &TemplateRepository{
		db,
	}
}

func (r *TemplateRepository) Create(ctx context.Context, t *model.TemplateVersion) error {
	entity := toTemplateVersionEntity(t)
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return err
	}
	*t = *toTemplateVersionModel(entity)
	return nil
}

func (r *TemplateRepository) GetTemplateVersion(ctx context.Context, id string) (*model.TemplateVersion, error) {
	var entity TemplateVersionEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrTemplateNotFound
		}
		return nil, err
	}
	return toTemplateVersionModel(&entity), nil
}
