package repository

import (
	"context"
	"fmt"

	"dripmail/models"

	"gorm.io/gorm"
)

type TemplateRepositoryImpl struct {
	*BaseRepository[models.Template]
}

func NewTemplateRepository(db *gorm.DB) TemplateRepository {
	return &TemplateRepositoryImpl{BaseRepository: NewBaseRepository[models.Template](db)}
}

func (r *TemplateRepositoryImpl) List(ctx context.Context) ([]models.Template, error) {
	var templates []models.Template
	if err := r.getDB(ctx).Order("id ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

type EmailViewRepositoryImpl struct {
	*BaseRepository[models.EmailView]
}

func NewEmailViewRepository(db *gorm.DB) EmailViewRepository {
	return &EmailViewRepositoryImpl{BaseRepository: NewBaseRepository[models.EmailView](db)}
}

// CountByCampaign returns total opens and opens by distinct subscribers.
func (r *EmailViewRepositoryImpl) CountByCampaign(ctx context.Context, campaignID uint) (int64, int64, error) {
	var row struct {
		Total  int64
		Unique int64
	}
	err := r.getDB(ctx).Model(&models.EmailView{}).
		Select("COUNT(*) AS total, COUNT(DISTINCT subscriber_id) AS \"unique\"").
		Where("campaign_id = ?", campaignID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count views of campaign %d: %w", campaignID, err)
	}
	return row.Total, row.Unique, nil
}
