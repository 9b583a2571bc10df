package repository

import (
	"context"
	"fmt"

	"dripmail/models"

	"gorm.io/gorm"
)

type SequenceEmailRepositoryImpl struct {
	*BaseRepository[models.SequenceEmail]
}

func NewSequenceEmailRepository(db *gorm.DB) SequenceEmailRepository {
	return &SequenceEmailRepositoryImpl{BaseRepository: NewBaseRepository[models.SequenceEmail](db)}
}

// ListByCampaign returns every step of a campaign, active or not, by position.
func (r *SequenceEmailRepositoryImpl) ListByCampaign(ctx context.Context, campaignID uint) ([]models.SequenceEmail, error) {
	var steps []models.SequenceEmail
	err := r.getDB(ctx).Where("campaign_id = ?", campaignID).Order("position ASC").Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of campaign %d: %w", campaignID, err)
	}
	return steps, nil
}

// ListActiveSteps returns a campaign's active steps ordered by position.
func (r *SequenceEmailRepositoryImpl) ListActiveSteps(ctx context.Context, campaignID uint) ([]models.SequenceEmail, error) {
	var steps []models.SequenceEmail
	err := r.getDB(ctx).
		Where("campaign_id = ? AND is_active = ?", campaignID, true).
		Order("position ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active steps of campaign %d: %w", campaignID, err)
	}
	return steps, nil
}
