package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dripmail/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProgressRepositoryImpl persists subscriber sequence cursors.
type ProgressRepositoryImpl struct {
	*BaseRepository[models.SubscriberSequenceProgress]
}

func NewProgressRepository(db *gorm.DB) ProgressRepository {
	return &ProgressRepositoryImpl{BaseRepository: NewBaseRepository[models.SubscriberSequenceProgress](db)}
}

// Create inserts p unless a record for the same subscriber and campaign
// already exists. It reports whether a row was inserted.
func (r *ProgressRepositoryImpl) Create(ctx context.Context, p *models.SubscriberSequenceProgress) (bool, error) {
	if p.DeliveryState == "" {
		p.DeliveryState = models.DeliveryPending
	}
	res := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "campaign_id"}},
		DoNothing: true,
	}).Create(p)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create progress for subscriber %d campaign %d: %w",
			p.SubscriberID, p.CampaignID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *ProgressRepositoryImpl) Find(ctx context.Context, subscriberID, campaignID uint) (*models.SubscriberSequenceProgress, error) {
	var p models.SubscriberSequenceProgress
	err := r.getDB(ctx).Where("subscriber_id = ? AND campaign_id = ?", subscriberID, campaignID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find progress: %w", err)
	}
	return &p, nil
}

// ListDue returns up to limit non-completed records due at or before now,
// oldest due first.
func (r *ProgressRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]models.SubscriberSequenceProgress, error) {
	var due []models.SubscriberSequenceProgress
	err := r.getDB(ctx).
		Where("completed = ? AND next_email_scheduled_at IS NOT NULL AND next_email_scheduled_at <= ?", false, now).
		Order("next_email_scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due progress: %w", err)
	}
	return due, nil
}

// ListParked returns a campaign's non-completed records with nothing pending:
// idle records and records stalled on a missing step.
func (r *ProgressRepositoryImpl) ListParked(ctx context.Context, campaignID uint) ([]models.SubscriberSequenceProgress, error) {
	var parked []models.SubscriberSequenceProgress
	err := r.getDB(ctx).
		Where("campaign_id = ? AND completed = ? AND next_email_scheduled_at IS NULL", campaignID, false).
		Where("delivery_state <> ?", models.DeliveryDeadLettered).
		Order("id ASC").
		Find(&parked).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list parked progress of campaign %d: %w", campaignID, err)
	}
	return parked, nil
}

// ListParkedBySubscriber returns a subscriber's parked records across all
// campaigns.
func (r *ProgressRepositoryImpl) ListParkedBySubscriber(ctx context.Context, subscriberID uint) ([]models.SubscriberSequenceProgress, error) {
	var parked []models.SubscriberSequenceProgress
	err := r.getDB(ctx).
		Where("subscriber_id = ? AND completed = ? AND next_email_scheduled_at IS NULL", subscriberID, false).
		Where("delivery_state <> ?", models.DeliveryDeadLettered).
		Order("id ASC").
		Find(&parked).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list parked progress of subscriber %d: %w", subscriberID, err)
	}
	return parked, nil
}

func (r *ProgressRepositoryImpl) ListByCampaign(ctx context.Context, campaignID uint, limit, offset int) ([]models.SubscriberSequenceProgress, int64, error) {
	db := r.getDB(ctx).Model(&models.SubscriberSequenceProgress{}).Where("campaign_id = ?", campaignID).Session(&gorm.Session{})

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count progress: %w", err)
	}

	var records []models.SubscriberSequenceProgress
	if err := db.Order("id ASC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list progress: %w", err)
	}
	return records, total, nil
}
