package repository

import (
	"context"
	"fmt"

	"dripmail/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListRepositoryImpl struct {
	*BaseRepository[models.List]
}

func NewListRepository(db *gorm.DB) ListRepository {
	return &ListRepositoryImpl{BaseRepository: NewBaseRepository[models.List](db)}
}

func (r *ListRepositoryImpl) List(ctx context.Context, limit, offset int) ([]models.List, int64, error) {
	db := r.getDB(ctx).Model(&models.List{})

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count lists: %w", err)
	}

	var lists []models.List
	if err := r.getDB(ctx).Order("id ASC").Limit(limit).Offset(offset).Find(&lists).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list lists: %w", err)
	}
	return lists, total, nil
}

// SubscriberListRepositoryImpl manages list membership and recipient resolution.
type SubscriberListRepositoryImpl struct {
	DB *gorm.DB
}

func NewSubscriberListRepository(db *gorm.DB) SubscriberListRepository {
	return &SubscriberListRepositoryImpl{DB: db}
}

func (r *SubscriberListRepositoryImpl) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(TxContextKey).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return r.DB.WithContext(ctx)
}

// Enroll adds a subscriber to a list, or updates the status of an existing
// membership.
func (r *SubscriberListRepositoryImpl) Enroll(ctx context.Context, subscriberID, listID uint, status models.SubscriptionStatus) error {
	membership := models.SubscriberList{
		SubscriberID: subscriberID,
		ListID:       listID,
		Status:       status,
	}
	err := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "list_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&membership).Error
	if err != nil {
		return fmt.Errorf("failed to enroll subscriber %d in list %d: %w", subscriberID, listID, err)
	}
	return nil
}

// recipients selects enabled subscribers with a confirmed membership in any
// of listIDs.
func (r *SubscriberListRepositoryImpl) recipients(ctx context.Context, listIDs []uint) *gorm.DB {
	return r.getDB(ctx).
		Table("subscriber_lists AS sl").
		Joins("JOIN subscribers s ON s.id = sl.subscriber_id AND s.deleted_at IS NULL").
		Where("sl.list_id IN ?", listIDs).
		Where("sl.status = ?", models.SubscriptionConfirmed).
		Where("s.status = ?", models.SubscriberEnabled)
}

func (r *SubscriberListRepositoryImpl) CountRecipients(ctx context.Context, listIDs []uint) (int, error) {
	if len(listIDs) == 0 {
		return 0, nil
	}
	var count int64
	if err := r.recipients(ctx, listIDs).Distinct("s.id").Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count recipients: %w", err)
	}
	return int(count), nil
}

// PageRecipients returns up to limit recipients with subscriber id greater
// than afterSubscriberID, ordered by id. A subscriber in several lists is
// returned once.
func (r *SubscriberListRepositoryImpl) PageRecipients(ctx context.Context, listIDs []uint, afterSubscriberID uint, limit int) ([]Recipient, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}
	var page []Recipient
	err := r.recipients(ctx, listIDs).
		Select("DISTINCT s.id AS subscriber_id, s.email AS email").
		Where("s.id > ?", afterSubscriberID).
		Order("s.id ASC").
		Limit(limit).
		Scan(&page).Error
	if err != nil {
		return nil, fmt.Errorf("failed to page recipients: %w", err)
	}
	return page, nil
}
