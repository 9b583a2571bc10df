package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dripmail/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriberRepositoryImpl implements the SubscriberRepository interface
type SubscriberRepositoryImpl struct {
	*BaseRepository[models.Subscriber]
}

func NewSubscriberRepository(db *gorm.DB) SubscriberRepository {
	return &SubscriberRepositoryImpl{BaseRepository: NewBaseRepository[models.Subscriber](db)}
}

// NormalizeEmail lower-cases and trims an address before lookup or insert.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *SubscriberRepositoryImpl) ByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := r.getDB(ctx).Where("email = ?", NormalizeEmail(email)).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find subscriber by email: %w", err)
	}
	return &sub, nil
}

// GetOrCreate returns the subscriber with the given address, inserting an
// enabled subscriber if none exists. Concurrent callers converge on one row.
func (r *SubscriberRepositoryImpl) GetOrCreate(ctx context.Context, email string) (*models.Subscriber, error) {
	email = NormalizeEmail(email)
	sub := models.Subscriber{
		Email:  email,
		Name:   strings.SplitN(email, "@", 2)[0],
		Status: models.SubscriberEnabled,
	}

	res := r.getDB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).
		Create(&sub)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to create subscriber: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &sub, nil
	}

	existing, err := r.ByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("subscriber %s vanished after conflict", email)
	}
	return existing, nil
}

func (r *SubscriberRepositoryImpl) List(ctx context.Context, q SubscriberQuery) ([]models.Subscriber, int64, error) {
	db, err := q.Apply(r.getDB(ctx).Model(&models.Subscriber{}))
	if err != nil {
		return nil, 0, err
	}
	db = db.Session(&gorm.Session{})

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count subscribers: %w", err)
	}

	var subs []models.Subscriber
	if err := q.Paginate(db).Find(&subs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list subscribers: %w", err)
	}
	return subs, total, nil
}
