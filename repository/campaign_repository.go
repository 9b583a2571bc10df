package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dripmail/models"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CampaignRepositoryImpl implements the CampaignRepository interface
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign]
}

func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &CampaignRepositoryImpl{BaseRepository: NewBaseRepository[models.Campaign](db)}
}

// ByID retrieves a campaign with its bound lists.
func (r *CampaignRepositoryImpl) ByID(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := r.getDB(ctx).Preload("Lists").First(&campaign, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find campaign %d: %w", id, err)
	}
	return &campaign, nil
}

func (r *CampaignRepositoryImpl) List(ctx context.Context, status *models.CampaignStatus, limit, offset int) ([]models.Campaign, int64, error) {
	db := r.getDB(ctx).Model(&models.Campaign{})
	if status != nil {
		db = db.Where("status = ?", *status)
	}
	db = db.Session(&gorm.Session{})

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	var campaigns []models.Campaign
	if err := db.Order("created_at DESC").Limit(limit).Offset(offset).Find(&campaigns).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, total, nil
}

// BindLists attaches lists to a campaign; already bound lists are ignored.
func (r *CampaignRepositoryImpl) BindLists(ctx context.Context, campaignID uint, listIDs []uint) error {
	if len(listIDs) == 0 {
		return nil
	}
	db := r.getDB(ctx)

	var lists []models.List
	if err := db.Where("id IN ?", listIDs).Find(&lists).Error; err != nil {
		return fmt.Errorf("failed to load lists: %w", err)
	}
	if len(lists) != len(listIDs) {
		return fmt.Errorf("campaign %d: %d of %d %w", campaignID, len(listIDs)-len(lists), len(listIDs), ErrListsNotFound)
	}

	bindings := make([]models.CampaignList, 0, len(lists))
	for _, l := range lists {
		bindings = append(bindings, models.CampaignList{CampaignID: campaignID, ListID: l.ID, ListName: l.Name})
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "list_id"}},
		DoNothing: true,
	}).Create(&bindings).Error
	if err != nil {
		return fmt.Errorf("failed to bind lists to campaign %d: %w", campaignID, err)
	}
	return nil
}

// UnbindList detaches a list from a campaign.
func (r *CampaignRepositoryImpl) UnbindList(ctx context.Context, campaignID, listID uint) error {
	res := r.getDB(ctx).Where("campaign_id = ? AND list_id = ?", campaignID, listID).Delete(&models.CampaignList{})
	if res.Error != nil {
		return fmt.Errorf("failed to unbind list %d from campaign %d: %w", listID, campaignID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("campaign %d list %d: %w", campaignID, listID, gorm.ErrRecordNotFound)
	}
	return nil
}

// UpdateDetails writes the editable fields of campaign while its stored
// status is one of expect.
func (r *CampaignRepositoryImpl) UpdateDetails(ctx context.Context, campaign *models.Campaign, expect []models.CampaignStatus) error {
	res := r.getDB(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", campaign.ID, expect).
		Select("name", "subject", "body", "from_email", "type", "template_id").
		Updates(campaign)
	if res.Error != nil {
		return fmt.Errorf("failed to update campaign %d: %w", campaign.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.missOrConflict(ctx, campaign.ID, true)
	}
	return nil
}

// Delete removes a campaign that is not running, together with its list
// bindings, steps and subscriber progress.
func (r *CampaignRepositoryImpl) Delete(ctx context.Context, id uint) error {
	return r.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("status <> ?", models.CampaignRunning).Delete(&models.Campaign{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete campaign %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return r.missOrConflict(ctx, id, true)
		}
		for _, dependent := range []interface{}{
			&models.CampaignList{}, &models.SequenceEmail{}, &models.SubscriberSequenceProgress{},
		} {
			if err := tx.Where("campaign_id = ?", id).Delete(dependent).Error; err != nil {
				return fmt.Errorf("failed to delete dependents of campaign %d: %w", id, err)
			}
		}
		return nil
	})
}

// OptinCampaignsForList returns the opt-in campaigns bound to listID that can
// still enroll subscribers.
func (r *CampaignRepositoryImpl) OptinCampaignsForList(ctx context.Context, listID uint) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := r.getDB(ctx).
		Joins("JOIN campaign_lists cl ON cl.campaign_id = campaigns.id").
		Where("cl.list_id = ?", listID).
		Where("campaigns.type = ?", models.CampaignOptin).
		Where("campaigns.status NOT IN ?", []models.CampaignStatus{models.CampaignCancelled, models.CampaignFinished}).
		Order("campaigns.id ASC").
		Find(&campaigns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find opt-in campaigns for list %d: %w", listID, err)
	}
	return campaigns, nil
}

// DueScheduled returns scheduled campaigns whose schedule time has passed.
func (r *CampaignRepositoryImpl) DueScheduled(ctx context.Context, now time.Time, limit int) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := r.getDB(ctx).
		Where("status = ? AND schedule_at <= ?", models.CampaignScheduled, now).
		Order("schedule_at ASC").
		Limit(limit).
		Find(&campaigns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find due campaigns: %w", err)
	}
	return campaigns, nil
}

// UpdateCounters applies u in a single UPDATE. The sent counter is only
// ever incremented in SQL so concurrent writers never lose updates.
func (r *CampaignRepositoryImpl) UpdateCounters(ctx context.Context, campaignID uint, u CounterUpdate) error {
	updates := map[string]interface{}{}
	switch {
	case u.ResetSent:
		updates["sent"] = u.SentDelta
	case u.SentDelta != 0:
		updates["sent"] = gorm.Expr("sent + ?", u.SentDelta)
	}
	if u.ToSend != nil {
		updates["to_send"] = *u.ToSend
	}
	if u.Status != nil {
		updates["status"] = *u.Status
	}
	if u.StartedAt != nil {
		updates["started_at"] = *u.StartedAt
	}
	if u.LastError != nil {
		updates["last_error"] = *u.LastError
	}
	if len(updates) == 0 {
		return nil
	}

	q := r.getDB(ctx).Model(&models.Campaign{}).Where("id = ?", campaignID)
	if len(u.ExpectStatus) > 0 {
		q = q.Where("status IN ?", u.ExpectStatus)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update counters of campaign %d: %w", campaignID, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.missOrConflict(ctx, campaignID, len(u.ExpectStatus) > 0)
	}
	return nil
}

// missOrConflict tells an absent campaign apart from one whose status guard
// did not match.
func (r *CampaignRepositoryImpl) missOrConflict(ctx context.Context, campaignID uint, guarded bool) error {
	if guarded {
		var n int64
		if err := r.getDB(ctx).Model(&models.Campaign{}).Where("id = ?", campaignID).Count(&n).Error; err != nil {
			return fmt.Errorf("failed to check campaign %d: %w", campaignID, err)
		}
		if n > 0 {
			return fmt.Errorf("campaign %d: %w", campaignID, ErrStatusConflict)
		}
	}
	return fmt.Errorf("campaign %d: %w", campaignID, gorm.ErrRecordNotFound)
}

func (r *CampaignRepositoryImpl) SetSchedule(ctx context.Context, campaignID uint, scheduleAt time.Time, listIDs []uint, templateID *uint) error {
	ids := make(pq.Int64Array, 0, len(listIDs))
	for _, id := range listIDs {
		ids = append(ids, int64(id))
	}
	res := r.getDB(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", campaignID, models.SourcesOf(models.CampaignScheduled)).
		Updates(map[string]interface{}{
			"status":                models.CampaignScheduled,
			"schedule_at":           scheduleAt,
			"scheduled_list_ids":    ids,
			"scheduled_template_id": templateID,
			"last_error":            "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to schedule campaign %d: %w", campaignID, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.missOrConflict(ctx, campaignID, true)
	}
	return nil
}
