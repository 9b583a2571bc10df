package controller

import (
	"time"

	"dripmail/models"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type DashboardController struct {
	DB     *gorm.DB
	Now    func() time.Time
	Logger *logrus.Entry
}

func NewDashboardController(db *gorm.DB, logger *logrus.Entry) *DashboardController {
	return &DashboardController{
		DB:     db,
		Now:    time.Now,
		Logger: logger,
	}
}

type DashboardStats struct {
	TimeFrame        string                          `json:"time_frame"`
	Since            time.Time                       `json:"since"`
	TotalEmailSent   int64                           `json:"total_email_sent"`
	Opens            int64                           `json:"opens"`
	Subscribers      int64                           `json:"subscribers"`
	NewSubscribers   int64                           `json:"new_subscribers"`
	ActiveSequences  int64                           `json:"active_sequences"`
	ParkedSequences  int64                           `json:"parked_sequences"`
	CampaignsByState map[models.CampaignStatus]int64 `json:"campaigns_by_status"`
}

type CampaignSummary struct {
	ID          uint                  `json:"id"`
	Name        string                `json:"name"`
	Status      models.CampaignStatus `json:"status"`
	Sent        int                   `json:"sent"`
	UniqueOpens int64                 `json:"unique_opens"`
	OpenRate    float64               `json:"open_rate"`
}

// timeFrameStart maps hour, day, week or month to the start of the window
// ending at now. Unknown frames fall back to a week.
func timeFrameStart(frame string, now time.Time) (string, time.Time) {
	switch frame {
	case "hour":
		return frame, now.Add(-time.Hour)
	case "day":
		return frame, now.Add(-24 * time.Hour)
	case "month":
		return frame, now.AddDate(0, 0, -30)
	default:
		return "week", now.AddDate(0, 0, -7)
	}
}

// GetDashboardStats returns summary statistics for the dashboard cards.
// Sent totals are lifetime counters; opens and new subscribers are windowed.
func (dc *DashboardController) GetDashboardStats(c *fiber.Ctx) error {
	now := dc.Now()
	frame, since := timeFrameStart(c.Query("time_frame", "week"), now)
	db := dc.DB.WithContext(c.UserContext())

	stats := DashboardStats{
		TimeFrame:        frame,
		Since:            since,
		CampaignsByState: map[models.CampaignStatus]int64{},
	}

	if err := db.Model(&models.Campaign{}).
		Select("COALESCE(SUM(sent), 0)").
		Scan(&stats.TotalEmailSent).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get email stats", err)
	}

	if err := db.Model(&models.EmailView{}).
		Where("opened_at BETWEEN ? AND ?", since, now).
		Count(&stats.Opens).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get open stats", err)
	}

	if err := db.Model(&models.Subscriber{}).Count(&stats.Subscribers).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count subscribers", err)
	}
	db.Model(&models.Subscriber{}).
		Where("created_at BETWEEN ? AND ?", since, now).
		Count(&stats.NewSubscribers)

	db.Model(&models.SubscriberSequenceProgress{}).
		Where("completed = ? AND next_email_scheduled_at IS NOT NULL", false).
		Count(&stats.ActiveSequences)
	db.Model(&models.SubscriberSequenceProgress{}).
		Where("completed = ? AND next_email_scheduled_at IS NULL", false).
		Where("delivery_state <> ?", models.DeliveryDeadLettered).
		Count(&stats.ParkedSequences)

	var byStatus []struct {
		Status models.CampaignStatus
		Count  int64
	}
	if err := db.Model(&models.Campaign{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get campaign stats", err)
	}
	for _, row := range byStatus {
		stats.CampaignsByState[row.Status] = row.Count
	}

	return c.JSON(utils.SuccessResponse(stats))
}

func (dc *DashboardController) GetRecentCampaigns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 3)
	if limit < 1 || limit > 50 {
		limit = 3
	}
	db := dc.DB.WithContext(c.UserContext())

	var campaigns []models.Campaign
	if err := db.Order("created_at DESC").
		Limit(limit).
		Find(&campaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get campaigns", err)
	}

	summaries := make([]CampaignSummary, 0, len(campaigns))
	for _, campaign := range campaigns {
		var uniqueOpens int64
		db.Model(&models.EmailView{}).
			Where("campaign_id = ?", campaign.ID).
			Distinct("subscriber_id").
			Count(&uniqueOpens)

		summary := CampaignSummary{
			ID:          campaign.ID,
			Name:        campaign.Name,
			Status:      campaign.Status,
			Sent:        campaign.Sent,
			UniqueOpens: uniqueOpens,
		}
		if campaign.Sent > 0 {
			summary.OpenRate = float64(uniqueOpens) / float64(campaign.Sent) * 100
		}
		summaries = append(summaries, summary)
	}

	return c.JSON(utils.SuccessResponse(summaries))
}
