package controller

import (
	"context"
	"errors"
	"time"

	"dripmail/models"
	"dripmail/repository"
	"dripmail/services"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Broadcaster interface {
	Schedule(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint, scheduleAt time.Time) error
	SendNow(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint) (*services.CampaignEmailStats, error)
	StartAsync(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint) (int, error)
}

type CampaignController struct {
	DB         *gorm.DB
	Campaigns  repository.CampaignRepository
	Progress   repository.ProgressRepository
	Views      repository.EmailViewRepository
	Broadcasts Broadcaster
	Hub        *services.ProgressHub
	Logger     *logrus.Entry
}

func NewCampaignController(
	db *gorm.DB,
	campaigns repository.CampaignRepository,
	progress repository.ProgressRepository,
	views repository.EmailViewRepository,
	broadcasts Broadcaster,
	hub *services.ProgressHub,
	logger *logrus.Entry,
) *CampaignController {
	return &CampaignController{
		DB:         db,
		Campaigns:  campaigns,
		Progress:   progress,
		Views:      views,
		Broadcasts: broadcasts,
		Hub:        hub,
		Logger:     logger,
	}
}

type campaignInput struct {
	Name       string `json:"name" validate:"required,max=200"`
	Subject    string `json:"subject" validate:"required,max=500"`
	Body       string `json:"body"`
	FromEmail  string `json:"from_email" validate:"omitempty,mailbox"`
	Type       string `json:"type" validate:"omitempty,campaigntype"`
	TemplateID *uint  `json:"template_id"`
	ListIDs    []uint `json:"list_ids"`
}

// CreateCampaign creates a draft campaign bound to the given lists
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	var input campaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	campaign := models.Campaign{
		Name:       input.Name,
		Subject:    input.Subject,
		Body:       input.Body,
		FromEmail:  input.FromEmail,
		Type:       models.CampaignType(input.Type),
		TemplateID: input.TemplateID,
		Status:     models.CampaignDraft,
	}

	err := repository.WithTransaction(c.UserContext(), cc.DB, func(ctx context.Context) error {
		if err := cc.Campaigns.Create(ctx, &campaign); err != nil {
			return err
		}
		if len(input.ListIDs) > 0 {
			return cc.Campaigns.BindLists(ctx, campaign.ID, input.ListIDs)
		}
		return nil
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to create campaign", err)
	}

	utils.LogEvent("campaign_created", map[string]interface{}{
		"campaign_id": campaign.ID,
		"type":        campaign.Type,
		"lists":       len(input.ListIDs),
	})

	created, err := cc.Campaigns.ByID(c.UserContext(), campaign.ID)
	if err != nil || created == nil {
		created = &campaign
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(created))
}

// GetCampaigns lists campaigns, optionally filtered by ?status=
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	var status *models.CampaignStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := models.ParseCampaignStatus(raw)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid status", err)
		}
		status = &parsed
	}

	page, limit, offset := utils.PageParams(c)
	campaigns, total, err := cc.Campaigns.List(c.UserContext(), status, limit, offset)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  campaigns,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if err != nil || campaign == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// editableStatuses are the statuses in which a campaign's content may change.
var editableStatuses = []models.CampaignStatus{models.CampaignDraft, models.CampaignScheduled, models.CampaignPaused}

// UpdateCampaign edits the content of a campaign that is not running or
// terminal. list_ids, when given, are bound in addition to existing lists.
func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if err != nil || campaign == nil {
		return err
	}

	var input campaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	campaign.Name = input.Name
	campaign.Subject = input.Subject
	campaign.Body = input.Body
	campaign.FromEmail = input.FromEmail
	campaign.TemplateID = input.TemplateID
	if input.Type != "" {
		campaign.Type = models.CampaignType(input.Type)
	}

	if len(input.ListIDs) == 0 {
		err = cc.Campaigns.UpdateDetails(c.UserContext(), campaign, editableStatuses)
	} else {
		err = repository.WithTransaction(c.UserContext(), cc.DB, func(ctx context.Context) error {
			if err := cc.Campaigns.UpdateDetails(ctx, campaign, editableStatuses); err != nil {
				return err
			}
			return cc.Campaigns.BindLists(ctx, campaign.ID, input.ListIDs)
		})
	}
	switch {
	case errors.Is(err, repository.ErrStatusConflict):
		return utils.ErrorResponse(c, fiber.StatusConflict,
			"Campaign can only be edited while draft, scheduled or paused", nil)
	case errors.Is(err, repository.ErrListsNotFound):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to update campaign", err)
	case err != nil:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", err)
	}

	updated, err := cc.Campaigns.ByID(c.UserContext(), campaign.ID)
	if err != nil || updated == nil {
		updated = campaign
	}
	return c.JSON(utils.SuccessResponse(updated))
}

// DeleteCampaign removes a campaign with its steps and subscriber progress.
// A running campaign must be paused or cancelled first.
func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if err != nil || campaign == nil {
		return err
	}
	err = cc.Campaigns.Delete(c.UserContext(), campaign.ID)
	switch {
	case errors.Is(err, repository.ErrStatusConflict):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Cannot delete a running campaign", nil)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	case err != nil:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete campaign", err)
	}
	utils.LogEvent("campaign_deleted", map[string]interface{}{"campaign_id": campaign.ID})
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": campaign.ID}))
}

// GetCampaignLists returns the lists bound to a campaign
func (cc *CampaignController) GetCampaignLists(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if err != nil || campaign == nil {
		return err
	}
	lists := campaign.Lists
	if lists == nil {
		lists = []models.CampaignList{}
	}
	return c.JSON(utils.SuccessResponse(lists))
}

// BindCampaignList binds one list to a campaign. Binding an already bound
// list is a no-op.
func (cc *CampaignController) BindCampaignList(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if err != nil || campaign == nil {
		return err
	}
	listID, err := utils.ParseID(c.Params("list_id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid list ID", err)
	}

	err = cc.Campaigns.BindLists(c.UserContext(), campaign.ID, []uint{listID})
	if errors.Is(err, repository.ErrListsNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "List not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to bind list", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": campaign.ID,
		"list_id":     listID,
	}))
}

// UnbindCampaignList detaches a list from a campaign. Sequences already
// started from that list keep running.
func (cc *CampaignController) UnbindCampaignList(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if err != nil || campaign == nil {
		return err
	}
	listID, err := utils.ParseID(c.Params("list_id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid list ID", err)
	}

	err = cc.Campaigns.UnbindList(c.UserContext(), campaign.ID, listID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "List is not bound to this campaign", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to unbind list", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": campaign.ID,
		"unbound":     listID,
	}))
}

// UpdateCampaignStatus pauses, cancels or returns a campaign to draft.
// Running and finished are only reached through sending.
func (cc *CampaignController) UpdateCampaignStatus(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if err != nil || campaign == nil {
		return err
	}

	var input struct {
		Status string `json:"status" validate:"required,oneof=paused cancelled draft"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	next := models.CampaignStatus(input.Status)
	if !campaign.Status.CanTransitionTo(next) {
		return utils.ErrorResponse(c, fiber.StatusConflict,
			"Cannot move campaign from "+string(campaign.Status)+" to "+string(next), nil)
	}
	err = cc.Campaigns.UpdateCounters(c.UserContext(), campaign.ID, repository.CounterUpdate{
		Status:       &next,
		ExpectStatus: []models.CampaignStatus{campaign.Status},
	})
	if errors.Is(err, repository.ErrStatusConflict) {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign status changed, reload and retry", err)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", err)
	}
	campaign.Status = next
	return c.JSON(utils.SuccessResponse(campaign))
}

type sendInput struct {
	ListIDs    []uint `json:"list_ids"`
	TemplateID *uint  `json:"template_id"`
	Wait       bool   `json:"wait"`
}

// SendCampaign broadcasts a campaign now. By default the send runs in the
// background and the response is 202; with "wait": true it blocks and
// returns the final stats.
func (cc *CampaignController) SendCampaign(c *fiber.Ctx) error {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}

	var input sendInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}

	if input.Wait {
		stats, err := cc.Broadcasts.SendNow(c.UserContext(), id, input.ListIDs, input.TemplateID)
		if err != nil {
			return serviceErrorResponse(c, err, "Failed to send campaign")
		}
		return c.JSON(utils.SuccessResponse(stats))
	}

	toSend, err := cc.Broadcasts.StartAsync(c.UserContext(), id, input.ListIDs, input.TemplateID)
	if err != nil {
		return serviceErrorResponse(c, err, "Failed to start campaign")
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": id,
		"status":      models.CampaignRunning,
		"to_send":     toSend,
	}))
}

// ScheduleCampaign arms a campaign for a future broadcast
func (cc *CampaignController) ScheduleCampaign(c *fiber.Ctx) error {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}

	var input struct {
		ScheduleAt time.Time `json:"schedule_at" validate:"required"`
		ListIDs    []uint    `json:"list_ids"`
		TemplateID *uint     `json:"template_id"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if err := cc.Broadcasts.Schedule(c.UserContext(), id, input.ListIDs, input.TemplateID, input.ScheduleAt); err != nil {
		return serviceErrorResponse(c, err, "Failed to schedule campaign")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": id,
		"status":      models.CampaignScheduled,
		"schedule_at": input.ScheduleAt,
	}))
}

// GetCampaignStats returns send counters and open tracking totals
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if err != nil || campaign == nil {
		return err
	}

	opens, uniqueOpens, err := cc.Views.CountByCampaign(c.UserContext(), campaign.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaign stats", err)
	}

	openRate := 0.0
	if campaign.Sent > 0 {
		openRate = float64(uniqueOpens) / float64(campaign.Sent) * 100
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id":  campaign.ID,
		"status":       campaign.Status,
		"to_send":      campaign.ToSend,
		"sent":         campaign.Sent,
		"opens":        opens,
		"unique_opens": uniqueOpens,
		"open_rate":    openRate,
		"started_at":   campaign.StartedAt,
		"last_error":   campaign.LastError,
	}))
}

// GetCampaignProgress lists the sequence progress records of a campaign
func (cc *CampaignController) GetCampaignProgress(c *fiber.Ctx) error {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}

	page, limit, offset := utils.PageParams(c)
	records, total, err := cc.Progress.ListByCampaign(c.UserContext(), id, limit, offset)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch progress", err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  records,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

// loadCampaign writes the error response itself; callers return (err) when
// the campaign is nil.
func (cc *CampaignController) loadCampaign(c *fiber.Ctx) (*models.Campaign, error) {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}
	campaign, err := cc.Campaigns.ByID(c.UserContext(), id)
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaign", err)
	}
	if campaign == nil {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	return campaign, nil
}
