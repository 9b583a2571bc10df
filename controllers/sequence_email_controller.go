package controller

import (
	"time"

	"dripmail/models"
	"dripmail/repository"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
)

type SequenceResumer interface {
	RequestResume(campaignID uint)
}

// SequenceEmailController manages the steps of a campaign's sequence
type SequenceEmailController struct {
	Campaigns repository.CampaignRepository
	Steps     repository.SequenceEmailRepository
	Resumer   SequenceResumer
}

func NewSequenceEmailController(campaigns repository.CampaignRepository, steps repository.SequenceEmailRepository, resumer SequenceResumer) *SequenceEmailController {
	return &SequenceEmailController{Campaigns: campaigns, Steps: steps, Resumer: resumer}
}

type stepInput struct {
	Position   int                    `json:"position" validate:"required,min=1"`
	Subject    string                 `json:"subject" validate:"required,max=500"`
	Body       string                 `json:"body"`
	TemplateID *uint                  `json:"template_id"`
	DelayType  string                 `json:"delay_type" validate:"required,delaytype"`
	DelayValue *int                   `json:"delay_value" validate:"omitempty,min=0"`
	DelayUnit  string                 `json:"delay_unit" validate:"omitempty,delayunit"`
	SendAt     *time.Time             `json:"send_at"`
	IsActive   *bool                  `json:"is_active"`
	Metadata   map[string]interface{} `json:"metadata"`
}

func (in stepInput) apply(step *models.SequenceEmail) {
	step.Position = in.Position
	step.Subject = in.Subject
	step.Body = in.Body
	step.TemplateID = in.TemplateID
	step.DelayType = models.DelayType(in.DelayType)
	step.DelayValue = in.DelayValue
	step.DelayUnit = nil
	if in.DelayUnit != "" {
		unit := models.DelayUnit(in.DelayUnit)
		step.DelayUnit = &unit
	}
	step.SendAt = in.SendAt
	step.IsActive = true
	if in.IsActive != nil {
		step.IsActive = *in.IsActive
	}
	step.Metadata = in.Metadata
}

// parseStep applies the request body to step. Errors are client errors.
func parseStep(c *fiber.Ctx, step *models.SequenceEmail) error {
	var input stepInput
	if err := c.BodyParser(&input); err != nil {
		return err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	input.apply(step)
	return step.Validate()
}

// positionTaken reports whether another step of the campaign uses position
func (sc *SequenceEmailController) positionTaken(c *fiber.Ctx, step *models.SequenceEmail) (bool, error) {
	steps, err := sc.Steps.ListByCampaign(c.UserContext(), step.CampaignID)
	if err != nil {
		return false, err
	}
	for _, s := range steps {
		if s.Position == step.Position && s.ID != step.ID {
			return true, nil
		}
	}
	return false, nil
}

// CreateStep adds a step to a campaign's sequence
func (sc *SequenceEmailController) CreateStep(c *fiber.Ctx) error {
	campaignID, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}
	campaign, err := sc.Campaigns.ByID(c.UserContext(), campaignID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaign", err)
	}
	if campaign == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	step := models.SequenceEmail{CampaignID: campaignID}
	if err := parseStep(c, &step); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step", err)
	}

	taken, err := sc.positionTaken(c, &step)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check step position", err)
	}
	if taken {
		return utils.ErrorResponse(c, fiber.StatusConflict, "A step already uses this position", nil)
	}

	if err := sc.Steps.Create(c.UserContext(), &step); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create step", err)
	}
	sc.Resumer.RequestResume(campaignID)

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// GetSteps lists every step of a campaign, active or not, by position
func (sc *SequenceEmailController) GetSteps(c *fiber.Ctx) error {
	campaignID, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}
	steps, err := sc.Steps.ListByCampaign(c.UserContext(), campaignID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch steps", err)
	}
	return c.JSON(utils.SuccessResponse(steps))
}

func (sc *SequenceEmailController) UpdateStep(c *fiber.Ctx) error {
	step, err := sc.loadStep(c)
	if err != nil || step == nil {
		return err
	}
	if err := parseStep(c, step); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step", err)
	}

	taken, err := sc.positionTaken(c, step)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check step position", err)
	}
	if taken {
		return utils.ErrorResponse(c, fiber.StatusConflict, "A step already uses this position", nil)
	}

	if err := sc.Steps.Save(c.UserContext(), step); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update step", err)
	}
	sc.Resumer.RequestResume(step.CampaignID)
	return c.JSON(utils.SuccessResponse(step))
}

func (sc *SequenceEmailController) DeleteStep(c *fiber.Ctx) error {
	step, err := sc.loadStep(c)
	if err != nil || step == nil {
		return err
	}
	if err := sc.Steps.Delete(c.UserContext(), step.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete step", err)
	}
	// records waiting on the deleted step move on to the next one
	sc.Resumer.RequestResume(step.CampaignID)
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": step.ID}))
}

func (sc *SequenceEmailController) loadStep(c *fiber.Ctx) (*models.SequenceEmail, error) {
	campaignID, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}
	stepID, err := utils.ParseID(c.Params("step_id"))
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step ID", err)
	}
	step, err := sc.Steps.ByID(c.UserContext(), stepID)
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch step", err)
	}
	if step == nil || step.CampaignID != campaignID {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
	}
	return step, nil
}
