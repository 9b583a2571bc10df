package controller

import (
	"dripmail/models"
	"dripmail/repository"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
)

type TemplateController struct {
	Templates repository.TemplateRepository
}

func NewTemplateController(templates repository.TemplateRepository) *TemplateController {
	return &TemplateController{Templates: templates}
}

type templateInput struct {
	Name    string `json:"name" validate:"required,max=200"`
	Type    string `json:"type" validate:"omitempty,templatetype"`
	Subject string `json:"subject" validate:"max=500"`
	Body    string `json:"body" validate:"required"`
}

func (in templateInput) apply(tpl *models.Template) {
	tpl.Name = in.Name
	tpl.Subject = in.Subject
	tpl.Body = in.Body
	tpl.Type = models.TemplateType(in.Type)
	if tpl.Type == "" {
		tpl.Type = models.TemplateCampaign
	}
}

func (tc *TemplateController) CreateTemplate(c *fiber.Ctx) error {
	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var tpl models.Template
	input.apply(&tpl)
	if err := tc.Templates.Create(c.UserContext(), &tpl); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create template", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(tpl))
}

func (tc *TemplateController) GetTemplates(c *fiber.Ctx) error {
	templates, err := tc.Templates.List(c.UserContext())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch templates", err)
	}
	return c.JSON(utils.SuccessResponse(templates))
}

func (tc *TemplateController) GetTemplate(c *fiber.Ctx) error {
	tpl, err := tc.loadTemplate(c)
	if err != nil || tpl == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(tpl))
}

func (tc *TemplateController) UpdateTemplate(c *fiber.Ctx) error {
	tpl, err := tc.loadTemplate(c)
	if err != nil || tpl == nil {
		return err
	}
	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	input.apply(tpl)
	if err := tc.Templates.Save(c.UserContext(), tpl); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update template", err)
	}
	return c.JSON(utils.SuccessResponse(tpl))
}

// DeleteTemplate refuses to remove the default templates seeded at startup
func (tc *TemplateController) DeleteTemplate(c *fiber.Ctx) error {
	tpl, err := tc.loadTemplate(c)
	if err != nil || tpl == nil {
		return err
	}
	if tpl.IsDefault {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Default templates cannot be deleted", nil)
	}
	if err := tc.Templates.Delete(c.UserContext(), tpl.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete template", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": tpl.ID}))
}

func (tc *TemplateController) loadTemplate(c *fiber.Ctx) (*models.Template, error) {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid template ID", err)
	}
	tpl, err := tc.Templates.ByID(c.UserContext(), id)
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch template", err)
	}
	if tpl == nil {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
	}
	return tpl, nil
}
