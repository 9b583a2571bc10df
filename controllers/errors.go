package controller

import (
	"errors"

	"dripmail/services"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
)

// serviceErrorResponse maps service errors onto HTTP statuses. Anything
// unrecognised is a 500 reported under fallback.
func serviceErrorResponse(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, services.ErrCampaignNotFound),
		errors.Is(err, services.ErrListNotFound),
		errors.Is(err, services.ErrSubscriberNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, err.Error(), nil)
	case errors.Is(err, services.ErrInvalidTransition):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign cannot change to that status", err)
	case services.IsClientError(err):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	utils.LogError("request_failed", err, map[string]interface{}{
		"path":   c.Path(),
		"method": c.Method(),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, fallback, nil)
}
