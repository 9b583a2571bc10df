package controller

import (
	"context"

	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
)

type Ticker interface {
	Tick(ctx context.Context) bool
}

// SchedulerController lets an operator force a scheduler tick outside the
// regular interval.
type SchedulerController struct {
	Scheduler Ticker
}

func NewSchedulerController(scheduler Ticker) *SchedulerController {
	return &SchedulerController{Scheduler: scheduler}
}

func (sc *SchedulerController) TriggerTick(c *fiber.Ctx) error {
	if !sc.Scheduler.Tick(c.UserContext()) {
		return utils.ErrorResponse(c, fiber.StatusConflict, "A tick is already running", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"ticked": true}))
}
