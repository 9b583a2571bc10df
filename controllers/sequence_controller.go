package controller

import (
	"context"
	"net/url"

	"dripmail/models"
	"dripmail/repository"
	"dripmail/services"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type ListLookup interface {
	ByID(ctx context.Context, id uint) (*models.List, error)
}

type SequenceStarter interface {
	Initialize(ctx context.Context, subscriberID, listID uint) ([]models.SubscriberSequenceProgress, error)
}

// SequenceController serves the public trigger that enrolls an address in a
// list and starts the list's opt-in sequences.
type SequenceController struct {
	Subscribers services.SubscriberDirectory
	Lists       ListLookup
	Members     services.ListMembership
	Sequences   SequenceStarter
	Logger      *logrus.Entry
}

func NewSequenceController(subscribers services.SubscriberDirectory, lists ListLookup, members services.ListMembership, sequences SequenceStarter, logger *logrus.Entry) *SequenceController {
	return &SequenceController{
		Subscribers: subscribers,
		Lists:       lists,
		Members:     members,
		Sequences:   sequences,
		Logger:      logger,
	}
}

// TriggerSequence handles POST /subscriber-sequence/:email/lists/:list_id
func (sc *SequenceController) TriggerSequence(c *fiber.Ctx) error {
	ctx := c.UserContext()

	rawEmail, err := url.PathUnescape(c.Params("email"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email", err)
	}
	email := repository.NormalizeEmail(rawEmail)
	if err := utils.ValidateEmail(email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email", err)
	}
	listID, err := utils.ParseID(c.Params("list_id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid list ID", err)
	}

	list, err := sc.Lists.ByID(ctx, listID)
	if err != nil {
		return serviceErrorResponse(c, err, "Failed to load list")
	}
	if list == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "List not found", nil)
	}

	subscriber, err := sc.Subscribers.GetOrCreate(ctx, email)
	if err != nil {
		return serviceErrorResponse(c, err, "Failed to resolve subscriber")
	}
	if subscriber.Status != models.SubscriberEnabled {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Subscriber is "+string(subscriber.Status), nil)
	}

	if err := sc.Members.Enroll(ctx, subscriber.ID, listID, models.SubscriptionConfirmed); err != nil {
		return serviceErrorResponse(c, err, "Failed to add subscriber to list")
	}

	records, err := sc.Sequences.Initialize(ctx, subscriber.ID, listID)
	if err != nil {
		return serviceErrorResponse(c, err, "Failed to start sequences")
	}

	sc.Logger.WithFields(logrus.Fields{
		"subscriber_id": subscriber.ID,
		"list_id":       listID,
		"started":       len(records),
	}).Info("Sequence trigger handled")

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(fiber.Map{
		"subscriber": subscriber,
		"progress":   records,
	}))
}
