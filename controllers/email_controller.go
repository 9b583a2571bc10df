package controller

import (
	"context"
	"errors"

	"dripmail/metrics"
	"dripmail/models"
	"dripmail/repository"
	"dripmail/services"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type MessageSender interface {
	Send(ctx context.Context, e services.TrackedEmail) (string, error)
}

type BulkSender interface {
	SendToLists(ctx context.Context, req services.BatchRequest, onChunk func(services.ChunkResult)) (services.BulkEmailStats, error)
	SendToRecipients(ctx context.Context, recipients []repository.Recipient, req services.BatchRequest, onChunk func(services.ChunkResult)) (services.BulkEmailStats, error)
}

// EmailController sends ad-hoc messages outside of any campaign. Every
// address is resolved to a subscriber so opens are tracked and blocklisted
// addresses are never mailed.
type EmailController struct {
	Subscribers services.SubscriberDirectory
	Dispatcher  MessageSender
	Batches     BulkSender
	Logger      *logrus.Entry
}

func NewEmailController(subscribers services.SubscriberDirectory, dispatcher MessageSender, batches BulkSender, logger *logrus.Entry) *EmailController {
	if logger == nil {
		logger = logrus.WithField("component", "emails")
	}
	return &EmailController{Subscribers: subscribers, Dispatcher: dispatcher, Batches: batches, Logger: logger}
}

type messageInput struct {
	Subject string `json:"subject" validate:"required,max=500"`
	Body    string `json:"body" validate:"required"`
}

// SendEmail sends one message to one address
func (ec *EmailController) SendEmail(c *fiber.Ctx) error {
	var input struct {
		To string `json:"to" validate:"required,mailbox"`
		messageInput
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	ctx := c.UserContext()
	subscriber, err := ec.Subscribers.GetOrCreate(ctx, input.To)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resolve subscriber", err)
	}
	if subscriber.Status == models.SubscriberBlocklisted {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Subscriber is blocklisted", nil)
	}

	messageID, err := ec.Dispatcher.Send(ctx, services.TrackedEmail{
		To:           subscriber.Email,
		SubscriberID: subscriber.ID,
		Subject:      input.Subject,
		Body:         input.Body,
		Path:         metrics.PathDirect,
	})
	if errors.Is(err, services.ErrTransportFailure) {
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to send email", err)
	}
	if err != nil {
		return serviceErrorResponse(c, err, "Failed to send email")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"to":         subscriber.Email,
		"message_id": messageID,
	}))
}

// SendBulk sends the same message to a set of addresses. Duplicate and
// blocklisted addresses are skipped; per-address failures are reported in
// the stats.
func (ec *EmailController) SendBulk(c *fiber.Ctx) error {
	var input struct {
		Emails []string `json:"emails" validate:"required,min=1,max=1000,dive,mailbox"`
		messageInput
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	ctx := c.UserContext()
	recipients := make([]repository.Recipient, 0, len(input.Emails))
	seen := make(map[uint]bool, len(input.Emails))
	skipped := 0
	for _, email := range input.Emails {
		subscriber, err := ec.Subscribers.GetOrCreate(ctx, email)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resolve subscriber", err)
		}
		if seen[subscriber.ID] {
			continue
		}
		seen[subscriber.ID] = true
		if subscriber.Status == models.SubscriberBlocklisted {
			skipped++
			continue
		}
		recipients = append(recipients, repository.Recipient{SubscriberID: subscriber.ID, Email: subscriber.Email})
	}

	stats, err := ec.Batches.SendToRecipients(ctx, recipients, services.BatchRequest{
		Subject: input.Subject,
		Body:    input.Body,
		Path:    metrics.PathDirect,
	}, nil)
	if err != nil {
		return serviceErrorResponse(c, err, "Failed to send emails")
	}

	ec.Logger.WithFields(logrus.Fields{
		"requested": len(input.Emails),
		"sent":      stats.SuccessCount,
		"failed":    stats.FailedCount,
		"skipped":   skipped,
	}).Info("Bulk send finished")
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"stats":   stats,
		"skipped": skipped,
	}))
}

// SendToLists sends one message to the confirmed, enabled members of the
// given lists, outside of any campaign.
func (ec *EmailController) SendToLists(c *fiber.Ctx) error {
	var input struct {
		ListIDs []uint `json:"list_ids" validate:"required,min=1"`
		messageInput
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	stats, err := ec.Batches.SendToLists(c.UserContext(), services.BatchRequest{
		ListIDs: input.ListIDs,
		Subject: input.Subject,
		Body:    input.Body,
		Path:    metrics.PathDirect,
	}, nil)
	if err != nil {
		return serviceErrorResponse(c, err, "Failed to send emails")
	}
	return c.JSON(utils.SuccessResponse(stats))
}
