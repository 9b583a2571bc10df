package controller

import (
	"strings"

	"dripmail/models"
	"dripmail/repository"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// filterPrefix marks column filters in the subscriber listing query,
// e.g. ?filter_status=enabled
const filterPrefix = "filter_"

// SubscriberSequences starts a subscriber's sequences and re-arms the ones
// parked while the subscriber could not receive mail.
type SubscriberSequences interface {
	SequenceStarter
	RequestSubscriberResume(subscriberID uint)
}

type SubscriberController struct {
	Subscribers repository.SubscriberRepository
	Lists       repository.ListRepository
	Members     repository.SubscriberListRepository
	Sequences   SubscriberSequences
	Logger      *logrus.Entry
}

func NewSubscriberController(
	subscribers repository.SubscriberRepository,
	lists repository.ListRepository,
	members repository.SubscriberListRepository,
	sequences SubscriberSequences,
	logger *logrus.Entry,
) *SubscriberController {
	return &SubscriberController{
		Subscribers: subscribers,
		Lists:       lists,
		Members:     members,
		Sequences:   sequences,
		Logger:      logger,
	}
}

// GetSubscribers returns a paginated, filtered and sorted subscriber list
func (sc *SubscriberController) GetSubscribers(c *fiber.Ctx) error {
	q := repository.SubscriberQuery{
		Filters: map[string]string{},
		Search:  c.Query("search"),
		SortBy:  c.Query("sort_by"),
		Order:   c.Query("order"),
		Page:    c.QueryInt("page", 1),
		PerPage: c.QueryInt("per_page", 20),
	}
	if raw := c.Query("list_id"); raw != "" {
		listID, err := utils.ParseID(raw)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid list ID", err)
		}
		q.ListID = listID
	}
	for key, value := range c.Queries() {
		if strings.HasPrefix(key, filterPrefix) && value != "" {
			q.Filters[strings.TrimPrefix(key, filterPrefix)] = value
		}
	}
	if err := q.Validate(); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query", err)
	}

	subscribers, total, err := sc.Subscribers.List(c.UserContext(), q)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch subscribers", err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  subscribers,
		Total: total,
		Page:  q.Page,
		Limit: q.PerPage,
	}))
}

// CreateSubscriber creates a subscriber and optionally enrolls it in lists,
// starting their opt-in sequences.
func (sc *SubscriberController) CreateSubscriber(c *fiber.Ctx) error {
	var input struct {
		Email   string                 `json:"email" validate:"required,mailbox"`
		Name    string                 `json:"name" validate:"max=200"`
		Status  string                 `json:"status" validate:"omitempty,subscriberstatus"`
		Attribs map[string]interface{} `json:"attribs"`
		ListIDs []uint                 `json:"list_ids"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	ctx := c.UserContext()
	email := repository.NormalizeEmail(input.Email)
	existing, err := sc.Subscribers.ByEmail(ctx, email)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check subscriber", err)
	}
	if existing != nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Subscriber with this email already exists", nil)
	}

	for _, listID := range input.ListIDs {
		list, err := sc.Lists.ByID(ctx, listID)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch list", err)
		}
		if list == nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "List not found", nil)
		}
	}

	subscriber := models.Subscriber{
		Email:   email,
		Name:    input.Name,
		Status:  models.SubscriberStatus(input.Status),
		Attribs: input.Attribs,
	}
	if subscriber.Status == "" {
		subscriber.Status = models.SubscriberEnabled
	}
	if err := sc.Subscribers.Create(ctx, &subscriber); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create subscriber", err)
	}

	started := 0
	for _, listID := range input.ListIDs {
		n, err := sc.enroll(c, subscriber.ID, listID)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add subscriber to list", err)
		}
		started += n
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(fiber.Map{
		"subscriber":        subscriber,
		"sequences_started": started,
	}))
}

func (sc *SubscriberController) GetSubscriber(c *fiber.Ctx) error {
	subscriber, err := sc.loadSubscriber(c)
	if err != nil || subscriber == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(subscriber))
}

// UpdateSubscriber replaces a subscriber's address, name, attributes and,
// when given, status.
func (sc *SubscriberController) UpdateSubscriber(c *fiber.Ctx) error {
	subscriber, err := sc.loadSubscriber(c)
	if err != nil || subscriber == nil {
		return err
	}
	var input struct {
		Email   string                 `json:"email" validate:"required,mailbox"`
		Name    string                 `json:"name" validate:"max=200"`
		Status  string                 `json:"status" validate:"omitempty,subscriberstatus"`
		Attribs map[string]interface{} `json:"attribs"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	email := repository.NormalizeEmail(input.Email)
	if email != subscriber.Email {
		existing, err := sc.Subscribers.ByEmail(c.UserContext(), email)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check subscriber", err)
		}
		if existing != nil {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Subscriber with this email already exists", nil)
		}
	}

	previous := subscriber.Status
	subscriber.Email = email
	subscriber.Name = input.Name
	subscriber.Attribs = input.Attribs
	if input.Status != "" {
		subscriber.Status = models.SubscriberStatus(input.Status)
	}
	return sc.saveSubscriber(c, subscriber, previous)
}

// UpdateSubscriberStatus enables, disables or blocklists a subscriber.
// Sequences of non-enabled subscribers are parked on their next due step
// and re-armed once the subscriber is enabled again.
func (sc *SubscriberController) UpdateSubscriberStatus(c *fiber.Ctx) error {
	subscriber, err := sc.loadSubscriber(c)
	if err != nil || subscriber == nil {
		return err
	}
	var input struct {
		Status string `json:"status" validate:"required,subscriberstatus"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	previous := subscriber.Status
	subscriber.Status = models.SubscriberStatus(input.Status)
	return sc.saveSubscriber(c, subscriber, previous)
}

func (sc *SubscriberController) saveSubscriber(c *fiber.Ctx, subscriber *models.Subscriber, previous models.SubscriberStatus) error {
	if err := sc.Subscribers.Save(c.UserContext(), subscriber); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update subscriber", err)
	}
	if subscriber.Status == models.SubscriberEnabled && previous != models.SubscriberEnabled {
		sc.Sequences.RequestSubscriberResume(subscriber.ID)
		utils.LogEvent("subscriber_reenabled", map[string]interface{}{"subscriber_id": subscriber.ID})
	}
	return c.JSON(utils.SuccessResponse(subscriber))
}

func (sc *SubscriberController) DeleteSubscriber(c *fiber.Ctx) error {
	subscriber, err := sc.loadSubscriber(c)
	if err != nil || subscriber == nil {
		return err
	}
	if err := sc.Subscribers.Delete(c.UserContext(), subscriber.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete subscriber", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": subscriber.ID}))
}

// CreateList creates a subscriber list
func (sc *SubscriberController) CreateList(c *fiber.Ctx) error {
	var input struct {
		Name  string   `json:"name" validate:"required,max=100"`
		Type  string   `json:"type" validate:"omitempty,listtype"`
		Optin string   `json:"optin" validate:"omitempty,listoptin"`
		Tags  []string `json:"tags"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	list := models.List{
		Name:  input.Name,
		Type:  models.ListType(input.Type),
		Optin: models.ListOptin(input.Optin),
		Tags:  input.Tags,
	}
	if err := sc.Lists.Create(c.UserContext(), &list); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create list", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(list))
}

// UpdateList renames or retypes a list. Omitted fields keep their value.
func (sc *SubscriberController) UpdateList(c *fiber.Ctx) error {
	list, err := sc.loadList(c)
	if err != nil || list == nil {
		return err
	}
	var input struct {
		Name  string   `json:"name" validate:"omitempty,max=100"`
		Type  string   `json:"type" validate:"omitempty,listtype"`
		Optin string   `json:"optin" validate:"omitempty,listoptin"`
		Tags  []string `json:"tags"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if input.Name != "" {
		list.Name = input.Name
	}
	if input.Type != "" {
		list.Type = models.ListType(input.Type)
	}
	if input.Optin != "" {
		list.Optin = models.ListOptin(input.Optin)
	}
	if input.Tags != nil {
		list.Tags = input.Tags
	}
	if err := sc.Lists.Save(c.UserContext(), list); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update list", err)
	}
	return c.JSON(utils.SuccessResponse(list))
}

func (sc *SubscriberController) GetLists(c *fiber.Ctx) error {
	page, limit, offset := utils.PageParams(c)
	lists, total, err := sc.Lists.List(c.UserContext(), limit, offset)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lists", err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  lists,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

// GetList returns a list with its sendable member count
func (sc *SubscriberController) GetList(c *fiber.Ctx) error {
	list, err := sc.loadList(c)
	if err != nil || list == nil {
		return err
	}
	count, err := sc.Members.CountRecipients(c.UserContext(), []uint{list.ID})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count list members", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"list":        list,
		"memberCount": count,
	}))
}

func (sc *SubscriberController) DeleteList(c *fiber.Ctx) error {
	list, err := sc.loadList(c)
	if err != nil || list == nil {
		return err
	}
	if err := sc.Lists.Delete(c.UserContext(), list.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete list", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": list.ID}))
}

// AddSubscriberToList confirms an existing subscriber into a list and
// starts the list's opt-in sequences.
func (sc *SubscriberController) AddSubscriberToList(c *fiber.Ctx) error {
	list, err := sc.loadList(c)
	if err != nil || list == nil {
		return err
	}
	var input struct {
		SubscriberID uint `json:"subscriber_id" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	subscriber, err := sc.Subscribers.ByID(c.UserContext(), input.SubscriberID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch subscriber", err)
	}
	if subscriber == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscriber not found", nil)
	}

	started, err := sc.enroll(c, subscriber.ID, list.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add subscriber to list", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"subscriber_id":     subscriber.ID,
		"list_id":           list.ID,
		"sequences_started": started,
	}))
}

func (sc *SubscriberController) enroll(c *fiber.Ctx, subscriberID, listID uint) (int, error) {
	if err := sc.Members.Enroll(c.UserContext(), subscriberID, listID, models.SubscriptionConfirmed); err != nil {
		return 0, err
	}
	records, err := sc.Sequences.Initialize(c.UserContext(), subscriberID, listID)
	return len(records), err
}

func (sc *SubscriberController) loadSubscriber(c *fiber.Ctx) (*models.Subscriber, error) {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid subscriber ID", err)
	}
	subscriber, err := sc.Subscribers.ByID(c.UserContext(), id)
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch subscriber", err)
	}
	if subscriber == nil {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Subscriber not found", nil)
	}
	return subscriber, nil
}

func (sc *SubscriberController) loadList(c *fiber.Ctx) (*models.List, error) {
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid list ID", err)
	}
	list, err := sc.Lists.ByID(c.UserContext(), id)
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch list", err)
	}
	if list == nil {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "List not found", nil)
	}
	return list, nil
}
