package routes

import (
	controller "dripmail/controllers"
	"dripmail/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Controllers bundles every handler group mounted by SetupRoutes.
type Controllers struct {
	Campaigns   *controller.CampaignController
	Steps       *controller.SequenceEmailController
	Sequences   *controller.SequenceController
	Subscribers *controller.SubscriberController
	Templates   *controller.TemplateController
	Tracking    *controller.TrackingController
	Scheduler   *controller.SchedulerController
	Dashboard   *controller.DashboardController
	Emails      *controller.EmailController
}

// RouteOptions carries the limiter settings of the public trigger.
// Storage is nil for the limiter's in-memory default.
type RouteOptions struct {
	TriggerRateLimit int
	LimiterStorage   fiber.Storage
}

func SetupPublicRoutes(app *fiber.App, h Controllers, opts RouteOptions) {
	// Public sequence trigger
	app.Post("/subscriber-sequence/:email/lists/:list_id",
		middleware.TriggerRateLimiter(opts.TriggerRateLimit, opts.LimiterStorage),
		h.Sequences.TriggerSequence)

	// Open tracking pixel
	app.Get("/api/email_views/:subscriber_id/:step_id/:campaign_id", h.Tracking.HandleOpenTracking)
}

func SetupAPIRoutes(app *fiber.App, h Controllers) {
	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected())

	// Dashboard routes
	dashboard := api.Group("/dashboard")
	dashboard.Get("/stats", h.Dashboard.GetDashboardStats)
	dashboard.Get("/recent-campaigns", h.Dashboard.GetRecentCampaigns)

	// Campaign routes
	campaign := api.Group("/campaigns")
	campaign.Post("/", h.Campaigns.CreateCampaign)
	campaign.Get("/", h.Campaigns.GetCampaigns)
	campaign.Get("/:id", h.Campaigns.GetCampaign)
	campaign.Put("/:id", h.Campaigns.UpdateCampaign)
	campaign.Delete("/:id", h.Campaigns.DeleteCampaign)
	campaign.Patch("/:id/status", h.Campaigns.UpdateCampaignStatus)
	campaign.Post("/:id/send", h.Campaigns.SendCampaign)
	campaign.Post("/:id/schedule", h.Campaigns.ScheduleCampaign)
	campaign.Get("/:id/stats", h.Campaigns.GetCampaignStats)
	campaign.Get("/:id/progress", h.Campaigns.GetCampaignProgress)

	// Campaign list bindings
	campaign.Get("/:id/lists", h.Campaigns.GetCampaignLists)
	campaign.Post("/:id/lists/:list_id", h.Campaigns.BindCampaignList)
	campaign.Delete("/:id/lists/:list_id", h.Campaigns.UnbindCampaignList)

	// Sequence step routes
	campaign.Post("/:id/steps", h.Steps.CreateStep)
	campaign.Get("/:id/steps", h.Steps.GetSteps)
	campaign.Put("/:id/steps/:step_id", h.Steps.UpdateStep)
	campaign.Delete("/:id/steps/:step_id", h.Steps.DeleteStep)

	// Subscriber routes
	subscriber := api.Group("/subscribers")
	subscriber.Post("/", h.Subscribers.CreateSubscriber)
	subscriber.Get("/", h.Subscribers.GetSubscribers)
	subscriber.Get("/:id", h.Subscribers.GetSubscriber)
	subscriber.Put("/:id", h.Subscribers.UpdateSubscriber)
	subscriber.Patch("/:id/status", h.Subscribers.UpdateSubscriberStatus)
	subscriber.Delete("/:id", h.Subscribers.DeleteSubscriber)

	// List routes
	list := api.Group("/lists")
	list.Post("/", h.Subscribers.CreateList)
	list.Get("/", h.Subscribers.GetLists)
	list.Get("/:id", h.Subscribers.GetList)
	list.Put("/:id", h.Subscribers.UpdateList)
	list.Delete("/:id", h.Subscribers.DeleteList)
	list.Post("/:id/subscribers", h.Subscribers.AddSubscriberToList)

	// Template routes
	template := api.Group("/templates")
	template.Post("/", h.Templates.CreateTemplate)
	template.Get("/", h.Templates.GetTemplates)
	template.Get("/:id", h.Templates.GetTemplate)
	template.Put("/:id", h.Templates.UpdateTemplate)
	template.Delete("/:id", h.Templates.DeleteTemplate)

	// Ad-hoc email routes
	email := api.Group("/emails")
	email.Post("/send", h.Emails.SendEmail)
	email.Post("/send-bulk", h.Emails.SendBulk)
	email.Post("/send-to-lists", h.Emails.SendToLists)

	api.Post("/scheduler/tick", h.Scheduler.TriggerTick)

	// WebSocket route for campaign progress
	app.Get("/ws/campaigns/:id/progress", middleware.Protected(), controller.RequireWebsocket,
		websocket.New(controller.HandleCampaignProgressWS(h.Campaigns.Hub)))
}

func SetupRoutes(app *fiber.App, h Controllers, opts RouteOptions) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupPublicRoutes(app, h, opts)
	SetupAPIRoutes(app, h)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "The requested resource was not found",
		})
	})

	logrus.Info("Routes initialized successfully")
}
