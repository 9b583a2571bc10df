package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dripmail/config"
	controller "dripmail/controllers"
	"dripmail/middleware"
	"dripmail/repository"
	"dripmail/routes"
	"dripmail/services"
	"dripmail/utils"
	"dripmail/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

const tickLockKey = "dripmail:scheduler:tick"

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	cfg := config.AppConfig

	flush, err := utils.SetupLogger(utils.LoggerConfig{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		MaxSizeMB:   100,
		MaxBackups:  5,
		MaxAgeDays:  30,
		SentryDSN:   cfg.SentryDSN,
	})
	if err != nil {
		logrus.WithError(err).Warn("Sentry initialization failed, continuing without it")
	}
	defer flush()

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := config.NewRedisClient(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to redis")
	}

	db := config.DB
	subscribers := repository.NewSubscriberRepository(db)
	lists := repository.NewListRepository(db)
	members := repository.NewSubscriberListRepository(db)
	campaigns := repository.NewCampaignRepository(db)
	steps := repository.NewSequenceEmailRepository(db)
	progress := repository.NewProgressRepository(db)
	templates := repository.NewTemplateRepository(db)
	views := repository.NewEmailViewRepository(db)

	dispatcher := services.NewDispatcher(
		newTransport(cfg),
		utils.NewTrackingBuilder(cfg.TrackingBaseURL),
		cfg.TransportTimeout,
		logrus.WithField("component", "dispatcher"),
	)
	sender := services.NewBatchSender(dispatcher, members, services.BatchConfig{
		PageSize:   cfg.Batch.PageSize,
		ChunkSize:  cfg.Batch.ChunkSize,
		ChunkDelay: cfg.Batch.ChunkDelay,
	}, logrus.WithField("component", "batch"))
	hub := services.NewProgressHub()

	broadcasts := services.NewBroadcastEngine(campaigns, steps, templates, members, sender, hub, time.Now,
		logrus.WithField("component", "broadcast"))
	sequences := services.NewSequenceEngine(campaigns, steps, progress, subscribers, dispatcher, services.SequenceConfig{
		BatchSize:    cfg.Scheduler.DueBatchSize,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		RetryBackoff: cfg.Scheduler.RetryBackoff,
	}, time.Now, logrus.WithField("component", "sequence"))

	var tickLock worker.TickLock
	if cfg.Scheduler.DistributedLock {
		tickLock = worker.NewRedisTickLock(redisClient, tickLockKey, cfg.Scheduler.LockTTL)
	}
	scheduler := worker.NewScheduler(broadcasts, sequences, tickLock, cfg.Scheduler.Interval, time.Now,
		logrus.WithField("component", "scheduler"))
	stopScheduler := scheduler.Start(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "dripmail",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	})
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length", "Retry-After"},
		MaxAge:           3600,
	}))
	app.Use(middleware.Metrics())

	opts := routes.RouteOptions{TriggerRateLimit: cfg.TriggerRateLimit}
	if redisClient != nil {
		opts.LimiterStorage = middleware.NewRedisStorage(redisClient)
	}
	routes.SetupRoutes(app, routes.Controllers{
		Campaigns:   controller.NewCampaignController(db, campaigns, progress, views, broadcasts, hub, logrus.WithField("component", "campaigns")),
		Steps:       controller.NewSequenceEmailController(campaigns, steps, sequences),
		Sequences:   controller.NewSequenceController(subscribers, lists, members, sequences, logrus.WithField("component", "trigger")),
		Subscribers: controller.NewSubscriberController(subscribers, lists, members, sequences, logrus.WithField("component", "subscribers")),
		Templates:   controller.NewTemplateController(templates),
		Tracking:    controller.NewTrackingController(views, controller.NoopGeoLocator{}, logrus.WithField("component", "tracking")),
		Scheduler:   controller.NewSchedulerController(scheduler),
		Dashboard:   controller.NewDashboardController(db, logrus.WithField("component", "dashboard")),
		Emails:      controller.NewEmailController(subscribers, dispatcher, sender, logrus.WithField("component", "emails")),
	}, opts)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logrus.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			logrus.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logrus.WithField("port", cfg.ServerPort).Info("Server starting")
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logrus.WithError(err).Error("Server stopped")
	}

	stopScheduler()
	if redisClient != nil {
		redisClient.Close()
	}
	logrus.Info("Shutdown complete")
}

// newTransport picks the delivery backend: the log-only mock, an HTTP email
// API when an endpoint is configured, or SMTP.
func newTransport(cfg config.Config) services.EmailTransport {
	switch {
	case cfg.MockEmail:
		return &utils.LogTransport{Logger: logrus.WithField("component", "mailer")}
	case cfg.Provider.Endpoint != "":
		return utils.NewHTTPTransport(utils.HTTPTransportConfig{
			Endpoint:  cfg.Provider.Endpoint,
			APIKey:    cfg.Provider.APIKey,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
			Timeout:   cfg.TransportTimeout,
		})
	default:
		return utils.NewSMTPTransport(utils.SMTPConfig{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
			Timeout:   cfg.TransportTimeout,
		})
	}
}
