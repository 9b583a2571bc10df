package controller

import (
	"context"
	"time"

	"dripmail/models"
	"dripmail/repository"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Location is the coarse position resolved for an opening client.
type Location struct {
	Country   string
	City      string
	Region    string
	Latitude  *float64
	Longitude *float64
}

// GeoLocator resolves a client IP. Implementations return a zero Location
// when the address is unknown.
type GeoLocator interface {
	Locate(ctx context.Context, ip string) (Location, error)
}

type NoopGeoLocator struct{}

func (NoopGeoLocator) Locate(context.Context, string) (Location, error) { return Location{}, nil }

type TrackingController struct {
	Views  repository.EmailViewRepository
	Geo    GeoLocator
	Now    func() time.Time
	Logger *logrus.Entry
}

func NewTrackingController(views repository.EmailViewRepository, geo GeoLocator, logger *logrus.Entry) *TrackingController {
	if geo == nil {
		geo = NoopGeoLocator{}
	}
	if logger == nil {
		logger = logrus.WithField("component", "tracking")
	}
	return &TrackingController{Views: views, Geo: geo, Now: time.Now, Logger: logger}
}

// HandleOpenTracking serves GET /api/email_views/:subscriber_id/:step_id/:campaign_id.
// The pixel is returned even when recording the view fails.
func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	subscriberID, err := utils.ParseID(c.Params("subscriber_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid subscriber")
	}
	campaignID, err := utils.ParseID(c.Params("campaign_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid campaign")
	}
	stepID, err := c.ParamsInt("step_id")
	if err != nil || stepID < 0 {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid step")
	}

	view := models.EmailView{
		SubscriberID: subscriberID,
		CampaignID:   campaignID,
		OpenedAt:     tc.Now().UTC(),
		IPAddress:    c.IP(),
		UserAgent:    c.Get(fiber.HeaderUserAgent),
	}
	if stepID > 0 {
		view.SequenceEmailID = utils.Pointer(uint(stepID))
	}

	ctx := c.UserContext()
	if loc, err := tc.Geo.Locate(ctx, view.IPAddress); err != nil {
		tc.Logger.WithError(err).WithField("ip", view.IPAddress).Debug("Geo lookup failed")
	} else {
		view.Country, view.City, view.Region = loc.Country, loc.City, loc.Region
		view.Latitude, view.Longitude = loc.Latitude, loc.Longitude
	}

	if err := tc.Views.Create(ctx, &view); err != nil {
		tc.Logger.WithError(err).WithFields(logrus.Fields{
			"campaign_id":   campaignID,
			"subscriber_id": subscriberID,
			"step_id":       stepID,
		}).Error("Failed to record email view")
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	return c.Type("gif").Send(transparentPixel())
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
