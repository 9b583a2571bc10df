package controller

import (
	"dripmail/services"
	"dripmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

// RequireWebsocket rejects plain HTTP requests on websocket routes
func RequireWebsocket(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		id, err := utils.ParseID(c.Params("id"))
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
		}
		c.Locals("campaign_id", id)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleCampaignProgressWS streams broadcast progress of one campaign until
// the run finishes or the client goes away.
func HandleCampaignProgressWS(hub *services.ProgressHub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		campaignID, _ := c.Locals("campaign_id").(uint)
		log := logrus.WithField("campaign_id", campaignID)

		events, unsubscribe := hub.Subscribe(campaignID)
		defer unsubscribe()

		// reader detects the client closing the socket
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := c.WriteJSON(ev); err != nil {
					log.WithError(err).Debug("Progress client write failed")
					return
				}
				if ev.Done {
					return
				}
			}
		}
	}
}
