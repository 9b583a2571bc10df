package utils

import (
	"fmt"
	"html"
	"strings"
)

// TrackingBuilder builds open-tracking pixel URLs served by the
// /api/email_views endpoint.
type TrackingBuilder struct {
	BaseURL string
}

func NewTrackingBuilder(baseURL string) *TrackingBuilder {
	return &TrackingBuilder{BaseURL: strings.TrimRight(baseURL, "/")}
}

// Build returns the pixel URL for one (campaign, step, subscriber) send.
// Broadcast sends without a step use step 0.
func (b *TrackingBuilder) Build(campaignID, stepID, subscriberID uint) string {
	return fmt.Sprintf("%s/api/email_views/%d/%d/%d", b.BaseURL, subscriberID, stepID, campaignID)
}

// TrackingPixel renders a hidden 1x1 image pointing at pixelURL.
func TrackingPixel(pixelURL string) string {
	return fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none;border:0">`,
		html.EscapeString(pixelURL))
}

// InjectTrackingPixel places the pixel just before </body>, or appends it
// when the body has no closing tag.
func InjectTrackingPixel(htmlBody, pixelURL string) string {
	pixel := TrackingPixel(pixelURL)
	idx := strings.LastIndex(strings.ToLower(htmlBody), "</body>")
	if idx == -1 {
		return htmlBody + pixel
	}
	return htmlBody[:idx] + pixel + htmlBody[idx:]
}
