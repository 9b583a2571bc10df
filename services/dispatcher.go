package services

import (
	"context"
	"time"

	"dripmail/metrics"
	"dripmail/utils"

	"github.com/sirupsen/logrus"
)

const DefaultTransportTimeout = 30 * time.Second

// TrackedEmail is one message to one subscriber. StepID is 0 for broadcast
// sends that are not tied to a sequence step.
type TrackedEmail struct {
	To           string
	SubscriberID uint
	CampaignID   uint
	StepID       uint
	Subject      string
	Body         string
	Path         string
}

// Dispatcher sends single tracked emails through an EmailTransport.
type Dispatcher struct {
	transport EmailTransport
	tracker   TrackingURLBuilder
	timeout   time.Duration
	logger    *logrus.Entry
}

func NewDispatcher(transport EmailTransport, tracker TrackingURLBuilder, timeout time.Duration, logger *logrus.Entry) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTransportTimeout
	}
	if logger == nil {
		logger = logrus.WithField("component", "dispatcher")
	}
	return &Dispatcher{transport: transport, tracker: tracker, timeout: timeout, logger: logger}
}

// Send injects the tracking pixel and hands the message to the transport
// under a bounded timeout. Failures match ErrTransportFailure.
func (d *Dispatcher) Send(ctx context.Context, e TrackedEmail) (string, error) {
	body := e.Body
	if d.tracker != nil {
		body = utils.InjectTrackingPixel(body, d.tracker.Build(e.CampaignID, e.StepID, e.SubscriberID))
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	messageID, err := d.transport.Send(sendCtx, e.To, e.Subject, body)
	metrics.RecordSend(e.Path, err == nil, time.Since(start).Seconds())
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"to":          e.To,
			"campaign_id": e.CampaignID,
			"step_id":     e.StepID,
			"error":       err.Error(),
		}).Warn("Email send failed")
		return "", TransportError(e.To, err)
	}

	d.logger.WithFields(logrus.Fields{
		"to":          e.To,
		"campaign_id": e.CampaignID,
		"step_id":     e.StepID,
		"message_id":  messageID,
	}).Debug("Email sent")
	return messageID, nil
}
