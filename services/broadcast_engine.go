package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dripmail/metrics"
	"dripmail/models"
	"dripmail/repository"
	"dripmail/utils"

	"github.com/sirupsen/logrus"
)

const defaultDueCampaignLimit = 20

// CampaignEmailStats is the result of one broadcast run.
type CampaignEmailStats struct {
	CampaignID uint                  `json:"campaign_id"`
	Status     models.CampaignStatus `json:"status"`
	ToSend     int                   `json:"to_send"`
	BulkEmailStats
}

// broadcastRun is a validated broadcast ready to dispatch.
type broadcastRun struct {
	campaign *models.Campaign
	req      BatchRequest
	toSend   int
}

// BroadcastEngine drives one-shot and scheduled campaign sends.
type BroadcastEngine struct {
	campaigns CampaignDirectory
	steps     StepDirectory
	templates TemplateStore
	members   ListMembership
	sender    *BatchSender
	hub       *ProgressHub
	now       Clock
	logger    *logrus.Entry
}

func NewBroadcastEngine(
	campaigns CampaignDirectory,
	steps StepDirectory,
	templates TemplateStore,
	members ListMembership,
	sender *BatchSender,
	hub *ProgressHub,
	now Clock,
	logger *logrus.Entry,
) *BroadcastEngine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.WithField("component", "broadcast")
	}
	return &BroadcastEngine{
		campaigns: campaigns,
		steps:     steps,
		templates: templates,
		members:   members,
		sender:    sender,
		hub:       hub,
		now:       now,
		logger:    logger,
	}
}

// Schedule arms a campaign to be broadcast at scheduleAt. Times at or before
// now are rejected without touching the campaign.
func (e *BroadcastEngine) Schedule(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint, scheduleAt time.Time) error {
	if !scheduleAt.After(e.now()) {
		return ErrScheduleInPast
	}

	campaign, err := e.loadCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !campaign.Status.CanTransitionTo(models.CampaignScheduled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, campaign.Status, models.CampaignScheduled)
	}

	if len(listIDs) == 0 {
		listIDs = boundListIDs(campaign)
	}
	if len(listIDs) == 0 {
		return ErrNoRecipients
	}
	if templateID != nil {
		tpl, err := e.templates.ByID(ctx, *templateID)
		if err != nil {
			return err
		}
		if tpl == nil {
			return ErrTemplateNotFound
		}
	}

	if err := e.campaigns.SetSchedule(ctx, campaignID, scheduleAt, listIDs, templateID); err != nil {
		return transitionConflict(err, campaign.Status, models.CampaignScheduled)
	}
	utils.LogEvent("campaign_scheduled", map[string]interface{}{
		"campaign_id": campaignID,
		"schedule_at": scheduleAt,
		"list_ids":    listIDs,
	})
	return nil
}

// SendNow broadcasts a campaign immediately and waits for the run to end.
func (e *BroadcastEngine) SendNow(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint) (*CampaignEmailStats, error) {
	run, err := e.start(ctx, campaignID, listIDs, templateID)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, run), nil
}

// StartAsync validates and marks the campaign running, then dispatches in
// the background. It returns the number of recipients to send to.
func (e *BroadcastEngine) StartAsync(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint) (int, error) {
	run, err := e.start(ctx, campaignID, listIDs, templateID)
	if err != nil {
		return 0, err
	}
	go e.execute(context.WithoutCancel(ctx), run)
	return run.toSend, nil
}

// start resolves content and recipients and moves the campaign to running
// with to_send set and sent reset, before anything is dispatched.
func (e *BroadcastEngine) start(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint) (*broadcastRun, error) {
	campaign, err := e.loadCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.Status.CanTransitionTo(models.CampaignRunning) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, campaign.Status, models.CampaignRunning)
	}
	return e.prepare(ctx, campaign, listIDs, templateID)
}

// prepare claims the campaign for a run. The claim only succeeds while the
// stored status is still the one campaign was read with, so two starters
// racing on the same campaign produce exactly one run.
func (e *BroadcastEngine) prepare(ctx context.Context, campaign *models.Campaign, listIDs []uint, templateID *uint) (*broadcastRun, error) {
	if len(listIDs) == 0 {
		listIDs = boundListIDs(campaign)
	}
	if len(listIDs) == 0 {
		return nil, ErrNoRecipients
	}

	now := e.now()
	req, err := e.resolveContent(ctx, campaign, templateID, now)
	if err != nil {
		return nil, err
	}
	req.ListIDs = listIDs

	count, err := e.members.CountRecipients(ctx, listIDs)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoRecipients
	}

	running := models.CampaignRunning
	err = e.campaigns.UpdateCounters(ctx, campaign.ID, repository.CounterUpdate{
		ResetSent:    true,
		ToSend:       &count,
		Status:       &running,
		StartedAt:    &now,
		LastError:    utils.Pointer(""),
		ExpectStatus: []models.CampaignStatus{campaign.Status},
	})
	if err != nil {
		return nil, transitionConflict(err, campaign.Status, running)
	}
	e.hub.Publish(ProgressEvent{CampaignID: campaign.ID, Status: running, ToSend: count, At: now})
	return &broadcastRun{campaign: campaign, req: req, toSend: count}, nil
}

// execute dispatches a claimed run. After every chunk the stored status is
// read back; once an operator has paused or cancelled the campaign no
// further chunk is sent and the operator's status is kept.
func (e *BroadcastEngine) execute(ctx context.Context, run *broadcastRun) *CampaignEmailStats {
	id := run.campaign.ID
	log := e.logger.WithField("campaign_id", id)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var sent, failed int
	var halted models.CampaignStatus
	onChunk := func(r ChunkResult) {
		sent += r.Sent
		failed += r.Failed
		if r.Sent > 0 {
			if err := e.campaigns.UpdateCounters(ctx, id, repository.CounterUpdate{SentDelta: r.Sent}); err != nil {
				log.WithError(err).Error("Failed to add sent count")
			}
		}
		if current := e.storedStatus(ctx, id); current != "" && current != models.CampaignRunning {
			halted = current
			stop()
		}
		e.hub.Publish(ProgressEvent{
			CampaignID: id, Status: models.CampaignRunning,
			ToSend: run.toSend, Sent: sent, Failed: failed, At: e.now(),
		})
	}

	stats, err := e.sender.SendToLists(runCtx, run.req, onChunk)

	final := models.CampaignFinished
	lastError := ""
	switch {
	case halted != "":
		final = halted
	case err != nil:
		final = models.CampaignPaused
		lastError = err.Error()
		utils.LogError("broadcast_failed", err, map[string]interface{}{"campaign_id": id})
	case stats.FailedCount > 0:
		final = models.CampaignPaused
		lastError = fmt.Sprintf("%d of %d sends failed", stats.FailedCount, stats.Total)
	}

	if halted == "" {
		final, lastError = e.finish(context.WithoutCancel(ctx), id, final, lastError)
	} else {
		log.WithField("status", halted).Info("Broadcast stopped by status change")
	}
	metrics.CampaignsFinished.WithLabelValues(string(final)).Inc()
	e.hub.Publish(ProgressEvent{
		CampaignID: id, Status: final, ToSend: run.toSend,
		Sent: stats.SuccessCount, Failed: stats.FailedCount,
		Done: true, Error: lastError, At: e.now(),
	})

	log.WithFields(logrus.Fields{
		"status": final,
		"sent":   stats.SuccessCount,
		"failed": stats.FailedCount,
	}).Info("Broadcast finished")

	return &CampaignEmailStats{CampaignID: id, Status: final, ToSend: run.toSend, BulkEmailStats: stats}
}

// finish records the outcome of a run that is still marked running. If the
// status moved on in the meantime the stored status wins and is returned.
func (e *BroadcastEngine) finish(ctx context.Context, id uint, final models.CampaignStatus, lastError string) (models.CampaignStatus, string) {
	err := e.campaigns.UpdateCounters(ctx, id, repository.CounterUpdate{
		Status:       &final,
		LastError:    &lastError,
		ExpectStatus: []models.CampaignStatus{models.CampaignRunning},
	})
	switch {
	case err == nil:
		return final, lastError
	case errors.Is(err, repository.ErrStatusConflict):
		if current := e.storedStatus(ctx, id); current != "" {
			return current, ""
		}
	default:
		e.logger.WithError(err).WithField("campaign_id", id).Error("Failed to record final campaign status")
	}
	return final, lastError
}

// storedStatus returns the campaign's current status, or "" when it cannot
// be read.
func (e *BroadcastEngine) storedStatus(ctx context.Context, id uint) models.CampaignStatus {
	c, err := e.campaigns.ByID(ctx, id)
	if err != nil {
		e.logger.WithError(err).WithField("campaign_id", id).Warn("Failed to re-read campaign status")
		return ""
	}
	if c == nil {
		return ""
	}
	return c.Status
}

// ProcessScheduled broadcasts every scheduled campaign due at now. A
// campaign that cannot start is paused with the reason and not retried.
func (e *BroadcastEngine) ProcessScheduled(ctx context.Context, now time.Time) (int, error) {
	due, err := e.campaigns.DueScheduled(ctx, now, defaultDueCampaignLimit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		campaign := &due[i]
		run, err := e.prepare(ctx, campaign, campaign.ListIDs(), campaign.ScheduledTemplateID)
		if errors.Is(err, ErrInvalidTransition) {
			e.logger.WithField("campaign_id", campaign.ID).Info("Scheduled campaign changed status before start, skipping")
			continue
		}
		if err != nil {
			e.pause(ctx, campaign.ID, err)
			continue
		}
		e.execute(ctx, run)
		processed++
	}
	return processed, nil
}

// pause parks a scheduled campaign that could not start. A campaign an
// operator moved off scheduled in the meantime is left alone.
func (e *BroadcastEngine) pause(ctx context.Context, campaignID uint, cause error) {
	paused := models.CampaignPaused
	msg := cause.Error()
	utils.LogError("broadcast_not_started", cause, map[string]interface{}{"campaign_id": campaignID})
	err := e.campaigns.UpdateCounters(ctx, campaignID, repository.CounterUpdate{
		Status:       &paused,
		LastError:    &msg,
		ExpectStatus: []models.CampaignStatus{models.CampaignScheduled},
	})
	if err != nil {
		e.logger.WithError(err).WithField("campaign_id", campaignID).Error("Failed to pause campaign")
		return
	}
	metrics.CampaignsFinished.WithLabelValues(string(paused)).Inc()
}

// resolveContent picks what to send: an explicit template, else the first
// active step eligible now, else the campaign's own body.
func (e *BroadcastEngine) resolveContent(ctx context.Context, campaign *models.Campaign, templateID *uint, now time.Time) (BatchRequest, error) {
	req := BatchRequest{CampaignID: campaign.ID, Subject: campaign.Subject}

	if templateID == nil {
		templateID = campaign.TemplateID
	}
	if templateID != nil {
		tpl, err := e.templates.ByID(ctx, *templateID)
		if err != nil {
			return req, err
		}
		if tpl == nil {
			return req, fmt.Errorf("%w: %w %d", ErrNoContent, ErrTemplateNotFound, *templateID)
		}
		if req.Subject == "" {
			req.Subject = tpl.Subject
		}
		req.Body = tpl.Body
		return req, nil
	}

	steps, err := e.steps.ListActiveSteps(ctx, campaign.ID)
	if err != nil {
		return req, err
	}
	for _, s := range steps {
		if s.SendAt == nil || !s.SendAt.After(now) {
			req.StepID = s.ID
			req.Subject = s.Subject
			req.Body = s.Body
			return req, nil
		}
	}

	if campaign.Body != "" {
		req.Body = campaign.Body
		return req, nil
	}
	return req, ErrNoContent
}

func (e *BroadcastEngine) loadCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	campaign, err := e.campaigns.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}
	return campaign, nil
}

// transitionConflict reports a lost status guard as an invalid transition.
func transitionConflict(err error, from, to models.CampaignStatus) error {
	if errors.Is(err, repository.ErrStatusConflict) {
		return fmt.Errorf("%w: %s -> %s: %w", ErrInvalidTransition, from, to, err)
	}
	return err
}

func boundListIDs(c *models.Campaign) []uint {
	if len(c.Lists) == 0 {
		return c.ListIDs()
	}
	ids := make([]uint, 0, len(c.Lists))
	for _, l := range c.Lists {
		ids = append(ids, l.ListID)
	}
	return ids
}
