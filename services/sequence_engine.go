package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dripmail/metrics"
	"dripmail/models"
	"dripmail/repository"
	"dripmail/utils"

	"github.com/sirupsen/logrus"
)

const (
	DefaultDueBatchSize = 100
	maxRetryBackoff     = 24 * time.Hour
)

type SequenceConfig struct {
	// BatchSize bounds the due records handled per tick.
	BatchSize int
	// MaxAttempts dead-letters a record after that many consecutive failed
	// sends. Zero keeps failed records due and retries them every tick.
	MaxAttempts int
	// RetryBackoff is the base delay before a retry when MaxAttempts > 0.
	// It doubles with every consecutive failure.
	RetryBackoff time.Duration
}

// ProcessResult summarizes one ProcessDue pass.
type ProcessResult struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Stalled   int `json:"stalled"`
	Completed int `json:"completed"`
	Resumed   int `json:"resumed"`
}

// SequenceEngine advances subscribers through opt-in campaign sequences.
// Progress rows are only mutated from ProcessDue, which the scheduler runs
// single-flight.
type SequenceEngine struct {
	campaigns   CampaignDirectory
	steps       StepDirectory
	progress    ProgressStore
	subscribers SubscriberDirectory
	dispatcher  *Dispatcher
	cfg         SequenceConfig
	now         Clock
	logger      *logrus.Entry

	resumeMu          sync.Mutex
	resume            map[uint]struct{}
	resumeSubscribers map[uint]struct{}
}

func NewSequenceEngine(
	campaigns CampaignDirectory,
	steps StepDirectory,
	progress ProgressStore,
	subscribers SubscriberDirectory,
	dispatcher *Dispatcher,
	cfg SequenceConfig,
	now Clock,
	logger *logrus.Entry,
) *SequenceEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDueBatchSize
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.WithField("component", "sequence")
	}
	return &SequenceEngine{
		campaigns:         campaigns,
		steps:             steps,
		progress:          progress,
		subscribers:       subscribers,
		dispatcher:        dispatcher,
		cfg:               cfg,
		now:               now,
		logger:            logger,
		resume:            make(map[uint]struct{}),
		resumeSubscribers: make(map[uint]struct{}),
	}
}

// Initialize starts every opt-in campaign bound to listID for the
// subscriber, skipping campaigns the subscriber already has progress in.
// It returns the records created by this call.
func (e *SequenceEngine) Initialize(ctx context.Context, subscriberID, listID uint) ([]models.SubscriberSequenceProgress, error) {
	now := e.now()
	campaigns, err := e.campaigns.OptinCampaignsForList(ctx, listID)
	if err != nil {
		return nil, err
	}

	created := []models.SubscriberSequenceProgress{}
	for _, c := range campaigns {
		existing, err := e.progress.Find(ctx, subscriberID, c.ID)
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}

		steps, err := e.steps.ListActiveSteps(ctx, c.ID)
		if err != nil {
			return created, err
		}

		p := models.SubscriberSequenceProgress{
			SubscriberID:  subscriberID,
			CampaignID:    c.ID,
			ListID:        listID,
			JoinedAt:      now,
			DeliveryState: models.DeliveryPending,
		}
		if first := firstStep(steps); first != nil {
			next, err := ComputeNextSend(&p, first, true, now)
			if err != nil {
				utils.LogError("sequence_invalid_step", err, map[string]interface{}{
					"campaign_id": c.ID,
					"step_id":     first.ID,
				})
				continue
			}
			p.CurrentPosition = first.Position
			p.NextEmailScheduledAt = &next
		}

		ok, err := e.progress.Create(ctx, &p)
		if err != nil {
			return created, err
		}
		if !ok {
			continue
		}
		created = append(created, p)
	}

	if len(created) > 0 {
		utils.LogEvent("sequence_initialized", map[string]interface{}{
			"subscriber_id": subscriberID,
			"list_id":       listID,
			"campaigns":     len(created),
		})
	}
	return created, nil
}

// RequestResume asks the next ProcessDue pass to re-arm parked records of
// the campaign, typically after its steps changed.
func (e *SequenceEngine) RequestResume(campaignID uint) {
	e.resumeMu.Lock()
	e.resume[campaignID] = struct{}{}
	e.resumeMu.Unlock()
}

// RequestSubscriberResume asks the next ProcessDue pass to re-arm the
// subscriber's parked records, typically after the subscriber was enabled
// again.
func (e *SequenceEngine) RequestSubscriberResume(subscriberID uint) {
	e.resumeMu.Lock()
	e.resumeSubscribers[subscriberID] = struct{}{}
	e.resumeMu.Unlock()
}

func (e *SequenceEngine) takeResumes() (campaigns, subscribers []uint) {
	e.resumeMu.Lock()
	defer e.resumeMu.Unlock()
	campaigns, subscribers = sortedKeys(e.resume), sortedKeys(e.resumeSubscribers)
	e.resume = make(map[uint]struct{})
	e.resumeSubscribers = make(map[uint]struct{})
	return campaigns, subscribers
}

func sortedKeys(set map[uint]struct{}) []uint {
	ids := make([]uint, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ProcessDue sends the step each due record is waiting on. A record only
// advances after its send succeeded. Failing to list due records or to
// persist an advanced record aborts the pass.
func (e *SequenceEngine) ProcessDue(ctx context.Context, now time.Time) (ProcessResult, error) {
	var result ProcessResult
	result.Resumed = e.resumeParked(ctx, now)

	due, err := e.progress.ListDue(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("list due progress: %w", err)
	}
	result.Due = len(due)

	steps := map[uint][]models.SequenceEmail{}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		p := &due[i]
		log := e.logger.WithFields(logrus.Fields{
			"progress_id":   p.ID,
			"subscriber_id": p.SubscriberID,
			"campaign_id":   p.CampaignID,
			"position":      p.CurrentPosition,
		})

		campaignSteps, ok := steps[p.CampaignID]
		if !ok {
			campaignSteps, err = e.steps.ListActiveSteps(ctx, p.CampaignID)
			if err != nil {
				return result, fmt.Errorf("list steps of campaign %d: %w", p.CampaignID, err)
			}
			steps[p.CampaignID] = campaignSteps
		}

		step := stepAt(campaignSteps, p.CurrentPosition)
		if step == nil {
			log.Warn("No active step at current position, parking record")
			if err := e.park(ctx, p, ErrStepNotFound.Error()); err != nil {
				return result, err
			}
			result.Stalled++
			continue
		}

		sub, err := e.subscribers.ByID(ctx, p.SubscriberID)
		if err != nil {
			return result, fmt.Errorf("load subscriber %d: %w", p.SubscriberID, err)
		}
		if sub == nil || sub.Status != models.SubscriberEnabled {
			log.Warn("Subscriber missing or not enabled, parking record")
			if err := e.park(ctx, p, ErrSubscriberNotFound.Error()); err != nil {
				return result, err
			}
			result.Stalled++
			continue
		}

		_, sendErr := e.dispatcher.Send(ctx, TrackedEmail{
			To:           sub.Email,
			SubscriberID: sub.ID,
			CampaignID:   p.CampaignID,
			StepID:       step.ID,
			Subject:      step.Subject,
			Body:         step.Body,
			Path:         metrics.PathSequence,
		})
		if sendErr != nil {
			result.Failed++
			if err := e.recordFailure(ctx, p, sendErr, now); err != nil {
				return result, err
			}
			continue
		}

		e.advance(p, campaignSteps, now, log)
		if err := e.progress.Save(ctx, p); err != nil {
			utils.LogError("sequence_progress_not_saved", err, map[string]interface{}{
				"progress_id": p.ID,
				"step_id":     step.ID,
			})
			result.Sent++
			return result, fmt.Errorf("save progress %d after send: %w", p.ID, err)
		}
		result.Sent++
		if p.Completed {
			result.Completed++
		}

		if err := e.campaigns.UpdateCounters(ctx, p.CampaignID, repository.CounterUpdate{SentDelta: 1}); err != nil {
			log.WithError(err).Error("Failed to increment campaign sent counter")
		}
	}

	metrics.RecordSequenceOutcome("sent", result.Sent)
	metrics.RecordSequenceOutcome("failed", result.Failed)
	metrics.RecordSequenceOutcome("stalled", result.Stalled)
	metrics.RecordSequenceOutcome("completed", result.Completed)
	metrics.RecordSequenceOutcome("resumed", result.Resumed)
	return result, nil
}

// advance moves p past the step just sent: to the next active step with a
// greater position, or to completion.
func (e *SequenceEngine) advance(p *models.SubscriberSequenceProgress, steps []models.SequenceEmail, now time.Time, log *logrus.Entry) {
	sentAt := now
	p.LastEmailSentAt = &sentAt
	p.DeliveryState = models.DeliveryPending
	p.FailedAttempts = 0
	p.LastError = ""

	next := stepAfter(steps, p.CurrentPosition)
	if next == nil {
		p.Completed = true
		p.NextEmailScheduledAt = nil
		return
	}

	p.CurrentPosition = next.Position
	due, err := ComputeNextSend(p, next, false, now)
	if err != nil {
		log.WithError(err).Warn("Next step has invalid delay, parking record")
		p.NextEmailScheduledAt = nil
		p.LastError = err.Error()
		return
	}
	p.NextEmailScheduledAt = &due
}

// recordFailure applies the retry policy to a failed send. Without a retry
// ceiling the record is left untouched and stays due.
func (e *SequenceEngine) recordFailure(ctx context.Context, p *models.SubscriberSequenceProgress, cause error, now time.Time) error {
	if e.cfg.MaxAttempts <= 0 {
		return nil
	}

	p.FailedAttempts++
	p.LastError = cause.Error()
	if p.FailedAttempts >= e.cfg.MaxAttempts {
		p.DeliveryState = models.DeliveryDeadLettered
		p.NextEmailScheduledAt = nil
		utils.LogError("sequence_dead_lettered", cause, map[string]interface{}{
			"progress_id": p.ID,
			"attempts":    p.FailedAttempts,
		})
	} else {
		p.DeliveryState = models.DeliveryRetrying
		retryAt := now.Add(retryBackoff(e.cfg.RetryBackoff, p.FailedAttempts))
		p.NextEmailScheduledAt = &retryAt
	}

	if err := e.progress.Save(ctx, p); err != nil {
		return fmt.Errorf("save failed attempt of progress %d: %w", p.ID, err)
	}
	return nil
}

func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxRetryBackoff; i++ {
		d *= 2
	}
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// park clears the due time so a stalled record stops occupying the due
// batch. Its position is kept; resumeParked re-arms it.
func (e *SequenceEngine) park(ctx context.Context, p *models.SubscriberSequenceProgress, reason string) error {
	p.NextEmailScheduledAt = nil
	p.LastError = reason
	if err := e.progress.Save(ctx, p); err != nil {
		return fmt.Errorf("park progress %d: %w", p.ID, err)
	}
	return nil
}

// resumeParked re-arms parked records queued by RequestResume and
// RequestSubscriberResume. A request whose records cannot be loaded is
// queued again for the next pass.
func (e *SequenceEngine) resumeParked(ctx context.Context, now time.Time) int {
	campaigns, subscribers := e.takeResumes()
	resumed := 0
	for _, campaignID := range campaigns {
		log := e.logger.WithField("campaign_id", campaignID)
		parked, err := e.progress.ListParked(ctx, campaignID)
		if err == nil {
			var n int
			n, err = e.rearm(ctx, parked, now)
			resumed += n
		}
		if err != nil {
			log.WithError(err).Error("Failed to resume parked progress")
			e.RequestResume(campaignID)
		}
	}
	for _, subscriberID := range subscribers {
		log := e.logger.WithField("subscriber_id", subscriberID)
		parked, err := e.progress.ListParkedBySubscriber(ctx, subscriberID)
		if err == nil {
			var n int
			n, err = e.rearm(ctx, parked, now)
			resumed += n
		}
		if err != nil {
			log.WithError(err).Error("Failed to resume parked progress")
			e.RequestSubscriberResume(subscriberID)
		}
	}
	return resumed
}

// rearm gives each parked record a due time again. A record resumes at the
// first active step at or after its position, so no step is ever sent
// twice. Records with no step left stay parked.
func (e *SequenceEngine) rearm(ctx context.Context, parked []models.SubscriberSequenceProgress, now time.Time) (int, error) {
	resumed := 0
	steps := map[uint][]models.SequenceEmail{}
	for i := range parked {
		p := &parked[i]
		log := e.logger.WithFields(logrus.Fields{"progress_id": p.ID, "campaign_id": p.CampaignID})

		campaignSteps, ok := steps[p.CampaignID]
		if !ok {
			var err error
			campaignSteps, err = e.steps.ListActiveSteps(ctx, p.CampaignID)
			if err != nil {
				return resumed, fmt.Errorf("list steps of campaign %d: %w", p.CampaignID, err)
			}
			steps[p.CampaignID] = campaignSteps
		}

		step := stepFrom(campaignSteps, p.CurrentPosition)
		if step == nil {
			continue
		}
		due, err := ComputeNextSend(p, step, p.LastEmailSentAt == nil, now)
		if err != nil {
			log.WithError(err).WithField("step_id", step.ID).Warn("Cannot resume onto step with invalid delay")
			continue
		}
		p.CurrentPosition = step.Position
		p.NextEmailScheduledAt = &due
		p.LastError = ""
		if err := e.progress.Save(ctx, p); err != nil {
			log.WithError(err).Error("Failed to resume progress")
			continue
		}
		resumed++
	}
	return resumed, nil
}

func firstStep(steps []models.SequenceEmail) *models.SequenceEmail {
	var first *models.SequenceEmail
	for i := range steps {
		if !steps[i].IsActive {
			continue
		}
		if first == nil || steps[i].Position < first.Position {
			first = &steps[i]
		}
	}
	return first
}

func stepAt(steps []models.SequenceEmail, position int) *models.SequenceEmail {
	for i := range steps {
		if steps[i].IsActive && steps[i].Position == position {
			return &steps[i]
		}
	}
	return nil
}

// stepAfter returns the active step with the smallest position > position.
func stepAfter(steps []models.SequenceEmail, position int) *models.SequenceEmail {
	return stepFrom(steps, position+1)
}

// stepFrom returns the active step with the smallest position >= position.
func stepFrom(steps []models.SequenceEmail, position int) *models.SequenceEmail {
	var found *models.SequenceEmail
	for i := range steps {
		s := &steps[i]
		if !s.IsActive || s.Position < position {
			continue
		}
		if found == nil || s.Position < found.Position {
			found = s
		}
	}
	return found
}
