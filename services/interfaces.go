package services

import (
	"context"
	"time"

	"dripmail/models"
	"dripmail/repository"
)

// SubscriberDirectory resolves subscribers.
type SubscriberDirectory interface {
	GetOrCreate(ctx context.Context, email string) (*models.Subscriber, error)
	ByID(ctx context.Context, id uint) (*models.Subscriber, error)
}

// ListMembership enrolls subscribers and resolves sendable recipients.
type ListMembership interface {
	Enroll(ctx context.Context, subscriberID, listID uint, status models.SubscriptionStatus) error
	CountRecipients(ctx context.Context, listIDs []uint) (int, error)
	PageRecipients(ctx context.Context, listIDs []uint, afterSubscriberID uint, limit int) ([]repository.Recipient, error)
}

// CampaignDirectory reads campaigns and issues counter/status commands.
type CampaignDirectory interface {
	ByID(ctx context.Context, id uint) (*models.Campaign, error)
	OptinCampaignsForList(ctx context.Context, listID uint) ([]models.Campaign, error)
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]models.Campaign, error)
	UpdateCounters(ctx context.Context, campaignID uint, u repository.CounterUpdate) error
	SetSchedule(ctx context.Context, campaignID uint, scheduleAt time.Time, listIDs []uint, templateID *uint) error
}

// StepDirectory lists a campaign's sequence steps.
type StepDirectory interface {
	ListActiveSteps(ctx context.Context, campaignID uint) ([]models.SequenceEmail, error)
}

// ProgressStore persists subscriber sequence cursors. Create reports false
// when a record for the pair already exists.
type ProgressStore interface {
	Create(ctx context.Context, p *models.SubscriberSequenceProgress) (bool, error)
	Find(ctx context.Context, subscriberID, campaignID uint) (*models.SubscriberSequenceProgress, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.SubscriberSequenceProgress, error)
	ListParked(ctx context.Context, campaignID uint) ([]models.SubscriberSequenceProgress, error)
	ListParkedBySubscriber(ctx context.Context, subscriberID uint) ([]models.SubscriberSequenceProgress, error)
	Save(ctx context.Context, p *models.SubscriberSequenceProgress) error
}

type TemplateStore interface {
	ByID(ctx context.Context, id uint) (*models.Template, error)
}

// EmailTransport delivers one message and returns the provider message id.
type EmailTransport interface {
	Send(ctx context.Context, to, subject, htmlBody string) (string, error)
}

// TrackingURLBuilder builds the open-tracking pixel URL of one send.
type TrackingURLBuilder interface {
	Build(campaignID, stepID, subscriberID uint) string
}

// Clock returns the current time.
type Clock func() time.Time
