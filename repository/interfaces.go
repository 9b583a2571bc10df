package repository

import (
	"context"
	"errors"
	"time"

	"dripmail/models"
)

type contextKey string

// TxContextKey is the context key under which WithTransaction stores the tx.
const TxContextKey contextKey = "tx"

// Recipient is a resolved, sendable list member.
type Recipient struct {
	SubscriberID uint   `json:"subscriber_id"`
	Email        string `json:"email"`
}

var (
	// ErrStatusConflict is returned by guarded campaign updates when the
	// stored status is not one of the expected ones.
	ErrStatusConflict = errors.New("campaign status changed")
	ErrListsNotFound  = errors.New("lists not found")
)

// CounterUpdate describes a campaign counter/status change. SentDelta is
// applied additively; nil fields are left untouched. A non-empty
// ExpectStatus makes the update conditional on the current status.
type CounterUpdate struct {
	SentDelta    int
	ResetSent    bool
	ToSend       *int
	Status       *models.CampaignStatus
	StartedAt    *time.Time
	LastError    *string
	ExpectStatus []models.CampaignStatus
}

type SubscriberRepository interface {
	ByID(ctx context.Context, id uint) (*models.Subscriber, error)
	ByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	GetOrCreate(ctx context.Context, email string) (*models.Subscriber, error)
	Create(ctx context.Context, subscriber *models.Subscriber) error
	Save(ctx context.Context, subscriber *models.Subscriber) error
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, q SubscriberQuery) ([]models.Subscriber, int64, error)
}

type ListRepository interface {
	ByID(ctx context.Context, id uint) (*models.List, error)
	Create(ctx context.Context, list *models.List) error
	Save(ctx context.Context, list *models.List) error
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, limit, offset int) ([]models.List, int64, error)
}

type SubscriberListRepository interface {
	Enroll(ctx context.Context, subscriberID, listID uint, status models.SubscriptionStatus) error
	CountRecipients(ctx context.Context, listIDs []uint) (int, error)
	PageRecipients(ctx context.Context, listIDs []uint, afterSubscriberID uint, limit int) ([]Recipient, error)
}

type CampaignRepository interface {
	ByID(ctx context.Context, id uint) (*models.Campaign, error)
	Create(ctx context.Context, campaign *models.Campaign) error
	Save(ctx context.Context, campaign *models.Campaign) error
	List(ctx context.Context, status *models.CampaignStatus, limit, offset int) ([]models.Campaign, int64, error)
	Delete(ctx context.Context, id uint) error
	UpdateDetails(ctx context.Context, campaign *models.Campaign, expect []models.CampaignStatus) error
	BindLists(ctx context.Context, campaignID uint, listIDs []uint) error
	UnbindList(ctx context.Context, campaignID, listID uint) error
	OptinCampaignsForList(ctx context.Context, listID uint) ([]models.Campaign, error)
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]models.Campaign, error)
	UpdateCounters(ctx context.Context, campaignID uint, u CounterUpdate) error
	SetSchedule(ctx context.Context, campaignID uint, scheduleAt time.Time, listIDs []uint, templateID *uint) error
}

type SequenceEmailRepository interface {
	ByID(ctx context.Context, id uint) (*models.SequenceEmail, error)
	Create(ctx context.Context, step *models.SequenceEmail) error
	Save(ctx context.Context, step *models.SequenceEmail) error
	Delete(ctx context.Context, id uint) error
	ListByCampaign(ctx context.Context, campaignID uint) ([]models.SequenceEmail, error)
	ListActiveSteps(ctx context.Context, campaignID uint) ([]models.SequenceEmail, error)
}

type ProgressRepository interface {
	Create(ctx context.Context, p *models.SubscriberSequenceProgress) (bool, error)
	Find(ctx context.Context, subscriberID, campaignID uint) (*models.SubscriberSequenceProgress, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.SubscriberSequenceProgress, error)
	ListParked(ctx context.Context, campaignID uint) ([]models.SubscriberSequenceProgress, error)
	ListParkedBySubscriber(ctx context.Context, subscriberID uint) ([]models.SubscriberSequenceProgress, error)
	ListByCampaign(ctx context.Context, campaignID uint, limit, offset int) ([]models.SubscriberSequenceProgress, int64, error)
	Save(ctx context.Context, p *models.SubscriberSequenceProgress) error
}

type TemplateRepository interface {
	ByID(ctx context.Context, id uint) (*models.Template, error)
	Create(ctx context.Context, tpl *models.Template) error
	Save(ctx context.Context, tpl *models.Template) error
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context) ([]models.Template, error)
}

type EmailViewRepository interface {
	Create(ctx context.Context, view *models.EmailView) error
	CountByCampaign(ctx context.Context, campaignID uint) (total int64, unique int64, err error)
}
