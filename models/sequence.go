package models

import (
	"errors"
	"time"
)

// SequenceEmail is one step of an opt-in campaign's drip sequence.
type SequenceEmail struct {
	ID         uint  `gorm:"primaryKey" json:"id"`
	CampaignID uint  `gorm:"not null;uniqueIndex:idx_sequence_campaign_position" json:"campaign_id"`
	Position   int   `gorm:"not null;uniqueIndex:idx_sequence_campaign_position" json:"position"`
	TemplateID *uint `gorm:"index" json:"template_id,omitempty"`

	Subject string `gorm:"not null" json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	// Timing
	DelayType  DelayType  `gorm:"type:varchar(20);not null" json:"delay_type"`
	DelayValue *int       `json:"delay_value,omitempty"`
	DelayUnit  *DelayUnit `gorm:"type:varchar(10)" json:"delay_unit,omitempty"`
	SendAt     *time.Time `json:"send_at,omitempty"`

	IsActive bool                   `gorm:"not null;default:true;index" json:"is_active"`
	Metadata map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrDelayValueRequired = errors.New("delay_value and delay_unit are required unless delay_type is absolute")
	ErrNegativeDelay      = errors.New("delay_value must not be negative")
	ErrInvalidPosition    = errors.New("position must be positive")
)

// Validate checks the step's timing invariants before it is persisted.
func (s *SequenceEmail) Validate() error {
	if s.Position <= 0 {
		return ErrInvalidPosition
	}
	if _, err := ParseDelayType(string(s.DelayType)); err != nil {
		return err
	}
	if s.DelayUnit != nil {
		if _, err := ParseDelayUnit(string(*s.DelayUnit)); err != nil {
			return err
		}
	}
	if s.DelayType == DelayAbsolute {
		return nil
	}
	if s.DelayValue == nil || s.DelayUnit == nil {
		return ErrDelayValueRequired
	}
	if *s.DelayValue < 0 {
		return ErrNegativeDelay
	}
	return nil
}

// SubscriberSequenceProgress is a subscriber's cursor through one campaign's
// sequence. CurrentPosition is the position of the next step to send.
type SubscriberSequenceProgress struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	SubscriberID uint `gorm:"not null;uniqueIndex:idx_progress_subscriber_campaign" json:"subscriber_id"`
	CampaignID   uint `gorm:"not null;uniqueIndex:idx_progress_subscriber_campaign;index" json:"campaign_id"`
	ListID       uint `gorm:"not null;index" json:"list_id"`

	JoinedAt             time.Time  `gorm:"not null;<-:create" json:"joined_at"`
	CurrentPosition      int        `gorm:"not null;default:0" json:"current_position"`
	LastEmailSentAt      *time.Time `json:"last_email_sent_at,omitempty"`
	NextEmailScheduledAt *time.Time `gorm:"index" json:"next_email_scheduled_at,omitempty"`
	Completed            bool       `gorm:"not null;default:false;index" json:"completed"`

	// Retry bookkeeping, only used when a retry ceiling is configured.
	DeliveryState  DeliveryState `gorm:"type:varchar(20);not null;default:'pending'" json:"delivery_state"`
	FailedAttempts int           `gorm:"not null;default:0" json:"failed_attempts"`
	LastError      string        `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SubscriberSequenceProgress) TableName() string { return "subscriber_sequence_progress" }

// IsIdle reports whether the record has nothing pending and is not finished.
func (p *SubscriberSequenceProgress) IsIdle() bool {
	return !p.Completed && p.NextEmailScheduledAt == nil
}
