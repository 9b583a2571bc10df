package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Subscriber is a recipient address known to the system.
type Subscriber struct {
	gorm.Model
	UUID    uuid.UUID              `gorm:"type:uuid;uniqueIndex" json:"uuid"`
	Email   string                 `gorm:"not null;uniqueIndex" json:"email"`
	Name    string                 `json:"name"`
	Status  SubscriberStatus       `gorm:"type:varchar(20);not null;default:'enabled';index" json:"status"`
	Attribs map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"attribs,omitempty"`

	Lists []SubscriberList `gorm:"foreignKey:SubscriberID" json:"lists,omitempty"`
}

func (s *Subscriber) BeforeCreate(tx *gorm.DB) error {
	if s.UUID == uuid.Nil {
		s.UUID = uuid.New()
	}
	if s.Status == "" {
		s.Status = SubscriberEnabled
	}
	return nil
}

// List groups subscribers.
type List struct {
	gorm.Model
	UUID  uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"uuid"`
	Name  string    `gorm:"not null" json:"name"`
	Type  ListType  `gorm:"type:varchar(20);not null;default:'private'" json:"type"`
	Optin ListOptin `gorm:"type:varchar(20);not null;default:'single'" json:"optin"`
	Tags  []string  `gorm:"type:jsonb;serializer:json" json:"tags,omitempty"`
}

func (l *List) BeforeCreate(tx *gorm.DB) error {
	if l.UUID == uuid.Nil {
		l.UUID = uuid.New()
	}
	if l.Type == "" {
		l.Type = ListPrivate
	}
	if l.Optin == "" {
		l.Optin = OptinSingle
	}
	return nil
}

// SubscriberList is a subscriber's membership in a list.
type SubscriberList struct {
	SubscriberID uint                   `gorm:"primaryKey" json:"subscriber_id"`
	ListID       uint                   `gorm:"primaryKey;index" json:"list_id"`
	Status       SubscriptionStatus     `gorm:"type:varchar(20);not null;default:'unconfirmed'" json:"status"`
	Meta         map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
