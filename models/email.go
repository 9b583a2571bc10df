package models

import (
	"time"

	"gorm.io/gorm"
)

// Template represents reusable email content for campaigns.
type Template struct {
	gorm.Model
	Name      string       `gorm:"not null" json:"name"`
	Type      TemplateType `gorm:"type:varchar(20);not null;default:'campaign'" json:"type"`
	Subject   string       `json:"subject"`
	Body      string       `gorm:"type:text" json:"body"`
	IsDefault bool         `gorm:"default:false" json:"is_default"`
}

// EmailView is one recorded open of a tracked email.
type EmailView struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	SequenceEmailID *uint     `gorm:"index" json:"sequence_email_id,omitempty"`
	SubscriberID    uint      `gorm:"not null;index" json:"subscriber_id"`
	CampaignID      uint      `gorm:"not null;index" json:"campaign_id"`
	OpenedAt        time.Time `gorm:"not null" json:"opened_at"`

	IPAddress string   `json:"ip_address"`
	UserAgent string   `json:"user_agent"`
	Country   string   `json:"country,omitempty"`
	City      string   `json:"city,omitempty"`
	Region    string   `json:"region,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}
