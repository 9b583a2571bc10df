package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Campaign is either a one-shot broadcast (regular) or the owner of a drip
// sequence (optin).
type Campaign struct {
	gorm.Model
	UUID uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"uuid"`

	// Campaign details
	Name       string       `gorm:"not null" json:"name"`
	Subject    string       `gorm:"not null" json:"subject"`
	Body       string       `gorm:"type:text" json:"body"`
	FromEmail  string       `json:"from_email"`
	Type       CampaignType `gorm:"type:varchar(20);not null;default:'regular'" json:"type"`
	TemplateID *uint        `json:"template_id,omitempty"`

	// Scheduling
	Status              CampaignStatus `gorm:"type:varchar(20);not null;default:'draft';index" json:"status"`
	ScheduleAt          *time.Time     `gorm:"index" json:"schedule_at,omitempty"`
	ScheduledListIDs    pq.Int64Array  `gorm:"type:bigint[]" json:"scheduled_list_ids,omitempty"`
	ScheduledTemplateID *uint          `json:"scheduled_template_id,omitempty"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`

	// Counters, only ever changed additively
	ToSend    int    `gorm:"not null;default:0" json:"to_send"`
	Sent      int    `gorm:"not null;default:0" json:"sent"`
	LastError string `gorm:"type:text" json:"last_error,omitempty"`

	// Relations
	Lists []CampaignList  `gorm:"foreignKey:CampaignID" json:"lists,omitempty"`
	Steps []SequenceEmail `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
}

func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	if c.Type == "" {
		c.Type = CampaignRegular
	}
	return nil
}

// ListIDs returns the scheduled list ids as uints.
func (c *Campaign) ListIDs() []uint {
	ids := make([]uint, 0, len(c.ScheduledListIDs))
	for _, id := range c.ScheduledListIDs {
		ids = append(ids, uint(id))
	}
	return ids
}

// CampaignList binds a campaign to a list. Opt-in campaigns start a sequence
// for subscribers joining any bound list.
type CampaignList struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	CampaignID uint   `gorm:"not null;uniqueIndex:idx_campaign_list" json:"campaign_id"`
	ListID     uint   `gorm:"not null;uniqueIndex:idx_campaign_list;index" json:"list_id"`
	ListName   string `json:"list_name"`

	CreatedAt time.Time `json:"created_at"`
}
