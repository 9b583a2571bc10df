package services

import (
	"sync"
	"time"

	"dripmail/models"
)

// ProgressEvent is a snapshot of a running broadcast.
type ProgressEvent struct {
	CampaignID uint                  `json:"campaign_id"`
	Status     models.CampaignStatus `json:"status"`
	ToSend     int                   `json:"to_send"`
	Sent       int                   `json:"sent"`
	Failed     int                   `json:"failed"`
	Done       bool                  `json:"done"`
	Error      string                `json:"error,omitempty"`
	At         time.Time             `json:"at"`
}

const subscriberBuffer = 16

// ProgressHub fans broadcast progress out to per-campaign subscribers.
// Slow subscribers miss events rather than block the sender.
type ProgressHub struct {
	mu   sync.RWMutex
	subs map[uint]map[chan ProgressEvent]struct{}
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[uint]map[chan ProgressEvent]struct{})}
}

// Subscribe returns a channel of events for campaignID and a function that
// unsubscribes and closes it.
func (h *ProgressHub) Subscribe(campaignID uint) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[campaignID] == nil {
		h.subs[campaignID] = make(map[chan ProgressEvent]struct{})
	}
	h.subs[campaignID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[campaignID], ch)
			if len(h.subs[campaignID]) == 0 {
				delete(h.subs, campaignID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *ProgressHub) Publish(ev ProgressEvent) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.CampaignID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
