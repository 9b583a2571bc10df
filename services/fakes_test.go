package services

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"dripmail/models"
	"dripmail/repository"
)

var errStorageDown = errors.New("storage unreachable")

// fakeTransport records sends and fails for addresses in failFor.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	bodies  map[string]string
	failFor map[string]bool
	block   chan struct{}
}

func newFakeTransport(fail ...string) *fakeTransport {
	t := &fakeTransport{bodies: map[string]string{}, failFor: map[string]bool{}}
	for _, f := range fail {
		t.failFor[f] = true
	}
	return t
}

func (t *fakeTransport) Send(ctx context.Context, to, subject, html string) (string, error) {
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failFor[to] {
		return "", errors.New("mailbox unavailable")
	}
	t.sent = append(t.sent, to)
	t.bodies[to] = html
	return "msg-" + to, nil
}

func (t *fakeTransport) sentTo() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]string(nil), t.sent...)
	sort.Strings(out)
	return out
}

type fakeTracker struct{}

func (fakeTracker) Build(campaignID, stepID, subscriberID uint) string {
	return "https://t.test/px"
}

// fakeStore is an in-memory implementation of every directory the engines
// consume.
type fakeStore struct {
	mu sync.Mutex

	subscribers map[uint]*models.Subscriber
	memberships map[uint][]repository.Recipient // list id -> recipients
	campaigns   map[uint]*models.Campaign
	optin       map[uint][]uint // list id -> campaign ids
	steps       map[uint][]models.SequenceEmail
	templates   map[uint]*models.Template
	progress    map[uint]*models.SubscriberSequenceProgress
	nextID      uint

	saves        int
	failListDue  bool
	failSave     bool
	failSubs     bool
	counterCalls []repository.CounterUpdate
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subscribers: map[uint]*models.Subscriber{},
		memberships: map[uint][]repository.Recipient{},
		campaigns:   map[uint]*models.Campaign{},
		optin:       map[uint][]uint{},
		steps:       map[uint][]models.SequenceEmail{},
		templates:   map[uint]*models.Template{},
		progress:    map[uint]*models.SubscriberSequenceProgress{},
	}
}

func (s *fakeStore) addSubscriber(id uint, email string) {
	sub := &models.Subscriber{Email: email, Status: models.SubscriberEnabled}
	sub.ID = id
	s.subscribers[id] = sub
}

// SubscriberDirectory

func (s *fakeStore) GetOrCreate(ctx context.Context, email string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		if sub.Email == email {
			return sub, nil
		}
	}
	id := uint(len(s.subscribers) + 1000)
	sub := &models.Subscriber{Email: email, Status: models.SubscriberEnabled}
	sub.ID = id
	s.subscribers[id] = sub
	return sub, nil
}

func (s *fakeStore) ByID(ctx context.Context, id uint) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSubs {
		return nil, errStorageDown
	}
	return s.subscribers[id], nil
}

// ListMembership

func (s *fakeStore) Enroll(ctx context.Context, subscriberID, listID uint, status models.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subscribers[subscriberID]
	s.memberships[listID] = append(s.memberships[listID], repository.Recipient{SubscriberID: subscriberID, Email: sub.Email})
	return nil
}

func (s *fakeStore) recipients(listIDs []uint) []repository.Recipient {
	seen := map[uint]bool{}
	var out []repository.Recipient
	for _, l := range listIDs {
		for _, r := range s.memberships[l] {
			if !seen[r.SubscriberID] {
				seen[r.SubscriberID] = true
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out
}

func (s *fakeStore) CountRecipients(ctx context.Context, listIDs []uint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recipients(listIDs)), nil
}

func (s *fakeStore) PageRecipients(ctx context.Context, listIDs []uint, after uint, limit int) ([]repository.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page []repository.Recipient
	for _, r := range s.recipients(listIDs) {
		if r.SubscriberID > after && len(page) < limit {
			page = append(page, r)
		}
	}
	return page, nil
}

// campaignView adapts fakeStore to CampaignDirectory, whose ByID collides
// with SubscriberDirectory.ByID.
type campaignView struct{ *fakeStore }

func (v campaignView) ByID(ctx context.Context, id uint) (*models.Campaign, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) OptinCampaignsForList(ctx context.Context, listID uint) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, id := range s.optin[listID] {
		out = append(out, *s.campaigns[id])
	}
	return out, nil
}

func (s *fakeStore) DueScheduled(ctx context.Context, now time.Time, limit int) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		if c.Status == models.CampaignScheduled && c.ScheduleAt != nil && !c.ScheduleAt.After(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) UpdateCounters(ctx context.Context, id uint, u repository.CounterUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterCalls = append(s.counterCalls, u)
	c, ok := s.campaigns[id]
	if !ok {
		return errors.New("campaign not found")
	}
	if len(u.ExpectStatus) > 0 && !slices.Contains(u.ExpectStatus, c.Status) {
		return repository.ErrStatusConflict
	}
	if u.ResetSent {
		c.Sent = u.SentDelta
	} else {
		c.Sent += u.SentDelta
	}
	if u.ToSend != nil {
		c.ToSend = *u.ToSend
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.StartedAt != nil {
		c.StartedAt = u.StartedAt
	}
	if u.LastError != nil {
		c.LastError = *u.LastError
	}
	return nil
}

func (s *fakeStore) SetSchedule(ctx context.Context, id uint, at time.Time, listIDs []uint, templateID *uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	if !c.Status.CanTransitionTo(models.CampaignScheduled) {
		return repository.ErrStatusConflict
	}
	c.Status = models.CampaignScheduled
	c.ScheduleAt = &at
	c.ScheduledListIDs = nil
	for _, l := range listIDs {
		c.ScheduledListIDs = append(c.ScheduledListIDs, int64(l))
	}
	c.ScheduledTemplateID = templateID
	return nil
}

// StepDirectory

func (s *fakeStore) ListActiveSteps(ctx context.Context, campaignID uint) ([]models.SequenceEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SequenceEmail
	for _, st := range s.steps[campaignID] {
		if st.IsActive {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// TemplateStore

type templateView struct{ *fakeStore }

func (v templateView) ByID(ctx context.Context, id uint) (*models.Template, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.templates[id], nil
}

// ProgressStore

type progressView struct{ *fakeStore }

func (v progressView) Create(ctx context.Context, p *models.SubscriberSequenceProgress) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, existing := range v.progress {
		if existing.SubscriberID == p.SubscriberID && existing.CampaignID == p.CampaignID {
			return false, nil
		}
	}
	v.nextID++
	p.ID = v.nextID
	cp := *p
	v.progress[p.ID] = &cp
	return true, nil
}

func (v progressView) Find(ctx context.Context, subscriberID, campaignID uint) (*models.SubscriberSequenceProgress, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range v.progress {
		if p.SubscriberID == subscriberID && p.CampaignID == campaignID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (v progressView) ListDue(ctx context.Context, now time.Time, limit int) ([]models.SubscriberSequenceProgress, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failListDue {
		return nil, errStorageDown
	}
	var out []models.SubscriberSequenceProgress
	for _, p := range v.progress {
		if !p.Completed && p.NextEmailScheduledAt != nil && !p.NextEmailScheduledAt.After(now) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextEmailScheduledAt.Equal(*out[j].NextEmailScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextEmailScheduledAt.Before(*out[j].NextEmailScheduledAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v progressView) ListParked(ctx context.Context, campaignID uint) ([]models.SubscriberSequenceProgress, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.SubscriberSequenceProgress
	for _, p := range v.progress {
		if p.CampaignID == campaignID && !p.Completed && p.NextEmailScheduledAt == nil &&
			p.DeliveryState != models.DeliveryDeadLettered {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v progressView) ListParkedBySubscriber(ctx context.Context, subscriberID uint) ([]models.SubscriberSequenceProgress, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.SubscriberSequenceProgress
	for _, p := range v.progress {
		if p.SubscriberID == subscriberID && !p.Completed && p.NextEmailScheduledAt == nil &&
			p.DeliveryState != models.DeliveryDeadLettered {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v progressView) Save(ctx context.Context, p *models.SubscriberSequenceProgress) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failSave {
		return errStorageDown
	}
	v.saves++
	cp := *p
	cp.JoinedAt = v.progress[p.ID].JoinedAt
	v.progress[p.ID] = &cp
	return nil
}

func (s *fakeStore) get(id uint) models.SubscriberSequenceProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.progress[id]
}
