package controller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"dripmail/models"
	"dripmail/repository"
	"dripmail/services"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

type subscriberStore struct {
	repository.SubscriberRepository
	byID  map[uint]*models.Subscriber
	saves int
}

func (s *subscriberStore) ByID(ctx context.Context, id uint) (*models.Subscriber, error) {
	return s.byID[id], nil
}

func (s *subscriberStore) ByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	for _, sub := range s.byID {
		if sub.Email == email {
			return sub, nil
		}
	}
	return nil, nil
}

func (s *subscriberStore) Save(ctx context.Context, sub *models.Subscriber) error {
	s.saves++
	s.byID[sub.ID] = sub
	return nil
}

type listStore struct {
	repository.ListRepository
	lists map[uint]*models.List
}

func (s *listStore) ByID(ctx context.Context, id uint) (*models.List, error) {
	return s.lists[id], nil
}

func (s *listStore) Save(ctx context.Context, list *models.List) error {
	s.lists[list.ID] = list
	return nil
}

type fakeSubscriberSequences struct {
	fakeStarter
	resumed []uint
}

func (f *fakeSubscriberSequences) RequestSubscriberResume(subscriberID uint) {
	f.resumed = append(f.resumed, subscriberID)
}

func newSubscriberApp(subs *subscriberStore, lists *listStore, seqs *fakeSubscriberSequences) *fiber.App {
	sc := NewSubscriberController(subs, lists, nil, seqs, nil)
	app := fiber.New()
	app.Put("/subscribers/:id", sc.UpdateSubscriber)
	app.Patch("/subscribers/:id/status", sc.UpdateSubscriberStatus)
	app.Put("/lists/:id", sc.UpdateList)
	return app
}

func TestEnablingSubscriberResumesSequences(t *testing.T) {
	sub := &models.Subscriber{Email: "ada@example.com", Status: models.SubscriberDisabled}
	sub.ID = 11
	subs := &subscriberStore{byID: map[uint]*models.Subscriber{11: sub}}
	seqs := &fakeSubscriberSequences{}
	app := newSubscriberApp(subs, &listStore{}, seqs)

	steps := []struct {
		status  string
		resumed []uint
	}{
		{"blocklisted", nil},
		{"enabled", []uint{11}},
		{"enabled", []uint{11}},
		{"disabled", []uint{11}},
		{"enabled", []uint{11, 11}},
	}
	for _, step := range steps {
		resp, err := app.Test(jsonRequest(http.MethodPatch, "/subscribers/11/status", `{"status":"`+step.status+`"}`))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, step.resumed, seqs.resumed, "after %s", step.status)
	}

	resp, err := app.Test(jsonRequest(http.MethodPatch, "/subscribers/11/status", `{"status":"gone"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 5, subs.saves)
}

func TestUpdateSubscriber(t *testing.T) {
	ada := &models.Subscriber{Email: "ada@example.com", Status: models.SubscriberDisabled}
	ada.ID = 11
	bob := &models.Subscriber{Email: "bob@example.com", Status: models.SubscriberEnabled}
	bob.ID = 12
	subs := &subscriberStore{byID: map[uint]*models.Subscriber{11: ada, 12: bob}}
	seqs := &fakeSubscriberSequences{}
	app := newSubscriberApp(subs, &listStore{}, seqs)

	resp, err := app.Test(jsonRequest(http.MethodPut, "/subscribers/11", `{"email":"BOB@example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPut, "/subscribers/11",
		`{"email":"Ada.L@Example.com","name":"Ada","status":"enabled","attribs":{"plan":"pro"}}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ada.l@example.com", subs.byID[11].Email)
	assert.Equal(t, "Ada", subs.byID[11].Name)
	assert.Equal(t, "pro", subs.byID[11].Attribs["plan"])
	assert.Equal(t, []uint{11}, seqs.resumed)

	resp, err = app.Test(jsonRequest(http.MethodPut, "/subscribers/99", `{"email":"x@example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestUpdateList(t *testing.T) {
	list := &models.List{Name: "news", Type: models.ListPrivate, Optin: models.OptinSingle}
	list.ID = 3
	lists := &listStore{lists: map[uint]*models.List{3: list}}
	app := newSubscriberApp(&subscriberStore{}, lists, &fakeSubscriberSequences{})

	resp, err := app.Test(jsonRequest(http.MethodPut, "/lists/3", `{"name":"weekly","tags":["digest"]}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "weekly", lists.lists[3].Name)
	assert.Equal(t, models.ListPrivate, lists.lists[3].Type)
	assert.Equal(t, []string{"digest"}, lists.lists[3].Tags)

	resp, err = app.Test(jsonRequest(http.MethodPut, "/lists/3", `{"optin":"triple"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

// campaignStore is a CampaignRepository over a map that honors the status
// guards of the real repository.
type campaignStore struct {
	repository.CampaignRepository
	campaigns map[uint]*models.Campaign
	lists     map[uint]bool
}

func (s *campaignStore) ByID(ctx context.Context, id uint) (*models.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *campaignStore) guard(id uint, expect []models.CampaignStatus) (*models.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %d: %w", id, gorm.ErrRecordNotFound)
	}
	if len(expect) > 0 && !slices.Contains(expect, c.Status) {
		return nil, fmt.Errorf("campaign %d: %w", id, repository.ErrStatusConflict)
	}
	return c, nil
}

func (s *campaignStore) UpdateCounters(ctx context.Context, id uint, u repository.CounterUpdate) error {
	c, err := s.guard(id, u.ExpectStatus)
	if err != nil {
		return err
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	return nil
}

func (s *campaignStore) UpdateDetails(ctx context.Context, campaign *models.Campaign, expect []models.CampaignStatus) error {
	c, err := s.guard(campaign.ID, expect)
	if err != nil {
		return err
	}
	c.Name, c.Subject, c.Body = campaign.Name, campaign.Subject, campaign.Body
	return nil
}

func (s *campaignStore) Delete(ctx context.Context, id uint) error {
	c, err := s.guard(id, nil)
	if err != nil {
		return err
	}
	if c.Status == models.CampaignRunning {
		return fmt.Errorf("campaign %d: %w", id, repository.ErrStatusConflict)
	}
	delete(s.campaigns, id)
	return nil
}

func (s *campaignStore) BindLists(ctx context.Context, campaignID uint, listIDs []uint) error {
	c := s.campaigns[campaignID]
	for _, id := range listIDs {
		if !s.lists[id] {
			return fmt.Errorf("campaign %d: 1 of 1 %w", campaignID, repository.ErrListsNotFound)
		}
		if !slices.ContainsFunc(c.Lists, func(l models.CampaignList) bool { return l.ListID == id }) {
			c.Lists = append(c.Lists, models.CampaignList{CampaignID: campaignID, ListID: id})
		}
	}
	return nil
}

func (s *campaignStore) UnbindList(ctx context.Context, campaignID, listID uint) error {
	c := s.campaigns[campaignID]
	before := len(c.Lists)
	c.Lists = slices.DeleteFunc(c.Lists, func(l models.CampaignList) bool { return l.ListID == listID })
	if len(c.Lists) == before {
		return fmt.Errorf("campaign %d list %d: %w", campaignID, listID, gorm.ErrRecordNotFound)
	}
	return nil
}

func newCampaignStore(status models.CampaignStatus) *campaignStore {
	c := &models.Campaign{Name: "launch", Subject: "Hi", Status: status}
	c.ID = 1
	return &campaignStore{campaigns: map[uint]*models.Campaign{1: c}, lists: map[uint]bool{2: true, 3: true}}
}

func newCampaignApp(store *campaignStore) *fiber.App {
	cc := NewCampaignController(nil, store, nil, nil, nil, nil, nil)
	app := fiber.New()
	app.Put("/campaigns/:id", cc.UpdateCampaign)
	app.Delete("/campaigns/:id", cc.DeleteCampaign)
	app.Patch("/campaigns/:id/status", cc.UpdateCampaignStatus)
	app.Get("/campaigns/:id/lists", cc.GetCampaignLists)
	app.Post("/campaigns/:id/lists/:list_id", cc.BindCampaignList)
	app.Delete("/campaigns/:id/lists/:list_id", cc.UnbindCampaignList)
	return app
}

func TestUpdateCampaign(t *testing.T) {
	tests := []struct {
		status models.CampaignStatus
		code   int
	}{
		{models.CampaignDraft, fiber.StatusOK},
		{models.CampaignPaused, fiber.StatusOK},
		{models.CampaignRunning, fiber.StatusConflict},
		{models.CampaignFinished, fiber.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			store := newCampaignStore(tt.status)
			app := newCampaignApp(store)

			resp, err := app.Test(jsonRequest(http.MethodPut, "/campaigns/1", `{"name":"relaunch","subject":"Hello again"}`))
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)
			if tt.code == fiber.StatusOK {
				assert.Equal(t, "relaunch", store.campaigns[1].Name)
			} else {
				assert.Equal(t, "launch", store.campaigns[1].Name)
			}
		})
	}

	app := newCampaignApp(newCampaignStore(models.CampaignDraft))
	resp, err := app.Test(jsonRequest(http.MethodPut, "/campaigns/1", `{"name":"no subject"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestDeleteCampaign(t *testing.T) {
	store := newCampaignStore(models.CampaignRunning)
	app := newCampaignApp(store)

	resp, err := app.Test(httptest.NewRequest(http.MethodDelete, "/campaigns/1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	require.Contains(t, store.campaigns, uint(1))

	store.campaigns[1].Status = models.CampaignCancelled
	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/campaigns/1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotContains(t, store.campaigns, uint(1))

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/campaigns/1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCampaignListBindings(t *testing.T) {
	store := newCampaignStore(models.CampaignDraft)
	app := newCampaignApp(store)

	for _, tt := range []struct {
		method, path string
		code         int
	}{
		{http.MethodPost, "/campaigns/1/lists/2", fiber.StatusCreated},
		{http.MethodPost, "/campaigns/1/lists/2", fiber.StatusCreated},
		{http.MethodPost, "/campaigns/1/lists/3", fiber.StatusCreated},
		{http.MethodPost, "/campaigns/1/lists/9", fiber.StatusNotFound},
		{http.MethodPost, "/campaigns/1/lists/x", fiber.StatusBadRequest},
		{http.MethodDelete, "/campaigns/1/lists/2", fiber.StatusOK},
		{http.MethodDelete, "/campaigns/1/lists/2", fiber.StatusNotFound},
		{http.MethodPost, "/campaigns/5/lists/2", fiber.StatusNotFound},
	} {
		resp, err := app.Test(httptest.NewRequest(tt.method, tt.path, nil))
		require.NoError(t, err)
		assert.Equal(t, tt.code, resp.StatusCode, "%s %s", tt.method, tt.path)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/campaigns/1/lists", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	data := decode(t, resp)["data"].([]interface{})
	require.Len(t, data, 1)
	assert.Equal(t, float64(3), data[0].(map[string]interface{})["list_id"])
}

// racingCampaignStore serves a stale read: ByID reports the status the
// operator saw while the stored row has already moved on.
type racingCampaignStore struct {
	*campaignStore
	seen models.CampaignStatus
}

func (s racingCampaignStore) ByID(ctx context.Context, id uint) (*models.Campaign, error) {
	c, err := s.campaignStore.ByID(ctx, id)
	if c != nil {
		c.Status = s.seen
	}
	return c, err
}

func TestUpdateCampaignStatusRejectsStaleRead(t *testing.T) {
	store := newCampaignStore(models.CampaignCancelled)
	cc := NewCampaignController(nil, racingCampaignStore{store, models.CampaignScheduled}, nil, nil, nil, nil, nil)
	app := fiber.New()
	app.Patch("/campaigns/:id/status", cc.UpdateCampaignStatus)

	resp, err := app.Test(jsonRequest(http.MethodPatch, "/campaigns/1/status", `{"status":"draft"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, models.CampaignCancelled, store.campaigns[1].Status)

	store.campaigns[1].Status = models.CampaignRunning
	app = newCampaignApp(store)
	resp, err = app.Test(jsonRequest(http.MethodPatch, "/campaigns/1/status", `{"status":"paused"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.CampaignPaused, store.campaigns[1].Status)
}

type fakeMessageSender struct {
	sent []services.TrackedEmail
	err  error
}

func (f *fakeMessageSender) Send(ctx context.Context, e services.TrackedEmail) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, e)
	return "msg-1", nil
}

type fakeBulkSender struct {
	recipients []repository.Recipient
	lists      []uint
	req        services.BatchRequest
}

func (f *fakeBulkSender) SendToLists(ctx context.Context, req services.BatchRequest, onChunk func(services.ChunkResult)) (services.BulkEmailStats, error) {
	f.lists = req.ListIDs
	f.req = req
	return services.BulkEmailStats{Total: 4, SuccessCount: 4, Failures: []services.SendFailure{}}, nil
}

func (f *fakeBulkSender) SendToRecipients(ctx context.Context, recipients []repository.Recipient, req services.BatchRequest, onChunk func(services.ChunkResult)) (services.BulkEmailStats, error) {
	if len(recipients) == 0 {
		return services.BulkEmailStats{}, services.ErrNoRecipients
	}
	f.recipients = recipients
	f.req = req
	return services.BulkEmailStats{Total: len(recipients), SuccessCount: len(recipients), Failures: []services.SendFailure{}}, nil
}

func newEmailApp(subs *fakeSubscribers, sender *fakeMessageSender, bulk *fakeBulkSender) *fiber.App {
	ec := NewEmailController(subs, sender, bulk, nil)
	app := fiber.New()
	app.Post("/emails/send", ec.SendEmail)
	app.Post("/emails/send-bulk", ec.SendBulk)
	app.Post("/emails/send-to-lists", ec.SendToLists)
	return app
}

func TestSendEmail(t *testing.T) {
	subs := newFakeSubscribers()
	blocked, _ := subs.GetOrCreate(context.Background(), "spam@example.com")
	blocked.Status = models.SubscriberBlocklisted
	sender := &fakeMessageSender{}
	app := newEmailApp(subs, sender, &fakeBulkSender{})

	resp, err := app.Test(jsonRequest(http.MethodPost, "/emails/send", `{"to":"ada@example.com","subject":"Hi","body":"<p>hi</p>"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ada@example.com", sender.sent[0].To)
	assert.Equal(t, subs.byEmail["ada@example.com"].ID, sender.sent[0].SubscriberID)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/emails/send", `{"to":"spam@example.com","subject":"Hi","body":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/emails/send", `{"to":"ada@example.com","body":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	sender.err = services.TransportError("ada@example.com", fmt.Errorf("connection refused"))
	resp, err = app.Test(jsonRequest(http.MethodPost, "/emails/send", `{"to":"ada@example.com","subject":"Hi","body":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	assert.Len(t, sender.sent, 1)
}

func TestSendBulk(t *testing.T) {
	subs := newFakeSubscribers()
	blocked, _ := subs.GetOrCreate(context.Background(), "spam@example.com")
	blocked.Status = models.SubscriberBlocklisted
	bulk := &fakeBulkSender{}
	app := newEmailApp(subs, &fakeMessageSender{}, bulk)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/emails/send-bulk",
		`{"emails":["ada@example.com","bob@example.com","spam@example.com","ada@example.com"],"subject":"News","body":"<p>news</p>"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, bulk.recipients, 2)
	assert.Equal(t, "ada@example.com", bulk.recipients[0].Email)
	assert.Equal(t, "bob@example.com", bulk.recipients[1].Email)
	assert.Equal(t, "News", bulk.req.Subject)
	body := decode(t, resp)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), body["skipped"])

	resp, err = app.Test(jsonRequest(http.MethodPost, "/emails/send-bulk", `{"emails":["spam@example.com"],"subject":"News","body":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/emails/send-bulk", `{"emails":["not-an-address"],"subject":"News","body":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestSendToLists(t *testing.T) {
	bulk := &fakeBulkSender{}
	app := newEmailApp(newFakeSubscribers(), &fakeMessageSender{}, bulk)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/emails/send-to-lists", `{"list_ids":[2,3],"subject":"News","body":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []uint{2, 3}, bulk.lists)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/emails/send-to-lists", `{"list_ids":[],"subject":"News","body":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
