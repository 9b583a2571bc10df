package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dripmail/models"
	"dripmail/repository"
	"dripmail/services"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscribers struct {
	byEmail map[string]*models.Subscriber
	nextID  uint
}

func newFakeSubscribers() *fakeSubscribers {
	return &fakeSubscribers{byEmail: map[string]*models.Subscriber{}}
}

func (f *fakeSubscribers) GetOrCreate(ctx context.Context, email string) (*models.Subscriber, error) {
	if s, ok := f.byEmail[email]; ok {
		return s, nil
	}
	f.nextID++
	s := &models.Subscriber{Email: email, Status: models.SubscriberEnabled}
	s.ID = f.nextID
	f.byEmail[email] = s
	return s, nil
}

func (f *fakeSubscribers) ByID(ctx context.Context, id uint) (*models.Subscriber, error) {
	for _, s := range f.byEmail {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

type fakeLists map[uint]*models.List

func (f fakeLists) ByID(ctx context.Context, id uint) (*models.List, error) {
	return f[id], nil
}

type fakeMembers struct {
	enrolled [][2]uint
}

func (f *fakeMembers) Enroll(ctx context.Context, subscriberID, listID uint, status models.SubscriptionStatus) error {
	f.enrolled = append(f.enrolled, [2]uint{subscriberID, listID})
	return nil
}

func (f *fakeMembers) CountRecipients(ctx context.Context, listIDs []uint) (int, error) {
	return len(f.enrolled), nil
}

func (f *fakeMembers) PageRecipients(ctx context.Context, listIDs []uint, after uint, limit int) ([]repository.Recipient, error) {
	return nil, nil
}

type fakeStarter struct {
	calls int
}

func (f *fakeStarter) Initialize(ctx context.Context, subscriberID, listID uint) ([]models.SubscriberSequenceProgress, error) {
	f.calls++
	return []models.SubscriberSequenceProgress{{SubscriberID: subscriberID, CampaignID: 7, CurrentPosition: 1}}, nil
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestTriggerSequence(t *testing.T) {
	subscribers := newFakeSubscribers()
	members := &fakeMembers{}
	starter := &fakeStarter{}
	sc := NewSequenceController(subscribers, fakeLists{3: {Name: "newsletter"}}, members, starter, nil)

	app := fiber.New()
	app.Post("/subscriber-sequence/:email/lists/:list_id", sc.TriggerSequence)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"enrolls and starts sequences", "/subscriber-sequence/Ada%40Example.com/lists/3", fiber.StatusCreated},
		{"invalid email", "/subscriber-sequence/not-an-email/lists/3", fiber.StatusBadRequest},
		{"invalid list id", "/subscriber-sequence/ada%40example.com/lists/abc", fiber.StatusBadRequest},
		{"unknown list", "/subscriber-sequence/ada%40example.com/lists/9", fiber.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodPost, tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	require.Contains(t, subscribers.byEmail, "ada@example.com")
	assert.Equal(t, [][2]uint{{1, 3}}, members.enrolled)
	assert.Equal(t, 1, starter.calls)
}

func TestTriggerSequenceRejectsBlocklisted(t *testing.T) {
	subscribers := newFakeSubscribers()
	blocked, _ := subscribers.GetOrCreate(context.Background(), "spam@example.com")
	blocked.Status = models.SubscriberBlocklisted
	starter := &fakeStarter{}
	sc := NewSequenceController(subscribers, fakeLists{3: {}}, &fakeMembers{}, starter, nil)

	app := fiber.New()
	app.Post("/subscriber-sequence/:email/lists/:list_id", sc.TriggerSequence)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/subscriber-sequence/spam%40example.com/lists/3", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Zero(t, starter.calls)
}

type fakeBroadcaster struct {
	scheduleErr error
	scheduled   time.Time
}

func (f *fakeBroadcaster) Schedule(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint, at time.Time) error {
	f.scheduled = at
	return f.scheduleErr
}

func (f *fakeBroadcaster) SendNow(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint) (*services.CampaignEmailStats, error) {
	return nil, services.ErrInvalidTransition
}

func (f *fakeBroadcaster) StartAsync(ctx context.Context, campaignID uint, listIDs []uint, templateID *uint) (int, error) {
	return 0, services.ErrCampaignNotFound
}

func TestScheduleCampaignMapsServiceErrors(t *testing.T) {
	broadcasts := &fakeBroadcaster{scheduleErr: services.ErrScheduleInPast}
	cc := NewCampaignController(nil, nil, nil, nil, broadcasts, nil, nil)

	app := fiber.New()
	app.Post("/campaigns/:id/schedule", cc.ScheduleCampaign)
	app.Post("/campaigns/:id/send", cc.SendCampaign)

	req := httptest.NewRequest(http.MethodPost, "/campaigns/1/schedule",
		strings.NewReader(`{"schedule_at":"2020-01-01T00:00:00Z"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, services.ErrScheduleInPast.Error(), body["error"])
	assert.Equal(t, 2020, broadcasts.scheduled.Year())

	req = httptest.NewRequest(http.MethodPost, "/campaigns/1/send", strings.NewReader(`{"wait":true}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/campaigns/1/send", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

type fakeCampaignRepo struct {
	repository.CampaignRepository
	campaigns map[uint]*models.Campaign
}

func (f fakeCampaignRepo) ByID(ctx context.Context, id uint) (*models.Campaign, error) {
	return f.campaigns[id], nil
}

type fakeStepRepo struct {
	repository.SequenceEmailRepository
	steps []models.SequenceEmail
}

func (f *fakeStepRepo) ListByCampaign(ctx context.Context, campaignID uint) ([]models.SequenceEmail, error) {
	var out []models.SequenceEmail
	for _, s := range f.steps {
		if s.CampaignID == campaignID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStepRepo) Create(ctx context.Context, step *models.SequenceEmail) error {
	step.ID = uint(len(f.steps) + 1)
	f.steps = append(f.steps, *step)
	return nil
}

type fakeResumer struct {
	campaigns []uint
}

func (f *fakeResumer) RequestResume(campaignID uint) { f.campaigns = append(f.campaigns, campaignID) }

func TestCreateStepValidation(t *testing.T) {
	campaign := &models.Campaign{Name: "onboarding", Type: models.CampaignOptin}
	campaign.ID = 4
	steps := &fakeStepRepo{}
	resumer := &fakeResumer{}
	sc := NewSequenceEmailController(fakeCampaignRepo{campaigns: map[uint]*models.Campaign{4: campaign}}, steps, resumer)

	app := fiber.New()
	app.Post("/campaigns/:id/steps", sc.CreateStep)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"valid", "/campaigns/4/steps",
			`{"position":1,"subject":"Welcome","body":"<p>hi</p>","delay_type":"after_join","delay_value":0,"delay_unit":"minutes"}`,
			fiber.StatusCreated},
		{"duplicate position", "/campaigns/4/steps",
			`{"position":1,"subject":"Again","delay_type":"after_join","delay_value":1,"delay_unit":"hours"}`,
			fiber.StatusConflict},
		{"unknown delay type", "/campaigns/4/steps",
			`{"position":2,"subject":"x","delay_type":"sometime","delay_value":1,"delay_unit":"hours"}`,
			fiber.StatusBadRequest},
		{"unknown delay unit", "/campaigns/4/steps",
			`{"position":2,"subject":"x","delay_type":"after_previous","delay_value":1,"delay_unit":"weeks"}`,
			fiber.StatusBadRequest},
		{"relative step without value", "/campaigns/4/steps",
			`{"position":2,"subject":"x","delay_type":"after_previous"}`,
			fiber.StatusBadRequest},
		{"negative delay", "/campaigns/4/steps",
			`{"position":2,"subject":"x","delay_type":"after_previous","delay_value":-1,"delay_unit":"days"}`,
			fiber.StatusBadRequest},
		{"missing position", "/campaigns/4/steps",
			`{"subject":"x","delay_type":"absolute"}`,
			fiber.StatusBadRequest},
		{"unknown campaign", "/campaigns/5/steps",
			`{"position":1,"subject":"x","delay_type":"absolute"}`,
			fiber.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	require.Len(t, steps.steps, 1)
	assert.Equal(t, models.DelayAfterJoin, steps.steps[0].DelayType)
	assert.True(t, steps.steps[0].IsActive)
	assert.Equal(t, []uint{4}, resumer.campaigns)
}

type fakeViews struct {
	views []models.EmailView
	err   error
}

func (f *fakeViews) Create(ctx context.Context, view *models.EmailView) error {
	if f.err != nil {
		return f.err
	}
	f.views = append(f.views, *view)
	return nil
}

func (f *fakeViews) CountByCampaign(ctx context.Context, campaignID uint) (int64, int64, error) {
	return int64(len(f.views)), int64(len(f.views)), nil
}

type fixedGeo struct{}

func (fixedGeo) Locate(ctx context.Context, ip string) (Location, error) {
	return Location{Country: "NL", City: "Utrecht"}, nil
}

func TestOpenTrackingServesPixel(t *testing.T) {
	views := &fakeViews{}
	tc := NewTrackingController(views, fixedGeo{}, nil)

	app := fiber.New()
	app.Get("/api/email_views/:subscriber_id/:step_id/:campaign_id", tc.HandleOpenTracking)

	req := httptest.NewRequest(http.MethodGet, "/api/email_views/11/2/7", nil)
	req.Header.Set(fiber.HeaderUserAgent, "Mail/1.0")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get(fiber.HeaderContentType))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, transparentPixel(), raw)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/email_views/11/0/7", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Len(t, views.views, 2)
	first := views.views[0]
	assert.Equal(t, uint(11), first.SubscriberID)
	assert.Equal(t, uint(7), first.CampaignID)
	require.NotNil(t, first.SequenceEmailID)
	assert.Equal(t, uint(2), *first.SequenceEmailID)
	assert.Equal(t, "Mail/1.0", first.UserAgent)
	assert.Equal(t, "NL", first.Country)
	assert.Nil(t, views.views[1].SequenceEmailID)
}

func TestOpenTrackingSurvivesStorageErrors(t *testing.T) {
	tc := NewTrackingController(&fakeViews{err: errors.New("db down")}, nil, nil)

	app := fiber.New()
	app.Get("/api/email_views/:subscriber_id/:step_id/:campaign_id", tc.HandleOpenTracking)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/email_views/11/0/7", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/email_views/x/0/7", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

type fakeTicker struct{ ok bool }

func (f fakeTicker) Tick(ctx context.Context) bool { return f.ok }

func TestTriggerTick(t *testing.T) {
	for _, tt := range []struct {
		ok     bool
		status int
	}{
		{true, fiber.StatusOK},
		{false, fiber.StatusConflict},
	} {
		app := fiber.New()
		app.Post("/scheduler/tick", NewSchedulerController(fakeTicker{ok: tt.ok}).TriggerTick)

		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/scheduler/tick", nil))
		require.NoError(t, err)
		assert.Equal(t, tt.status, resp.StatusCode)
	}
}

func TestDeleteDefaultTemplateIsRefused(t *testing.T) {
	tpl := &models.Template{Name: "Default", IsDefault: true}
	tpl.ID = 1
	tc := NewTemplateController(fakeTemplateRepo{templates: map[uint]*models.Template{1: tpl}})

	app := fiber.New()
	app.Delete("/templates/:id", tc.DeleteTemplate)

	resp, err := app.Test(httptest.NewRequest(http.MethodDelete, "/templates/1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/templates/2", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

type fakeTemplateRepo struct {
	repository.TemplateRepository
	templates map[uint]*models.Template
}

func (f fakeTemplateRepo) ByID(ctx context.Context, id uint) (*models.Template, error) {
	return f.templates[id], nil
}

func TestTimeFrameStart(t *testing.T) {
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		frame string
		want  string
		since time.Time
	}{
		{"hour", "hour", now.Add(-time.Hour)},
		{"day", "day", now.Add(-24 * time.Hour)},
		{"week", "week", time.Date(2024, 3, 24, 12, 0, 0, 0, time.UTC)},
		{"month", "month", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"decade", "week", time.Date(2024, 3, 24, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		frame, since := timeFrameStart(tt.frame, now)
		assert.Equal(t, tt.want, frame)
		assert.Equal(t, tt.since, since)
	}
}
