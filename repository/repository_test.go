package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"dripmail/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// setupTestDB creates a throwaway database on the server named by TEST_DB_*.
// Tests are skipped when TEST_DB_HOST is unset.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping database test")
	}

	base := fmt.Sprintf("host=%s port=%s user=%s password=%s sslmode=%s",
		host,
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "postgres"),
		getEnv("TEST_DB_PASSWORD", "postgres"),
		getEnv("TEST_DB_SSL_MODE", "disable"))
	quiet := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	admin, err := gorm.Open(postgres.Open(base), quiet)
	require.NoError(t, err)

	name := fmt.Sprintf("dripmail_test_%d_%d", time.Now().Unix(), rand.Intn(10000))
	require.NoError(t, admin.Exec("CREATE DATABASE "+name).Error)

	db, err := gorm.Open(postgres.Open(base+" dbname="+name), quiet)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Subscriber{}, &models.List{}, &models.SubscriberList{},
		&models.Template{}, &models.Campaign{}, &models.CampaignList{},
		&models.SequenceEmail{}, &models.SubscriberSequenceProgress{}, &models.EmailView{},
	))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		admin.Exec("DROP DATABASE IF EXISTS " + name)
		if sqlDB, err := admin.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestSubscriberGetOrCreateConcurrent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubscriberRepository(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uint, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := repo.GetOrCreate(ctx, "  Alice@Example.com ")
			if assert.NoError(t, err) {
				ids[i] = sub.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var count int64
	require.NoError(t, db.Model(&models.Subscriber{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestProgressCreateIsUniquePerSubscriberAndCampaign(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProgressRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	p := &models.SubscriberSequenceProgress{SubscriberID: 1, CampaignID: 2, ListID: 3, JoinedAt: now, CurrentPosition: 1}
	created, err := repo.Create(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &models.SubscriberSequenceProgress{SubscriberID: 1, CampaignID: 2, ListID: 4, JoinedAt: now, CurrentPosition: 5}
	created, err = repo.Create(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	found, err := repo.Find(ctx, 1, 2)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, uint(3), found.ListID)
	assert.Equal(t, 1, found.CurrentPosition)
}

func TestProgressListDueOrderAndTerminal(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProgressRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }
	records := []*models.SubscriberSequenceProgress{
		{SubscriberID: 1, CampaignID: 1, ListID: 1, JoinedAt: now, NextEmailScheduledAt: at(-time.Minute)},
		{SubscriberID: 2, CampaignID: 1, ListID: 1, JoinedAt: now, NextEmailScheduledAt: at(-time.Hour)},
		{SubscriberID: 3, CampaignID: 1, ListID: 1, JoinedAt: now, NextEmailScheduledAt: at(time.Hour)},
		{SubscriberID: 4, CampaignID: 1, ListID: 1, JoinedAt: now, Completed: true},
		{SubscriberID: 5, CampaignID: 1, ListID: 1, JoinedAt: now},
	}
	for _, r := range records {
		_, err := repo.Create(ctx, r)
		require.NoError(t, err)
	}

	due, err := repo.ListDue(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, uint(2), due[0].SubscriberID)
	assert.Equal(t, uint(1), due[1].SubscriberID)

	parked, err := repo.ListParked(ctx, 1)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, uint(5), parked[0].SubscriberID)
}

func TestCampaignUpdateCountersIsAdditive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	c := &models.Campaign{Name: "c", Subject: "s"}
	require.NoError(t, repo.Create(ctx, c))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.UpdateCounters(ctx, c.ID, CounterUpdate{SentDelta: 1}))
		}()
	}
	wg.Wait()

	got, err := repo.ByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Sent)
	assert.Equal(t, models.CampaignDraft, got.Status)
}

func TestCampaignGuardedStatusClaimsOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	c := &models.Campaign{Name: "c", Subject: "s"}
	require.NoError(t, repo.Create(ctx, c))

	running := models.CampaignRunning
	claim := CounterUpdate{Status: &running, ExpectStatus: []models.CampaignStatus{models.CampaignDraft}}

	var wg sync.WaitGroup
	var mu sync.Mutex
	won, conflicts := 0, 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.UpdateCounters(ctx, c.ID, claim)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrStatusConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	assert.Equal(t, 4, conflicts)

	err := repo.UpdateCounters(ctx, 9999, claim)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	err = repo.SetSchedule(ctx, c.ID, time.Now().Add(time.Hour), []uint{1}, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)
	got, err := repo.ByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignRunning, got.Status)
}

func TestPageRecipientsFiltersAndDeduplicates(t *testing.T) {
	db := setupTestDB(t)
	subs := NewSubscriberRepository(db)
	lists := NewListRepository(db)
	members := NewSubscriberListRepository(db)
	ctx := context.Background()

	l1 := &models.List{Name: "one"}
	l2 := &models.List{Name: "two"}
	require.NoError(t, lists.Create(ctx, l1))
	require.NoError(t, lists.Create(ctx, l2))

	mk := func(email string, status models.SubscriberStatus) *models.Subscriber {
		s := &models.Subscriber{Email: email, Status: status}
		require.NoError(t, subs.Create(ctx, s))
		return s
	}
	a := mk("a@example.com", models.SubscriberEnabled)
	b := mk("b@example.com", models.SubscriberEnabled)
	c := mk("c@example.com", models.SubscriberBlocklisted)
	d := mk("d@example.com", models.SubscriberEnabled)

	require.NoError(t, members.Enroll(ctx, a.ID, l1.ID, models.SubscriptionConfirmed))
	require.NoError(t, members.Enroll(ctx, a.ID, l2.ID, models.SubscriptionConfirmed))
	require.NoError(t, members.Enroll(ctx, b.ID, l2.ID, models.SubscriptionConfirmed))
	require.NoError(t, members.Enroll(ctx, c.ID, l1.ID, models.SubscriptionConfirmed))
	require.NoError(t, members.Enroll(ctx, d.ID, l1.ID, models.SubscriptionUnconfirmed))

	listIDs := []uint{l1.ID, l2.ID}
	count, err := members.CountRecipients(ctx, listIDs)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	first, err := members.PageRecipients(ctx, listIDs, 0, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "a@example.com", first[0].Email)

	rest, err := members.PageRecipients(ctx, listIDs, first[0].SubscriberID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b@example.com", rest[0].Email)
}
