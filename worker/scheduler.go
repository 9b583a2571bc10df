package worker

import (
	"context"
	"sync"
	"time"

	"dripmail/metrics"
	"dripmail/services"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const DefaultInterval = time.Minute

type BroadcastProcessor interface {
	ProcessScheduled(ctx context.Context, now time.Time) (int, error)
}

type SequenceProcessor interface {
	ProcessDue(ctx context.Context, now time.Time) (services.ProcessResult, error)
}

// TickLock guards a tick across processes. Acquire reports false when
// another holder owns the lease.
type TickLock interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Scheduler runs scheduled broadcasts and due sequence steps on a fixed
// interval. At most one tick body runs at a time per Scheduler.
type Scheduler struct {
	broadcast BroadcastProcessor
	sequence  SequenceProcessor
	lock      TickLock
	interval  time.Duration
	now       services.Clock
	slot      *semaphore.Weighted
	logger    *logrus.Entry
}

// NewScheduler builds a scheduler. lock may be nil for single-replica
// deployments.
func NewScheduler(broadcast BroadcastProcessor, sequence SequenceProcessor, lock TickLock, interval time.Duration, now services.Clock, logger *logrus.Entry) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.WithField("component", "scheduler")
	}
	return &Scheduler{
		broadcast: broadcast,
		sequence:  sequence,
		lock:      lock,
		interval:  interval,
		now:       now,
		slot:      semaphore.NewWeighted(1),
		logger:    logger,
	}
}

// Start runs a tick immediately and then on every interval until the
// returned stop function is called. stop waits for the loop to exit.
func (s *Scheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	var ticks sync.WaitGroup

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.WithField("interval", s.interval.String()).Info("Scheduler started")
		s.Tick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Scheduler shutting down...")
				return
			case <-ticker.C:
				ticks.Add(1)
				go func() {
					defer ticks.Done()
					s.Tick(ctx)
				}()
			}
		}
	}()

	return func() {
		cancel()
		<-done
		ticks.Wait()
	}
}

// Tick runs one broadcast pass followed by one sequence pass. It returns
// false without doing anything when a previous tick is still running or the
// distributed lease is held elsewhere.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !s.slot.TryAcquire(1) {
		metrics.TicksSkipped.WithLabelValues("busy").Inc()
		s.logger.Info("Previous tick still running, skipping")
		return false
	}
	defer s.slot.Release(1)

	if s.lock != nil {
		release, ok, err := s.lock.Acquire(ctx)
		if err != nil {
			metrics.TicksSkipped.WithLabelValues("lock_error").Inc()
			s.logger.WithError(err).Warn("Could not reach tick lock, skipping")
			return false
		}
		if !ok {
			metrics.TicksSkipped.WithLabelValues("lease_held").Inc()
			s.logger.Info("Tick lease held by another replica, skipping")
			return false
		}
		defer release()
	}

	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	if n, err := s.broadcast.ProcessScheduled(ctx, now); err != nil {
		metrics.TickErrors.WithLabelValues("broadcast").Inc()
		s.logger.WithError(err).Error("Scheduled broadcast pass failed")
	} else if n > 0 {
		s.logger.WithField("campaigns", n).Info("Scheduled broadcasts sent")
	}

	res, err := s.sequence.ProcessDue(ctx, now)
	if err != nil {
		metrics.TickErrors.WithLabelValues("sequence").Inc()
		s.logger.WithError(err).Error("Sequence pass aborted")
	}
	if res.Due > 0 || res.Resumed > 0 {
		s.logger.WithFields(logrus.Fields{
			"due":       res.Due,
			"sent":      res.Sent,
			"failed":    res.Failed,
			"stalled":   res.Stalled,
			"completed": res.Completed,
			"resumed":   res.Resumed,
		}).Info("Sequence pass finished")
	}
	return true
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisTickLock is a SETNX lease shared by every replica using the same key.
// The TTL should exceed the longest expected tick.
type RedisTickLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisTickLock(client *redis.Client, key string, ttl time.Duration) *RedisTickLock {
	return &RedisTickLock{client: client, key: key, ttl: ttl}
}

func (l *RedisTickLock) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		// only delete our own lease; it may have expired and been retaken
		_ = releaseScript.Run(context.Background(), l.client, []string{l.key}, token).Err()
	}, true, nil
}
