package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dripmail/metrics"
	"dripmail/repository"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultPageSize   = 50
	DefaultChunkSize  = 10
	DefaultChunkDelay = 500 * time.Millisecond
)

type BatchConfig struct {
	PageSize   int
	ChunkSize  int
	ChunkDelay time.Duration
}

func (c *BatchConfig) setDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkDelay < 0 {
		c.ChunkDelay = 0
	}
}

// BatchRequest is one message fanned out to many recipients. Path labels
// the send metrics and defaults to the broadcast path.
type BatchRequest struct {
	ListIDs    []uint
	Subject    string
	Body       string
	CampaignID uint
	StepID     uint
	Path       string
}

type SendFailure struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// BulkEmailStats aggregates the outcome of a batch send.
type BulkEmailStats struct {
	Total        int           `json:"total"`
	SuccessCount int           `json:"success_count"`
	FailedCount  int           `json:"failed_count"`
	Failures     []SendFailure `json:"failures"`
}

// ChunkResult is reported after every chunk.
type ChunkResult struct {
	Sent   int
	Failed int
}

// BatchSender sends one message to many recipients in spaced chunks.
// A failed recipient never stops later recipients or chunks.
type BatchSender struct {
	dispatcher *Dispatcher
	members    ListMembership
	cfg        BatchConfig
	logger     *logrus.Entry
}

func NewBatchSender(dispatcher *Dispatcher, members ListMembership, cfg BatchConfig, logger *logrus.Entry) *BatchSender {
	cfg.setDefaults()
	if logger == nil {
		logger = logrus.WithField("component", "batch_sender")
	}
	return &BatchSender{dispatcher: dispatcher, members: members, cfg: cfg, logger: logger}
}

func (b *BatchSender) limiter() *rate.Limiter {
	if b.cfg.ChunkDelay == 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(b.cfg.ChunkDelay), 1)
}

// SendToLists pages through the confirmed, enabled members of req.ListIDs
// and sends to each once. onChunk may be nil.
func (b *BatchSender) SendToLists(ctx context.Context, req BatchRequest, onChunk func(ChunkResult)) (BulkEmailStats, error) {
	stats := BulkEmailStats{Failures: []SendFailure{}}

	count, err := b.members.CountRecipients(ctx, req.ListIDs)
	if err != nil {
		return stats, err
	}
	if count == 0 {
		return stats, ErrNoRecipients
	}

	limiter := b.limiter()
	var after uint
	for {
		page, err := b.members.PageRecipients(ctx, req.ListIDs, after, b.cfg.PageSize)
		if err != nil {
			return stats, fmt.Errorf("page recipients after %d: %w", after, err)
		}
		if len(page) == 0 {
			break
		}
		if err := b.sendChunks(ctx, limiter, page, req, &stats, onChunk); err != nil {
			return stats, err
		}
		after = page[len(page)-1].SubscriberID
		if len(page) < b.cfg.PageSize {
			break
		}
	}

	b.logger.WithFields(logrus.Fields{
		"campaign_id": req.CampaignID,
		"total":       stats.Total,
		"sent":        stats.SuccessCount,
		"failed":      stats.FailedCount,
	}).Info("Batch send finished")
	return stats, nil
}

// SendToRecipients sends req to an already resolved recipient set.
func (b *BatchSender) SendToRecipients(ctx context.Context, recipients []repository.Recipient, req BatchRequest, onChunk func(ChunkResult)) (BulkEmailStats, error) {
	stats := BulkEmailStats{Failures: []SendFailure{}}
	if len(recipients) == 0 {
		return stats, ErrNoRecipients
	}
	err := b.sendChunks(ctx, b.limiter(), recipients, req, &stats, onChunk)
	return stats, err
}

func (b *BatchSender) sendChunks(ctx context.Context, limiter *rate.Limiter, recipients []repository.Recipient, req BatchRequest, stats *BulkEmailStats, onChunk func(ChunkResult)) error {
	for start := 0; start < len(recipients); start += b.cfg.ChunkSize {
		end := start + b.cfg.ChunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("batch send interrupted: %w", err)
		}

		chunk := recipients[start:end]
		errs := b.sendChunk(ctx, chunk, req)

		var result ChunkResult
		for i, err := range errs {
			stats.Total++
			if err != nil {
				result.Failed++
				stats.FailedCount++
				stats.Failures = append(stats.Failures, SendFailure{Email: chunk[i].Email, Error: err.Error()})
				continue
			}
			result.Sent++
			stats.SuccessCount++
		}
		if onChunk != nil {
			onChunk(result)
		}
	}
	return nil
}

// sendChunk sends to every recipient of chunk concurrently. errs[i] is the
// outcome for chunk[i].
func (b *BatchSender) sendChunk(ctx context.Context, chunk []repository.Recipient, req BatchRequest) []error {
	path := req.Path
	if path == "" {
		path = metrics.PathBroadcast
	}
	errs := make([]error, len(chunk))
	var wg sync.WaitGroup
	for i, r := range chunk {
		wg.Add(1)
		go func(i int, r repository.Recipient) {
			defer wg.Done()
			_, errs[i] = b.dispatcher.Send(ctx, TrackedEmail{
				To:           r.Email,
				SubscriberID: r.SubscriberID,
				CampaignID:   req.CampaignID,
				StepID:       req.StepID,
				Subject:      req.Subject,
				Body:         req.Body,
				Path:         path,
			})
		}(i, r)
	}
	wg.Wait()
	return errs
}
