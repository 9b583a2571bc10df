package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Send paths
const (
	PathSequence  = "sequence"
	PathBroadcast = "broadcast"
	PathDirect    = "direct"
)

var (
	// EmailsSent counts confirmed transport successes
	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_emails_sent_total",
			Help: "Emails accepted by the transport",
		},
		[]string{"path"},
	)

	// EmailsFailed counts transport failures
	EmailsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_emails_failed_total",
			Help: "Emails rejected by or timed out in the transport",
		},
		[]string{"path"},
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dripmail_send_duration_seconds",
			Help: "Duration of single transport calls in seconds",
			Buckets: []float64{
				0.05, // 50ms
				0.1,  // 100ms
				0.25, // 250ms
				0.5,  // 500ms
				1.0,  // 1s
				2.5,  // 2.5s
				5.0,  // 5s
				10.0, // 10s
				30.0, // 30s
			},
		},
		[]string{"path"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dripmail_scheduler_tick_duration_seconds",
			Help:    "Duration of scheduler tick bodies in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	// TicksSkipped counts ticks dropped because another tick was running
	TicksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_scheduler_ticks_skipped_total",
			Help: "Scheduler ticks skipped by the single-flight guard",
		},
		[]string{"reason"},
	)

	TickErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_scheduler_tick_errors_total",
			Help: "Scheduler tick phases aborted by an error",
		},
		[]string{"phase"},
	)

	// SequenceRecords counts per-record outcomes of sequence processing
	SequenceRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_sequence_records_total",
			Help: "Sequence progress records processed, by outcome",
		},
		[]string{"outcome"},
	)

	// CampaignsFinished counts broadcast campaigns by final status
	CampaignsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_broadcasts_total",
			Help: "Broadcast runs by resulting campaign status",
		},
		[]string{"status"},
	)
)

// RecordSend records the outcome and latency of one transport call
func RecordSend(path string, ok bool, seconds float64) {
	SendDuration.WithLabelValues(path).Observe(seconds)
	if ok {
		EmailsSent.WithLabelValues(path).Inc()
		return
	}
	EmailsFailed.WithLabelValues(path).Inc()
}

func RecordSequenceOutcome(outcome string, n int) {
	if n > 0 {
		SequenceRecords.WithLabelValues(outcome).Add(float64(n))
	}
}
