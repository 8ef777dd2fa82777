package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventpipe_relay_published_total",
		Help: "Outbox events appended to their primary topic.",
	}, []string{"topic"})

	RelayRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventpipe_relay_retried_total",
		Help: "Outbox publish failures scheduled for another attempt.",
	}, []string{"topic"})

	RelayDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventpipe_relay_dead_lettered_total",
		Help: "Outbox events moved to the DLQ after exhausting attempts.",
	}, []string{"topic"})

	RelayDeadLetterFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventpipe_relay_dead_letter_failed_total",
		Help: "Exhausted outbox events whose DLQ append failed and was rescheduled.",
	}, []string{"topic"})

	RelayBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventpipe_relay_batch_duration_ms",
		Help:    "Relay batch latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventpipe_consumer_messages_total",
		Help: "Messages handled by consumers, labelled by domain and outcome.",
	}, []string{"domain", "outcome"})

	ConsumerHandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventpipe_consumer_handle_duration_ms",
		Help:    "Ledger insert + handler + commit latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"domain"})

	ConsumerReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventpipe_consumer_reclaimed_total",
		Help: "Stale pending messages claimed by the reclaim loop, labelled by action.",
	}, []string{"domain", "action"})
)
