// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	PersistStored   = "stored"
	PersistInterval = "interval"
	PersistDisabled = "disabled"
	PersistError    = "error"
)

const (
	DeliverySuccess = "success"
	DeliveryFailure = "failure"
	DeliveryDropped = "dropped"
)

var (
	initOnce sync.Once

	framesEmittedCounter          prometheus.Counter
	backpressureActivationCounter prometheus.Counter
	droppedUnseenCounter          prometheus.Counter
	evictedBackfillCounter        prometheus.Counter
	refreshDurationMetric         prometheus.Histogram
	refreshFailuresCounter        prometheus.Counter
	persistTotalCounter           *prometheus.CounterVec
	evictedSnapshotsCounter       prometheus.Counter
	retainedSnapshotsGauge        prometheus.Gauge
	retainedBytesGauge            prometheus.Gauge
	persistenceDisabledGauge      prometheus.Gauge
	webhookDeliveriesCounter      *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		framesEmittedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lifecycle_frames_emitted_total",
				Help: "Total number of lifecycle frames emitted by the stream bridge.",
			},
		)

		backpressureActivationCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lifecycle_backpressure_activations_total",
				Help: "Total number of ingests that dropped or evicted frames.",
			},
		)

		droppedUnseenCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lifecycle_dropped_unseen_events_total",
				Help: "Total number of unseen events dropped by the per-ingest emit cap.",
			},
		)

		evictedBackfillCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lifecycle_evicted_backfill_events_total",
				Help: "Total number of frames evicted from the backfill buffer.",
			},
		)

		refreshDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snapshot_refresh_duration_seconds",
				Help:    "Duration of snapshot refresh cycles in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		refreshFailuresCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "snapshot_refresh_failures_total",
				Help: "Total number of refresh cycles where the snapshot source failed.",
			},
		)

		persistTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replay_persist_total",
				Help: "Total number of replay persist attempts by result.",
			},
			[]string{"result"},
		)

		evictedSnapshotsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "replay_evicted_snapshots_total",
				Help: "Total number of snapshots evicted by retention.",
			},
		)

		retainedSnapshotsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "replay_retained_snapshots",
				Help: "Number of snapshots currently retained in the replay index.",
			},
		)

		retainedBytesGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "replay_retained_bytes",
				Help: "Compressed bytes currently retained in the replay index.",
			},
		)

		persistenceDisabledGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "replay_persistence_disabled",
				Help: "1 when replay persistence has been permanently disabled.",
			},
		)

		webhookDeliveriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of lifecycle webhook batches by result.",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			framesEmittedCounter,
			backpressureActivationCounter,
			droppedUnseenCounter,
			evictedBackfillCounter,
			refreshDurationMetric,
			refreshFailuresCounter,
			persistTotalCounter,
			evictedSnapshotsCounter,
			retainedSnapshotsGauge,
			retainedBytesGauge,
			persistenceDisabledGauge,
			webhookDeliveriesCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, result := range []string{PersistStored, PersistInterval, PersistDisabled, PersistError} {
			persistTotalCounter.WithLabelValues(result)
		}
		for _, result := range []string{DeliverySuccess, DeliveryFailure, DeliveryDropped} {
			webhookDeliveriesCounter.WithLabelValues(result)
		}
	})
}

func AddFramesEmitted(n int) {
	Init()
	framesEmittedCounter.Add(float64(n))
}

func AddPressure(activations, droppedUnseen, evictedBackfill int64) {
	Init()
	backpressureActivationCounter.Add(float64(activations))
	droppedUnseenCounter.Add(float64(droppedUnseen))
	evictedBackfillCounter.Add(float64(evictedBackfill))
}

func ObserveRefreshDuration(d time.Duration) {
	Init()
	refreshDurationMetric.Observe(d.Seconds())
}

func IncRefreshFailures() {
	Init()
	refreshFailuresCounter.Inc()
}

func IncPersist(result string) {
	Init()
	persistTotalCounter.WithLabelValues(result).Inc()
}

func AddEvictedSnapshots(n int) {
	Init()
	evictedSnapshotsCounter.Add(float64(n))
}

func SetRetained(entries int, bytes int64) {
	Init()
	retainedSnapshotsGauge.Set(float64(entries))
	retainedBytesGauge.Set(float64(bytes))
}

func SetPersistenceDisabled(disabled bool) {
	Init()
	if disabled {
		persistenceDisabledGauge.Set(1)
		return
	}
	persistenceDisabledGauge.Set(0)
}

func IncWebhookDelivery(result string) {
	Init()
	webhookDeliveriesCounter.WithLabelValues(result).Inc()
}
