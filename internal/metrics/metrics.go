package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_samples_received_total",
		Help: "Raw position samples delivered by the location source",
	})
	SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_samples_rejected_total",
		Help: "Samples discarded by the filter, by reason",
	}, []string{"reason"})
	SyncPoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_sync_points_total",
		Help: "Samples selected for transmission, by trigger",
	}, []string{"reason"})
	PrioritySends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_priority_sends_total",
		Help: "Single-sample sends, by outcome",
	}, []string{"outcome"})
	BatchesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_batches_total",
		Help: "Batch POSTs, by outcome",
	}, []string{"outcome"})
	RecordsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_records_delivered_total",
		Help: "Queued records acknowledged by the backend",
	})
	StorageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_storage_errors_total",
		Help: "Failed queue or session writes",
	})
	PendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_pending_records",
		Help: "Unsent records in the durable queue after the last drain",
	})
	BackoffSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_backoff_seconds",
		Help: "Current transmission retry delay",
	})
	ServerReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_server_reachable",
		Help: "1 when the last connectivity probe succeeded",
	})
	PingLatencyMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_ping_latency_ms",
		Help: "Average ICMP round trip of the last reachability probe",
	})
	PingPacketLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_ping_packet_loss_pct",
		Help: "Packet loss of the last ICMP reachability probe",
	})
	PingJitterMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_ping_jitter_ms",
		Help: "Mean difference between consecutive ICMP round trips",
	})
	DrainLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_drain_duration_seconds",
		Help:    "Wall time of one drain run",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveDrain(start time.Time) {
	DrainLatency.Observe(time.Since(start).Seconds())
}

func SetReachable(ok bool) {
	if ok {
		ServerReachable.Set(1)
		return
	}
	ServerReachable.Set(0)
}

func ObservePing(avgMs, lossPct, jitterMs float64) {
	PingLatencyMs.Set(avgMs)
	PingPacketLoss.Set(lossPct)
	PingJitterMs.Set(jitterMs)
}
