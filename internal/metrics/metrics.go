package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the indexer. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	eventsDelivered *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	deliveryErrors  *prometheus.CounterVec
	duplicates      prometheus.Counter
	rpcRetries      *prometheus.CounterVec
	chunksProcessed prometheus.Counter
	gapBlocks       prometheus.Counter
	checkpoint      prometheus.Gauge
	head            prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "registry_indexer_events_delivered_total",
				Help: "Registry events delivered to the sink",
			}, []string{"event_type"}),
			eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "registry_indexer_events_dropped_total",
				Help: "Registry events skipped because they could not be resolved",
			}, []string{"event_type"}),
			deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "registry_indexer_delivery_errors_total",
				Help: "Sink or listener failures while delivering events",
			}, []string{"event_type"}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "registry_indexer_duplicates_total",
				Help: "Events skipped because their identity was already delivered",
			}),
			rpcRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "registry_indexer_rpc_retries_total",
				Help: "Retried RPC calls",
			}, []string{"call"}),
			chunksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "registry_indexer_chunks_processed_total",
				Help: "Backfill chunks fully processed",
			}),
			gapBlocks: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "registry_indexer_gap_blocks_total",
				Help: "Blocks backfilled by the continuity verifier",
			}),
			checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "registry_indexer_checkpoint_block",
				Help: "Last checkpointed block",
			}),
			head: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "registry_indexer_head_block",
				Help: "Last observed confirmed chain head",
			}),
		}
		prometheus.MustRegister(
			metrics.eventsDelivered,
			metrics.eventsDropped,
			metrics.deliveryErrors,
			metrics.duplicates,
			metrics.rpcRetries,
			metrics.chunksProcessed,
			metrics.gapBlocks,
			metrics.checkpoint,
			metrics.head,
		)
	})
	return metrics
}

// EventDelivered counts a record handed to the sink.
func (m *Metrics) EventDelivered(eventType string) {
	if m != nil {
		m.eventsDelivered.WithLabelValues(eventType).Inc()
	}
}

// EventDropped counts a log skipped without a record.
func (m *Metrics) EventDropped(eventType string) {
	if m != nil {
		m.eventsDropped.WithLabelValues(eventType).Inc()
	}
}

// DeliveryFailed counts a failed delivery.
func (m *Metrics) DeliveryFailed(eventType string) {
	if m != nil {
		m.deliveryErrors.WithLabelValues(eventType).Inc()
	}
}

// Duplicate counts a deduplicated record.
func (m *Metrics) Duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

// RPCRetry counts a retried RPC call.
func (m *Metrics) RPCRetry(call string) {
	if m != nil {
		m.rpcRetries.WithLabelValues(call).Inc()
	}
}

// ChunkProcessed counts a completed backfill chunk.
func (m *Metrics) ChunkProcessed() {
	if m != nil {
		m.chunksProcessed.Inc()
	}
}

// GapBlocks adds blocks recovered by the continuity verifier.
func (m *Metrics) GapBlocks(n uint64) {
	if m != nil {
		m.gapBlocks.Add(float64(n))
	}
}

// Checkpoint records the last persisted checkpoint.
func (m *Metrics) Checkpoint(block uint64) {
	if m != nil {
		m.checkpoint.Set(float64(block))
	}
}

// Head records the last observed head.
func (m *Metrics) Head(block uint64) {
	if m != nil {
		m.head.Set(float64(block))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
