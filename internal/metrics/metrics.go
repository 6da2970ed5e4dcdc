// Package metrics wires the Prometheus client declared across the
// platform's services into the live recording pipeline: retry-map size
// and the handful of counters the component design calls out as worth
// observing (reconnects, postponed receipts, stale-retry evictions,
// records written). Per-stage queue depth and rate-limit throttling
// collectors are registered too, but no pipeline code updates them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every gauge/counter the live pipeline reports through;
// the historical pipeline does not report metrics. Methods are safe for concurrent use, inherited from the
// underlying prometheus collectors.
type Metrics struct {
	retryMapSize          prometheus.Gauge
	staleRetryDropped      prometheus.Counter
	blockTimestampRetried  prometheus.Counter
	receiptPostponed       prometheus.Counter
	websocketReconnects    prometheus.Counter
	recordsWritten         *prometheus.CounterVec
	rateLimitThrottled     *prometheus.CounterVec
	queueDepth             *prometheus.GaugeVec
}

// New registers every collector against reg and returns the bundle.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		retryMapSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "recording",
			Name:      "retry_map_size",
			Help:      "Number of transactions currently postponed awaiting receipt indexing.",
		}),
		staleRetryDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recording",
			Name:      "stale_retries_dropped_total",
			Help:      "Retry bucket entries evicted after exceeding the retry TTL.",
		}),
		blockTimestampRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recording",
			Name:      "block_timestamp_retries_total",
			Help:      "Times a block timestamp lookup was retried after a null result.",
		}),
		receiptPostponed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recording",
			Name:      "receipt_postponed_total",
			Help:      "Events postponed because their transaction receipt was not yet indexed.",
		}),
		websocketReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recording",
			Name:      "websocket_reconnects_total",
			Help:      "Times the live listener reconnected to the node.",
		}),
		recordsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recording",
			Name:      "records_written_total",
			Help:      "Enriched records persisted, by category.",
		}, []string{"category"}),
		rateLimitThrottled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recording",
			Name:      "rate_limit_throttled_total",
			Help:      "Outbound calls that had to wait on the rate limiter, by resource.",
		}, []string{"resource"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "recording",
			Name:      "queue_depth",
			Help:      "Number of items buffered in an inter-stage channel, by stage.",
		}, []string{"stage"}),
	}
}

func (m *Metrics) RetryMapSize(n int)           { m.retryMapSize.Set(float64(n)) }
func (m *Metrics) StaleRetryDropped()           { m.staleRetryDropped.Inc() }
func (m *Metrics) BlockTimestampRetried()       { m.blockTimestampRetried.Inc() }
func (m *Metrics) ReceiptPostponed()            { m.receiptPostponed.Inc() }
func (m *Metrics) WebSocketReconnected()        { m.websocketReconnects.Inc() }
func (m *Metrics) RecordWritten(category string) { m.recordsWritten.WithLabelValues(category).Inc() }
func (m *Metrics) RateLimitThrottled(resource string) {
	m.rateLimitThrottled.WithLabelValues(resource).Inc()
}
func (m *Metrics) QueueDepth(stage string, n int) {
	m.queueDepth.WithLabelValues(stage).Set(float64(n))
}
