package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Queue metrics
	envelopesEnqueuedTotal  *prometheus.CounterVec
	envelopesProcessedTotal *prometheus.CounterVec

	// Moderation metrics
	chainDispositionsTotal *prometheus.CounterVec
	pipelineRunsTotal      *prometheus.CounterVec

	// Delivery metrics
	deliveriesTotal *prometheus.CounterVec

	// Bounce metrics
	bouncesTotal *prometheus.CounterVec

	// Digest metrics
	digestsTotal *prometheus.CounterVec

	// LMTP metrics
	connectionsTotal      prometheus.Counter
	connectionsActive     prometheus.Gauge
	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	// Supervisor metrics
	runnerRestartsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		envelopesEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_envelopes_enqueued_total",
			Help: "Total number of envelopes written to a queue.",
		}, []string{"queue"}),
		envelopesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_envelopes_processed_total",
			Help: "Total number of envelopes processed by a runner.",
		}, []string{"runner", "outcome"}),

		chainDispositionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_chain_dispositions_total",
			Help: "Total number of terminal chain dispositions.",
		}, []string{"list", "disposition"}),
		pipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome.",
		}, []string{"list", "outcome"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_deliveries_total",
			Help: "Total number of per-recipient delivery results.",
		}, []string{"recipient_domain", "result"}),

		bouncesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_bounces_registered_total",
			Help: "Total number of bounce events registered.",
		}, []string{"list", "context"}),

		digestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_digests_sent_total",
			Help: "Total number of digests sent.",
		}, []string{"list", "kind"}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listd_lmtp_connections_total",
			Help: "Total number of LMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listd_lmtp_connections_active",
			Help: "Number of currently active LMTP connections.",
		}),
		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_lmtp_messages_received_total",
			Help: "Total number of messages accepted over LMTP.",
		}, []string{"list_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_lmtp_messages_rejected_total",
			Help: "Total number of LMTP recipients or messages rejected.",
		}, []string{"reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "listd_lmtp_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		runnerRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listd_runner_restarts_total",
			Help: "Total number of runner restarts performed by the master.",
		}, []string{"runner"}),
	}

	// Register all metrics
	reg.MustRegister(
		c.envelopesEnqueuedTotal,
		c.envelopesProcessedTotal,
		c.chainDispositionsTotal,
		c.pipelineRunsTotal,
		c.deliveriesTotal,
		c.bouncesTotal,
		c.digestsTotal,
		c.connectionsTotal,
		c.connectionsActive,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.runnerRestartsTotal,
	)

	return c
}

// EnvelopeEnqueued increments the enqueue counter for a queue.
func (c *PrometheusCollector) EnvelopeEnqueued(queue string) {
	c.envelopesEnqueuedTotal.WithLabelValues(queue).Inc()
}

// EnvelopeProcessed increments the processed counter.
func (c *PrometheusCollector) EnvelopeProcessed(runner string, outcome string) {
	c.envelopesProcessedTotal.WithLabelValues(runner, outcome).Inc()
}

// ChainDisposition increments the chain disposition counter.
func (c *PrometheusCollector) ChainDisposition(list string, disposition string) {
	c.chainDispositionsTotal.WithLabelValues(list, disposition).Inc()
}

// PipelineCompleted increments the pipeline outcome counter.
func (c *PrometheusCollector) PipelineCompleted(list string, outcome string) {
	c.pipelineRunsTotal.WithLabelValues(list, outcome).Inc()
}

// DeliveryCompleted increments the delivery counter.
func (c *PrometheusCollector) DeliveryCompleted(recipientDomain string, result string) {
	c.deliveriesTotal.WithLabelValues(recipientDomain, result).Inc()
}

// BounceRegistered increments the bounce counter.
func (c *PrometheusCollector) BounceRegistered(list string, context string) {
	c.bouncesTotal.WithLabelValues(list, context).Inc()
}

// DigestSent increments the digest counter.
func (c *PrometheusCollector) DigestSent(list string, kind string) {
	c.digestsTotal.WithLabelValues(list, kind).Inc()
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// MessageReceived increments the message received counter and observes message size.
func (c *PrometheusCollector) MessageReceived(listDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(listDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the message rejected counter.
func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

// RunnerRestarted increments the restart counter.
func (c *PrometheusCollector) RunnerRestarted(runner string) {
	c.runnerRestartsTotal.WithLabelValues(runner).Inc()
}
