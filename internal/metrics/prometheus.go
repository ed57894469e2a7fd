package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusService struct {
	enqueuedTotal        *prometheus.CounterVec
	processedTotal       *prometheus.CounterVec
	erroredTotal         *prometheus.CounterVec
	retriedTotal         *prometheus.CounterVec
	rejectedTotal        *prometheus.CounterVec
	inFlight             *prometheus.GaugeVec
	duration             *prometheus.HistogramVec
	queueDepth           *prometheus.GaugeVec
	channelSentTotal     *prometheus.CounterVec
	channelReceivedTotal prometheus.Counter
}

func newPrometheusService(reg prometheus.Registerer) (*PrometheusService, error) {
	labels := []string{"queue_name", "actor_name"}
	srv := &PrometheusService{
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgq_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		}, labels),
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgq_messages_processed_total",
			Help: "Total number of messages processed successfully",
		}, labels),
		erroredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgq_messages_errored_total",
			Help: "Total number of handler invocations that returned an error",
		}, labels),
		retriedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgq_messages_retried_total",
			Help: "Total number of messages re-enqueued for another attempt",
		}, labels),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgq_messages_rejected_total",
			Help: "Total number of messages rejected permanently",
		}, labels),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgq_messages_inflight",
			Help: "Number of messages currently being processed",
		}, labels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgq_message_duration_seconds",
			Help:    "Time spent processing a message",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, labels),
		// state label is one of queued/consumed/done/rejected
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgq_queue_depth",
			Help: "Number of rows per queue and state",
		}, []string{"queue_name", "state"}),
		channelSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgq_channel_messages_sent_total",
			Help: "Total number of channel layer message rows written",
		}, []string{"kind"}),
		channelReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgq_channel_messages_received_total",
			Help: "Total number of channel layer messages delivered to receivers",
		}),
	}

	for _, c := range []prometheus.Collector{
		srv.enqueuedTotal,
		srv.processedTotal,
		srv.erroredTotal,
		srv.retriedTotal,
		srv.rejectedTotal,
		srv.inFlight,
		srv.duration,
		srv.queueDepth,
		srv.channelSentTotal,
		srv.channelReceivedTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return srv, nil
}

func (p *PrometheusService) IncEnqueued(queueName, actorName string) {
	p.enqueuedTotal.WithLabelValues(queueName, actorName).Inc()
}

func (p *PrometheusService) IncProcessed(queueName, actorName string) {
	p.processedTotal.WithLabelValues(queueName, actorName).Inc()
}

func (p *PrometheusService) IncErrored(queueName, actorName string) {
	p.erroredTotal.WithLabelValues(queueName, actorName).Inc()
}

func (p *PrometheusService) IncRetried(queueName, actorName string) {
	p.retriedTotal.WithLabelValues(queueName, actorName).Inc()
}

func (p *PrometheusService) IncRejected(queueName, actorName string) {
	p.rejectedTotal.WithLabelValues(queueName, actorName).Inc()
}

func (p *PrometheusService) IncInFlight(queueName, actorName string) {
	p.inFlight.WithLabelValues(queueName, actorName).Inc()
}

func (p *PrometheusService) DecInFlight(queueName, actorName string) {
	p.inFlight.WithLabelValues(queueName, actorName).Dec()
}

func (p *PrometheusService) ObserveDuration(queueName, actorName string, d time.Duration) {
	p.duration.WithLabelValues(queueName, actorName).Observe(d.Seconds())
}

func (p *PrometheusService) SetQueueDepth(queueName, state string, depth int64) {
	p.queueDepth.WithLabelValues(queueName, state).Set(float64(depth))
}

func (p *PrometheusService) IncChannelMessagesSent(kind string, count int64) {
	p.channelSentTotal.WithLabelValues(kind).Add(float64(count))
}

func (p *PrometheusService) IncChannelMessagesReceived(count int64) {
	p.channelReceivedTotal.Add(float64(count))
}
