// Package metrics instruments queue and channel-layer activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Service interface {
	IncEnqueued(queueName, actorName string)
	IncProcessed(queueName, actorName string)
	IncErrored(queueName, actorName string)
	IncRetried(queueName, actorName string)
	IncRejected(queueName, actorName string)
	IncInFlight(queueName, actorName string)
	DecInFlight(queueName, actorName string)
	ObserveDuration(queueName, actorName string, d time.Duration)
	SetQueueDepth(queueName, state string, depth int64)
	IncChannelMessagesSent(kind string, count int64)
	IncChannelMessagesReceived(count int64)
}

// New returns a prometheus-backed Service registered with reg, or a no-op
// Service when reg is nil.
func New(reg prometheus.Registerer) (Service, error) {
	if reg == nil {
		return NewNoop(), nil
	}
	return newPrometheusService(reg)
}
