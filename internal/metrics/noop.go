package metrics

import "time"

type NoopService struct{}

func NewNoop() *NoopService { return &NoopService{} }

func (NoopService) IncEnqueued(queueName, actorName string)                      {}
func (NoopService) IncProcessed(queueName, actorName string)                     {}
func (NoopService) IncErrored(queueName, actorName string)                       {}
func (NoopService) IncRetried(queueName, actorName string)                       {}
func (NoopService) IncRejected(queueName, actorName string)                      {}
func (NoopService) IncInFlight(queueName, actorName string)                      {}
func (NoopService) DecInFlight(queueName, actorName string)                      {}
func (NoopService) ObserveDuration(queueName, actorName string, d time.Duration) {}
func (NoopService) SetQueueDepth(queueName, state string, depth int64)           {}
func (NoopService) IncChannelMessagesSent(kind string, count int64)              {}
func (NoopService) IncChannelMessagesReceived(count int64)                       {}
