package pgq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Worker runs registered actors against the queues they consume from.
type Worker struct {
	client    *Client
	broker    *Broker
	cfg       Config
	actors    *actorRegistry
	scheduler *Scheduler
	sem       *semaphore.Weighted
	handlers  sync.WaitGroup
}

func newWorker(c *Client) *Worker {
	return &Worker{
		client: c,
		broker: c.broker,
		cfg:    c.cfg,
		actors: newActorRegistry(),
		sem:    semaphore.NewWeighted(int64(c.cfg.Concurrency)),
	}
}

// SetScheduler makes one of the worker's consumers tick s while idle.
func (w *Worker) SetScheduler(s *Scheduler) {
	w.scheduler = s
}

func (w *Worker) Actors() []string { return w.actors.names() }

// Send enqueues a message for a registered actor on the actor's queue.
func (w *Worker) Send(ctx context.Context, actorName string, args any, delay time.Duration) (*Task, error) {
	a, ok := w.actors.get(actorName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, actorName)
	}
	msg, err := NewMessage(a.opts.queueName, actorName, args)
	if err != nil {
		return nil, err
	}
	return w.broker.Enqueue(ctx, msg, delay)
}

// Run consumes every queue with a registered actor until ctx is done, then
// waits for running handlers before releasing its consumers.
func (w *Worker) Run(ctx context.Context) error {
	queues := w.actors.queues()
	if len(queues) == 0 {
		return errors.New("no actors registered")
	}
	for _, q := range queues {
		if !w.broker.isDeclared(q) {
			return fmt.Errorf("%w: %s", ErrQueueNotDeclared, q)
		}
	}

	consumers := make([]*Consumer, 0, len(queues))
	defer func() {
		w.handlers.Wait()
		for _, c := range consumers {
			if err := c.Close(); err != nil {
				log.Error().Err(err).Str("queue", c.QueueName()).Msg("error closing consumer")
			}
		}
	}()
	for i, q := range queues {
		var scheduler *Scheduler
		if i == 0 {
			scheduler = w.scheduler
		}
		c, err := w.client.newConsumer(ctx, q, scheduler)
		if err != nil {
			return err
		}
		consumers = append(consumers, c)
	}

	log.Info().Strs("queues", queues).Strs("actors", w.actors.names()).Msg("worker started")
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		c := c
		g.Go(func() error { return w.consume(gctx, c) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info().Msg("worker stopped")
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context, c *Consumer) error {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.MaxElapsedTime = 0
	for {
		d, err := c.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, ErrConnection) {
				return fmt.Errorf("error consuming queue %s: %w", c.QueueName(), err)
			}
			wait := reconnect.NextBackOff()
			log.Warn().Err(err).Str("queue", c.QueueName()).Dur("retry_in", wait).Msg("consumer lost its connection")
			if err := sleepUntil(ctx, wait, time.Now().Add(wait)); err != nil {
				return err
			}
			continue
		}
		reconnect.Reset()
		if d == nil {
			continue
		}
		if err := w.sem.Acquire(ctx, 1); err != nil {
			// d stays consumed; closing the consumer releases its lock
			return err
		}
		w.handlers.Add(1)
		go func() {
			defer w.handlers.Done()
			defer w.sem.Release(1)
			w.process(context.WithoutCancel(ctx), c, d)
		}()
	}
}

func (w *Worker) process(ctx context.Context, c *Consumer, d *Delivery) {
	msg := d.Message
	logger := log.With().Str("queue", msg.QueueName).Str("actor", msg.ActorName).Str("message_id", msg.MessageID).Logger()
	metrics := w.cfg.Metrics

	a, ok := w.actors.get(msg.ActorName)
	if !ok {
		logger.Error().Msg("no actor registered for message")
		if err := c.Nack(ctx, d, fmt.Errorf("%w: %s", ErrActorNotFound, msg.ActorName)); err != nil {
			logger.Error().Err(err).Msg("error rejecting message")
		}
		metrics.IncRejected(msg.QueueName, msg.ActorName)
		return
	}

	metrics.IncInFlight(msg.QueueName, msg.ActorName)
	start := time.Now()
	err := a.invoke(WithTask(ctx, d), msg.Args)
	metrics.ObserveDuration(msg.QueueName, msg.ActorName, time.Since(start))
	metrics.DecInFlight(msg.QueueName, msg.ActorName)

	if err == nil {
		if err := c.Ack(ctx, d); err != nil {
			logger.Error().Err(err).Msg("error acking message")
			return
		}
		metrics.IncProcessed(msg.QueueName, msg.ActorName)
		return
	}

	metrics.IncErrored(msg.QueueName, msg.ActorName)
	if !errors.Is(err, ErrDecode) && msg.Retries < a.opts.maxRetries {
		if rerr := w.retry(ctx, c, d, a); rerr == nil {
			logger.Warn().Err(err).Int("retries", msg.Retries+1).Msg("message failed, retrying")
			metrics.IncRetried(msg.QueueName, msg.ActorName)
			return
		} else {
			logger.Error().Err(rerr).Msg("error scheduling retry")
		}
	}

	logger.Error().Err(err).Msg("message failed, rejecting")
	if err := c.Nack(ctx, d, err); err != nil {
		logger.Error().Err(err).Msg("error rejecting message")
		return
	}
	metrics.IncRejected(msg.QueueName, msg.ActorName)
}

// retry re-enqueues the message under the same id with a delay. The upsert
// moves the row out of the consumed state, so the delivery is settled locally.
func (w *Worker) retry(ctx context.Context, c *Consumer, d *Delivery, a *actor) error {
	next := d.Message
	next.Retries++
	next.Metadata = d.Metadata()
	if _, err := w.broker.Enqueue(ctx, next, a.opts.retryDelay(next.Retries)); err != nil {
		return err
	}
	d.setState(StateQueued)
	c.finish(d)
	return nil
}
