package pgq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/mattbonnell/pgq/internal"
	"github.com/rs/zerolog/log"
)

const enqueueQuery = `INSERT INTO pgq_task (message_id, queue_name, actor_name, state, message, mtime, eta, metadata)
VALUES ($1, $2, $3, 'queued', $4, now(), $5, $6)
ON CONFLICT (message_id) DO UPDATE SET
	queue_name = EXCLUDED.queue_name,
	actor_name = EXCLUDED.actor_name,
	message = EXCLUDED.message,
	eta = EXCLUDED.eta,
	metadata = pgq_task.metadata || EXCLUDED.metadata,
	mtime = now(),
	state = CASE WHEN pgq_task.state = 'done' THEN pgq_task.state ELSE 'queued' END
RETURNING ` + internal.TaskColumns

const enqueueOnceQuery = `INSERT INTO pgq_task (message_id, queue_name, actor_name, state, message, mtime, eta, metadata)
VALUES ($1, $2, $3, 'queued', $4, now(), $5, $6)
ON CONFLICT (message_id) DO NOTHING
RETURNING ` + internal.TaskColumns

// Broker publishes messages and manages the set of declared queues.
type Broker struct {
	db  *sqlx.DB
	cfg Config

	mu          sync.RWMutex
	queues      map[string]struct{}
	delayQueues map[string]struct{}
}

func newBroker(db *sqlx.DB, cfg Config) *Broker {
	return &Broker{
		db:          db,
		cfg:         cfg,
		queues:      make(map[string]struct{}),
		delayQueues: make(map[string]struct{}),
	}
}

// DeclareQueue registers a queue and its delay queue. It is idempotent and
// does not touch the database.
func (b *Broker) DeclareQueue(queueName string) error {
	if err := validateQueueName(queueName); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queueName]; ok {
		return nil
	}
	log.Debug().Str("queue", queueName).Msg("declaring queue")
	b.queues[queueName] = struct{}{}
	b.delayQueues[DelayQueueName(queueName)] = struct{}{}
	return nil
}

func (b *Broker) isDeclared(queueName string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[queueName]
	return ok
}

func (b *Broker) DeclaredQueues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedKeys(b.queues)
}

func (b *Broker) DeclaredDelayQueues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedKeys(b.delayQueues)
}

// Enqueue stores msg for delivery. A positive delay routes it through the
// delay queue with an eta. Re-enqueueing an existing message id resets it to
// queued unless it is already done.
func (b *Broker) Enqueue(ctx context.Context, msg Message, delay time.Duration) (*Task, error) {
	return b.enqueue(ctx, enqueueQuery, msg, delay)
}

// enqueueOnce stores msg only if its id is unknown. It returns a nil Task
// when the id already exists.
func (b *Broker) enqueueOnce(ctx context.Context, msg Message, delay time.Duration) (*Task, error) {
	task, err := b.enqueue(ctx, enqueueOnceQuery, msg, delay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (b *Broker) enqueue(ctx context.Context, query string, msg Message, delay time.Duration) (*Task, error) {
	if err := b.DeclareQueue(msg.QueueName); err != nil {
		return nil, err
	}
	if msg.MessageID == "" {
		return nil, fmt.Errorf("error enqueueing message: empty message id")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	queueName := msg.QueueName
	var eta *time.Time
	if delay > 0 {
		t := time.Now().Add(delay)
		eta = &t
		msg.ETA = t.UnixMilli()
		queueName = DelayQueueName(msg.QueueName)
	} else {
		msg.ETA = 0
	}

	payload, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("error encoding message: %w", err)
	}
	metadata := types.JSONText("{}")
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("error encoding metadata: %w", err)
		}
		metadata = raw
	}

	var row internal.Task
	err = retry(ctx, b.cfg, func() error {
		return b.db.QueryRowxContext(ctx, query,
			msg.MessageID, queueName, msg.ActorName, payload, eta, metadata,
		).StructScan(&row)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Str("message_id", msg.MessageID).Msg("error enqueueing message")
		return nil, fmt.Errorf("error enqueueing message %s: %w", msg.MessageID, err)
	}
	log.Debug().Str("queue", queueName).Str("message_id", msg.MessageID).Msg("enqueued message")
	b.cfg.Metrics.IncEnqueued(msg.QueueName, msg.ActorName)
	return taskFromRow(row), nil
}

// Flush deletes every row in the queue and its delay and dead-letter queues.
func (b *Broker) Flush(ctx context.Context, queueName string) error {
	queueName = CanonicalQueueName(queueName)
	names := []string{queueName, DelayQueueName(queueName), DeadLetterQueueName(queueName)}
	res, err := b.db.ExecContext(ctx, "DELETE FROM pgq_task WHERE queue_name = ANY($1)", pq.Array(names))
	if err != nil {
		return fmt.Errorf("error flushing queue %s: %w", queueName, connectionErr(err))
	}
	n, _ := res.RowsAffected()
	log.Debug().Str("queue", queueName).Int64("rows", n).Msg("flushed queue")
	return nil
}

func (b *Broker) FlushAll(ctx context.Context) error {
	for _, q := range b.DeclaredQueues() {
		if err := b.Flush(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Join blocks until the queue and its delay queue hold no queued or consumed
// messages. A non-positive timeout waits until ctx is done.
func (b *Broker) Join(ctx context.Context, queueName string, timeout time.Duration) error {
	queueName = CanonicalQueueName(queueName)
	names := pq.Array([]string{queueName, DelayQueueName(queueName)})
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var pending int64
		err := b.db.GetContext(ctx, &pending,
			"SELECT count(*) FROM pgq_task WHERE queue_name = ANY($1) AND state IN ('queued', 'consumed')", names)
		if err != nil {
			return fmt.Errorf("error joining queue %s: %w", queueName, connectionErr(err))
		}
		if pending == 0 {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: %s has %d pending", ErrQueueJoinTimeout, queueName, pending)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.JoinInterval):
		}
	}
}

// QueueStats counts rows per state for one queue name.
type QueueStats map[State]int64

// Stats returns row counts per state for every declared queue, including
// delay and dead-letter queues that hold rows.
func (b *Broker) Stats(ctx context.Context) (map[string]QueueStats, error) {
	var names []string
	for _, q := range b.DeclaredQueues() {
		names = append(names, q, DelayQueueName(q), DeadLetterQueueName(q))
	}
	var rows []struct {
		QueueName string `db:"queue_name"`
		State     string `db:"state"`
		Count     int64  `db:"count"`
	}
	err := b.db.SelectContext(ctx, &rows,
		"SELECT queue_name, state, count(*) AS count FROM pgq_task WHERE queue_name = ANY($1) GROUP BY queue_name, state",
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("error reading queue stats: %w", connectionErr(err))
	}
	stats := make(map[string]QueueStats)
	for _, r := range rows {
		if stats[r.QueueName] == nil {
			stats[r.QueueName] = make(QueueStats)
		}
		stats[r.QueueName][State(r.State)] = r.Count
		b.cfg.Metrics.SetQueueDepth(r.QueueName, r.State, r.Count)
	}
	return stats, nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
