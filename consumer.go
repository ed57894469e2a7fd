package pgq

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/mattbonnell/pgq/internal/advisory"
	"github.com/mattbonnell/pgq/internal/pgnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	lockNamespace    = "pgq"
	notifyPrefix     = "pgq"
	pendingScanLimit = 100
	minIdleWait      = 10 * time.Millisecond
	// maxHousekeepDelay bounds how long a busy consumer goes without
	// promoting delayed messages.
	maxHousekeepDelay = time.Second
	closeTimeout      = 5 * time.Second
)

// The row lock is taken before the advisory lock so a concurrent write to the
// row cannot make the advisory lock be evaluated twice.
const claimQuery = `WITH candidate AS (
	SELECT message_id FROM pgq_task
	WHERE message_id = $1 AND queue_name = $2 AND state IN ('queued', 'consumed')
	FOR UPDATE SKIP LOCKED
)
UPDATE pgq_task t SET state = 'consumed', mtime = now()
FROM candidate
WHERE t.message_id = candidate.message_id AND pg_try_advisory_lock($3)
RETURNING t.message, t.metadata`

const pendingQuery = `SELECT message_id FROM pgq_task
WHERE queue_name = $1 AND state IN ('queued', 'consumed') AND NOT (message_id = ANY($2))
ORDER BY state = 'consumed', mtime
LIMIT $3`

const promoteQuery = `WITH promoted AS (
	UPDATE pgq_task SET queue_name = $2, mtime = now()
	WHERE queue_name = $1 AND state = 'queued' AND eta <= now()
	RETURNING message_id
)
SELECT (SELECT count(*) FROM promoted) AS promoted,
	(SELECT min(eta) FROM pgq_task WHERE queue_name = $1 AND state = 'queued' AND eta > now()) AS next_eta`

const gcQuery = `DELETE FROM pgq_task
WHERE queue_name = ANY($1) AND state IN ('done', 'rejected') AND result_expiry < now()`

const ackQuery = `UPDATE pgq_task SET state = 'done', mtime = now(), result = $3,
	result_expiry = now() + $4::float8 * interval '1 second', metadata = metadata || $5::jsonb
WHERE message_id = $1 AND queue_name = $2 AND state = 'consumed'`

const nackQuery = `UPDATE pgq_task SET state = 'rejected', mtime = now(), queue_name = $2, result = $3,
	result_expiry = now() + $4::float8 * interval '1 second'
WHERE message_id = $1`

const requeueQuery = `UPDATE pgq_task SET state = 'queued', mtime = now(), queue_name = $2
WHERE message_id = ANY($1) AND state IN ('consumed', 'rejected')`

// Consumer claims messages from a single queue. Claims are held as session
// advisory locks on a connection pinned for the consumer's lifetime. Next
// must not be called concurrently; Ack, Nack and Requeue may be called from
// any goroutine.
type Consumer struct {
	broker    *Broker
	db        *sqlx.DB
	cfg       Config
	queueName string
	scheduler *Scheduler

	conn   *sqlx.Conn
	locker *advisory.Locker
	sub    *pgnotify.Subscription
	slots  *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]*Delivery
	releases []int64
	closed   bool

	// owned by the Next loop
	backlog       []string
	rescan        bool
	fullBackoff   *backoff.ExponentialBackOff
	nextETA       time.Time
	lastGC        time.Time
	lastHousekeep time.Time
}

func newConsumer(ctx context.Context, b *Broker, l listener, queueName string, scheduler *Scheduler) (*Consumer, error) {
	if err := validateQueueName(queueName); err != nil {
		return nil, err
	}
	if !b.isDeclared(queueName) {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotDeclared, queueName)
	}
	conn, err := b.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("error pinning consumer connection: %w", connectionErr(err))
	}
	sub, err := l.Subscribe(pgnotify.ChannelName(notifyPrefix, queueName+".enqueue"))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error subscribing to queue %s: %w", queueName, err)
	}

	fb := backoff.NewExponentialBackOff()
	fb.InitialInterval = minIdleWait
	fb.MaxInterval = b.cfg.ConsumerTimeout
	fb.MaxElapsedTime = 0

	c := &Consumer{
		broker:        b,
		db:            b.db,
		cfg:           b.cfg,
		queueName:     queueName,
		scheduler:     scheduler,
		conn:          conn,
		locker:        advisory.NewLocker(conn),
		sub:           sub,
		slots:         semaphore.NewWeighted(int64(b.cfg.Prefetch)),
		inFlight:      make(map[string]*Delivery),
		fullBackoff:   fb,
		lastGC:        time.Now(),
		lastHousekeep: time.Now(),
	}
	log.Debug().Str("queue", queueName).Msg("consumer created")
	return c, nil
}

func (c *Consumer) QueueName() string { return c.queueName }

// InFlight returns the number of claimed messages not yet settled.
func (c *Consumer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Next returns the next claimed message. It returns (nil, nil) when nothing
// could be claimed within the consumer timeout.
func (c *Consumer) Next(ctx context.Context) (*Delivery, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	deadline := time.Now().Add(c.cfg.ConsumerTimeout)
	for {
		if err := c.ensureConn(ctx); err != nil {
			return nil, c.fail(ctx, err)
		}
		if err := c.drainReleases(ctx); err != nil {
			return nil, c.fail(ctx, err)
		}

		if !c.slots.TryAcquire(1) {
			wait := c.fullBackoff.NextBackOff()
			log.Debug().Str("queue", c.queueName).Dur("wait", wait).Msg("prefetch limit reached")
			if err := sleepUntil(ctx, wait, deadline); err != nil {
				return nil, err
			}
			if !time.Now().Before(deadline) {
				return nil, nil
			}
			continue
		}
		c.fullBackoff.Reset()

		if c.housekeepOverdue(time.Now()) {
			if _, err := c.housekeep(ctx); err != nil {
				c.slots.Release(1)
				return nil, c.fail(ctx, err)
			}
		}

		d, err := c.claimNext(ctx)
		if d == nil {
			c.slots.Release(1)
		}
		if err != nil {
			return nil, c.fail(ctx, err)
		}
		if d != nil {
			d.holdsSlot = true
			return d, nil
		}

		promoted, err := c.housekeep(ctx)
		if err != nil {
			return nil, c.fail(ctx, err)
		}
		if promoted {
			continue
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if !c.nextETA.IsZero() {
			if untilETA := time.Until(c.nextETA); untilETA < wait {
				wait = max(untilETA, minIdleWait)
			}
		}
		timer := time.NewTimer(wait)
		select {
		case n := <-c.sub.C():
			timer.Stop()
			c.notified(n)
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) notified(n pgnotify.Notification) {
	for {
		switch {
		case n.Reconnected:
			log.Debug().Str("queue", c.queueName).Msg("listener reconnected, rescanning queue")
			c.rescan = true
		case n.Payload == "":
			// a wake-up without a message id
			c.rescan = true
		default:
			c.backlog = append(c.backlog, n.Payload)
		}
		select {
		case n = <-c.sub.C():
		default:
			return
		}
	}
}

func (c *Consumer) claimNext(ctx context.Context) (*Delivery, error) {
	if len(c.backlog) == 0 || c.rescan {
		ids, err := c.pending(ctx)
		if err != nil {
			return nil, err
		}
		c.backlog = ids
		c.rescan = false
	}
	for len(c.backlog) > 0 {
		id := c.backlog[0]
		c.backlog = c.backlog[1:]
		if c.isInFlight(id) {
			continue
		}
		d, err := c.claim(ctx, id)
		if err != nil || d != nil {
			return d, err
		}
	}
	return nil, nil
}

func (c *Consumer) pending(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	held := make([]string, 0, len(c.inFlight))
	for id := range c.inFlight {
		held = append(held, id)
	}
	c.mu.Unlock()

	var ids []string
	if err := c.conn.SelectContext(ctx, &ids, pendingQuery, c.queueName, pq.Array(held), pendingScanLimit); err != nil {
		return nil, fmt.Errorf("error scanning queue %s: %w", c.queueName, err)
	}
	return ids, nil
}

func (c *Consumer) claim(ctx context.Context, messageID string) (*Delivery, error) {
	key := advisory.Key(lockNamespace, c.queueName, messageID)
	var row struct {
		Message  []byte         `db:"message"`
		Metadata types.JSONText `db:"metadata"`
	}
	err := c.conn.QueryRowxContext(ctx, claimQuery, messageID, c.queueName, key).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		// the lock may have been taken before another predicate failed
		if _, err := c.locker.Release(ctx, key); err != nil {
			return nil, err
		}
		log.Debug().Str("queue", c.queueName).Str("message_id", messageID).Msg("message not claimable")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error claiming message %s: %w", messageID, err)
	}

	d := newDelivery(c, messageID, key, row.Metadata)
	c.mu.Lock()
	c.inFlight[messageID] = d
	c.mu.Unlock()

	msg, err := DecodeMessage(row.Message)
	if err != nil {
		log.Error().Err(err).Str("queue", c.queueName).Str("message_id", messageID).Msg("rejecting message that could not be decoded")
		d.Message = Message{QueueName: c.queueName, MessageID: messageID}
		if err := c.Nack(ctx, d, err); err != nil {
			return nil, err
		}
		return nil, nil
	}
	d.Message = msg
	log.Debug().Str("queue", c.queueName).Str("message_id", messageID).Msg("claimed message")
	return d, nil
}

func (c *Consumer) isInFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	return ok
}

// Ack marks a consumed message done, storing its result and metadata. Acking a
// message that is no longer consumed is a no-op.
func (c *Consumer) Ack(ctx context.Context, d *Delivery) error {
	if state := d.State(); !IsValidTransition(state, StateDone) {
		log.Debug().Str("queue", c.queueName).Str("message_id", d.id).Str("state", string(state)).Msg("ignoring ack of message that is not consumed")
		return nil
	}
	res, err := c.db.ExecContext(ctx, ackQuery, d.id, c.queueName, d.Result(), c.cfg.ResultTTL.Seconds(), d.encodedMetadata())
	if err != nil {
		return fmt.Errorf("error acking message %s: %w", d.id, connectionErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Warn().Str("queue", c.queueName).Str("message_id", d.id).Msg("ack did not update any row, message is no longer consumed")
	}
	d.setState(StateDone)
	c.finish(d)
	return nil
}

// Nack rejects a message regardless of its state, recording cause in the
// result. With dead-lettering enabled the row moves to the dead-letter queue.
func (c *Consumer) Nack(ctx context.Context, d *Delivery, cause error) error {
	queueName := c.queueName
	if c.cfg.DeadLetter {
		queueName = DeadLetterQueueName(c.queueName)
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	result, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return fmt.Errorf("error encoding rejection: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, nackQuery, d.id, queueName, result, c.cfg.ResultTTL.Seconds()); err != nil {
		return fmt.Errorf("error nacking message %s: %w", d.id, connectionErr(err))
	}
	log.Debug().Str("queue", queueName).Str("message_id", d.id).Str("reason", reason).Msg("rejected message")
	d.setState(StateRejected)
	c.finish(d)
	return nil
}

// Requeue returns consumed or rejected messages to the queue.
func (c *Consumer) Requeue(ctx context.Context, ds ...*Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		ids = append(ids, d.id)
	}
	if _, err := c.db.ExecContext(ctx, requeueQuery, pq.Array(ids), c.queueName); err != nil {
		return fmt.Errorf("error requeueing messages: %w", connectionErr(err))
	}
	for _, d := range ds {
		d.setState(StateQueued)
		c.finish(d)
	}
	return nil
}

// finish forgets d and schedules its lock for release on the pinned session.
func (c *Consumer) finish(d *Delivery) {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.finished = true
	slot := d.holdsSlot
	d.mu.Unlock()

	c.mu.Lock()
	delete(c.inFlight, d.id)
	c.releases = append(c.releases, d.lockKey)
	c.mu.Unlock()
	if slot {
		c.slots.Release(1)
	}
}

func (c *Consumer) drainReleases(ctx context.Context) error {
	c.mu.Lock()
	keys := c.releases
	c.releases = nil
	c.mu.Unlock()
	for i, key := range keys {
		if _, err := c.locker.Release(ctx, key); err != nil {
			c.mu.Lock()
			c.releases = append(append([]int64(nil), keys[i:]...), c.releases...)
			c.mu.Unlock()
			return err
		}
	}
	return nil
}

// housekeep promotes due delayed messages, purges expired results and ticks
// the scheduler. It reports whether any message was promoted.
func (c *Consumer) housekeep(ctx context.Context) (bool, error) {
	c.lastHousekeep = time.Now()
	var res struct {
		Promoted int64        `db:"promoted"`
		NextETA  sql.NullTime `db:"next_eta"`
	}
	if err := c.conn.GetContext(ctx, &res, promoteQuery, DelayQueueName(c.queueName), c.queueName); err != nil {
		return false, fmt.Errorf("error promoting delayed messages: %w", err)
	}
	c.nextETA = time.Time{}
	if res.NextETA.Valid {
		c.nextETA = res.NextETA.Time
	}
	if res.Promoted > 0 {
		log.Debug().Str("queue", c.queueName).Int64("count", res.Promoted).Msg("promoted delayed messages")
	}

	if time.Since(c.lastGC) >= c.cfg.GCInterval {
		c.lastGC = time.Now()
		if err := c.gc(ctx); err != nil {
			log.Warn().Err(err).Str("queue", c.queueName).Msg("error purging expired messages")
		}
	}

	if c.scheduler != nil {
		if err := c.tickScheduler(ctx, time.Now()); err != nil {
			log.Warn().Err(err).Str("queue", c.queueName).Msg("error running scheduler")
		}
	}
	return res.Promoted > 0, nil
}

// housekeepOverdue reports whether a consumer that keeps finding messages
// must still run housekeeping before its next claim.
func (c *Consumer) housekeepOverdue(now time.Time) bool {
	if !c.nextETA.IsZero() && !now.Before(c.nextETA) {
		return true
	}
	return now.Sub(c.lastHousekeep) >= maxHousekeepDelay
}

func (c *Consumer) gc(ctx context.Context) error {
	names := []string{c.queueName, DelayQueueName(c.queueName), DeadLetterQueueName(c.queueName)}
	res, err := c.db.ExecContext(ctx, gcQuery, pq.Array(names))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Str("queue", c.queueName).Int64("count", n).Msg("purged expired messages")
	}
	return nil
}

// tickScheduler runs the scheduler while holding an advisory lock so only
// one consumer across all processes enqueues schedules at a time.
func (c *Consumer) tickScheduler(ctx context.Context, now time.Time) error {
	if !c.scheduler.Due(now) {
		return nil
	}
	key := advisory.Key(lockNamespace, "scheduler")
	ok, err := c.locker.TryAcquire(ctx, key)
	if err != nil || !ok {
		return err
	}
	defer func() {
		if _, err := c.locker.Release(ctx, key); err != nil {
			log.Warn().Err(err).Msg("error releasing scheduler lock")
		}
	}()
	_, err = c.scheduler.Tick(ctx, now)
	return err
}

func (c *Consumer) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.db.Connx(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.locker = advisory.NewLocker(conn)
	c.rescan = true
	log.Info().Str("queue", c.queueName).Msg("consumer connection re-established")
	return nil
}

// fail classifies err. A broken session is discarded along with every lock
// it held; claimed messages may then be delivered again elsewhere.
func (c *Consumer) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !isTransient(err) {
		return err
	}
	log.Error().Err(err).Str("queue", c.queueName).Msg("consumer connection lost")
	c.discardConn()
	c.mu.Lock()
	c.releases = nil
	c.mu.Unlock()
	return &ConnectionError{Err: err}
}

func (c *Consumer) discardConn() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = c.conn.Close()
	c.conn = nil
}

// Close releases every lock held by the consumer and returns its connection
// to the pool. Unsettled deliveries become claimable by other consumers.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	subErr := c.sub.Close()
	if c.conn == nil {
		return subErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.locker.ReleaseAll(ctx); err != nil {
		log.Error().Err(err).Str("queue", c.queueName).Msg("error releasing locks, discarding connection")
		c.discardConn()
		return errors.Join(subErr, err)
	}
	err := c.conn.Close()
	c.conn = nil
	log.Debug().Str("queue", c.queueName).Msg("consumer closed")
	return errors.Join(subErr, err)
}

// sleepUntil sleeps for d, cut short at deadline, or until ctx is done.
func sleepUntil(ctx context.Context, d time.Duration, deadline time.Time) error {
	if remaining := time.Until(deadline); remaining < d {
		d = remaining
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
