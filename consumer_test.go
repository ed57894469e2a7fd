package pgq

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/mattbonnell/pgq/internal/advisory"
	"github.com/mattbonnell/pgq/internal/pgnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(t *testing.T, env *testEnv) *Consumer {
	t.Helper()
	require.NoError(t, env.client.Broker().DeclareQueue("default"))
	c, err := env.client.NewConsumer(context.Background(), "default")
	require.NoError(t, err)
	return c
}

func expectPending(env *testEnv, ids ...string) {
	rows := sqlmock.NewRows([]string{"message_id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	env.mock.ExpectQuery(regexp.QuoteMeta(pendingQuery)).
		WithArgs("default", sqlmock.AnyArg(), pendingScanLimit).
		WillReturnRows(rows)
}

func expectClaim(env *testEnv, id string, payload []byte) {
	q := env.mock.ExpectQuery(regexp.QuoteMeta(claimQuery)).
		WithArgs(id, "default", advisory.Key(lockNamespace, "default", id))
	if payload == nil {
		q.WillReturnRows(sqlmock.NewRows([]string{"message", "metadata"}))
		return
	}
	q.WillReturnRows(sqlmock.NewRows([]string{"message", "metadata"}).AddRow(payload, []byte(`{"tenant":"acme"}`)))
}

func expectPromote(env *testEnv) {
	env.mock.ExpectQuery(regexp.QuoteMeta(promoteQuery)).
		WithArgs("default.DQ", "default").
		WillReturnRows(sqlmock.NewRows([]string{"promoted", "next_eta"}).AddRow(0, nil))
}

func expectUnlock(env *testEnv, id string, held bool) {
	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(advisory.Key(lockNamespace, "default", id)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(held))
}

func TestNewConsumerRequiresDeclaredQueue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.NewConsumer(context.Background(), "undeclared")
	require.ErrorIs(t, err, ErrQueueNotDeclared)
}

func TestNextShouldClaimQueuedMessage(t *testing.T) {
	env := newTestEnv(t)
	c := newTestConsumer(t, env)
	m := newEmailMessage(t)

	expectPending(env, m.MessageID)
	expectClaim(env, m.MessageID, encoded(t, m))

	d, err := c.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, m.MessageID, d.Message.MessageID)
	assert.Equal(t, StateConsumed, d.State())
	assert.Equal(t, "acme", d.Metadata()["tenant"])
	assert.Equal(t, 1, c.InFlight())

	env.mock.ExpectExec(regexp.QuoteMeta(ackQuery)).
		WithArgs(m.MessageID, "default", sqlmock.AnyArg(), defaultResultTTL.Seconds(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.Ack(context.Background(), d))
	assert.Equal(t, StateDone, d.State())
	assert.Equal(t, 0, c.InFlight())

	env.mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock_all()")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, c.Close())
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestNextShouldUnlockWhenClaimLosesRace(t *testing.T) {
	env := newTestEnv(t)
	c := newTestConsumer(t, env)

	expectPending(env, "taken")
	expectClaim(env, "taken", nil)
	expectUnlock(env, "taken", false)
	expectPromote(env)
	expectPending(env)
	expectPromote(env)

	d, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestNextShouldWakeOnNotification(t *testing.T) {
	env := newTestEnv(t, WithConsumerTimeout(time.Second))
	c := newTestConsumer(t, env)
	m := newEmailMessage(t)

	expectPending(env)
	expectPromote(env)
	expectClaim(env, m.MessageID, encoded(t, m))

	delivered := env.hub.Dispatch(pgnotify.Notification{
		Channel: pgnotify.ChannelName("pgq", "default.enqueue"),
		Payload: m.MessageID,
	})
	require.Equal(t, 1, delivered)

	d, err := c.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, m.MessageID, d.Message.MessageID)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestNextShouldRescanAfterReconnect(t *testing.T) {
	env := newTestEnv(t, WithConsumerTimeout(time.Second))
	c := newTestConsumer(t, env)
	m := newEmailMessage(t)

	expectPending(env)
	expectPromote(env)
	expectPending(env, m.MessageID)
	expectClaim(env, m.MessageID, encoded(t, m))

	env.hub.Broadcast()

	d, err := c.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaimLocksRowBeforeAdvisoryLock(t *testing.T) {
	rowLock := strings.Index(claimQuery, "FOR UPDATE SKIP LOCKED")
	advisoryLock := strings.Index(claimQuery, "pg_try_advisory_lock")
	require.NotEqual(t, -1, rowLock)
	require.NotEqual(t, -1, advisoryLock)
	assert.Less(t, rowLock, advisoryLock)
}

func TestNextShouldRescanOnEmptyNotification(t *testing.T) {
	env := newTestEnv(t, WithConsumerTimeout(time.Second))
	c := newTestConsumer(t, env)
	m := newEmailMessage(t)

	expectPending(env)
	expectPromote(env)
	expectPending(env, m.MessageID)
	expectClaim(env, m.MessageID, encoded(t, m))

	env.hub.Dispatch(pgnotify.Notification{
		Channel: pgnotify.ChannelName("pgq", "default.enqueue"),
		Payload: "",
	})

	start := time.Now()
	d, err := c.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, m.MessageID, d.Message.MessageID)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestNextShouldPromoteWhileBusy(t *testing.T) {
	env := newTestEnv(t)
	c := newTestConsumer(t, env)
	m := newEmailMessage(t)
	c.lastHousekeep = time.Now().Add(-2 * maxHousekeepDelay)

	expectPromote(env)
	expectPending(env, m.MessageID)
	expectClaim(env, m.MessageID, encoded(t, m))

	d, err := c.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.WithinDuration(t, time.Now(), c.lastHousekeep, time.Second)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestHousekeepOverdue(t *testing.T) {
	env := newTestEnv(t)
	c := newTestConsumer(t, env)
	now := time.Now()
	c.lastHousekeep = now

	assert.False(t, c.housekeepOverdue(now))
	assert.True(t, c.housekeepOverdue(now.Add(maxHousekeepDelay)))

	c.nextETA = now.Add(10 * time.Millisecond)
	assert.False(t, c.housekeepOverdue(now))
	assert.True(t, c.housekeepOverdue(now.Add(10*time.Millisecond)))
}

func TestNextShouldRejectUndecodableMessage(t *testing.T) {
	env := newTestEnv(t)
	c := newTestConsumer(t, env)

	expectPending(env, "broken")
	expectClaim(env, "broken", []byte("{not json"))
	env.mock.ExpectExec(regexp.QuoteMeta(nackQuery)).
		WithArgs("broken", "default.XQ", sqlmock.AnyArg(), defaultResultTTL.Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectPromote(env)
	expectUnlock(env, "broken", true)
	expectPending(env)
	expectPromote(env)

	d, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, 0, c.InFlight())
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestNextShouldBackOffWhenPrefetchIsFull(t *testing.T) {
	env := newTestEnv(t, WithPrefetch(1))
	c := newTestConsumer(t, env)
	m := newEmailMessage(t)

	expectPending(env, m.MessageID)
	expectClaim(env, m.MessageID, encoded(t, m))

	d, err := c.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)

	start := time.Now()
	next, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestNextShouldReturnConnectionError(t *testing.T) {
	env := newTestEnv(t)
	c := newTestConsumer(t, env)

	env.mock.ExpectQuery(regexp.QuoteMeta(pendingQuery)).
		WillReturnError(&pq.Error{Code: "57P01", Message: "terminating connection"})

	_, err := c.Next(context.Background())
	require.ErrorIs(t, err, ErrConnection)
	assert.Nil(t, c.conn)
}

func TestNextHonoursContextCancellation(t *testing.T) {
	env := newTestEnv(t, WithConsumerTimeout(time.Minute))
	c := newTestConsumer(t, env)

	expectPending(env)
	expectPromote(env)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAckAfterRequeueIsNoop(t *testing.T) {
	env := newTestEnv(t)
	c := newTestConsumer(t, env)
	d := newDelivery(c, "m1", advisory.Key(lockNamespace, "default", "m1"), nil)
	d.Message = Message{QueueName: "default", ActorName: "send_email", MessageID: "m1"}
	c.inFlight["m1"] = d

	env.mock.ExpectExec(regexp.QuoteMeta(requeueQuery)).
		WithArgs(pq.Array([]string{"m1"}), "default").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.Requeue(context.Background(), d))
	assert.Equal(t, StateQueued, d.State())
	require.NoError(t, c.Ack(context.Background(), d))
	assert.Equal(t, StateQueued, d.State())
	assert.Len(t, c.releases, 1)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAckOfRowNoLongerConsumedIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	c := newTestConsumer(t, env)
	d := newDelivery(c, "m1", 1, nil)

	env.mock.ExpectExec(regexp.QuoteMeta(ackQuery)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, c.Ack(context.Background(), d))
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestNackThenRequeueReturnsMessageToQueue(t *testing.T) {
	env := newTestEnv(t, WithDeadLetter(false))
	c := newTestConsumer(t, env)
	d := newDelivery(c, "m1", 1, nil)

	env.mock.ExpectExec(regexp.QuoteMeta(nackQuery)).
		WithArgs("m1", "default", []byte(`{"error":"boom"}`), defaultResultTTL.Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(regexp.QuoteMeta(requeueQuery)).
		WithArgs(pq.Array([]string{"m1"}), "default").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.Nack(context.Background(), d, errors.New("boom")))
	assert.Equal(t, StateRejected, d.State())
	require.NoError(t, c.Requeue(context.Background(), d))
	assert.Equal(t, StateQueued, d.State())
	assert.Len(t, c.releases, 1)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestHousekeepingPromotesAndCollectsGarbage(t *testing.T) {
	env := newTestEnv(t, WithGCInterval(time.Millisecond))
	c := newTestConsumer(t, env)
	c.lastGC = time.Now().Add(-time.Hour)
	eta := time.Now().Add(time.Minute)

	env.mock.ExpectQuery(regexp.QuoteMeta(promoteQuery)).
		WithArgs("default.DQ", "default").
		WillReturnRows(sqlmock.NewRows([]string{"promoted", "next_eta"}).AddRow(2, eta))
	env.mock.ExpectExec(regexp.QuoteMeta(gcQuery)).
		WithArgs(pq.Array([]string{"default", "default.DQ", "default.XQ"})).
		WillReturnResult(sqlmock.NewResult(0, 5))

	promoted, err := c.housekeep(context.Background())
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.WithinDuration(t, eta, c.nextETA, time.Millisecond)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestDrainReleasesKeepsKeysOnFailure(t *testing.T) {
	env := newTestEnv(t)
	c := newTestConsumer(t, env)
	c.releases = []int64{1, 2}

	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(int64(2)).
		WillReturnError(assert.AnError)

	require.Error(t, c.drainReleases(context.Background()))
	assert.Equal(t, []int64{2}, c.releases)
	require.NoError(t, env.mock.ExpectationsWereMet())
}
