package pgq

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/mattbonnell/pgq/internal/metrics"
	"github.com/mattbonnell/pgq/internal/pgnotify"
	"github.com/stretchr/testify/require"
)

type hubListener struct {
	*pgnotify.Hub
	connected bool
	closed    bool
}

func (h *hubListener) Connected() bool { return h.connected }

func (h *hubListener) Close() error {
	h.closed = true
	return nil
}

type testEnv struct {
	client   *Client
	mock     sqlmock.Sqlmock
	hub      *pgnotify.Hub
	listener *hubListener
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	base := []Option{
		WithMigrations(false),
		WithEnqueueRetries(3, time.Millisecond),
		WithConsumerTimeout(30 * time.Millisecond),
	}
	cfg, err := newConfig(append(base, opts...)...)
	require.NoError(t, err)

	hub := pgnotify.NewHub(nil, nil)
	l := &hubListener{Hub: hub, connected: true}
	c, err := newClient(context.Background(), sqlx.NewDb(db, "postgres"), cfg, func() listener { return l })
	require.NoError(t, err)
	return &testEnv{client: c, mock: mock, hub: hub, listener: l}
}

var taskColumns = []string{"message_id", "queue_name", "actor_name", "state", "message", "mtime", "eta", "result", "result_expiry", "metadata"}

func taskRow(t *testing.T, m Message, queueName string, state State) *sqlmock.Rows {
	t.Helper()
	payload, err := m.Encode()
	require.NoError(t, err)
	return sqlmock.NewRows(taskColumns).
		AddRow(m.MessageID, queueName, m.ActorName, string(state), payload, time.Now(), nil, nil, nil, []byte("{}"))
}

func encoded(t *testing.T, m Message) []byte {
	t.Helper()
	payload, err := m.Encode()
	require.NoError(t, err)
	return payload
}

// recordingMetrics counts outcomes per actor.
type recordingMetrics struct {
	metrics.NoopService
	processed, errored, retried, rejected int
}

func (r *recordingMetrics) IncProcessed(queueName, actorName string) { r.processed++ }
func (r *recordingMetrics) IncErrored(queueName, actorName string)   { r.errored++ }
func (r *recordingMetrics) IncRetried(queueName, actorName string)   { r.retried++ }
func (r *recordingMetrics) IncRejected(queueName, actorName string)  { r.rejected++ }
