package pgq

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/mattbonnell/pgq/internal/pgnotify"
	"github.com/mattbonnell/pgq/internal/schema"
	"github.com/rs/zerolog/log"
)

// listener is the notification bridge a Client and its channel sessions
// subscribe through.
type listener interface {
	Subscribe(channel string) (*pgnotify.Subscription, error)
	Connected() bool
	Close() error
}

type Client struct {
	db          *sqlx.DB
	ownsDB      bool
	cfg         Config
	broker      *Broker
	listener    listener
	newListener func() listener
}

// Connect opens a pool for dsn and returns a Client owning it.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Client, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", connectionErr(err))
	}
	c, err := NewClient(ctx, db, dsn, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.ownsDB = true
	return c, nil
}

// NewClient wraps an existing pool. dsn is used to open the dedicated
// notification listener connections.
func NewClient(ctx context.Context, db *sqlx.DB, dsn string, opts ...Option) (*Client, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	newListener := func() listener {
		return pgnotify.NewListener(dsn, cfg.ListenerMinReconnect, cfg.ListenerMaxReconnect)
	}
	return newClient(ctx, db, cfg, newListener)
}

func newClient(ctx context.Context, db *sqlx.DB, cfg Config, newListener func() listener) (*Client, error) {
	log.Debug().Msg("creating new client")
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("error pinging database: %w", connectionErr(err))
	}
	if cfg.Migrate {
		if err := schema.Create(ctx, db.DB); err != nil {
			return nil, fmt.Errorf("error creating schema: %w", err)
		}
	}
	c := &Client{
		db:          db,
		cfg:         cfg,
		broker:      newBroker(db, cfg),
		listener:    newListener(),
		newListener: newListener,
	}
	log.Debug().Msg("client created")
	return c, nil
}

func (c *Client) DB() *sqlx.DB { return c.db }

func (c *Client) Broker() *Broker { return c.broker }

// NewConsumer pins a connection and subscribes to queueName, which must be
// declared on the client's broker.
func (c *Client) NewConsumer(ctx context.Context, queueName string) (*Consumer, error) {
	return c.newConsumer(ctx, queueName, nil)
}

func (c *Client) newConsumer(ctx context.Context, queueName string, scheduler *Scheduler) (*Consumer, error) {
	return newConsumer(ctx, c.broker, c.listener, queueName, scheduler)
}

func (c *Client) NewWorker() *Worker {
	return newWorker(c)
}

func (c *Client) NewScheduler(schedules ...Schedule) (*Scheduler, error) {
	return NewScheduler(c.broker, schedules...)
}

func (c *Client) NewChannelLayer() *ChannelLayer {
	return newChannelLayer(c)
}

// Health fails when the database is unreachable, the pool has no free
// connection, or the notification listener is disconnected.
func (c *Client) Health(ctx context.Context) error {
	stats := c.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections && stats.Idle == 0 {
		return fmt.Errorf("%w: %d of %d connections in use", ErrPoolExhausted, stats.InUse, stats.MaxOpenConnections)
	}
	if err := c.db.PingContext(ctx); err != nil {
		return &ConnectionError{Err: err}
	}
	if !c.listener.Connected() {
		return ErrListenerDisconnected
	}
	return nil
}

// Close stops the shared listener and closes the pool if Connect opened it.
func (c *Client) Close() error {
	err := c.listener.Close()
	if c.ownsDB {
		err = errors.Join(err, c.db.Close())
	}
	return err
}
