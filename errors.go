package pgq

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
)

var (
	ErrConnection           = errors.New("pgq: database connection error")
	ErrDecode               = errors.New("pgq: message could not be decoded")
	ErrActorNotFound        = errors.New("pgq: actor not found")
	ErrDuplicateActor       = errors.New("pgq: actor already registered")
	ErrQueueJoinTimeout     = errors.New("pgq: timed out waiting for queue to drain")
	ErrQueueNotDeclared     = errors.New("pgq: queue not declared")
	ErrInvalidQueueName     = errors.New("pgq: invalid queue name")
	ErrInvalidChannelName   = errors.New("pgq: invalid channel name")
	ErrInvalidGroupName     = errors.New("pgq: invalid group name")
	ErrMessageTooLarge      = errors.New("pgq: message exceeds maximum size")
	ErrPoolExhausted        = errors.New("pgq: connection pool exhausted")
	ErrListenerDisconnected = errors.New("pgq: notification listener disconnected")
	ErrClosed               = errors.New("pgq: closed")
)

// ConnectionError reports a database operation that failed because the
// connection was unavailable, after retries were exhausted where applicable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return ErrConnection.Error() + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// isTransient reports whether err is a connectivity failure worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" {
			return true
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03", "53300":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// connectionErr wraps err in a ConnectionError when it is transient.
func connectionErr(err error) error {
	if isTransient(err) {
		return &ConnectionError{Err: err}
	}
	return err
}

// retry runs op with exponential backoff while it fails transiently.
func retry(ctx context.Context, cfg Config, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInitialInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		err := op()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxRetries), ctx))
	return connectionErr(err)
}
