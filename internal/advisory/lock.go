// Package advisory derives PostgreSQL advisory lock keys and manipulates
// session-level advisory locks on a pinned connection.
package advisory

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"
)

// Key hashes namespace and parts into a bigint lock key. The namespace keeps
// keys derived by different subsystems apart; parts are separated by NUL so
// ("a.b", "c") and ("a", "b.c") never collide by construction.
func Key(namespace string, parts ...string) int64 {
	d := xxhash.New()
	_, _ = d.WriteString(namespace)
	for _, p := range parts {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(p)
	}
	return int64(d.Sum64())
}

// Conn is satisfied by *sqlx.Conn. Session-level advisory locks belong to the
// server session, so every call for a given key must go through the same Conn.
type Conn interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

type Locker struct {
	conn Conn
}

func NewLocker(conn Conn) *Locker {
	return &Locker{conn: conn}
}

// TryAcquire takes the lock without waiting and reports whether it was taken.
func (l *Locker) TryAcquire(ctx context.Context, key int64) (bool, error) {
	var ok bool
	if err := l.conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// Release drops one hold on the lock. It reports false when the session did
// not hold it, which the server also logs as a warning.
func (l *Locker) Release(ctx context.Context, key int64) (bool, error) {
	var ok bool
	if err := l.conn.QueryRowxContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return ok, nil
}

// ReleaseAll drops every session-level advisory lock held by the session.
func (l *Locker) ReleaseAll(ctx context.Context) error {
	if _, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock_all()`); err != nil {
		return fmt.Errorf("failed to release locks: %w", err)
	}
	return nil
}
