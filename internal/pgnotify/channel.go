package pgnotify

import (
	"context"
	"crypto/md5"
	"encoding/hex"

	"github.com/jmoiron/sqlx"
)

// maxChannelLen is NAMEDATALEN-1; longer identifiers are truncated by LISTEN
// and rejected by pg_notify.
const maxChannelLen = 63

// ChannelName derives the notification channel for name under prefix. It
// must stay in sync with the pgq_channel_name SQL function.
func ChannelName(prefix, name string) string {
	full := prefix + "." + name
	if len(full) <= maxChannelLen {
		return full
	}
	sum := md5.Sum([]byte(name))
	return prefix + "." + hex.EncodeToString(sum[:])
}

// Notify sends payload on channel. The notification is delivered when the
// surrounding transaction, if any, commits.
func Notify(ctx context.Context, db sqlx.ExecerContext, channel, payload string) error {
	_, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}
