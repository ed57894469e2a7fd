package pgq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	channelLayerNotifyChannel = "pgq.channel_layer"
	defaultSessionName        = "default"
	maxNameLength             = 100
)

var (
	channelNamePattern = regexp.MustCompile(`^[a-zA-Z\d\-_.]+(![\da-zA-Z\-_.]*)?$`)
	groupNamePattern   = regexp.MustCompile(`^[a-zA-Z\d\-_.]+$`)
)

const sendQuery = `INSERT INTO pgq_channel_message (channel, message, expires)
VALUES ($1, $2, now() + $3::float8 * interval '1 second')`

const groupAddQuery = `INSERT INTO pgq_group_channel (group_key, channel, expires)
VALUES ($1, $2, now() + $3::float8 * interval '1 second')
ON CONFLICT (group_key, channel) DO UPDATE SET expires = EXCLUDED.expires`

const groupSendQuery = `INSERT INTO pgq_channel_message (channel, message, expires)
SELECT DISTINCT channel, $2::bytea, now() + $3::float8 * interval '1 second'
FROM pgq_group_channel
WHERE group_key = $1 AND expires >= now()`

// ChannelLayer is a publish/subscribe layer over pgq_channel_message and
// pgq_group_channel. Receiving happens through sessions, each with its own
// listener connection; the layer's own methods use the default session.
type ChannelLayer struct {
	client *Client
	cfg    Config

	mu       sync.Mutex
	sessions map[string]*ChannelSession
	closed   bool
}

func newChannelLayer(c *Client) *ChannelLayer {
	return &ChannelLayer{
		client:   c,
		cfg:      c.cfg,
		sessions: make(map[string]*ChannelSession),
	}
}

// Session returns the named session, starting it on first use.
func (l *ChannelLayer) Session(name string) (*ChannelSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if s, ok := l.sessions[name]; ok {
		return s, nil
	}
	s, err := newChannelSession(l, name)
	if err != nil {
		return nil, err
	}
	l.sessions[name] = s
	return s, nil
}

func (l *ChannelLayer) defaultSession() (*ChannelSession, error) {
	return l.Session(defaultSessionName)
}

// NewChannel returns a fresh process-specific channel name with prefix,
// already subscribed on the default session.
func (l *ChannelLayer) NewChannel(ctx context.Context, prefix string) (string, error) {
	s, err := l.defaultSession()
	if err != nil {
		return "", err
	}
	return s.NewChannel(ctx, prefix)
}

func (l *ChannelLayer) Receive(ctx context.Context, channel string) ([]byte, error) {
	s, err := l.defaultSession()
	if err != nil {
		return nil, err
	}
	return s.Receive(ctx, channel)
}

// Send stores message for channel. It expires after the channel expiry if no
// receiver takes it.
func (l *ChannelLayer) Send(ctx context.Context, channel string, message []byte) error {
	if err := validateChannelName(channel); err != nil {
		return err
	}
	if err := l.checkSize(message); err != nil {
		return err
	}
	if message == nil {
		message = []byte{}
	}
	if _, err := l.client.db.ExecContext(ctx, sendQuery, channel, message, l.cfg.ChannelExpiry.Seconds()); err != nil {
		return fmt.Errorf("error sending to channel %s: %w", channel, connectionErr(err))
	}
	l.cfg.Metrics.IncChannelMessagesSent("send", 1)
	return nil
}

// GroupAdd adds channel to group, refreshing the membership's expiry if it
// exists. A non-positive ttl uses the configured group expiry.
func (l *ChannelLayer) GroupAdd(ctx context.Context, group, channel string, ttl time.Duration) error {
	if err := validateGroupName(group); err != nil {
		return err
	}
	if err := validateChannelName(channel); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = l.cfg.GroupExpiry
	}
	if _, err := l.client.db.ExecContext(ctx, groupAddQuery, group, channel, ttl.Seconds()); err != nil {
		return fmt.Errorf("error adding %s to group %s: %w", channel, group, connectionErr(err))
	}
	return nil
}

func (l *ChannelLayer) GroupDiscard(ctx context.Context, group, channel string) error {
	if err := validateGroupName(group); err != nil {
		return err
	}
	if err := validateChannelName(channel); err != nil {
		return err
	}
	if _, err := l.client.db.ExecContext(ctx,
		"DELETE FROM pgq_group_channel WHERE group_key = $1 AND channel = $2", group, channel); err != nil {
		return fmt.Errorf("error discarding %s from group %s: %w", channel, group, connectionErr(err))
	}
	return nil
}

// GroupSend stores one copy of message for every live member of group in a
// single statement.
func (l *ChannelLayer) GroupSend(ctx context.Context, group string, message []byte) error {
	if err := validateGroupName(group); err != nil {
		return err
	}
	if err := l.checkSize(message); err != nil {
		return err
	}
	if message == nil {
		message = []byte{}
	}
	res, err := l.client.db.ExecContext(ctx, groupSendQuery, group, message, l.cfg.ChannelExpiry.Seconds())
	if err != nil {
		return fmt.Errorf("error sending to group %s: %w", group, connectionErr(err))
	}
	n, _ := res.RowsAffected()
	log.Debug().Str("group", group).Int64("channels", n).Msg("sent group message")
	l.cfg.Metrics.IncChannelMessagesSent("group_send", n)
	return nil
}

// Flush drops every stored message and group membership and clears the
// local state of every session.
func (l *ChannelLayer) Flush(ctx context.Context) error {
	l.mu.Lock()
	sessions := make([]*ChannelSession, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()
	for _, s := range sessions {
		s.reset()
	}
	if _, err := l.client.db.ExecContext(ctx, "TRUNCATE pgq_group_channel, pgq_channel_message"); err != nil {
		return fmt.Errorf("error flushing channel layer: %w", connectionErr(err))
	}
	return nil
}

// Close stops every session. Messages buffered but not yet received are
// written back.
func (l *ChannelLayer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	sessions := l.sessions
	l.sessions = nil
	l.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.close())
	}
	return errors.Join(errs...)
}

func (l *ChannelLayer) checkSize(message []byte) error {
	if len(message) > l.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(message), l.cfg.MaxMessageSize)
	}
	return nil
}

func validateChannelName(name string) error {
	if len(name) == 0 || len(name) >= maxNameLength || !channelNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
	}
	return nil
}

func validateGroupName(name string) error {
	if len(name) == 0 || len(name) >= maxNameLength || !groupNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidGroupName, name)
	}
	return nil
}
