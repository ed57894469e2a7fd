package pgq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattbonnell/pgq/internal"
	"github.com/mattbonnell/pgq/internal/pgnotify"
	"github.com/rs/zerolog/log"
)

const sessionOpTimeout = 5 * time.Second

const fetchOneQuery = `DELETE FROM pgq_channel_message
WHERE id = (
	SELECT id FROM pgq_channel_message
	WHERE channel = $1 AND expires >= now()
	ORDER BY id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING message`

const replayQuery = `DELETE FROM pgq_channel_message
WHERE id IN (
	SELECT id FROM pgq_channel_message
	WHERE channel = $1 AND expires >= now()
	ORDER BY id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING id, channel, message, expires`

const claimInlineQuery = `DELETE FROM pgq_channel_message WHERE id = $1 AND expires >= now() RETURNING expires`

const claimByIDQuery = `DELETE FROM pgq_channel_message WHERE id = $1 AND expires >= now() RETURNING message, expires`

// writeBackQuery keeps each message's original expiry.
const writeBackQuery = `INSERT INTO pgq_channel_message (channel, message, expires)
SELECT $1, m, to_timestamp(e) FROM unnest($2::bytea[], $3::float8[]) AS t(m, e)`

// inbox buffers messages taken from the table for one channel. Entries keep
// the expiry of the row they came from.
type inbox struct {
	messages  chan internal.ChannelMessage
	receivers int
}

// ChannelSession receives channel layer messages for one logical event loop.
// It owns a listener connection and a goroutine that moves notified
// messages into per-channel inboxes.
type ChannelSession struct {
	layer    *ChannelLayer
	db       *sqlx.DB
	name     string
	clientID string
	listener listener
	sub      *pgnotify.Subscription

	mu      sync.Mutex
	inboxes map[string]*inbox

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type channelNotification struct {
	ID      int64  `json:"id"`
	Channel string `json:"channel"`
	Message []byte `json:"message"`
}

func newChannelSession(l *ChannelLayer, name string) (*ChannelSession, error) {
	lst := l.client.newListener()
	sub, err := lst.Subscribe(channelLayerNotifyChannel)
	if err != nil {
		_ = lst.Close()
		return nil, fmt.Errorf("error subscribing session %s: %w", name, err)
	}
	s := &ChannelSession{
		layer:    l,
		db:       l.client.db,
		name:     name,
		clientID: strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		listener: lst,
		sub:      sub,
		inboxes:  make(map[string]*inbox),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	log.Debug().Str("session", name).Msg("channel session started")
	return s, nil
}

func (s *ChannelSession) Name() string { return s.name }

// NewChannel returns prefix.<client id>!<random> and subscribes to it.
func (s *ChannelSession) NewChannel(ctx context.Context, prefix string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	channel := prefix + "." + s.clientID + "!" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := validateChannelName(channel); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.inboxLocked(channel)
	s.mu.Unlock()
	return channel, nil
}

// Receive returns the next message for channel, waiting until one arrives or
// ctx is done. Cancellation unsubscribes the channel when no other receiver
// is waiting on it.
func (s *ChannelSession) Receive(ctx context.Context, channel string) ([]byte, error) {
	if err := validateChannelName(channel); err != nil {
		return nil, err
	}
	s.mu.Lock()
	ib := s.inboxLocked(channel)
	ib.receivers++
	s.mu.Unlock()

	msg, err := s.receive(ctx, channel, ib)

	s.mu.Lock()
	ib.receivers--
	var buffered []internal.ChannelMessage
	if err != nil && ib.receivers == 0 && s.inboxes[channel] == ib {
		delete(s.inboxes, channel)
		buffered = drainInbox(ib)
	}
	s.mu.Unlock()
	if len(buffered) > 0 {
		s.writeBack(channel, buffered)
	}
	if err == nil {
		s.layer.cfg.Metrics.IncChannelMessagesReceived(1)
	}
	return msg, err
}

func (s *ChannelSession) receive(ctx context.Context, channel string, ib *inbox) ([]byte, error) {
	for {
		if m, ok := takeUnexpired(ib); ok {
			return m, nil
		}
		var msg []byte
		err := s.db.GetContext(ctx, &msg, fetchOneQuery, channel)
		switch {
		case err == nil:
			return msg, nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("error receiving from channel %s: %w", channel, connectionErr(err))
		}
		poll := time.NewTimer(s.layer.cfg.ChannelPollInterval)
		select {
		case m := <-ib.messages:
			poll.Stop()
			if !expired(m, time.Now()) {
				return m.Message, nil
			}
		case <-poll.C:
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-s.done:
			poll.Stop()
			return nil, ErrClosed
		}
	}
}

// inboxLocked returns the inbox for channel, creating it. s.mu must be held.
func (s *ChannelSession) inboxLocked(channel string) *inbox {
	ib, ok := s.inboxes[channel]
	if !ok {
		ib = &inbox{messages: make(chan internal.ChannelMessage, s.layer.cfg.ChannelCapacity)}
		s.inboxes[channel] = ib
	}
	return ib
}

func (s *ChannelSession) run() {
	defer s.wg.Done()
	sweep := time.NewTicker(s.layer.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-s.done:
			return
		case n := <-s.sub.C():
			if n.Reconnected {
				log.Debug().Str("session", s.name).Msg("listener reconnected, replaying backlog")
				s.replay()
				continue
			}
			s.handle(n.Payload)
		case <-sweep.C:
			s.sweep()
		}
	}
}

// handle takes ownership of a notified message by deleting its row, then
// delivers it to the local inbox.
func (s *ChannelSession) handle(payload string) {
	var n channelNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		log.Warn().Err(err).Str("session", s.name).Msg("ignoring malformed channel notification")
		return
	}
	s.mu.Lock()
	ib, ok := s.inboxes[n.Channel]
	full := ok && len(ib.messages) >= cap(ib.messages)
	s.mu.Unlock()
	if !ok || full {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()
	msg := internal.ChannelMessage{ID: n.ID, Channel: n.Channel, Message: n.Message}
	var err error
	if n.Message != nil {
		err = s.db.GetContext(ctx, &msg.Expires, claimInlineQuery, n.ID)
	} else {
		err = s.db.GetContext(ctx, &msg, claimByIDQuery, n.ID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("channel", n.Channel).Int64("id", n.ID).Msg("error claiming channel message")
		return
	}
	s.deliver(n.Channel, msg)
}

// deliver hands msg to the channel's inbox, writing it back if the channel
// was unsubscribed or filled up meanwhile.
func (s *ChannelSession) deliver(channel string, msg internal.ChannelMessage) {
	s.mu.Lock()
	ib, ok := s.inboxes[channel]
	delivered := false
	if ok {
		select {
		case ib.messages <- msg:
			delivered = true
		default:
		}
	}
	s.mu.Unlock()
	if !delivered {
		s.writeBack(channel, []internal.ChannelMessage{msg})
	}
}

// replay pulls rows that arrived for subscribed channels while notifications
// could have been missed.
func (s *ChannelSession) replay() {
	s.mu.Lock()
	free := make(map[string]int, len(s.inboxes))
	for channel, ib := range s.inboxes {
		free[channel] = cap(ib.messages) - len(ib.messages)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()
	for channel, n := range free {
		if n <= 0 {
			continue
		}
		var rows []internal.ChannelMessage
		if err := s.db.SelectContext(ctx, &rows, replayQuery, channel, n); err != nil {
			log.Warn().Err(err).Str("session", s.name).Str("channel", channel).Msg("error replaying channel backlog")
			continue
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
		for _, r := range rows {
			s.deliver(r.Channel, r)
		}
	}
}

func (s *ChannelSession) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()
	msgs, err := s.db.ExecContext(ctx, "DELETE FROM pgq_channel_message WHERE expires < now()")
	if err != nil {
		log.Warn().Err(err).Msg("error sweeping expired channel messages")
		return
	}
	groups, err := s.db.ExecContext(ctx, "DELETE FROM pgq_group_channel WHERE expires < now()")
	if err != nil {
		log.Warn().Err(err).Msg("error sweeping expired group memberships")
		return
	}
	m, _ := msgs.RowsAffected()
	g, _ := groups.RowsAffected()
	if m > 0 || g > 0 {
		log.Debug().Int64("messages", m).Int64("memberships", g).Msg("swept expired channel layer rows")
	}
}

// writeBack stores unexpired messages again so another receiver can take
// them. Expired ones are dropped.
func (s *ChannelSession) writeBack(channel string, messages []internal.ChannelMessage) {
	bodies, expiries := unexpiredRows(messages, time.Now())
	if len(bodies) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, writeBackQuery, channel, pq.ByteaArray(bodies), pq.Float64Array(expiries)); err != nil {
		log.Error().Err(err).Str("channel", channel).Int("count", len(bodies)).Msg("error writing back undelivered channel messages")
	}
}

// unexpiredRows splits the messages still alive at now into bodies and
// expiries in epoch seconds.
func unexpiredRows(messages []internal.ChannelMessage, now time.Time) ([][]byte, []float64) {
	var bodies [][]byte
	var expiries []float64
	for _, m := range messages {
		if expired(m, now) {
			continue
		}
		bodies = append(bodies, m.Message)
		expiries = append(expiries, float64(m.Expires.UnixMicro())/1e6)
	}
	return bodies, expiries
}

// reset drops local subscriptions and buffered messages.
func (s *ChannelSession) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, ib := range s.inboxes {
		drainInbox(ib)
		if ib.receivers == 0 {
			delete(s.inboxes, channel)
		}
	}
}

func (s *ChannelSession) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.mu.Lock()
		pending := make(map[string][]internal.ChannelMessage)
		for channel, ib := range s.inboxes {
			if msgs := drainInbox(ib); len(msgs) > 0 {
				pending[channel] = msgs
			}
		}
		s.inboxes = make(map[string]*inbox)
		s.mu.Unlock()
		for channel, msgs := range pending {
			s.writeBack(channel, msgs)
		}
		err = errors.Join(s.sub.Close(), s.listener.Close())
		log.Debug().Str("session", s.name).Msg("channel session closed")
	})
	return err
}

func drainInbox(ib *inbox) []internal.ChannelMessage {
	var out []internal.ChannelMessage
	for {
		select {
		case m := <-ib.messages:
			out = append(out, m)
		default:
			return out
		}
	}
}

// takeUnexpired pops buffered messages until it finds one that has not
// expired.
func takeUnexpired(ib *inbox) ([]byte, bool) {
	for {
		select {
		case m := <-ib.messages:
			if !expired(m, time.Now()) {
				return m.Message, true
			}
		default:
			return nil, false
		}
	}
}

func expired(m internal.ChannelMessage, now time.Time) bool {
	return now.After(m.Expires)
}
