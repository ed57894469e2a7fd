package pgnotify

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 256

// Notification is a single NOTIFY received from the server.
type Notification struct {
	Channel string
	Payload string
	// Reconnected marks the synthetic notification sent to every subscriber
	// after the underlying connection was re-established. Anything published
	// while disconnected was lost, so subscribers should rescan.
	Reconnected bool
}

// Subscription receives notifications for a single channel.
type Subscription struct {
	hub     *Hub
	channel string
	c       chan Notification
	once    sync.Once
}

func (s *Subscription) C() <-chan Notification { return s.c }

func (s *Subscription) Channel() string { return s.channel }

// Close detaches the subscription. The server-side LISTEN is dropped once
// the last subscriber for the channel is closed.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.hub.unsubscribe(s) })
	return err
}

// Hub fans notifications out to subscriptions keyed by channel name. It is
// safe for concurrent use.
type Hub struct {
	mu         sync.Mutex
	subs       map[string]map[*Subscription]struct{}
	listen     func(channel string) error
	unlisten   func(channel string) error
	bufferSize int
}

// NewHub returns a hub that calls listen when a channel gets its first
// subscriber and unlisten when it loses its last one. Either may be nil.
func NewHub(listen, unlisten func(channel string) error) *Hub {
	return &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		listen:     listen,
		unlisten:   unlisten,
		bufferSize: defaultBufferSize,
	}
}

func (h *Hub) Subscribe(channel string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channel]
	if !ok {
		if h.listen != nil {
			if err := h.listen(channel); err != nil {
				return nil, err
			}
		}
		set = make(map[*Subscription]struct{})
		h.subs[channel] = set
	}
	s := &Subscription{hub: h, channel: channel, c: make(chan Notification, h.bufferSize)}
	set[s] = struct{}{}
	return s, nil
}

func (h *Hub) unsubscribe(s *Subscription) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.channel]
	if !ok {
		return nil
	}
	delete(set, s)
	if len(set) > 0 {
		return nil
	}
	delete(h.subs, s.channel)
	if h.unlisten != nil {
		return h.unlisten(s.channel)
	}
	return nil
}

// Dispatch delivers n to every subscriber of n.Channel without blocking and
// returns how many subscribers received it. A subscriber whose buffer is full
// misses the notification and is expected to catch up by polling.
func (h *Hub) Dispatch(n Notification) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for s := range h.subs[n.Channel] {
		select {
		case s.c <- n:
			delivered++
		default:
			log.Debug().Str("channel", n.Channel).Msg("subscriber buffer full, dropping notification")
		}
	}
	return delivered
}

// Broadcast sends a Reconnected notification to every subscriber.
func (h *Hub) Broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel, set := range h.subs {
		for s := range set {
			select {
			case s.c <- Notification{Channel: channel, Reconnected: true}:
			default:
			}
		}
	}
}

// Channels lists the channels with at least one subscriber.
func (h *Hub) Channels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.subs))
	for channel := range h.subs {
		out = append(out, channel)
	}
	return out
}
