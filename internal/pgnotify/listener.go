package pgnotify

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	defaultMinReconnect = 100 * time.Millisecond
	defaultMaxReconnect = 10 * time.Second
	pingInterval        = 90 * time.Second
)

// Listener owns one dedicated server connection issuing LISTEN for every
// channel that has a subscriber, and routes what it receives through a Hub.
type Listener struct {
	*Hub
	pq        *pq.Listener
	connected atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewListener opens a listener connection using dsn. Reconnection is handled
// by lib/pq with the given bounds; zero values pick defaults.
func NewListener(dsn string, minReconnect, maxReconnect time.Duration) *Listener {
	if minReconnect <= 0 {
		minReconnect = defaultMinReconnect
	}
	if maxReconnect <= 0 {
		maxReconnect = defaultMaxReconnect
	}
	l := &Listener{done: make(chan struct{})}
	l.pq = pq.NewListener(dsn, minReconnect, maxReconnect, l.handleEvent)
	l.Hub = NewHub(l.listen, l.unlisten)
	l.wg.Add(1)
	go l.run()
	return l
}

// Connected reports whether the listener connection is currently up.
func (l *Listener) Connected() bool { return l.connected.Load() }

func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.pq.Close()
		l.wg.Wait()
	})
	return err
}

func (l *Listener) listen(channel string) error {
	if err := l.pq.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		return err
	}
	return nil
}

func (l *Listener) unlisten(channel string) error {
	if err := l.pq.Unlisten(channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		return err
	}
	return nil
}

func (l *Listener) handleEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.connected.Store(true)
		log.Debug().Msg("notification listener connected")
	case pq.ListenerEventDisconnected:
		l.connected.Store(false)
		log.Warn().Err(err).Msg("notification listener disconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.connected.Store(false)
		log.Warn().Err(err).Msg("notification listener connection attempt failed")
	}
}

func (l *Listener) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.pq.Notify:
			if !ok {
				return
			}
			if n == nil {
				// lib/pq sends nil after a reconnect
				l.Broadcast()
				continue
			}
			l.Dispatch(Notification{Channel: n.Channel, Payload: n.Extra})
		case <-ticker.C:
			go func() {
				if err := l.pq.Ping(); err != nil {
					log.Debug().Err(err).Msg("notification listener ping failed")
				}
			}()
		}
	}
}
