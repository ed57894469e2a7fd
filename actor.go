package pgq

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultQueueName  = "default"
	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Hour
)

type actorOptions struct {
	queueName  string
	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration
}

type ActorOption func(*actorOptions)

// OnQueue sets the queue an actor consumes from.
func OnQueue(queueName string) ActorOption {
	return func(o *actorOptions) { o.queueName = queueName }
}

// WithMaxRetries sets how many times a failing message is retried before it
// is rejected.
func WithMaxRetries(n int) ActorOption {
	return func(o *actorOptions) { o.maxRetries = n }
}

// WithBackoff bounds the exponential delay between retries.
func WithBackoff(min, max time.Duration) ActorOption {
	return func(o *actorOptions) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}

// retryDelay returns the jittered delay before the given retry attempt,
// counting from 1.
func (o actorOptions) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.minBackoff
	b.MaxInterval = o.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

type actor struct {
	name string
	opts actorOptions
	call func(ctx context.Context, args json.RawMessage) error
}

// invoke runs the handler, turning a panic into an error.
func (a *actor) invoke(ctx context.Context, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v\n%s", a.name, r, debug.Stack())
		}
	}()
	return a.call(ctx, args)
}

type actorRegistry struct {
	mu     sync.RWMutex
	actors map[string]*actor
}

func newActorRegistry() *actorRegistry {
	return &actorRegistry{actors: make(map[string]*actor)}
}

func (r *actorRegistry) register(a *actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actors[a.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateActor, a.name)
	}
	r.actors[a.name] = a
	return nil
}

func (r *actorRegistry) get(name string) (*actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[name]
	return a, ok
}

func (r *actorRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actors))
	for name := range r.actors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *actorRegistry) queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{})
	for _, a := range r.actors {
		set[a.opts.queueName] = struct{}{}
	}
	return sortedKeys(set)
}

// RegisterActor registers fn under name. Message arguments are decoded from
// JSON into T; a message whose arguments do not decode is rejected without
// retries.
func RegisterActor[T any](w *Worker, name string, fn func(ctx context.Context, args T) error, opts ...ActorOption) error {
	if name == "" {
		return fmt.Errorf("actor name must not be empty")
	}
	o := actorOptions{
		queueName:  defaultQueueName,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 0 {
		return fmt.Errorf("actor %s: max retries must not be negative", name)
	}
	if o.minBackoff <= 0 || o.maxBackoff < o.minBackoff {
		return fmt.Errorf("actor %s: invalid backoff bounds %s..%s", name, o.minBackoff, o.maxBackoff)
	}
	if err := w.broker.DeclareQueue(o.queueName); err != nil {
		return fmt.Errorf("actor %s: %w", name, err)
	}
	return w.actors.register(&actor{
		name: name,
		opts: o,
		call: func(ctx context.Context, raw json.RawMessage) error {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return fmt.Errorf("%w: %v", ErrDecode, err)
				}
			}
			return fn(ctx, args)
		},
	})
}
