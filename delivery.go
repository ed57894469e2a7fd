package pgq

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx/types"
)

// Delivery is a message claimed by a Consumer. It stays claimed until it is
// acked, nacked or requeued.
type Delivery struct {
	Message Message

	consumer  *Consumer
	id        string
	lockKey   int64
	holdsSlot bool

	mu       sync.Mutex
	state    State
	finished bool
	result   []byte
	metadata map[string]any
}

func newDelivery(c *Consumer, id string, lockKey int64, metadata types.JSONText) *Delivery {
	d := &Delivery{
		consumer: c,
		id:       id,
		lockKey:  lockKey,
		state:    StateConsumed,
		metadata: make(map[string]any),
	}
	if len(metadata) > 0 {
		_ = metadata.Unmarshal(&d.metadata)
	}
	return d
}

func (d *Delivery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Delivery) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// SetResult stores v, JSON encoded, as the task result written on ack.
func (d *Delivery) SetResult(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}
	d.mu.Lock()
	d.result = raw
	d.mu.Unlock()
	return nil
}

func (d *Delivery) Result() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

// SetMetadata sets a key in the task's metadata column. Changes are written
// on ack and carried over on retry.
func (d *Delivery) SetMetadata(key string, value any) {
	d.mu.Lock()
	d.metadata[key] = value
	d.mu.Unlock()
}

func (d *Delivery) Metadata() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.metadata))
	for k, v := range d.metadata {
		out[k] = v
	}
	return out
}

func (d *Delivery) encodedMetadata() types.JSONText {
	raw, err := json.Marshal(d.Metadata())
	if err != nil {
		return types.JSONText("{}")
	}
	return raw
}
