package pgq

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	delayQueueSuffix      = ".DQ"
	deadLetterQueueSuffix = ".XQ"
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]{1,150}$`)

// Message is the envelope stored in pgq_task.message. QueueName is always the
// canonical queue; delay and dead-letter routing is carried by the row.
type Message struct {
	QueueName string            `json:"queue_name"`
	ActorName string            `json:"actor_name"`
	MessageID string            `json:"message_id"`
	Args      json.RawMessage   `json:"args,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	// Timestamp and ETA are unix milliseconds.
	Timestamp int64 `json:"message_timestamp"`
	ETA       int64 `json:"eta,omitempty"`
	Retries   int   `json:"retries,omitempty"`

	// Metadata is written to the row's metadata column, not the envelope.
	Metadata map[string]any `json:"-"`
}

// NewMessage builds a message with a fresh id, encoding args as JSON.
func NewMessage(queueName, actorName string, args any) (Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("error generating message id: %w", err)
	}
	m := Message{
		QueueName: queueName,
		ActorName: actorName,
		MessageID: id.String(),
		Timestamp: time.Now().UnixMilli(),
	}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Message{}, fmt.Errorf("error encoding args: %w", err)
		}
		m.Args = raw
	}
	return m, nil
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if m.MessageID == "" || m.QueueName == "" || m.ActorName == "" {
		return Message{}, fmt.Errorf("%w: missing message_id, queue_name or actor_name", ErrDecode)
	}
	return m, nil
}

// DecodeArgs unmarshals the message arguments into v.
func (m Message) DecodeArgs(v any) error {
	if len(m.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func DelayQueueName(queueName string) string {
	return CanonicalQueueName(queueName) + delayQueueSuffix
}

func DeadLetterQueueName(queueName string) string {
	return CanonicalQueueName(queueName) + deadLetterQueueSuffix
}

// CanonicalQueueName strips a delay or dead-letter suffix.
func CanonicalQueueName(queueName string) string {
	if strings.HasSuffix(queueName, delayQueueSuffix) {
		return strings.TrimSuffix(queueName, delayQueueSuffix)
	}
	return strings.TrimSuffix(queueName, deadLetterQueueSuffix)
}

func validateQueueName(queueName string) error {
	if !queueNamePattern.MatchString(queueName) ||
		strings.HasSuffix(queueName, delayQueueSuffix) ||
		strings.HasSuffix(queueName, deadLetterQueueSuffix) {
		return fmt.Errorf("%w: %q", ErrInvalidQueueName, queueName)
	}
	return nil
}
