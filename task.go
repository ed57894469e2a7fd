package pgq

import (
	"time"

	"github.com/mattbonnell/pgq/internal"
)

type State string

const (
	StateQueued   State = "queued"
	StateConsumed State = "consumed"
	StateDone     State = "done"
	StateRejected State = "rejected"
)

var validTransitions = map[State][]State{
	StateQueued:   {StateConsumed},
	StateConsumed: {StateDone, StateRejected, StateQueued},
	StateRejected: {StateQueued},
}

// IsValidTransition reports whether a message may move from one state to
// another through normal processing. Nack bypasses this check.
func IsValidTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is the stored form of a message.
type Task struct {
	MessageID    string
	QueueName    string
	ActorName    string
	State        State
	Message      []byte
	Mtime        time.Time
	ETA          *time.Time
	Result       []byte
	ResultExpiry *time.Time
	Metadata     []byte
}

func taskFromRow(row internal.Task) *Task {
	t := &Task{
		MessageID: row.MessageID,
		QueueName: row.QueueName,
		ActorName: row.ActorName,
		State:     State(row.State),
		Message:   row.Message,
		Mtime:     row.Mtime,
		Result:    row.Result,
		Metadata:  row.Metadata,
	}
	if row.ETA.Valid {
		eta := row.ETA.Time
		t.ETA = &eta
	}
	if row.ResultExpiry.Valid {
		exp := row.ResultExpiry.Time
		t.ResultExpiry = &exp
	}
	return t
}

// Decode returns the envelope stored with the task.
func (t *Task) Decode() (Message, error) {
	return DecodeMessage(t.Message)
}
