package internal

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Task is a row of pgq_task.
type Task struct {
	MessageID    string         `db:"message_id"`
	QueueName    string         `db:"queue_name"`
	ActorName    string         `db:"actor_name"`
	State        string         `db:"state"`
	Message      []byte         `db:"message"`
	Mtime        time.Time      `db:"mtime"`
	ETA          sql.NullTime   `db:"eta"`
	Result       []byte         `db:"result"`
	ResultExpiry sql.NullTime   `db:"result_expiry"`
	Metadata     types.JSONText `db:"metadata"`
}

type GroupChannel struct {
	ID       int64     `db:"id"`
	GroupKey string    `db:"group_key"`
	Channel  string    `db:"channel"`
	Expires  time.Time `db:"expires"`
}

type ChannelMessage struct {
	ID      int64     `db:"id"`
	Channel string    `db:"channel"`
	Message []byte    `db:"message"`
	Expires time.Time `db:"expires"`
}

// TaskColumns lists pgq_task columns in the order Task scans them.
const TaskColumns = "message_id, queue_name, actor_name, state, message, mtime, eta, result, result_expiry, metadata"
