package pgq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// scheduleNamespace seeds deterministic message ids for scheduled runs.
var scheduleNamespace = uuid.MustParse("5b8a3e4c-2f0d-4b6e-9a51-7c3d1e8f2a90")

// Schedule enqueues a message for ActorName on QueueName each time Spec fires.
// Spec is a standard five-field cron expression or a descriptor such as
// "@hourly".
type Schedule struct {
	Name      string
	Spec      string
	QueueName string
	ActorName string
	Args      any
}

type scheduleEntry struct {
	Schedule
	schedule cron.Schedule
	args     json.RawMessage
	next     time.Time
}

// Scheduler turns cron schedules into enqueued messages. Runs of a schedule
// get ids derived from its name and due time, so several schedulers ticking
// the same schedules enqueue each run once.
type Scheduler struct {
	broker *Broker

	mu      sync.Mutex
	entries []*scheduleEntry
}

func NewScheduler(b *Broker, schedules ...Schedule) (*Scheduler, error) {
	s := &Scheduler{broker: b}
	now := time.Now()
	seen := make(map[string]struct{}, len(schedules))
	for _, sc := range schedules {
		if sc.Name == "" {
			return nil, fmt.Errorf("schedule for actor %s has no name", sc.ActorName)
		}
		if _, ok := seen[sc.Name]; ok {
			return nil, fmt.Errorf("duplicate schedule %s", sc.Name)
		}
		seen[sc.Name] = struct{}{}
		if err := b.DeclareQueue(sc.QueueName); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
		parsed, err := cron.ParseStandard(sc.Spec)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: invalid spec %q: %w", sc.Name, sc.Spec, err)
		}
		var args json.RawMessage
		if sc.Args != nil {
			if args, err = json.Marshal(sc.Args); err != nil {
				return nil, fmt.Errorf("schedule %s: error encoding args: %w", sc.Name, err)
			}
		}
		s.entries = append(s.entries, &scheduleEntry{
			Schedule: sc,
			schedule: parsed,
			args:     args,
			next:     parsed.Next(now),
		})
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].Name < s.entries[j].Name })
	return s, nil
}

// Due reports whether any schedule is due at now.
func (s *Scheduler) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !e.next.After(now) {
			return true
		}
	}
	return false
}

// Next returns the earliest upcoming run, or the zero time without schedules.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, e := range s.entries {
		if next.IsZero() || e.next.Before(next) {
			next = e.next
		}
	}
	return next
}

// Tick enqueues every schedule due at now and returns how many messages were
// newly stored. Missed runs collapse into a single run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enqueued := 0
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		due := e.next
		msg := Message{
			QueueName: e.QueueName,
			ActorName: e.ActorName,
			MessageID: scheduledMessageID(e.Name, due),
			Args:      e.args,
			Headers:   map[string]string{"schedule": e.Name},
			Timestamp: now.UnixMilli(),
		}
		task, err := s.broker.enqueueOnce(ctx, msg, 0)
		if err != nil {
			return enqueued, fmt.Errorf("error enqueueing schedule %s: %w", e.Name, err)
		}
		if task != nil {
			enqueued++
			log.Debug().Str("schedule", e.Name).Str("message_id", msg.MessageID).Time("due", due).Msg("enqueued scheduled message")
		}
		e.next = e.schedule.Next(now)
	}
	return enqueued, nil
}

func scheduledMessageID(name string, due time.Time) string {
	return uuid.NewSHA1(scheduleNamespace, []byte(name+"@"+strconv.FormatInt(due.Unix(), 10))).String()
}
