// Package activity implements the append-only event log. Writes never
// fail the operation that caused them: a store error is logged and the
// event is still fanned out to in-process subscribers and, when
// configured, a redis channel for cross-process consumers.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Channel is the redis pub/sub channel carrying activity events.
const Channel = "gitswarm:activity"

// subscriberBuffer is the per-subscriber channel depth; slow consumers
// drop events rather than block the writer.
const subscriberBuffer = 64

// Filter selects the events a subscriber receives. Zero fields match
// everything.
type Filter struct {
	EventTypes []string
	AgentID    string
	TargetType string
}

func (f Filter) matches(e model.ActivityEvent) bool {
	if f.AgentID != "" && f.AgentID != e.AgentID {
		return false
	}
	if f.TargetType != "" && f.TargetType != e.TargetType {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// Subscription is one in-process consumer. Events arrive on C; drop
// counting is the consumer's problem.
type Subscription struct {
	C      chan model.ActivityEvent
	filter Filter
	id     int
}

// Log is the activity writer and fan-out hub.
type Log struct {
	store store.Store
	redis *redis.Client // nil in embedded deployments

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

// NewLog creates an activity log. A nil redis client disables the
// cross-process channel.
func NewLog(st store.Store, rdb *redis.Client) *Log {
	return &Log{store: st, redis: rdb, subs: make(map[int]*Subscription)}
}

// Record appends an event. Failures are logged and swallowed so the
// causing operation never aborts on activity bookkeeping.
func (l *Log) Record(ctx context.Context, agentID, eventType, targetType, targetID string, metadata any) {
	event := model.ActivityEvent{
		ID:         model.NewID(),
		AgentID:    agentID,
		EventType:  eventType,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  time.Now().UTC(),
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			log.Printf("[Activity] failed to encode metadata for %s: %v", eventType, err)
		} else {
			event.Metadata = raw
		}
	}

	meta := "{}"
	if event.Metadata != nil {
		meta = string(event.Metadata)
	}
	// System events carry no agent; store NULL, not the empty string.
	actor := sql.NullString{String: event.AgentID, Valid: event.AgentID != ""}
	_, err := l.store.Exec(ctx,
		`INSERT INTO activity (id, agent_id, event_type, target_type, target_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, actor, event.EventType, event.TargetType, event.TargetID,
		meta, store.TimeMS(event.CreatedAt))
	if err != nil {
		log.Printf("[Activity] failed to persist %s event: %v", eventType, err)
	}

	l.dispatch(event)
	l.publish(ctx, event)
}

// Subscribe registers an in-process consumer for events matching the
// filter.
func (l *Log) Subscribe(f Filter) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	sub := &Subscription{
		C:      make(chan model.ActivityEvent, subscriberBuffer),
		filter: f,
		id:     l.nextID,
	}
	l.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (l *Log) Unsubscribe(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[sub.id]; ok {
		delete(l.subs, sub.id)
		close(sub.C)
	}
}

func (l *Log) dispatch(e model.ActivityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.C <- e:
		default: // slow consumer, drop
		}
	}
}

func (l *Log) publish(ctx context.Context, e model.ActivityEvent) {
	if l.redis == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("[Activity] failed to encode event %s: %v", e.ID, err)
		return
	}
	if err := l.redis.Publish(ctx, Channel, payload).Err(); err != nil {
		log.Printf("[Activity] failed to publish event %s: %v", e.ID, err)
	}
}

// Recent returns the newest events, most recent first.
func (l *Log) Recent(ctx context.Context, limit int) ([]model.ActivityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.store.Query(ctx,
		`SELECT id, agent_id, event_type, target_type, target_id, metadata, created_at
		 FROM activity ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var events []model.ActivityEvent
	for rows.Next() {
		var (
			e         model.ActivityEvent
			actor     sql.NullString
			meta      string
			createdMS int64
		)
		if err := rows.Scan(&e.ID, &actor, &e.EventType, &e.TargetType,
			&e.TargetID, &meta, &createdMS); err != nil {
			return nil, err
		}
		e.AgentID = actor.String
		e.Metadata = json.RawMessage(meta)
		e.CreatedAt = store.MSTime(createdMS)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Listen consumes the redis activity channel until the context ends,
// invoking the handler for every decoded event. It runs the receive
// loop in the calling goroutine.
func Listen(ctx context.Context, rdb *redis.Client, handler func(model.ActivityEvent)) error {
	pubsub := rdb.Subscribe(ctx, Channel)
	defer pubsub.Close()

	// Confirm the subscription before consuming.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e model.ActivityEvent
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Printf("[Activity] failed to decode published event: %v", err)
				continue
			}
			handler(e)
		}
	}
}
