// Package syncer replicates governance events between a client
// deployment and the authoritative server. Outbound: state-changing
// commands record typed events in a local FIFO queue that a background
// flusher POSTs in batches. Inbound: a poller walks per-category
// cursors and applies deltas idempotently.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// PushEvent is one outbound event on the wire.
type PushEvent struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"` // unix ms
}

// PushRequest is a flush batch.
type PushRequest struct {
	Events []PushEvent `json:"events"`
}

// PushResponse acknowledges a flush batch.
type PushResponse struct {
	Accepted int `json:"accepted"`
}

// PullItem is one inbound delta. Cursor values increase strictly
// within a category.
type PullItem struct {
	Cursor    int64           `json:"cursor"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// PullResponse is one page of inbound deltas for a category.
type PullResponse struct {
	Items      []PullItem `json:"items"`
	NextCursor int64      `json:"next_cursor"`
}

// Recorder appends outbound events to the local sync queue.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a recorder over the local store.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// Record enqueues one typed event. The payload is marshalled to JSON.
func (r *Recorder) Record(ctx context.Context, eventType string, payload any) error {
	if eventType == "" {
		return model.Validation("event_type", "cannot be empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal sync payload: %w", err)
	}
	_, err = r.store.Exec(ctx,
		`INSERT INTO sync_queue (event_type, payload, attempts, last_error, created_at)
		 VALUES ($1, $2, 0, '', $3)`,
		eventType, string(data), store.TimeMS(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue sync event: %w", err)
	}
	return nil
}

// Pending returns up to limit queued items in FIFO order.
func (r *Recorder) Pending(ctx context.Context, limit int) ([]model.SyncItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.store.Query(ctx,
		`SELECT local_id, event_type, payload, attempts, last_error, created_at
		 FROM sync_queue ORDER BY local_id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}
	defer rows.Close()

	var items []model.SyncItem
	for rows.Next() {
		var (
			it        model.SyncItem
			payload   string
			createdMS int64
		)
		if err := rows.Scan(&it.LocalID, &it.EventType, &payload, &it.Attempts, &it.LastError, &createdMS); err != nil {
			return nil, err
		}
		it.Payload = json.RawMessage(payload)
		it.CreatedAt = store.MSTime(createdMS)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Depth returns the number of queued items.
func (r *Recorder) Depth(ctx context.Context) (int, error) {
	var n int
	if err := r.store.QueryRow(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}
