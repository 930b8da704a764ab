package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// categoryFor maps outbound client event types onto the inbound cursor
// category they are served under. Unknown types land in config_changes
// so nothing pushed is ever dropped from the feed.
func categoryFor(eventType string) model.SyncCategory {
	switch eventType {
	case model.SyncTaskClaim, model.SyncTaskSubmission:
		return model.SyncCategoryTasks
	case model.SyncReview:
		return model.SyncCategoryReviews
	case model.SyncMergeRequest, model.SyncStreamStatus:
		return model.SyncCategoryMerges
	case "proposal", "proposal_vote":
		return model.SyncCategoryProposals
	case "access_change":
		return model.SyncCategoryAccessChanges
	default:
		return model.SyncCategoryConfigChanges
	}
}

// Feed is the server side of the sync protocol: pushed client events
// are appended under their category and served back to pollers by
// monotonically increasing sequence number.
type Feed struct {
	store store.Store
}

// NewFeed creates a feed over the server's store.
func NewFeed(st store.Store) *Feed {
	return &Feed{store: st}
}

// Ingest validates and appends a batch of pushed events. The whole
// batch is rejected on the first invalid event so clients can drop it
// as permanently failed.
func (f *Feed) Ingest(ctx context.Context, events []PushEvent) (int, error) {
	for i, ev := range events {
		if ev.EventType == "" {
			return 0, model.Validation("events", fmt.Sprintf("event %d has no event_type", i))
		}
		if len(ev.Payload) > 0 && !json.Valid(ev.Payload) {
			return 0, model.Validation("events", fmt.Sprintf("event %d payload is not valid JSON", i))
		}
	}

	now := store.TimeMS(time.Now())
	err := f.store.Transaction(ctx, func(tx store.Querier) error {
		for _, ev := range events {
			payload := ev.Payload
			if len(payload) == 0 {
				payload = json.RawMessage(`{}`)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO sync_feed (category, event_type, payload, created_at)
				 VALUES ($1, $2, $3, $4)`,
				string(categoryFor(ev.EventType)), ev.EventType, string(payload), now); err != nil {
				return fmt.Errorf("failed to append sync feed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// Since returns up to limit feed entries for the category past the
// cursor, oldest first, plus the cursor a client should resume from.
func (f *Feed) Since(ctx context.Context, category model.SyncCategory, cursor int64, limit int) (*PullResponse, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := f.store.Query(ctx,
		`SELECT seq, event_type, payload FROM sync_feed
		 WHERE category = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		string(category), cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync feed: %w", err)
	}
	defer rows.Close()

	page := &PullResponse{NextCursor: cursor}
	for rows.Next() {
		var (
			item    PullItem
			payload string
		)
		if err := rows.Scan(&item.Cursor, &item.EventType, &payload); err != nil {
			return nil, err
		}
		item.Payload = json.RawMessage(payload)
		page.Items = append(page.Items, item)
		page.NextCursor = item.Cursor
	}
	return page, rows.Err()
}
