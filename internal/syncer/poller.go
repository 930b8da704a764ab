package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Applier consumes inbound deltas. Implementations must be idempotent:
// the poller delivers at least once and replays after crashes.
type Applier interface {
	Apply(ctx context.Context, category model.SyncCategory, item PullItem) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, category model.SyncCategory, item PullItem) error

func (f ApplierFunc) Apply(ctx context.Context, category model.SyncCategory, item PullItem) error {
	return f(ctx, category, item)
}

// Poller pulls per-category deltas from the server and applies them
// locally, advancing a persisted cursor per category.
type Poller struct {
	store   store.Store
	client  *http.Client
	baseURL string
	apiKey  string
	applier Applier

	// Interval is the period between poll passes.
	Interval time.Duration
}

// NewPoller creates a poller delivering deltas to the applier.
func NewPoller(st store.Store, baseURL, apiKey string, applier Applier) *Poller {
	return &Poller{
		store:    st,
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  baseURL,
		apiKey:   apiKey,
		applier:  applier,
		Interval: 10 * time.Second,
	}
}

// PollOnce walks every category in order and returns the number of
// items applied.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	applied := 0
	for _, cat := range model.SyncCategories {
		n, err := p.pollCategory(ctx, cat)
		applied += n
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (p *Poller) pollCategory(ctx context.Context, cat model.SyncCategory) (int, error) {
	cursor, err := p.Cursor(ctx, cat)
	if err != nil {
		return 0, err
	}

	page, err := p.fetch(ctx, cat, cursor)
	if err != nil {
		return 0, fmt.Errorf("sync poll %s: %w: %v", cat, model.ErrUnavailable, err)
	}

	applied := 0
	for _, item := range page.Items {
		if err := p.applier.Apply(ctx, cat, item); err != nil {
			// Stop at the failing item; the cursor stays behind it so
			// the next pass retries from here.
			return applied, err
		}
		if err := p.setCursor(ctx, cat, item.Cursor); err != nil {
			return applied, err
		}
		applied++
	}
	if page.NextCursor > cursor && applied == len(page.Items) {
		if err := p.setCursor(ctx, cat, page.NextCursor); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (p *Poller) fetch(ctx context.Context, cat model.SyncCategory, cursor int64) (*PullResponse, error) {
	u := fmt.Sprintf("%s/api/v1/sync/%s?cursor=%d", p.baseURL, url.PathEscape(string(cat)), cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var page PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return &page, nil
}

// Cursor returns the persisted cursor for a category, zero when the
// category has never been polled.
func (p *Poller) Cursor(ctx context.Context, cat model.SyncCategory) (int64, error) {
	var cursor int64
	err := p.store.QueryRow(ctx,
		`SELECT cursor FROM sync_cursors WHERE category = $1`, string(cat)).Scan(&cursor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	return cursor, nil
}

func (p *Poller) setCursor(ctx context.Context, cat model.SyncCategory, cursor int64) error {
	now := store.TimeMS(time.Now())
	_, err := p.store.Exec(ctx,
		`INSERT INTO sync_cursors (category, cursor, updated_at) VALUES ($1, $2, $3)`,
		string(cat), cursor, now)
	if err == nil {
		return nil
	}
	if !store.IsUniqueViolation(err) {
		return fmt.Errorf("failed to store sync cursor: %w", err)
	}
	_, err = p.store.Exec(ctx,
		`UPDATE sync_cursors SET cursor = $1, updated_at = $2 WHERE category = $3`,
		cursor, now, string(cat))
	if err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}
	return nil
}

// Run polls until the context ends.
func (p *Poller) Run(ctx context.Context) {
	for {
		if n, err := p.PollOnce(ctx); err != nil {
			log.Printf("[SyncPoller] event=poll_failed error=%v", err)
		} else if n > 0 {
			log.Printf("[SyncPoller] event=applied count=%d", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}
