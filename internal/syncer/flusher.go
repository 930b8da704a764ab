package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Flusher drains the outbound sync queue to the server. Accepted
// batches are deleted; transient server failures are retried with
// exponential backoff; validation and conflict rejections are dropped
// because retrying them can never succeed.
type Flusher struct {
	store   store.Store
	client  *http.Client
	baseURL string
	apiKey  string

	// BatchSize is the number of items per POST.
	BatchSize int
	// Interval is the idle poll period between flush passes.
	Interval time.Duration
}

// NewFlusher creates a flusher targeting the server at baseURL,
// authenticating with the agent's API key.
func NewFlusher(st store.Store, baseURL, apiKey string) *Flusher {
	return &Flusher{
		store:     st,
		client:    &http.Client{Timeout: 30 * time.Second},
		baseURL:   baseURL,
		apiKey:    apiKey,
		BatchSize: 50,
		Interval:  5 * time.Second,
	}
}

// Flush pushes one batch and returns how many items were removed from
// the queue (accepted or dropped). A transient server failure returns
// an error after recording it on the batch.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	items, err := NewRecorder(f.store).Pending(ctx, f.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	req := PushRequest{Events: make([]PushEvent, len(items))}
	for i, it := range items {
		req.Events[i] = PushEvent{
			EventType: it.EventType,
			Payload:   it.Payload,
			CreatedAt: store.TimeMS(it.CreatedAt),
		}
	}

	status, err := f.post(ctx, "/api/v1/sync/events", req)
	switch {
	case err != nil:
		f.recordFailure(ctx, items, err.Error())
		return 0, fmt.Errorf("sync flush: %w: %v", model.ErrUnavailable, err)
	case status >= 200 && status < 300:
		if err := f.deleteItems(ctx, items); err != nil {
			return 0, err
		}
		log.Printf("[SyncFlusher] event=batch_flushed count=%d", len(items))
		return len(items), nil
	case status == http.StatusBadRequest || status == http.StatusConflict ||
		status == http.StatusUnprocessableEntity:
		// Permanent rejection; keeping these would wedge the queue.
		if err := f.deleteItems(ctx, items); err != nil {
			return 0, err
		}
		log.Printf("[SyncFlusher] event=batch_rejected status=%d count=%d", status, len(items))
		return len(items), nil
	default:
		msg := fmt.Sprintf("server returned %d", status)
		f.recordFailure(ctx, items, msg)
		return 0, fmt.Errorf("sync flush: %w: %s", model.ErrUnavailable, msg)
	}
}

func (f *Flusher) post(ctx context.Context, path string, body any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.apiKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (f *Flusher) deleteItems(ctx context.Context, items []model.SyncItem) error {
	maxID := items[len(items)-1].LocalID
	_, err := f.store.Exec(ctx, `DELETE FROM sync_queue WHERE local_id <= $1`, maxID)
	if err != nil {
		return fmt.Errorf("failed to delete flushed items: %w", err)
	}
	return nil
}

// recordFailure bumps attempts on the batch; the queue itself is the
// retry state.
func (f *Flusher) recordFailure(ctx context.Context, items []model.SyncItem, msg string) {
	maxID := items[len(items)-1].LocalID
	if _, err := f.store.Exec(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_error = $1 WHERE local_id <= $2`,
		msg, maxID); err != nil {
		log.Printf("[SyncFlusher] failed to record flush failure: %v", err)
	}
}

// Run flushes until the context ends, backing off exponentially on
// transient failures up to five minutes between attempts.
func (f *Flusher) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.Interval
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0

	for {
		wait := f.Interval
		if _, err := f.Flush(ctx); err != nil {
			wait = bo.NextBackOff()
			log.Printf("[SyncFlusher] event=flush_failed retry_in=%s error=%v", wait, err)
		} else {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
