package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecordAndPendingFIFO(t *testing.T) {
	st := newTestStore(t)
	rec := NewRecorder(st)
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, model.SyncTaskClaim, map[string]string{"task_id": "t1"}))
	require.NoError(t, rec.Record(ctx, model.SyncReview, map[string]string{"stream_id": "s1"}))

	err := rec.Record(ctx, "", nil)
	require.Equal(t, model.CodeValidation, model.CodeOf(err))

	items, err := rec.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, model.SyncTaskClaim, items[0].EventType)
	require.Equal(t, model.SyncReview, items[1].EventType)
	require.Less(t, items[0].LocalID, items[1].LocalID)

	depth, err := rec.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, depth)
}

func TestFlushDeletesAcceptedBatch(t *testing.T) {
	st := newTestStore(t)
	rec := NewRecorder(st)
	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, model.SyncTaskClaim, map[string]string{"task_id": "t1"}))
	require.NoError(t, rec.Record(ctx, model.SyncStreamStatus, map[string]string{"stream_id": "s1"}))

	var (
		mu       sync.Mutex
		got      PushRequest
		authHdr  string
		requests int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		requests++
		authHdr = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(PushResponse{Accepted: len(got.Events)})
	}))
	defer srv.Close()

	f := NewFlusher(st, srv.URL, "gsw_testkey")
	n, err := f.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, "Bearer gsw_testkey", authHdr)
	require.Equal(t, 1, requests)
	require.Len(t, got.Events, 2)
	require.Equal(t, model.SyncTaskClaim, got.Events[0].EventType)

	depth, err := rec.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestFlushRetainsBatchOnServerError(t *testing.T) {
	st := newTestStore(t)
	rec := NewRecorder(st)
	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, model.SyncReview, map[string]string{"stream_id": "s1"}))

	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(PushResponse{Accepted: 1})
	}))
	defer srv.Close()

	f := NewFlusher(st, srv.URL, "gsw_testkey")
	_, err := f.Flush(ctx)
	require.ErrorIs(t, err, model.ErrUnavailable)

	items, err := rec.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].Attempts)
	require.NotEmpty(t, items[0].LastError)

	// Once the server recovers the retained entry flushes.
	healthy = true
	n, err := f.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	depth, err := rec.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestFlushDropsPermanentRejections(t *testing.T) {
	st := newTestStore(t)
	rec := NewRecorder(st)
	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, model.SyncConfigChange, map[string]string{"key": "bad"}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewFlusher(st, srv.URL, "gsw_testkey")
	n, err := f.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	depth, err := rec.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	st := newTestStore(t)
	f := NewFlusher(st, "http://127.0.0.1:1", "gsw_testkey") // unreachable, must not be dialed
	n, err := f.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// pullServer serves fixed per-category items above the requested
// cursor.
func pullServer(t *testing.T, items map[model.SyncCategory][]PullItem) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor, err := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
		require.NoError(t, err)

		cat := model.SyncCategory(path.Base(r.URL.Path))
		var page PullResponse
		page.NextCursor = cursor
		for _, it := range items[cat] {
			if it.Cursor > cursor {
				page.Items = append(page.Items, it)
				page.NextCursor = it.Cursor
			}
		}
		json.NewEncoder(w).Encode(page)
	}))
}

func TestPollerAppliesAndAdvancesCursor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := pullServer(t, map[model.SyncCategory][]PullItem{
		model.SyncCategoryTasks: {
			{Cursor: 1, EventType: "task_created", Payload: json.RawMessage(`{"id":"t1"}`)},
			{Cursor: 2, EventType: "task_created", Payload: json.RawMessage(`{"id":"t2"}`)},
		},
		model.SyncCategoryReviews: {
			{Cursor: 7, EventType: "review_submitted", Payload: json.RawMessage(`{"id":"r1"}`)},
		},
	})
	defer srv.Close()

	var (
		mu      sync.Mutex
		applied []string
	)
	p := NewPoller(st, srv.URL, "gsw_testkey", ApplierFunc(
		func(ctx context.Context, cat model.SyncCategory, item PullItem) error {
			mu.Lock()
			defer mu.Unlock()
			applied = append(applied, string(cat)+":"+item.EventType)
			return nil
		}))

	n, err := p.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []string{
		"tasks:task_created", "tasks:task_created", "reviews:review_submitted",
	}, applied)

	cur, err := p.Cursor(ctx, model.SyncCategoryTasks)
	require.NoError(t, err)
	require.EqualValues(t, 2, cur)
	cur, err = p.Cursor(ctx, model.SyncCategoryReviews)
	require.NoError(t, err)
	require.EqualValues(t, 7, cur)

	// A second pass is a no-op: everything is behind the cursors.
	n, err = p.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPollerStopsCursorBeforeFailingItem(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := pullServer(t, map[model.SyncCategory][]PullItem{
		model.SyncCategoryTasks: {
			{Cursor: 1, EventType: "ok", Payload: json.RawMessage(`{}`)},
			{Cursor: 2, EventType: "boom", Payload: json.RawMessage(`{}`)},
		},
	})
	defer srv.Close()

	fail := true
	var applied int
	p := NewPoller(st, srv.URL, "gsw_testkey", ApplierFunc(
		func(ctx context.Context, cat model.SyncCategory, item PullItem) error {
			if item.EventType == "boom" && fail {
				return errors.New("apply failed")
			}
			applied++
			return nil
		}))

	_, err := p.PollOnce(ctx)
	require.Error(t, err)
	cur, err := p.Cursor(ctx, model.SyncCategoryTasks)
	require.NoError(t, err)
	require.EqualValues(t, 1, cur)

	// The retry resumes at the failed item, not the whole page.
	fail = false
	n, err := p.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, applied)
}

func TestPollerUnreachableServer(t *testing.T) {
	st := newTestStore(t)
	p := NewPoller(st, "http://127.0.0.1:1", "gsw_testkey", ApplierFunc(
		func(context.Context, model.SyncCategory, PullItem) error { return nil }))
	_, err := p.PollOnce(context.Background())
	require.ErrorIs(t, err, model.ErrUnavailable)
}
