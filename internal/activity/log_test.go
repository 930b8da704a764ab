package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/pkg/model"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewLog(st, nil)
}

func TestRecordAndRecent(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	agent := model.NewID()

	l.Record(ctx, agent, model.EventStreamCreated, "stream", "s1", map[string]string{"name": "feature"})
	l.Record(ctx, agent, model.EventStreamMerged, "stream", "s1", nil)

	events, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, model.EventStreamMerged, events[0].EventType)
	require.Equal(t, model.EventStreamCreated, events[1].EventType)
	require.JSONEq(t, `{"name":"feature"}`, string(events[1].Metadata))
}

func TestRecentLimit(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Record(ctx, "", model.EventStabilization, "repo", "r1", nil)
	}
	events, err := l.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestSubscribeFilters(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	merges := l.Subscribe(Filter{EventTypes: []string{model.EventStreamMerged}})
	everything := l.Subscribe(Filter{})
	defer l.Unsubscribe(merges)
	defer l.Unsubscribe(everything)

	l.Record(ctx, "", model.EventStreamCreated, "stream", "s1", nil)
	l.Record(ctx, "", model.EventStreamMerged, "stream", "s1", nil)

	require.Len(t, everything.C, 2)
	require.Len(t, merges.C, 1)
	e := <-merges.C
	require.Equal(t, model.EventStreamMerged, e.EventType)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	l := newTestLog(t)
	sub := l.Subscribe(Filter{})
	l.Unsubscribe(sub)
	_, open := <-sub.C
	require.False(t, open)

	// Double unsubscribe is harmless.
	l.Unsubscribe(sub)
}

func TestRecordSurvivesStoreFailure(t *testing.T) {
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	l := NewLog(st, nil)
	sub := l.Subscribe(Filter{})
	st.Close()

	// The insert fails but subscribers still hear the event.
	l.Record(context.Background(), "", model.EventPromotion, "repo", "r1", nil)
	require.Len(t, sub.C, 1)
}

func TestRedisFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	l := NewLog(st, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		received []model.ActivityEvent
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Listen(ctx, client, func(e model.ActivityEvent) {
			mu.Lock()
			received = append(received, e)
			mu.Unlock()
		})
	}()

	// Give the subscriber a moment to attach before publishing.
	require.Eventually(t, func() bool {
		l.Record(ctx, "", model.EventStreamMerged, "stream", "s1", nil)
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	require.Equal(t, model.EventStreamMerged, received[0].EventType)
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop on context cancel")
	}
}

func TestSystemEventsStoreNullAgent(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	l := NewLog(st, nil)

	l.Record(ctx, "", model.EventStabilization, "repository", "r1", nil)

	var nulls int
	err = st.QueryRow(ctx,
		`SELECT COUNT(*) FROM activity WHERE agent_id IS NULL`).Scan(&nulls)
	require.NoError(t, err)
	require.Equal(t, 1, nulls)

	events, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Empty(t, events[0].AgentID)
}
