package journal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbrestreamer/gateway/backend/service/registration"
	"gbrestreamer/gateway/backend/service/session"
	"gbrestreamer/gateway/backend/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestJournal_PersistsAndPublishes(t *testing.T) {
	j := New(openStore(t), Options{Keep: 2})
	feed, cancel := j.Subscribe(8)
	defer cancel()

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	j.RecordRegistration("34020000001320000001", registration.Transition{
		From: registration.StateRegistering, To: registration.StateRegistered, At: at, Reason: "200 OK",
	})
	j.RecordSession(session.Event{
		SessionID: "call-1", ChannelID: "34020000001310000001",
		From: session.StateConnecting, To: session.StateStreaming, Attempt: 1, At: at.Add(time.Second),
	})

	first := <-feed
	assert.Equal(t, KindRegistration, first.Kind)
	assert.Equal(t, "Registered", first.To)
	assert.NotEmpty(t, first.EventID)
	assert.NotZero(t, first.ID)
	second := <-feed
	assert.Equal(t, "call-1", second.Subject)
	assert.Equal(t, 1, second.Attempt)

	page, err := j.List(context.Background(), store.PageRequest{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "session", page.Data[0].Kind)
	assert.True(t, page.Data[1].OccurredAt.Equal(at))

	regs, err := j.List(context.Background(), store.PageRequest{Page: 1, Limit: 10, Kind: KindRegistration})
	require.NoError(t, err)
	assert.EqualValues(t, 1, regs.DataCount)

	j.RecordSession(session.Event{SessionID: "call-2", To: session.StateStopped})
	<-feed
	removed, err := j.Prune(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestJournal_SlowSubscriberDoesNotBlock(t *testing.T) {
	j := New(nil, Options{})
	feed, cancel := j.Subscribe(1)
	for i := 0; i < 5; i++ {
		j.RecordSession(session.Event{SessionID: "s", To: session.StateDegraded})
	}
	assert.Len(t, feed, 1)
	assert.Equal(t, 1, j.Subscribers())
	cancel()
	cancel()
	assert.Zero(t, j.Subscribers())
}

func TestJournal_ServeWSStreamsEvents(t *testing.T) {
	j := New(nil, Options{})
	srv := httptest.NewServer(http.HandlerFunc(j.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return j.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	j.RecordSession(session.Event{SessionID: "call-9", To: session.StateFailed, Reason: "retries exhausted"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got store.LifecycleEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "call-9", got.Subject)
	assert.Equal(t, "Failed", got.To)
	assert.Equal(t, "retries exhausted", got.Reason)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return j.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestJournal_StartStopIdempotent(t *testing.T) {
	j := New(openStore(t), Options{PruneInterval: time.Millisecond})
	j.Start()
	j.Start()
	time.Sleep(5 * time.Millisecond)
	j.Stop()
	j.Stop()
}

// gatedRepo holds every insert until release is closed.
type gatedRepo struct {
	release  chan struct{}
	mu       sync.Mutex
	inserted []string
}

func (r *gatedRepo) InsertLifecycleEvent(_ context.Context, ev store.LifecycleEvent) (int64, error) {
	<-r.release
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserted = append(r.inserted, ev.Subject)
	return int64(len(r.inserted)), nil
}

func (r *gatedRepo) ListLifecycleEvents(context.Context, store.PageRequest) (store.QueryPageModel[store.LifecycleEvent], error) {
	return store.QueryPageModel[store.LifecycleEvent]{}, nil
}

func (r *gatedRepo) PruneLifecycleEvents(context.Context, int) (int64, error) { return 0, nil }

func TestJournal_RecordDoesNotWaitForDatabase(t *testing.T) {
	repo := &gatedRepo{release: make(chan struct{})}
	j := New(repo, Options{})
	feed, cancel := j.Subscribe(8)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range []string{"a", "b", "c"} {
			j.RecordSession(session.Event{SessionID: id, To: session.StateStreaming})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("record blocked on a slow insert")
	}

	ctx, cancelFlush := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelFlush()
	assert.ErrorIs(t, j.Flush(ctx), context.DeadlineExceeded)

	close(repo.release)
	require.NoError(t, j.Flush(context.Background()))
	repo.mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, repo.inserted)
	repo.mu.Unlock()

	for i, want := range []string{"a", "b", "c"} {
		ev := <-feed
		assert.Equal(t, want, ev.Subject)
		assert.EqualValues(t, i+1, ev.ID)
	}
}

func TestJournal_FullQueueStillPublishes(t *testing.T) {
	repo := &gatedRepo{release: make(chan struct{})}
	j := New(repo, Options{Buffer: 1})
	feed, cancel := j.Subscribe(8)
	defer cancel()

	for i := 0; i < 4; i++ {
		j.RecordSession(session.Event{SessionID: "burst", To: session.StateDegraded})
	}
	// one insert in flight plus one queued; the rest skip the database
	require.Eventually(t, func() bool { return len(feed) >= 2 }, time.Second, 5*time.Millisecond)
	close(repo.release)
	require.NoError(t, j.Flush(context.Background()))
	assert.Len(t, feed, 4)
}
