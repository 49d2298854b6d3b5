package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/errata/modules/asyncquery"
	"github.com/cedricziel/errata/modules/query"
	"github.com/cedricziel/errata/pkg/cache"
)

func testStreamer(t *testing.T, cfg Config) (*Streamer, *asyncquery.Store) {
	t.Helper()
	c := cache.NewMemoryCache()
	t.Cleanup(c.Stop)
	store := asyncquery.NewStore(asyncquery.Config{}, c)
	return NewStreamer(cfg, store, log.NewNopLogger()), store
}

// eventNames extracts the frame names from a text/event-stream body in
// arrival order.
func eventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

func serve(ctx context.Context, s *Streamer, queryID string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/queries/"+queryID+"/stream", nil)
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	s.ServeQuery(rec, req, queryID)
	return rec
}

func TestServeQueryUnknownQuery(t *testing.T) {
	s, _ := testStreamer(t, Config{})

	rec := serve(nil, s, "ghost")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "not_found", envelope["error"])
}

func TestServeQueryTerminalQueryGetsFinalFramesImmediately(t *testing.T) {
	s, store := testStreamer(t, Config{})
	ctx := context.Background()

	_, err := store.InitializeQuery(ctx, "q1", "u1", "o1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkInProgress(ctx, "q1"))
	require.NoError(t, store.StoreResult(ctx, "q1", &query.Result{Total: 3}))

	rec := serve(nil, s, "q1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	require.Equal(t, []string{"status", "progress", "result"}, eventNames(rec.Body.String()))
	require.Contains(t, rec.Body.String(), `"total":3`)
	require.Contains(t, rec.Body.String(), `"progress":100`)
}

func TestServeQueryFailedQueryEmitsError(t *testing.T) {
	s, store := testStreamer(t, Config{})
	ctx := context.Background()

	_, err := store.InitializeQuery(ctx, "q1", "u1", "o1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkInProgress(ctx, "q1"))
	require.NoError(t, store.StoreError(ctx, "q1", errString("scan blew up")))

	rec := serve(nil, s, "q1")
	require.Equal(t, []string{"status", "progress", "error"}, eventNames(rec.Body.String()))
	require.Contains(t, rec.Body.String(), "scan blew up")
}

func TestServeQueryFollowsProgressToCompletion(t *testing.T) {
	s, store := testStreamer(t, Config{PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	_, err := store.InitializeQuery(ctx, "q1", "u1", "o1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkInProgress(ctx, "q1"))
	require.NoError(t, store.UpdateProgress(ctx, "q1", 10))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.UpdateProgress(ctx, "q1", 60)
		time.Sleep(30 * time.Millisecond)
		_ = store.StoreResult(ctx, "q1", &query.Result{Total: 1})
	}()

	rec := serve(nil, s, "q1")

	names := eventNames(rec.Body.String())
	// in_progress status and each forward progress step, then the final
	// completed status + 100 + result
	require.Equal(t, "status", names[0])
	require.Equal(t, "result", names[len(names)-1])
	require.Contains(t, rec.Body.String(), `"progress":10`)
	require.Contains(t, rec.Body.String(), `"progress":60`)
	require.Contains(t, rec.Body.String(), `"progress":100`)
	require.Contains(t, rec.Body.String(), `{"status":"completed"}`)
}

func TestServeQueryStopsWhenStateEvicted(t *testing.T) {
	s, store := testStreamer(t, Config{PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	_, err := store.InitializeQuery(ctx, "q1", "u1", "o1", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.DeleteQuery(ctx, "q1")
	}()

	rec := serve(nil, s, "q1")
	require.Contains(t, rec.Body.String(), "query state no longer available")
}

func TestServeQueryHonorsStreamCap(t *testing.T) {
	s, store := testStreamer(t, Config{
		PollInterval:      5 * time.Millisecond,
		MaxStreamDuration: 40 * time.Millisecond,
	})
	ctx := context.Background()

	// a query nobody ever picks up
	_, err := store.InitializeQuery(ctx, "q1", "u1", "o1", nil)
	require.NoError(t, err)

	start := time.Now()
	rec := serve(nil, s, "q1")
	require.Less(t, time.Since(start), 2*time.Second)

	// timeout surfaces as an error frame, not a heartbeat
	names := eventNames(rec.Body.String())
	require.Equal(t, "error", names[len(names)-1])
	require.Contains(t, rec.Body.String(), "stream timed out")
}

func TestServeQueryHeartbeatOnlyFillsSilence(t *testing.T) {
	s, store := testStreamer(t, Config{
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
		MaxStreamDuration: 90 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := store.InitializeQuery(ctx, "q1", "u1", "o1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkInProgress(ctx, "q1"))

	// progress frames every ~10ms keep resetting the heartbeat timer
	stop := make(chan struct{})
	go func() {
		for p := 10; p <= 90; p += 10 {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				_ = store.UpdateProgress(ctx, "q1", p)
			}
		}
	}()
	defer close(stop)

	rec := serve(nil, s, "q1")
	require.NotContains(t, eventNames(rec.Body.String()), "heartbeat")
}

func TestServeQueryStopsWhenClientDisconnects(t *testing.T) {
	s, store := testStreamer(t, Config{PollInterval: 5 * time.Millisecond})

	_, err := store.InitializeQuery(context.Background(), "q1", "u1", "o1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		serve(ctx, s, "q1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after client disconnect")
	}
}

func TestServeQueryHeartbeats(t *testing.T) {
	s, store := testStreamer(t, Config{
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 15 * time.Millisecond,
		MaxStreamDuration: 60 * time.Millisecond,
	})

	_, err := store.InitializeQuery(context.Background(), "q1", "u1", "o1", nil)
	require.NoError(t, err)

	rec := serve(nil, s, "q1")
	require.Contains(t, eventNames(rec.Body.String()), "heartbeat")
}

type errString string

func (e errString) Error() string { return string(e) }
