package queryapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/errata/eventdb/backend/local"
	"github.com/cedricziel/errata/eventdb/reader"
	"github.com/cedricziel/errata/eventdb/schema"
	"github.com/cedricziel/errata/eventdb/writer"
	"github.com/cedricziel/errata/modules/asyncquery"
	"github.com/cedricziel/errata/modules/facets"
	"github.com/cedricziel/errata/modules/ingest"
	"github.com/cedricziel/errata/modules/issues"
	"github.com/cedricziel/errata/modules/query"
	"github.com/cedricziel/errata/modules/stream"
	"github.com/cedricziel/errata/pkg/bus"
	"github.com/cedricziel/errata/pkg/cache"
)

func strp(s string) *string { return &s }

type apiHarness struct {
	router     *mux.Router
	api        *API
	store      *asyncquery.Store
	dispatcher *facets.Dispatcher
	issues     issues.Store
	bus        *bus.InProcess
}

// newHarness wires the full read side over a local store seeded with
// two log events and one crash for o1/p1.
func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := log.NewNopLogger()

	be, err := local.New(&local.Config{Path: t.TempDir()})
	require.NoError(t, err)

	w := writer.New(&writer.Config{BatchSize: 100}, be, logger)
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	_, err = w.WriteEvents(context.Background(), []*schema.WideEvent{
		{EventID: "ev-1", Timestamp: ts, OrganizationID: strp("o1"), ProjectID: "p1", EventType: "log", Severity: strp("error"), Fingerprint: strp("fp-1")},
		{EventID: "ev-2", Timestamp: ts + 1, OrganizationID: strp("o1"), ProjectID: "p1", EventType: "log", Severity: strp("info"), Fingerprint: strp("fp-1")},
	})
	require.NoError(t, err)
	_, err = w.WriteEvents(context.Background(), []*schema.WideEvent{
		{EventID: "ev-3", Timestamp: ts + 2, OrganizationID: strp("o1"), ProjectID: "p1", EventType: "crash", ExceptionType: strp("SIGSEGV"), Fingerprint: strp("fp-2")},
	})
	require.NoError(t, err)

	c := cache.NewMemoryCache()
	t.Cleanup(c.Stop)
	store := asyncquery.NewStore(asyncquery.Config{}, c)

	rd := reader.New(be, logger)
	executor := query.NewExecutor(rd, 0, logger)
	b := bus.NewInProcess(logger)
	t.Cleanup(b.Stop)
	dispatcher := facets.NewDispatcher(store, executor, b, logger)
	streamer := stream.NewStreamer(stream.Config{}, store, logger)
	is := issues.NewMemoryStore()
	resolver := ingest.NewStaticKeyResolver(map[string]ingest.Scope{
		"key-1": {OrganizationID: "o1", ProjectID: "p1"},
	})

	api := New(store, executor, dispatcher, streamer, rd, is, b, resolver, logger)
	router := mux.NewRouter()
	api.RegisterRoutes(router)

	return &apiHarness{router: router, api: api, store: store, dispatcher: dispatcher, issues: is, bus: b}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("X-API-Key", "key-1")
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// runExecuteQueue drains the execute queue through the bus consumer.
func (h *apiHarness) runExecuteQueue() int {
	return h.bus.Drain(bus.QueueExecuteQuery, h.api.HandleExecuteQuery)
}

func submit(t *testing.T, h *apiHarness, body string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/queries", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.QueryID)
	require.Equal(t, "/api/queries/"+resp.QueryID, resp.StatusURL)
	require.Equal(t, "/api/queries/"+resp.QueryID+"/stream", resp.StreamURL)
	require.Equal(t, "/api/queries/"+resp.QueryID+"/cancel", resp.CancelURL)
	return resp.QueryID
}

func queryStatus(t *testing.T, h *apiHarness, queryID string) statusResponse {
	t.Helper()
	rec := h.do(t, http.MethodGet, "/queries/"+queryID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return status
}

func storedState(t *testing.T, h *apiHarness, queryID string) *asyncquery.State {
	t.Helper()
	state, err := h.store.GetQueryState(context.Background(), queryID)
	require.NoError(t, err)
	return state
}

func TestRoutesRequireAuthentication(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/queries", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitAndExecuteQuery(t *testing.T) {
	h := newHarness(t)
	queryID := submit(t, h, `{}`)

	status := queryStatus(t, h, queryID)
	require.Equal(t, asyncquery.StatusPending, status.Status)
	require.False(t, status.HasResult)
	// the key's project is filled in when the request does not name one
	require.JSONEq(t, `{"projectId":"p1","page":0,"limit":0}`, string(storedState(t, h, queryID).Request))

	require.Equal(t, 1, h.runExecuteQueue())

	// the status body is the public view only, never the full state
	rec := h.do(t, http.MethodGet, "/queries/"+queryID, "")
	require.JSONEq(t, `{"status":"completed","progress":100,"hasResult":true}`, rec.Body.String())

	status = queryStatus(t, h, queryID)
	require.Equal(t, asyncquery.StatusCompleted, status.Status)
	require.Equal(t, 100, status.Progress)
	require.True(t, status.HasResult)

	state := storedState(t, h, queryID)
	require.Equal(t, 3, state.Result.Total)
	require.Equal(t, "u1", state.UserID)

	// completion queued the deferred facet batches
	require.Len(t, state.FacetBatches, len(facets.Batches))
	n := h.bus.Drain(bus.QueueComputeFacetBatch, h.dispatcher.HandleComputeFacetBatch)
	require.Equal(t, len(facets.Batches), n)

	complete, err := h.store.AreFacetBatchesComplete(context.Background(), queryID)
	require.NoError(t, err)
	require.True(t, complete)
}

func TestSubmitWithFilters(t *testing.T) {
	h := newHarness(t)
	queryID := submit(t, h, `{"filters":[{"attribute":"event_type","operator":"eq","value":"crash"}]}`)
	h.runExecuteQueue()

	require.Equal(t, asyncquery.StatusCompleted, queryStatus(t, h, queryID).Status)
	require.Equal(t, 1, storedState(t, h, queryID).Result.Total)
}

func TestSubmitMalformedBody(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/queries", `{broken`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBeforeExecution(t *testing.T) {
	h := newHarness(t)
	queryID := submit(t, h, `{}`)

	rec := h.do(t, http.MethodPost, "/queries/"+queryID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp cancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Contains(t, resp.Message, queryID)

	// the execute consumer honors the flag without running the scan
	h.runExecuteQueue()
	require.Equal(t, asyncquery.StatusCancelled, queryStatus(t, h, queryID).Status)
	require.Empty(t, storedState(t, h, queryID).FacetBatches)
}

func TestCancelTerminalQuery(t *testing.T) {
	h := newHarness(t)
	queryID := submit(t, h, `{}`)
	h.runExecuteQueue()

	rec := h.do(t, http.MethodPost, "/queries/"+queryID+"/cancel", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownQuery(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/queries/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamTerminalQuery(t *testing.T) {
	h := newHarness(t)
	queryID := submit(t, h, `{}`)
	h.runExecuteQueue()

	rec := h.do(t, http.MethodGet, "/queries/"+queryID+"/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "event: result")
}

func TestEventCount(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/events/count", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"count":3}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/events/count?event_type=crash", "")
	require.JSONEq(t, `{"count":1}`, rec.Body.String())
}

func TestIssueEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.issues.Upsert(ctx, issues.Seen{
		ProjectID:   "p1",
		Fingerprint: "fp-1",
		At:          time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Type:        "log",
		Severity:    "error",
		Title:       "connection refused",
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/issues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Issues []issues.Issue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Issues, 1)
	require.Equal(t, "fp-1", listResp.Issues[0].Fingerprint)

	rec = h.do(t, http.MethodGet, "/issues/fp-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var issue issues.Issue
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issue))
	require.Equal(t, issues.StatusOpen, issue.Status)

	rec = h.do(t, http.MethodGet, "/issues/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// both seeded log events carry fp-1
	rec = h.do(t, http.MethodGet, "/issues/fp-1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var eventsResp struct {
		Events []map[string]interface{} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eventsResp))
	require.Len(t, eventsResp.Events, 2)

	rec = h.do(t, http.MethodPut, "/issues/fp-1/status", `{"status":"resolved"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issue))
	require.Equal(t, issues.StatusResolved, issue.Status)

	rec = h.do(t, http.MethodPut, "/issues/fp-1/status", `{"status":"archived"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExecuteQueryRedelivery(t *testing.T) {
	h := newHarness(t)
	queryID := submit(t, h, `{}`)
	require.Equal(t, 1, h.runExecuteQueue())

	// a redelivered message for the now-terminal query is a no-op
	raw := json.RawMessage(`{"projectId":"p1"}`)
	err := h.api.HandleExecuteQuery(context.Background(), bus.ExecuteQuery{QueryID: queryID, OrganizationID: "o1", Request: raw})
	require.NoError(t, err)

	require.Equal(t, asyncquery.StatusCompleted, queryStatus(t, h, queryID).Status)
}
