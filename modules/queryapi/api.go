// Package queryapi is the read-side HTTP surface: asynchronous query
// submission, status, cancellation and streaming, plus the issue
// endpoints. The executor itself runs behind the bus; handlers only
// touch the state store.
package queryapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedricziel/errata/eventdb/reader"
	"github.com/cedricziel/errata/modules/asyncquery"
	"github.com/cedricziel/errata/modules/facets"
	"github.com/cedricziel/errata/modules/ingest"
	"github.com/cedricziel/errata/modules/issues"
	"github.com/cedricziel/errata/modules/query"
	"github.com/cedricziel/errata/modules/stream"
	"github.com/cedricziel/errata/pkg/apierror"
	"github.com/cedricziel/errata/pkg/bus"
	"github.com/cedricziel/errata/pkg/util"
)

const userIDHeader = "X-User-ID"

var metricSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "errata",
	Name:      "queries_submitted_total",
	Help:      "Asynchronous queries submitted.",
})

type API struct {
	store      *asyncquery.Store
	executor   *query.Executor
	dispatcher *facets.Dispatcher
	streamer   *stream.Streamer
	reader     *reader.Reader
	issues     issues.Store
	bus        bus.Bus
	resolver   ingest.KeyResolver
	logger     log.Logger
}

func New(store *asyncquery.Store, executor *query.Executor, dispatcher *facets.Dispatcher, streamer *stream.Streamer, rd *reader.Reader, is issues.Store, b bus.Bus, resolver ingest.KeyResolver, logger log.Logger) *API {
	return &API{
		store:      store,
		executor:   executor,
		dispatcher: dispatcher,
		streamer:   streamer,
		reader:     rd,
		issues:     is,
		bus:        b,
		resolver:   resolver,
		logger:     logger,
	}
}

func (a *API) RegisterRoutes(r *mux.Router) {
	auth := func(h http.HandlerFunc) http.HandlerFunc { return ingest.Authenticate(a.resolver, h) }

	r.HandleFunc("/queries", auth(a.handleSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/queries/{queryId}", auth(a.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/queries/{queryId}/cancel", auth(a.handleCancel)).Methods(http.MethodPost)
	r.HandleFunc("/queries/{queryId}/stream", auth(a.handleStream)).Methods(http.MethodGet)

	r.HandleFunc("/events/count", auth(a.handleCount)).Methods(http.MethodGet)
	r.HandleFunc("/issues", auth(a.handleListIssues)).Methods(http.MethodGet)
	r.HandleFunc("/issues/{fingerprint}", auth(a.handleGetIssue)).Methods(http.MethodGet)
	r.HandleFunc("/issues/{fingerprint}/events", auth(a.handleIssueEvents)).Methods(http.MethodGet)
	r.HandleFunc("/issues/{fingerprint}/status", auth(a.handleIssueStatus)).Methods(http.MethodPut)
}

type submitResponse struct {
	QueryID   string `json:"queryId"`
	StatusURL string `json:"statusUrl"`
	StreamURL string `json:"streamUrl"`
	CancelURL string `json:"cancelUrl"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	scope, _ := ingest.ScopeFromContext(r.Context())

	var req query.Request
	body := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := body.Decode(&req); err != nil {
		apierror.WriteJSON(w, apierror.Wrap(apierror.KindValidation, err, "malformed query request"))
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = scope.ProjectID
	}

	raw, err := json.Marshal(req)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	queryID := util.NewUUIDv7()
	userID := r.Header.Get(userIDHeader)

	if _, err := a.store.InitializeQuery(r.Context(), queryID, userID, scope.OrganizationID, raw); err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	msg := bus.ExecuteQuery{QueryID: queryID, UserID: userID, OrganizationID: scope.OrganizationID, Request: raw}
	if err := a.bus.Publish(r.Context(), msg); err != nil {
		// the record stays pending until its TTL reaps it
		apierror.WriteJSON(w, err)
		return
	}

	metricSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, submitResponse{
		QueryID:   queryID,
		StatusURL: "/api/queries/" + queryID,
		StreamURL: "/api/queries/" + queryID + "/stream",
		CancelURL: "/api/queries/" + queryID + "/cancel",
	})
}

// statusResponse is the public view of a query's state. The result
// itself is delivered over the stream, never inlined here.
type statusResponse struct {
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
	HasResult bool   `json:"hasResult"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := a.store.GetQueryState(r.Context(), mux.Vars(r)["queryId"])
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    state.Status,
		Progress:  state.Progress,
		Error:     state.Error,
		HasResult: state.Result != nil,
	})
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	state, err := a.store.RequestCancellation(r.Context(), mux.Vars(r)["queryId"])
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cancelResponse{
		Success: true,
		Message: "cancellation requested for query " + state.QueryID,
	})
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	a.streamer.ServeQuery(w, r, mux.Vars(r)["queryId"])
}

// HandleExecuteQuery is the execute-query bus consumer. Cancellation
// requested before the run starts short-circuits straight to
// cancelled.
func (a *API) HandleExecuteQuery(ctx context.Context, msg bus.Message) error {
	m, ok := msg.(bus.ExecuteQuery)
	if !ok {
		return errors.Errorf("unexpected message type %T on %s", msg, bus.QueueExecuteQuery)
	}

	if a.store.IsCancelled(ctx, m.QueryID) {
		return a.store.MarkCancelled(ctx, m.QueryID)
	}

	if err := a.store.MarkInProgress(ctx, m.QueryID); err != nil {
		// a redelivered message for a terminal query is a no-op
		level.Debug(a.logger).Log("msg", "skipping execute message", "query", m.QueryID, "err", err)
		return nil
	}

	var req query.Request
	if err := json.Unmarshal(m.Request, &req); err != nil {
		return a.store.StoreError(ctx, m.QueryID, errors.Wrap(err, "decoding query request"))
	}

	opts := query.Options{
		Cancelled: func() bool { return a.store.IsCancelled(ctx, m.QueryID) },
		OnProgress: func(progress int) {
			if err := a.store.UpdateProgress(ctx, m.QueryID, progress); err != nil {
				level.Debug(a.logger).Log("msg", "progress update failed", "query", m.QueryID, "err", err)
			}
		},
	}

	result, err := a.executor.Execute(ctx, m.OrganizationID, req, opts)
	if apierror.KindOf(err) == apierror.KindCancelled {
		return a.store.MarkCancelled(ctx, m.QueryID)
	}
	if err != nil {
		return a.store.StoreError(ctx, m.QueryID, err)
	}

	if err := a.store.StoreResult(ctx, m.QueryID, result); err != nil {
		return err
	}

	// deferred facets only make sense for a live, uncancelled result
	if a.store.IsCancelled(ctx, m.QueryID) {
		return nil
	}
	if err := a.dispatcher.Dispatch(ctx, m.QueryID, m.UserID, m.OrganizationID, m.Request); err != nil {
		level.Warn(a.logger).Log("msg", "facet dispatch failed", "query", m.QueryID, "err", err)
	}
	return nil
}

// paramsFromQuery builds reader params from URL query parameters.
func (a *API) paramsFromQuery(r *http.Request, scope *ingest.Scope) reader.Params {
	q := r.URL.Query()
	p := reader.Params{
		OrganizationID: scope.OrganizationID,
		ProjectID:      scope.ProjectID,
		EventType:      q.Get("event_type"),
	}
	if v, err := strconv.ParseInt(q.Get("from"), 10, 64); err == nil {
		p.From = v
	}
	if v, err := strconv.ParseInt(q.Get("to"), 10, 64); err == nil {
		p.To = v
	}
	return p
}

func (a *API) handleCount(w http.ResponseWriter, r *http.Request) {
	scope, _ := ingest.ScopeFromContext(r.Context())

	count, err := a.reader.CountEvents(r.Context(), a.paramsFromQuery(r, scope))
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (a *API) handleListIssues(w http.ResponseWriter, r *http.Request) {
	scope, _ := ingest.ScopeFromContext(r.Context())

	list, err := a.issues.List(r.Context(), scope.ProjectID)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"issues": list})
}

func (a *API) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	scope, _ := ingest.ScopeFromContext(r.Context())

	issue, err := a.issues.Get(r.Context(), scope.ProjectID, mux.Vars(r)["fingerprint"])
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (a *API) handleIssueEvents(w http.ResponseWriter, r *http.Request) {
	scope, _ := ingest.ScopeFromContext(r.Context())
	fingerprint := mux.Vars(r)["fingerprint"]

	limit := query.DefaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	events, err := a.reader.EventsByFingerprint(r.Context(), fingerprint, a.paramsFromQuery(r, scope), limit)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	if events == nil {
		events = []map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type issueStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleIssueStatus(w http.ResponseWriter, r *http.Request) {
	scope, _ := ingest.ScopeFromContext(r.Context())

	var req issueStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteJSON(w, apierror.Wrap(apierror.KindValidation, err, "malformed request body"))
		return
	}

	issue, err := a.issues.UpdateStatus(r.Context(), scope.ProjectID, mux.Vars(r)["fingerprint"], req.Status)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
