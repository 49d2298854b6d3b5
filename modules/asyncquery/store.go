// Package asyncquery tracks the lifecycle of background query
// executions in the shared cache. Every mutation is read-modify-write
// under a per-query stripe lock, so concurrent consumers and API
// handlers see a consistent state machine.
package asyncquery

import (
	"context"
	"encoding/json"
	"flag"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedricziel/errata/modules/query"
	"github.com/cedricziel/errata/pkg/apierror"
	"github.com/cedricziel/errata/pkg/cache"
	"github.com/cedricziel/errata/pkg/util"
)

// Status values of an asynchronous query. Terminal statuses never
// transition again.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

const (
	BatchStatusPending   = "pending"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
)

const (
	DefaultTTLPending   = time.Hour
	DefaultTTLCompleted = 5 * time.Minute

	keyPrefix = "query:"

	stripes = 64
)

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "async_query_transitions_total",
		Help:      "Async query status transitions.",
	}, []string{"to"})
)

func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransition encodes the status machine. pending may start, fail
// or cancel; in_progress may complete, fail or cancel. There are no
// back edges.
func validTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// FacetBatch tracks one deferred facet computation.
type FacetBatch struct {
	BatchID    string   `json:"batchId"`
	Attributes []string `json:"attributes"`
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
}

// State is the full persisted record of one asynchronous query.
type State struct {
	QueryID         string                 `json:"queryId"`
	Status          string                 `json:"status"`
	Progress        int                    `json:"progress"`
	Request         json.RawMessage        `json:"request"`
	UserID          string                 `json:"userId"`
	OrganizationID  string                 `json:"organizationId"`
	Result          *query.Result          `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	CancelRequested bool                   `json:"cancelRequested"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
	FacetBatches    map[string]*FacetBatch `json:"facetBatches,omitempty"`
}

type Config struct {
	TTLPending   time.Duration `yaml:"ttl_pending"`
	TTLCompleted time.Duration `yaml:"ttl_completed"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.TTLPending, util.PrefixConfig(prefix, "ttl_pending"), DefaultTTLPending, "retention of pending and running query state.")
	f.DurationVar(&cfg.TTLCompleted, util.PrefixConfig(prefix, "ttl_completed"), DefaultTTLCompleted, "retention of terminal query state.")
}

// Store persists query state in the cache. The stripe mutexes make
// read-modify-write cycles atomic within this process; the cache is
// the durability layer, not the synchronization layer.
type Store struct {
	cfg   Config
	cache cache.Cache
	mu    [stripes]sync.Mutex
	now   func() time.Time
}

func NewStore(cfg Config, c cache.Cache) *Store {
	if cfg.TTLPending <= 0 {
		cfg.TTLPending = DefaultTTLPending
	}
	if cfg.TTLCompleted <= 0 {
		cfg.TTLCompleted = DefaultTTLCompleted
	}
	return &Store{cfg: cfg, cache: c, now: time.Now}
}

func (s *Store) lock(queryID string) func() {
	stripe := &s.mu[xxhash.Sum64String(queryID)%stripes]
	stripe.Lock()
	return stripe.Unlock
}

func cacheKey(queryID string) string {
	return keyPrefix + queryID
}

func (s *Store) ttl(state *State) time.Duration {
	if Terminal(state.Status) {
		return s.cfg.TTLCompleted
	}
	return s.cfg.TTLPending
}

func (s *Store) load(ctx context.Context, queryID string) (*State, error) {
	data, found, err := s.cache.Get(ctx, cacheKey(queryID))
	if err != nil {
		return nil, errors.Wrap(err, "loading query state")
	}
	if !found {
		return nil, apierror.Newf(apierror.KindNotFound, "query %s not found", queryID)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(err, "decoding query state")
	}
	return &state, nil
}

func (s *Store) save(ctx context.Context, state *State) error {
	state.UpdatedAt = s.now()
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encoding query state")
	}
	return errors.Wrap(s.cache.Set(ctx, cacheKey(state.QueryID), data, s.ttl(state)), "saving query state")
}

// update applies fn to the current state under the query's stripe lock
// and persists the result. fn returning an error aborts without a
// write.
func (s *Store) update(ctx context.Context, queryID string, fn func(*State) error) (*State, error) {
	unlock := s.lock(queryID)
	defer unlock()

	state, err := s.load(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	if err := s.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) transition(state *State, to string) error {
	if !validTransition(state.Status, to) {
		return apierror.Newf(apierror.KindValidation, "cannot transition query %s from %s to %s", state.QueryID, state.Status, to)
	}
	state.Status = to
	if Terminal(to) {
		t := s.now()
		state.CompletedAt = &t
	}
	metricTransitions.WithLabelValues(to).Inc()
	return nil
}

// InitializeQuery creates a pending record for a freshly submitted
// query.
func (s *Store) InitializeQuery(ctx context.Context, queryID, userID, organizationID string, request json.RawMessage) (*State, error) {
	unlock := s.lock(queryID)
	defer unlock()

	now := s.now()
	state := &State{
		QueryID:        queryID,
		Status:         StatusPending,
		Progress:       0,
		Request:        request,
		UserID:         userID,
		OrganizationID: organizationID,
		CreatedAt:      now,
	}
	metricTransitions.WithLabelValues(StatusPending).Inc()
	if err := s.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) MarkInProgress(ctx context.Context, queryID string) error {
	_, err := s.update(ctx, queryID, func(state *State) error {
		return s.transition(state, StatusInProgress)
	})
	return err
}

// UpdateProgress bumps the progress indicator. Progress never moves
// backwards and is clamped to [0, 100].
func (s *Store) UpdateProgress(ctx context.Context, queryID string, progress int) error {
	_, err := s.update(ctx, queryID, func(state *State) error {
		if Terminal(state.Status) {
			return nil
		}
		p := util.Clamp(progress, 0, 100)
		if p > state.Progress {
			state.Progress = p
		}
		return nil
	})
	return err
}

func (s *Store) StoreResult(ctx context.Context, queryID string, result *query.Result) error {
	_, err := s.update(ctx, queryID, func(state *State) error {
		if err := s.transition(state, StatusCompleted); err != nil {
			return err
		}
		state.Result = result
		state.Progress = 100
		return nil
	})
	return err
}

func (s *Store) StoreError(ctx context.Context, queryID string, execErr error) error {
	_, err := s.update(ctx, queryID, func(state *State) error {
		if err := s.transition(state, StatusFailed); err != nil {
			return err
		}
		state.Error = execErr.Error()
		return nil
	})
	return err
}

// RequestCancellation flags the query for cooperative cancellation.
// Terminal queries refuse the request.
func (s *Store) RequestCancellation(ctx context.Context, queryID string) (*State, error) {
	return s.update(ctx, queryID, func(state *State) error {
		if Terminal(state.Status) {
			return apierror.Newf(apierror.KindValidation, "query %s already %s", queryID, state.Status)
		}
		state.CancelRequested = true
		return nil
	})
}

func (s *Store) MarkCancelled(ctx context.Context, queryID string) error {
	_, err := s.update(ctx, queryID, func(state *State) error {
		return s.transition(state, StatusCancelled)
	})
	return err
}

// IsCancelled reports whether cancellation was requested. A missing
// record counts as cancelled so orphaned work stops.
func (s *Store) IsCancelled(ctx context.Context, queryID string) bool {
	state, err := s.GetQueryState(ctx, queryID)
	if err != nil {
		return true
	}
	return state.CancelRequested || state.Status == StatusCancelled
}

func (s *Store) GetQueryState(ctx context.Context, queryID string) (*State, error) {
	return s.load(ctx, queryID)
}

func (s *Store) DeleteQuery(ctx context.Context, queryID string) error {
	unlock := s.lock(queryID)
	defer unlock()
	return errors.Wrap(s.cache.Delete(ctx, cacheKey(queryID)), "deleting query state")
}

// InitializeFacetBatches registers the deferred batches exactly once.
// A second call is a no-op so redelivered dispatch messages cannot
// reset completed batches.
func (s *Store) InitializeFacetBatches(ctx context.Context, queryID string, batches map[string][]string) error {
	_, err := s.update(ctx, queryID, func(state *State) error {
		if state.FacetBatches != nil {
			return nil
		}
		state.FacetBatches = make(map[string]*FacetBatch, len(batches))
		for id, attrs := range batches {
			state.FacetBatches[id] = &FacetBatch{BatchID: id, Attributes: attrs, Status: BatchStatusPending}
		}
		return nil
	})
	return err
}

// AppendFacets merges a completed batch's facets into the stored
// result and marks the batch done.
func (s *Store) AppendFacets(ctx context.Context, queryID, batchID string, facets []query.Facet) error {
	_, err := s.update(ctx, queryID, func(state *State) error {
		batch, ok := state.FacetBatches[batchID]
		if !ok {
			return apierror.Newf(apierror.KindNotFound, "facet batch %s not found on query %s", batchID, queryID)
		}
		if batch.Status != BatchStatusPending {
			return nil
		}
		if state.Result != nil {
			state.Result.Facets = append(state.Result.Facets, facets...)
		}
		batch.Status = BatchStatusCompleted
		return nil
	})
	return err
}

func (s *Store) MarkFacetBatchFailed(ctx context.Context, queryID, batchID string, batchErr error) error {
	_, err := s.update(ctx, queryID, func(state *State) error {
		batch, ok := state.FacetBatches[batchID]
		if !ok {
			return apierror.Newf(apierror.KindNotFound, "facet batch %s not found on query %s", batchID, queryID)
		}
		if batch.Status != BatchStatusPending {
			return nil
		}
		batch.Status = BatchStatusFailed
		batch.Error = batchErr.Error()
		return nil
	})
	return err
}

func (s *Store) GetPendingFacetBatches(ctx context.Context, queryID string) ([]*FacetBatch, error) {
	state, err := s.load(ctx, queryID)
	if err != nil {
		return nil, err
	}
	var pending []*FacetBatch
	for _, b := range state.FacetBatches {
		if b.Status == BatchStatusPending {
			pending = append(pending, b)
		}
	}
	return pending, nil
}

// AreFacetBatchesComplete reports whether every registered batch has
// reached a terminal batch status. No registered batches counts as
// complete.
func (s *Store) AreFacetBatchesComplete(ctx context.Context, queryID string) (bool, error) {
	state, err := s.load(ctx, queryID)
	if err != nil {
		return false, err
	}
	for _, b := range state.FacetBatches {
		if b.Status == BatchStatusPending {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) GetCompletedFacetBatches(ctx context.Context, queryID string) ([]*FacetBatch, error) {
	state, err := s.load(ctx, queryID)
	if err != nil {
		return nil, err
	}
	var done []*FacetBatch
	for _, b := range state.FacetBatches {
		if b.Status == BatchStatusCompleted {
			done = append(done, b)
		}
	}
	return done, nil
}
