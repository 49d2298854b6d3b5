// Package facets computes the deferred facet batches of a completed
// query. The priority facets ship with the main result; the remaining
// attributes are split into fixed batches and computed by competing
// workers.
package facets

import (
	"context"
	"encoding/json"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedricziel/errata/modules/asyncquery"
	"github.com/cedricziel/errata/modules/query"
	"github.com/cedricziel/errata/pkg/apierror"
	"github.com/cedricziel/errata/pkg/bus"
)

// Batch identifiers and their attribute sets. The grouping is fixed so
// batch results are stable across runs and redeliveries.
const (
	BatchDevice = "device"
	BatchApp    = "app"
	BatchTrace  = "trace"
	BatchUser   = "user"
)

// Batches maps each deferred batch to the attributes it computes.
var Batches = map[string][]string{
	BatchDevice: {"device_model", "os_name", "os_version"},
	BatchApp:    {"app_version", "app_build"},
	BatchTrace:  {"operation", "span_status"},
	BatchUser:   {"user_id", "locale"},
}

var (
	metricDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "facet_batches_dispatched_total",
		Help:      "Facet batches published for computation.",
	})
	metricComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "facet_batches_computed_total",
		Help:      "Facet batch computations by outcome.",
	}, []string{"outcome"})
)

type Dispatcher struct {
	store    *asyncquery.Store
	executor *query.Executor
	bus      bus.Bus
	logger   log.Logger
}

func NewDispatcher(store *asyncquery.Store, executor *query.Executor, b bus.Bus, logger log.Logger) *Dispatcher {
	return &Dispatcher{store: store, executor: executor, bus: b, logger: logger}
}

// Dispatch registers the batches on the query state and publishes one
// message per batch. Called after the main result is stored.
func (d *Dispatcher) Dispatch(ctx context.Context, queryID, userID, organizationID string, request json.RawMessage) error {
	if err := d.store.InitializeFacetBatches(ctx, queryID, Batches); err != nil {
		return errors.Wrap(err, "registering facet batches")
	}

	for batchID, attrs := range Batches {
		msg := bus.ComputeFacetBatch{
			QueryID:        queryID,
			BatchID:        batchID,
			Attributes:     attrs,
			UserID:         userID,
			OrganizationID: organizationID,
			Request:        request,
		}
		if err := d.bus.Publish(ctx, msg); err != nil {
			return errors.Wrapf(err, "publishing facet batch %s", batchID)
		}
		metricDispatched.Inc()
	}

	level.Debug(d.logger).Log("msg", "facet batches dispatched", "query", queryID, "batches", len(Batches))
	return nil
}

// HandleComputeFacetBatch is the bus consumer. Cancelled queries skip
// the scan and leave the batch pending; failed scans mark the batch
// failed without touching the main result.
func (d *Dispatcher) HandleComputeFacetBatch(ctx context.Context, msg bus.Message) error {
	m, ok := msg.(bus.ComputeFacetBatch)
	if !ok {
		return errors.Errorf("unexpected message type %T on %s", msg, bus.QueueComputeFacetBatch)
	}

	if d.store.IsCancelled(ctx, m.QueryID) {
		metricComputed.WithLabelValues("skipped").Inc()
		level.Debug(d.logger).Log("msg", "skipping facet batch for cancelled query", "query", m.QueryID, "batch", m.BatchID)
		return nil
	}

	var req query.Request
	if err := json.Unmarshal(m.Request, &req); err != nil {
		return errors.Wrap(err, "decoding facet batch request")
	}

	opts := query.Options{Cancelled: func() bool { return d.store.IsCancelled(ctx, m.QueryID) }}
	facets, err := d.executor.ExecuteFacetBatch(ctx, m.OrganizationID, req, m.Attributes, opts)
	if apierror.KindOf(err) == apierror.KindCancelled {
		metricComputed.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		metricComputed.WithLabelValues("error").Inc()
		if markErr := d.store.MarkFacetBatchFailed(ctx, m.QueryID, m.BatchID, err); markErr != nil {
			level.Warn(d.logger).Log("msg", "marking facet batch failed errored", "query", m.QueryID, "batch", m.BatchID, "err", markErr)
		}
		return errors.Wrapf(err, "computing facet batch %s", m.BatchID)
	}

	if err := d.store.AppendFacets(ctx, m.QueryID, m.BatchID, facets); err != nil {
		return errors.Wrapf(err, "storing facet batch %s", m.BatchID)
	}

	metricComputed.WithLabelValues("success").Inc()
	return nil
}
