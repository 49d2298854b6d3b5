// Package query executes exploratory queries against the event store:
// one pass over the pruned partitions computes the filtered rows, the
// priority facets and the optional grouping together.
package query

import (
	"context"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedricziel/errata/eventdb/reader"
	"github.com/cedricziel/errata/pkg/apierror"
)

const (
	DefaultLimit          = 50
	MaxLimit              = 1000
	ExportLimit           = 10_000
	DefaultValuesPerFacet = 10

	// cancellation and progress are checked once per this many rows.
	checkInterval = 512
)

// PriorityFacetAttributes are computed inline with the main query;
// everything else arrives via deferred facet batches.
var PriorityFacetAttributes = []string{"event_type", "severity", "environment", "exception_type", "metric_name"}

// requiredColumns are always part of the scan projection.
var requiredColumns = []string{"timestamp", "event_id", "user_id", "device_id"}

var metricQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "errata",
	Name:      "query_duration_seconds",
	Help:      "Wall time of query executions.",
	Buckets:   prometheus.DefBuckets,
})

// Options carry the cooperative-cancellation and progress hooks of an
// asynchronous execution. Both are optional.
type Options struct {
	Cancelled  func() bool
	OnProgress func(progress int)
}

type Executor struct {
	reader         *reader.Reader
	maxFacetValues int
	logger         log.Logger
}

func NewExecutor(r *reader.Reader, maxFacetValues int, logger log.Logger) *Executor {
	if maxFacetValues <= 0 {
		maxFacetValues = DefaultValuesPerFacet
	}
	return &Executor{reader: r, maxFacetValues: maxFacetValues, logger: logger}
}

func clampPage(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

func clampLimit(v int) int {
	if v == 0 {
		return DefaultLimit
	}
	if v < 1 {
		return 1
	}
	if v > MaxLimit {
		return MaxLimit
	}
	return v
}

func (e *Executor) params(organizationID string, req Request) reader.Params {
	return reader.Params{
		OrganizationID: organizationID,
		ProjectID:      req.ProjectID,
		From:           req.StartDate,
		To:             req.EndDate,
		Filters:        req.Filters,
	}
}

// Execute runs the single-pass scan. The result is deterministic for a
// frozen store: ties on timestamp or count are broken by lexicographic
// event_id and value respectively.
func (e *Executor) Execute(ctx context.Context, organizationID string, req Request, opts Options) (*Result, error) {
	start := time.Now()
	defer func() { metricQueryDuration.Observe(time.Since(start).Seconds()) }()

	page := clampPage(req.Page)
	limit := clampLimit(req.Limit)
	// only the first page*limit rows after sorting can ever be returned,
	// so retention is capped there instead of holding the full match set
	keep := page * limit

	columns := scanColumns(req, PriorityFacetAttributes)
	it := e.reader.ReadEventsWithColumns(ctx, e.params(organizationID, req), columns)
	defer it.Close()

	var (
		total       int
		rows        []map[string]interface{}
		facetCounts = newFacetCounter(PriorityFacetAttributes)
		groups      = map[string]*groupAgg{}
	)

	for {
		row, err := it.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}

		total++
		if total%checkInterval == 0 {
			if opts.Cancelled != nil && opts.Cancelled() {
				return nil, apierror.New(apierror.KindCancelled, "query cancelled")
			}
			if opts.OnProgress != nil {
				opts.OnProgress(scanProgress(total))
			}
		}

		facetCounts.observe(row)

		if req.GroupBy != "" {
			key := stringValue(row[req.GroupBy])
			if key != "" {
				g, ok := groups[key]
				if !ok {
					g = &groupAgg{users: map[string]struct{}{}}
					groups[key] = g
				}
				g.count++
				if u := userIdentifier(row); u != "" {
					g.users[u] = struct{}{}
				}
			}
			continue
		}

		rows = append(rows, row)
		if len(rows) >= keep*2 {
			reader.SortRows(rows)
			rows = rows[:keep]
		}
	}

	res := &Result{
		Total:  total,
		Facets: facetCounts.build(req.Filters, e.maxFacetValues),
		Page:   page,
		Limit:  limit,
		Events: []map[string]interface{}{},
	}

	if req.GroupBy != "" {
		res.GroupedResults = buildGroups(groups)
		level.Debug(e.logger).Log("msg", "query executed", "total", total, "groups", len(res.GroupedResults), "duration", time.Since(start))
		return res, nil
	}

	reader.SortRows(rows)
	offset := (page - 1) * limit
	if offset < len(rows) {
		end := offset + limit
		if end > len(rows) {
			end = len(rows)
		}
		res.Events = rows[offset:end]
	}

	level.Debug(e.logger).Log("msg", "query executed", "total", total, "returned", len(res.Events), "duration", time.Since(start))
	return res, nil
}

// ExecuteFacetBatch replays the scan with the batch's attributes as
// the projection and aggregates counts exactly as the main pass does.
func (e *Executor) ExecuteFacetBatch(ctx context.Context, organizationID string, req Request, attributes []string, opts Options) ([]Facet, error) {
	columns := scanColumns(req, attributes)
	it := e.reader.ReadEventsWithColumns(ctx, e.params(organizationID, req), columns)
	defer it.Close()

	counts := newFacetCounter(attributes)
	n := 0
	for {
		row, err := it.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}

		n++
		if n%checkInterval == 0 && opts.Cancelled != nil && opts.Cancelled() {
			return nil, apierror.New(apierror.KindCancelled, "facet batch cancelled")
		}
		counts.observe(row)
	}

	return counts.build(req.Filters, e.maxFacetValues), nil
}

// Export returns the full sorted rows of a query without facets or
// grouping, bounded to the export limit.
func (e *Executor) Export(ctx context.Context, organizationID string, req Request) ([]map[string]interface{}, error) {
	it := e.reader.ReadEvents(ctx, e.params(organizationID, req))
	defer it.Close()

	var rows []map[string]interface{}
	for {
		row, err := it.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}

	reader.SortRows(rows)
	if len(rows) > ExportLimit {
		rows = rows[:ExportLimit]
	}
	return rows, nil
}

// scanColumns computes the projection of a pass: the fixed required
// columns, every filtered attribute, the facet attributes in scope and
// the group-by attribute.
func scanColumns(req Request, facetAttrs []string) []string {
	set := map[string]struct{}{}
	var cols []string
	add := func(c string) {
		if c == "" {
			return
		}
		if _, ok := set[c]; ok {
			return
		}
		set[c] = struct{}{}
		cols = append(cols, c)
	}

	for _, c := range requiredColumns {
		add(c)
	}
	for _, f := range req.Filters {
		add(f.Attribute)
	}
	for _, a := range facetAttrs {
		add(a)
	}
	add(req.GroupBy)
	return cols
}

func scanProgress(rowsSeen int) int {
	p := 10 + rowsSeen/1000
	if p > 90 {
		p = 90
	}
	return p
}

type groupAgg struct {
	count int
	users map[string]struct{}
}

func buildGroups(groups map[string]*groupAgg) []GroupedResult {
	out := make([]GroupedResult, 0, len(groups))
	for value, g := range groups {
		out = append(out, GroupedResult{Value: value, Count: g.count, Users: len(g.users)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// userIdentifier prefers user_id, falling back to device_id.
func userIdentifier(row map[string]interface{}) string {
	if u := stringValue(row["user_id"]); u != "" {
		return u
	}
	return stringValue(row["device_id"])
}
