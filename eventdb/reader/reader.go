// Package reader enumerates the partition directories a query can
// touch, prunes by tenant and date, and streams matching rows with
// column projection. Partition attributes encoded only in the path are
// synthesized back onto rows.
package reader

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/cedricziel/errata/eventdb/backend"
	"github.com/cedricziel/errata/eventdb/partition"
	"github.com/cedricziel/errata/eventdb/schema"
	"github.com/cedricziel/errata/pkg/apierror"
)

const decodeBatchSize = 512

// retained columns: filters on these always survive projection.
var alwaysRetained = map[string]struct{}{
	"fingerprint": {},
	"trace_id":    {},
	"span_id":     {},
}

// Params scope a read. Zero From/To leave that bound open; tenant
// fields left empty are enumerated from the store layout.
type Params struct {
	OrganizationID string
	ProjectID      string
	EventType      string
	From           int64 // ms since epoch, inclusive
	To             int64 // ms since epoch, inclusive
	Filters        []Filter
	Limit          int // 0 = unlimited
}

type Reader struct {
	backend backend.Backend
	logger  log.Logger
}

func New(be backend.Backend, logger log.Logger) *Reader {
	return &Reader{backend: be, logger: logger}
}

// ReadEvents streams all columns of matching rows.
func (r *Reader) ReadEvents(ctx context.Context, p Params) *Iterator {
	return r.ReadEventsWithColumns(ctx, p, nil)
}

// ReadEventsWithColumns streams matching rows projected to the given
// columns. A nil projection materialises every non-null column.
// Filtered attributes among fingerprint, trace_id and span_id are kept
// in the projection even when not requested.
func (r *Reader) ReadEventsWithColumns(ctx context.Context, p Params, columns []string) *Iterator {
	projection := columns
	if projection != nil {
		have := make(map[string]struct{}, len(projection))
		for _, c := range projection {
			have[c] = struct{}{}
		}
		for _, f := range p.Filters {
			if _, retained := alwaysRetained[f.Attribute]; retained {
				if _, ok := have[f.Attribute]; !ok {
					projection = append(projection, f.Attribute)
					have[f.Attribute] = struct{}{}
				}
			}
		}
	}

	it := &Iterator{
		ctx:        ctx,
		reader:     r,
		params:     p,
		projection: projection,
	}
	it.partitions, it.err = r.prune(ctx, p)
	return it
}

// CountEvents counts matching rows without materialising them beyond
// the scan itself.
func (r *Reader) CountEvents(ctx context.Context, p Params) (int, error) {
	it := r.ReadEventsWithColumns(ctx, p, []string{"event_id"})
	defer it.Close()

	n := 0
	for {
		row, err := it.Next()
		if err != nil {
			return 0, err
		}
		if row == nil {
			return n, nil
		}
		n++
	}
}

// EventsByFingerprint eagerly returns up to limit rows carrying the
// fingerprint, newest first.
func (r *Reader) EventsByFingerprint(ctx context.Context, fingerprint string, p Params, limit int) ([]map[string]interface{}, error) {
	p.Filters = append(p.Filters, Filter{Attribute: "fingerprint", Operator: OpEq, Value: fingerprint})
	p.Limit = 0

	it := r.ReadEvents(ctx, p)
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

	SortRows(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// SortRows orders rows by timestamp descending, ties broken by
// lexicographic event_id so results are deterministic.
func SortRows(rows []map[string]interface{}) {
	sort.SliceStable(rows, func(i, j int) bool {
		ti, _ := rows[i]["timestamp"].(int64)
		tj, _ := rows[j]["timestamp"].(int64)
		if ti != tj {
			return ti > tj
		}
		idi, _ := rows[i]["event_id"].(string)
		idj, _ := rows[j]["event_id"].(string)
		return idi < idj
	})
}

type candidatePartition struct {
	key  partition.Key
	path string
}

// prune translates tenant attributes and the timestamp range into the
// candidate partition directories, enumerating one date per day rather
// than wildcarding dt= so the backend can skip whole days.
func (r *Reader) prune(ctx context.Context, p Params) ([]candidatePartition, error) {
	if p.From > 0 && p.To > 0 && p.To < p.From {
		return nil, nil
	}

	orgs, err := r.level(ctx, "", "organization_id=", p.OrganizationID)
	if err != nil {
		return nil, err
	}

	var out []candidatePartition
	for _, org := range orgs {
		orgPath := "organization_id=" + org
		projects, err := r.level(ctx, orgPath, "project_id=", p.ProjectID)
		if err != nil {
			return nil, err
		}

		for _, project := range projects {
			projPath := orgPath + "/project_id=" + project
			types, err := r.level(ctx, projPath, "event_type=", p.EventType)
			if err != nil {
				return nil, err
			}

			for _, eventType := range types {
				typePath := projPath + "/event_type=" + eventType

				dates, err := r.candidateDates(ctx, typePath, p)
				if err != nil {
					return nil, err
				}

				for _, date := range dates {
					out = append(out, candidatePartition{
						key: partition.Key{
							OrganizationID: org,
							ProjectID:      project,
							EventType:      eventType,
							Date:           date,
						},
						path: typePath + "/dt=" + date,
					})
				}
			}
		}
	}
	return out, nil
}

// level resolves one partition dimension: a literal segment when the
// value is specified, a prefix enumeration otherwise.
func (r *Reader) level(ctx context.Context, parent, seg, value string) ([]string, error) {
	if value != "" {
		return []string{value}, nil
	}

	prefixes, err := r.backend.ListPrefixes(ctx, parent)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindTransientIO, err, "enumerating partitions")
	}

	var vals []string
	for _, pre := range prefixes {
		if strings.HasPrefix(pre, seg) {
			vals = append(vals, strings.TrimPrefix(pre, seg))
		}
	}
	return vals, nil
}

func (r *Reader) candidateDates(ctx context.Context, typePath string, p Params) ([]string, error) {
	if p.From > 0 && p.To > 0 {
		return partition.EnumerateDates(p.From, p.To), nil
	}

	// open-ended range: enumerate what exists, then bound it
	dates, err := r.level(ctx, typePath, "dt=", "")
	if err != nil {
		return nil, err
	}
	sort.Strings(dates)

	var out []string
	for _, d := range dates {
		if p.From > 0 && d < time.UnixMilli(p.From).UTC().Format(partition.DateLayout) {
			continue
		}
		if p.To > 0 && d > time.UnixMilli(p.To).UTC().Format(partition.DateLayout) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// listPartition lists the data files of one partition directory. On
// object stores an empty result is retried briefly: list is only
// eventually consistent and a file written moments ago may not appear
// yet.
func (r *Reader) listPartition(ctx context.Context, path string) ([]backend.FileInfo, error) {
	list := func() ([]backend.FileInfo, error) {
		files, err := r.backend.List(ctx, path)
		if err != nil {
			return nil, err
		}
		var data []backend.FileInfo
		for _, f := range files {
			if partition.IsDataFile(f.Name) {
				data = append(data, f)
			}
		}
		return data, nil
	}

	files, err := list()
	if err != nil || len(files) > 0 || r.backend.Kind() != backend.KindS3 {
		return files, err
	}

	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		MaxRetries: 2,
	})
	for bo.Ongoing() {
		bo.Wait()
		files, err = list()
		if err != nil || len(files) > 0 {
			return files, err
		}
	}
	return files, nil
}

// Iterator is a finite, single-pass, cancellable sequence of rows.
// Next returns (nil, nil) after the last row.
type Iterator struct {
	ctx        context.Context
	reader     *Reader
	params     Params
	projection []string

	partitions []candidatePartition
	files      []fileRef
	filesInit  bool

	queue   []map[string]interface{}
	emitted int

	filesTotal  int
	filesFailed int

	err    error
	closed bool
}

type fileRef struct {
	key  partition.Key
	path string
}

func (it *Iterator) Next() (map[string]interface{}, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.closed {
		return nil, nil
	}
	if err := it.ctx.Err(); err != nil {
		return nil, apierror.Wrap(apierror.KindCancelled, err, "read cancelled")
	}
	if it.params.Limit > 0 && it.emitted >= it.params.Limit {
		return nil, nil
	}

	for len(it.queue) == 0 {
		if !it.nextFile() {
			if it.err != nil {
				return nil, it.err
			}
			return nil, nil
		}
	}

	row := it.queue[0]
	it.queue = it.queue[1:]
	it.emitted++
	return row, nil
}

func (it *Iterator) Close() { it.closed = true }

// nextFile decodes the next candidate file into the queue. Returns
// false when no files remain or a terminal error occurred.
func (it *Iterator) nextFile() bool {
	if !it.filesInit {
		it.filesInit = true
		for _, part := range it.partitions {
			infos, err := it.reader.listPartition(it.ctx, part.path)
			if err != nil {
				// a missing or unlistable directory is an empty partition
				level.Debug(it.reader.logger).Log("msg", "listing partition failed", "partition", part.path, "err", err)
				continue
			}
			for _, info := range infos {
				it.files = append(it.files, fileRef{key: part.key, path: info.Path})
			}
		}
		it.filesTotal = len(it.files)
	}

	for len(it.files) > 0 {
		f := it.files[0]
		it.files = it.files[1:]

		rows, err := it.reader.decodeFile(it.ctx, f.key, f.path, it.params, it.projection)
		if err != nil {
			if apierror.Is(err, apierror.KindCancelled) {
				it.err = err
				return false
			}
			it.filesFailed++
			level.Warn(it.reader.logger).Log("msg", "skipping unreadable file", "file", f.path, "err", err)
			if it.filesFailed == it.filesTotal {
				it.err = apierror.Wrap(apierror.KindTransientIO, err, "every candidate file failed")
				return false
			}
			continue
		}

		if len(rows) > 0 {
			it.queue = rows
			return true
		}
	}
	return false
}

// decodeFile reads one columnar file, applies the timestamp range and
// row filters, and materialises projected maps.
func (r *Reader) decodeFile(ctx context.Context, key partition.Key, path string, p Params, projection []string) ([]map[string]interface{}, error) {
	rc, size, err := r.backend.Open(ctx, path)
	if err != nil {
		if errors.Is(err, backend.ErrDoesNotExist) {
			// raced with compaction, not a failure
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	pf, err := parquet.OpenFile(bytes.NewReader(data), size)
	if err != nil {
		return nil, errors.Wrapf(err, "opening parquet file %s", path)
	}

	gr := parquet.NewGenericReader[schema.WideEvent](pf)
	defer gr.Close()

	var out []map[string]interface{}
	buf := make([]schema.WideEvent, decodeBatchSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, apierror.Wrap(apierror.KindCancelled, err, "read cancelled")
		}

		n, err := gr.Read(buf)
		for i := 0; i < n; i++ {
			e := buf[i]
			synthesizePartitionColumns(&e, key)

			if p.From > 0 && e.Timestamp < p.From {
				continue
			}
			if p.To > 0 && e.Timestamp > p.To {
				continue
			}
			if !MatchAll(p.Filters, e.Value) {
				continue
			}

			out = append(out, e.AsMap(projection))
		}

		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s", path)
		}
	}
}

// synthesizePartitionColumns fills attributes that live only in the
// directory path onto the decoded row.
func synthesizePartitionColumns(e *schema.WideEvent, key partition.Key) {
	if e.OrganizationID == nil && key.OrganizationID != "" {
		org := key.OrganizationID
		e.OrganizationID = &org
	}
	if e.ProjectID == "" {
		e.ProjectID = key.ProjectID
	}
	if e.EventType == "" {
		e.EventType = key.EventType
	}
}
