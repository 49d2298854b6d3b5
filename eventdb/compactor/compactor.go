// Package compactor merges the many small live-written event files of
// a partition into a few size-bounded block files. Source files are
// deleted only after every output block is durably written, so any
// failure leaves the partition re-mergeable.
package compactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/cedricziel/errata/eventdb/backend"
	"github.com/cedricziel/errata/eventdb/partition"
	"github.com/cedricziel/errata/eventdb/schema"
	"github.com/cedricziel/errata/eventdb/writer"
	"github.com/cedricziel/errata/pkg/lock"
)

var (
	metricRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "compaction_runs_total",
		Help:      "Compaction runs started.",
	})
	metricPartitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "compaction_partitions_total",
		Help:      "Per-partition compaction outcomes.",
	}, []string{"outcome"})
	metricEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "compaction_events_total",
		Help:      "Events rewritten into block files.",
	})
)

// Selector narrows a run to a subset of partitions. Empty dimensions
// are enumerated level by level from the store.
type Selector struct {
	OrganizationID string
	ProjectID      string
	EventType      string
	Date           string
}

// Result reports one partition's outcome.
type Result struct {
	Partition    string
	Skipped      bool
	Err          error
	SourceFiles  int
	FilesRemoved int
	Events       int
	Outputs      []string
}

// Summary aggregates a run.
type Summary struct {
	Partitions int
	Compacted  int
	Skipped    int
	Errors     int
	Events     int
	Results    []Result
}

type Compactor struct {
	cfg     *Config
	backend backend.Backend
	locker  lock.Locker
	logger  log.Logger
}

func New(cfg *Config, be backend.Backend, locker lock.Locker, logger log.Logger) *Compactor {
	if cfg.MaxBlockBytes <= 0 {
		cfg.MaxBlockBytes = DefaultMaxBlockBytes
	}
	if cfg.MaxFilesPerBatch <= 0 {
		cfg.MaxFilesPerBatch = DefaultMaxFilesPerBatch
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = DefaultLockLease
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Compactor{cfg: cfg, backend: be, locker: locker, logger: logger}
}

// Run compacts every partition matched by the selector and aggregates
// the per-partition results. Per-partition failures are non-fatal.
func (c *Compactor) Run(ctx context.Context, sel Selector) (Summary, error) {
	metricRuns.Inc()
	start := time.Now()

	paths, err := c.enumeratePartitions(ctx, sel)
	if err != nil {
		return Summary{}, err
	}

	// partitions are independent and guarded by named locks, so a run
	// can work several of them at once
	results := make([]Result, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Partition: p, Skipped: true}
				return err
			}
			results[i] = c.compactPartition(gctx, p)
			return nil
		})
	}
	runErr := g.Wait()

	summary := Summary{Partitions: len(paths), Results: results}
	for i := range results {
		res := results[i]
		switch {
		case res.Skipped:
			summary.Skipped++
			metricPartitions.WithLabelValues("skipped").Inc()
		case res.Err != nil:
			summary.Errors++
			metricPartitions.WithLabelValues("error").Inc()
			level.Error(c.logger).Log("msg", "partition compaction failed", "partition", res.Partition, "err", res.Err)
		default:
			summary.Compacted++
			summary.Events += res.Events
			metricEvents.Add(float64(res.Events))
			metricPartitions.WithLabelValues("success").Inc()
		}
	}

	level.Info(c.logger).Log("msg", "compaction run complete",
		"partitions", summary.Partitions, "compacted", summary.Compacted,
		"skipped", summary.Skipped, "errors", summary.Errors,
		"events", summary.Events, "duration", time.Since(start))
	return summary, runErr
}

// enumeratePartitions walks the hive layout level by level, going
// direct when all four dimensions are pinned.
func (c *Compactor) enumeratePartitions(ctx context.Context, sel Selector) ([]string, error) {
	if sel.OrganizationID != "" && sel.ProjectID != "" && sel.EventType != "" && sel.Date != "" {
		k := partition.Key{OrganizationID: sel.OrganizationID, ProjectID: sel.ProjectID, EventType: sel.EventType, Date: sel.Date}
		return []string{k.Path()}, nil
	}

	orgs, err := c.enumerateLevel(ctx, "", "organization_id=", sel.OrganizationID)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, org := range orgs {
		orgPath := "organization_id=" + org
		projects, err := c.enumerateLevel(ctx, orgPath, "project_id=", sel.ProjectID)
		if err != nil {
			return nil, err
		}
		for _, project := range projects {
			projPath := orgPath + "/project_id=" + project
			types, err := c.enumerateLevel(ctx, projPath, "event_type=", sel.EventType)
			if err != nil {
				return nil, err
			}
			for _, eventType := range types {
				typePath := projPath + "/event_type=" + eventType
				dates, err := c.enumerateLevel(ctx, typePath, "dt=", sel.Date)
				if err != nil {
					return nil, err
				}
				for _, date := range dates {
					paths = append(paths, typePath+"/dt="+date)
				}
			}
		}
	}
	return paths, nil
}

func (c *Compactor) enumerateLevel(ctx context.Context, parent, seg, value string) ([]string, error) {
	if value != "" {
		return []string{value}, nil
	}

	prefixes, err := c.backend.ListPrefixes(ctx, parent)
	if err != nil {
		return nil, errors.Wrapf(err, "enumerating %s under %s", seg, parent)
	}

	var vals []string
	for _, pre := range prefixes {
		if len(pre) > len(seg) && pre[:len(seg)] == seg {
			vals = append(vals, pre[len(seg):])
		}
	}
	sort.Strings(vals)
	return vals, nil
}

// LockName returns the mutual-exclusion lock name of a partition.
func LockName(partitionPath string) string {
	return fmt.Sprintf("compact:%016x", xxhash.Sum64String(partitionPath))
}

func (c *Compactor) compactPartition(ctx context.Context, partitionPath string) Result {
	res := Result{Partition: partitionPath}

	handle, err := c.locker.Acquire(ctx, LockName(partitionPath), c.cfg.LockLease)
	if errors.Is(err, lock.ErrNotAcquired) {
		// another worker owns this partition right now
		res.Skipped = true
		return res
	}
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if err := handle.Release(context.Background()); err != nil {
			level.Warn(c.logger).Log("msg", "releasing compaction lock failed", "partition", partitionPath, "err", err)
		}
	}()

	// enumerate sources before writing anything: files appearing after
	// this point belong to the next run and must survive untouched.
	files, err := c.backend.List(ctx, partitionPath)
	if err != nil {
		res.Err = errors.Wrap(err, "listing partition")
		return res
	}

	var sources []string
	for _, f := range files {
		if partition.IsEventFile(f.Name) {
			sources = append(sources, f.Path)
		}
	}
	sort.Strings(sources)
	if len(sources) > c.cfg.MaxFilesPerBatch {
		sources = sources[:c.cfg.MaxFilesPerBatch]
	}
	res.SourceFiles = len(sources)
	if len(sources) == 0 {
		return res
	}

	events, err := c.readSources(ctx, sources)
	if err != nil {
		res.Err = err
		return res
	}
	res.Events = len(events)

	if len(events) == 0 {
		// sources were rotated empty, just clear them
		res.FilesRemoved = c.removeSources(ctx, sources)
		return res
	}

	rowsPerBlock := c.estimateRowsPerBlock(events)
	outputs, err := c.writeBlocks(ctx, partitionPath, events, rowsPerBlock)
	res.Outputs = outputs
	if err != nil {
		// old and new files may coexist now; the next run re-merges
		res.Err = err
		return res
	}

	res.FilesRemoved = c.removeSources(ctx, sources)

	level.Info(c.logger).Log("msg", "compacted partition", "partition", partitionPath,
		"sources", len(sources), "events", len(events), "blocks", len(outputs),
		"rows_per_block", rowsPerBlock)
	return res
}

func (c *Compactor) readSources(ctx context.Context, sources []string) ([]schema.WideEvent, error) {
	var events []schema.WideEvent
	for _, src := range sources {
		rc, size, err := c.backend.Open(ctx, src)
		if err != nil {
			return nil, errors.Wrapf(err, "opening source %s", src)
		}

		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reading source %s", src)
		}

		pf, err := parquet.OpenFile(bytes.NewReader(data), size)
		if err != nil {
			return nil, errors.Wrapf(err, "opening parquet source %s", src)
		}

		gr := parquet.NewGenericReader[schema.WideEvent](pf)
		buf := make([]schema.WideEvent, 1024)
		for {
			n, err := gr.Read(buf)
			events = append(events, buf[:n]...)
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = gr.Close()
				return nil, errors.Wrapf(err, "decoding source %s", src)
			}
		}
		_ = gr.Close()
	}
	return events, nil
}

// estimateRowsPerBlock samples the JSON size of the buffered events and
// divides the block budget by the estimated serialized row size.
func (c *Compactor) estimateRowsPerBlock(events []schema.WideEvent) int {
	sample := events
	if len(sample) > 100 {
		sample = sample[:100]
	}

	totalBytes := 0
	for i := range sample {
		b, err := json.Marshal(sample[i].AsMap(nil))
		if err != nil {
			continue
		}
		totalBytes += len(b)
	}
	if totalBytes == 0 {
		return minRowsPerBlock
	}

	avg := float64(totalBytes) / float64(len(sample))
	rows := int(float64(c.cfg.MaxBlockBytes) / (avg / compressionFactor))
	if rows < minRowsPerBlock {
		rows = minRowsPerBlock
	}
	if rows > maxRowsPerBlock {
		rows = maxRowsPerBlock
	}
	return rows
}

func (c *Compactor) writeBlocks(ctx context.Context, partitionPath string, events []schema.WideEvent, rowsPerBlock int) ([]string, error) {
	now := time.Now().UTC()
	var outputs []string

	for idx := 0; len(events) > 0; idx++ {
		n := rowsPerBlock
		if n > len(events) {
			n = len(events)
		}
		chunk := events[:n]
		events = events[n:]

		data, err := writer.Serialize(chunk)
		if err != nil {
			return outputs, errors.Wrap(err, "encoding block")
		}

		path := partitionPath + "/" + partition.BlockFileName(now, idx)
		if err := c.backend.Write(ctx, path, bytes.NewReader(data), int64(len(data))); err != nil {
			return outputs, errors.Wrapf(err, "writing block %s", path)
		}
		outputs = append(outputs, path)

		level.Debug(c.logger).Log("msg", "wrote block", "block", path, "events", n, "size", humanize.Bytes(uint64(len(data))))
	}
	return outputs, nil
}

func (c *Compactor) removeSources(ctx context.Context, sources []string) int {
	removed := 0
	for _, src := range sources {
		if err := c.backend.Remove(ctx, src); err != nil {
			level.Warn(c.logger).Log("msg", "removing compacted source failed", "file", src, "err", err)
			continue
		}
		removed++
	}
	return removed
}
