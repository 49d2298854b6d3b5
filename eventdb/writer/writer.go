// Package writer buffers wide events per partition and flushes them as
// columnar files under the Hive layout. One writer instance owns its
// buffers; concurrent writers are safe against each other because file
// names never collide.
package writer

import (
	"bytes"
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/parquet-go/parquet-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedricziel/errata/eventdb/backend"
	"github.com/cedricziel/errata/eventdb/partition"
	"github.com/cedricziel/errata/eventdb/schema"
	"github.com/cedricziel/errata/pkg/apierror"
	"github.com/cedricziel/errata/pkg/util"
)

const DefaultBatchSize = 1000

var (
	metricFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "writer_flushes_total",
		Help:      "Partition buffer flushes.",
	})
	metricFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "writer_flush_failures_total",
		Help:      "Partition buffer flushes that failed and were retained.",
	})
	metricRowsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "writer_rows_flushed_total",
		Help:      "Rows written to columnar files.",
	})
)

type Config struct {
	BatchSize int `yaml:"batch_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BatchSize, util.PrefixConfig(prefix, "batch_size"), DefaultBatchSize, "events buffered per partition before a flush.")
}

// Writer is the partitioned event writer.
type Writer struct {
	cfg     *Config
	backend backend.Backend
	logger  log.Logger

	mtx     sync.Mutex
	buffers map[partition.Key][]schema.WideEvent
}

func New(cfg *Config, be backend.Backend, logger log.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Writer{
		cfg:     cfg,
		backend: be,
		logger:  logger,
		buffers: make(map[partition.Key][]schema.WideEvent),
	}
}

func keyForEvent(e *schema.WideEvent) partition.Key {
	org := ""
	if e.OrganizationID != nil {
		org = *e.OrganizationID
	}
	return partition.KeyForEvent(org, e.ProjectID, e.EventType, e.Timestamp)
}

// AddEvent buffers one event, flushing its partition when the buffer
// reaches the configured batch size.
func (w *Writer) AddEvent(ctx context.Context, e *schema.WideEvent) error {
	return w.AddEvents(ctx, []*schema.WideEvent{e})
}

func (w *Writer) AddEvents(ctx context.Context, events []*schema.WideEvent) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	for _, e := range events {
		key := keyForEvent(e)
		w.buffers[key] = append(w.buffers[key], *e)

		if len(w.buffers[key]) >= w.cfg.BatchSize {
			if err := w.flushPartitionLocked(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes out every buffered partition. Buffers whose flush fails
// are retained; the first error is returned after all partitions have
// been attempted.
func (w *Writer) Flush(ctx context.Context) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	var firstErr error
	for key := range w.buffers {
		if err := w.flushPartitionLocked(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Writer) FlushPartition(ctx context.Context, key partition.Key) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.flushPartitionLocked(ctx, key)
}

func (w *Writer) flushPartitionLocked(ctx context.Context, key partition.Key) error {
	events := w.buffers[key]
	if len(events) == 0 {
		return nil
	}

	if _, err := w.writeFile(ctx, key, events); err != nil {
		// buffer retained, caller may retry
		metricFlushFailures.Inc()
		return err
	}

	delete(w.buffers, key)
	metricFlushes.Inc()
	metricRowsFlushed.Add(float64(len(events)))
	return nil
}

// WriteEvents writes a batch directly, bypassing buffering. The file
// path is determined by the first event. All events must belong to the
// same partition.
func (w *Writer) WriteEvents(ctx context.Context, events []*schema.WideEvent) (string, error) {
	if len(events) == 0 {
		return "", apierror.New(apierror.KindValidation, "no events to write")
	}

	key := keyForEvent(events[0])
	for _, e := range events[1:] {
		if keyForEvent(e) != key {
			return "", apierror.New(apierror.KindValidation, "events span multiple partitions")
		}
	}

	batch := make([]schema.WideEvent, len(events))
	for i, e := range events {
		batch[i] = *e
	}
	return w.writeFile(ctx, key, batch)
}

func (w *Writer) writeFile(ctx context.Context, key partition.Key, events []schema.WideEvent) (string, error) {
	data, err := Serialize(events)
	if err != nil {
		return "", err
	}

	name := partition.EventFileName(time.UnixMilli(events[0].Timestamp))
	path := key.Path() + "/" + name

	if err := w.backend.Write(ctx, path, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", apierror.Wrap(apierror.KindTransientIO, err, "writing event file")
	}

	level.Debug(w.logger).Log("msg", "flushed partition", "partition", key.Path(), "file", name, "events", len(events), "bytes", len(data))
	return path, nil
}

// Close flushes all remaining buffers.
func (w *Writer) Close(ctx context.Context) error {
	return w.Flush(ctx)
}

// Serialize encodes events as one parquet file. Encoding failures are
// fatal: they indicate a schema mismatch, not an I/O condition.
func Serialize(events []schema.WideEvent) ([]byte, error) {
	var buf bytes.Buffer

	pw := parquet.NewGenericWriter[schema.WideEvent](&buf)
	if _, err := pw.Write(events); err != nil {
		return nil, apierror.Wrap(apierror.KindFatalIO, err, "encoding events")
	}
	if err := pw.Close(); err != nil {
		return nil, apierror.Wrap(apierror.KindFatalIO, err, "closing parquet writer")
	}

	return buf.Bytes(), nil
}
