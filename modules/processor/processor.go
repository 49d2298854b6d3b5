// Package processor turns validated intake payloads into stored rows:
// it normalizes the payload, assigns the fingerprint, maintains the
// Issue aggregate and hands the row to the partitioned writer.
package processor

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedricziel/errata/eventdb/schema"
	"github.com/cedricziel/errata/eventdb/writer"
	"github.com/cedricziel/errata/modules/issues"
	"github.com/cedricziel/errata/pkg/bus"
)

var metricProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "errata",
	Name:      "events_processed_total",
	Help:      "Events processed by outcome.",
}, []string{"outcome"})

// Processor is the process-event consumer. As a service it owns the
// writer's lifecycle: stopping flushes buffered rows.
type Processor struct {
	services.Service

	writer *writer.Writer
	issues issues.Store
	logger log.Logger
}

func New(w *writer.Writer, is issues.Store, logger log.Logger) *Processor {
	p := &Processor{writer: w, issues: is, logger: logger}
	p.Service = services.NewIdleService(nil, p.stopping)
	return p
}

func (p *Processor) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.writer.Close(ctx)
}

// HandleProcessEvent is the bus consumer for one intake payload.
func (p *Processor) HandleProcessEvent(ctx context.Context, msg bus.Message) error {
	m, ok := msg.(bus.ProcessEvent)
	if !ok {
		return errors.Errorf("unexpected message type %T on %s", msg, bus.QueueProcessEvent)
	}

	event, err := schema.Normalize(m.EventData)
	if err != nil {
		// malformed payloads are dropped, not retried
		metricProcessed.WithLabelValues("invalid").Inc()
		level.Warn(p.logger).Log("msg", "dropping invalid event", "project", m.ProjectID, "err", err)
		return nil
	}

	if m.ProjectID != "" {
		event.ProjectID = m.ProjectID
	}
	if m.Environment != "" && event.Environment == nil {
		env := m.Environment
		event.Environment = &env
	}

	if event.Fingerprint == nil || *event.Fingerprint == "" {
		fp := schema.Fingerprint(event)
		event.Fingerprint = &fp
	}

	if err := p.upsertIssue(ctx, event); err != nil {
		level.Warn(p.logger).Log("msg", "issue upsert failed", "project", event.ProjectID, "fingerprint", *event.Fingerprint, "err", err)
	}

	if err := p.writer.AddEvent(ctx, event); err != nil {
		metricProcessed.WithLabelValues("error").Inc()
		return errors.Wrap(err, "buffering event")
	}

	metricProcessed.WithLabelValues("success").Inc()
	return nil
}

func (p *Processor) upsertIssue(ctx context.Context, event *schema.WideEvent) error {
	_, err := p.issues.Upsert(ctx, issues.Seen{
		ProjectID:   event.ProjectID,
		Fingerprint: *event.Fingerprint,
		At:          time.UnixMilli(event.Timestamp).UTC(),
		Type:        event.EventType,
		Severity:    deref(event.Severity),
		Title:       issueTitle(event),
	})
	return err
}

// issueTitle picks the most descriptive short string the event offers.
func issueTitle(event *schema.WideEvent) string {
	switch {
	case event.ExceptionType != nil && *event.ExceptionType != "":
		return *event.ExceptionType
	case event.Message != nil && *event.Message != "":
		return *event.Message
	case event.MetricName != nil && *event.MetricName != "":
		return *event.MetricName
	case event.Operation != nil && *event.Operation != "":
		return *event.Operation
	}
	return event.EventType
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
