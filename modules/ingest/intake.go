// Package ingest is the write-side HTTP surface: the native intake
// endpoints plus the OTLP receivers. Handlers validate and acknowledge
// quickly; everything heavier happens behind the bus.
package ingest

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedricziel/errata/eventdb/schema"
	"github.com/cedricziel/errata/pkg/apierror"
	"github.com/cedricziel/errata/pkg/bus"
	"github.com/cedricziel/errata/pkg/util"
)

const (
	DefaultMaxBatchSize = 100
	maxBodyBytes        = 8 << 20
)

var metricAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "errata",
	Name:      "ingest_events_total",
	Help:      "Intake events by outcome.",
}, []string{"endpoint", "outcome"})

type Config struct {
	MaxBatchSize int `yaml:"max_batch_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxBatchSize, util.PrefixConfig(prefix, "max_batch_size"), DefaultMaxBatchSize, "maximum events per batch request.")
}

type Intake struct {
	cfg      Config
	bus      bus.Bus
	resolver KeyResolver
	logger   log.Logger
}

func NewIntake(cfg Config, b bus.Bus, resolver KeyResolver, logger log.Logger) *Intake {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	return &Intake{cfg: cfg, bus: b, resolver: resolver, logger: logger}
}

func (i *Intake) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/events", Authenticate(i.resolver, i.handleEvent)).Methods(http.MethodPost)
	r.HandleFunc("/events/batch", Authenticate(i.resolver, i.handleBatch)).Methods(http.MethodPost)
	i.registerOTLPRoutes(r)
}

// normalizeEnvelope fills the fields the intake pipeline owns before
// validation: event id, receive-time timestamp and the key's scope.
func normalizeEnvelope(event map[string]interface{}, scope *Scope) {
	if _, ok := event["event_id"]; !ok {
		event["event_id"] = util.NewUUIDv7()
	}
	if _, ok := event["timestamp"]; !ok {
		event["timestamp"] = time.Now().UnixMilli()
	}
	event["organization_id"] = scope.OrganizationID
	event["project_id"] = scope.ProjectID
	if _, ok := event["environment"]; !ok && scope.Environment != "" {
		event["environment"] = scope.Environment
	}
}

func (i *Intake) publish(r *http.Request, scope *Scope, event map[string]interface{}) error {
	return i.bus.Publish(r.Context(), bus.ProcessEvent{
		EventData:   event,
		ProjectID:   scope.ProjectID,
		Environment: scope.Environment,
	})
}

// decodeEvents reads a request body in any of the accepted shapes: a
// single event object, a bare array, or the {events: [...]} wrapper.
func decodeEvents(r *http.Request) ([]map[string]interface{}, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "reading request body")
	}
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '[' {
		var events []map[string]interface{}
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, apierror.Wrap(apierror.KindValidation, err, "malformed request body")
		}
		return events, nil
	}

	// "events" is not a schema column, so an object holding only that
	// key is unambiguously the wrapped form
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "malformed request body")
	}
	if raw, ok := obj["events"]; ok && len(obj) == 1 {
		var events []map[string]interface{}
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, apierror.Wrap(apierror.KindValidation, err, "malformed events list")
		}
		return events, nil
	}

	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "malformed request body")
	}
	return []map[string]interface{}{event}, nil
}

// handleEvent accepts one event, or a few via the wrapped form. Unlike
// the batch endpoint a single invalid event rejects the whole request.
func (i *Intake) handleEvent(w http.ResponseWriter, r *http.Request) {
	scope, _ := ScopeFromContext(r.Context())

	events, err := decodeEvents(r)
	if err != nil {
		metricAccepted.WithLabelValues("event", "rejected").Inc()
		apierror.WriteJSON(w, err)
		return
	}
	if len(events) == 0 {
		metricAccepted.WithLabelValues("event", "rejected").Inc()
		apierror.WriteJSON(w, apierror.New(apierror.KindValidation, "request contains no events"))
		return
	}

	for _, event := range events {
		normalizeEnvelope(event, scope)
		if errs := schema.Validate(event); len(errs) > 0 {
			metricAccepted.WithLabelValues("event", "rejected").Inc()
			apierror.WriteJSON(w, schema.ValidationError(errs))
			return
		}
	}

	for _, event := range events {
		if err := i.publish(r, scope, event); err != nil {
			metricAccepted.WithLabelValues("event", "error").Inc()
			apierror.WriteJSON(w, err)
			return
		}
		metricAccepted.WithLabelValues("event", "accepted").Inc()
	}

	message := "event accepted"
	if len(events) > 1 {
		message = fmt.Sprintf("%d events accepted", len(events))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "message": message})
}

type batchItemError struct {
	Index  int               `json:"index"`
	Errors map[string]string `json:"errors"`
}

type batchResponse struct {
	Status   string           `json:"status"`
	Accepted int              `json:"accepted"`
	Total    int              `json:"total"`
	Errors   []batchItemError `json:"errors,omitempty"`
}

// handleBatch accepts the valid events of a batch and reports the
// invalid ones per index. Only an empty or oversized batch is rejected
// wholesale.
func (i *Intake) handleBatch(w http.ResponseWriter, r *http.Request) {
	scope, _ := ScopeFromContext(r.Context())

	events, err := decodeEvents(r)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	if len(events) == 0 {
		apierror.WriteJSON(w, apierror.New(apierror.KindValidation, "batch must contain at least one event"))
		return
	}
	if len(events) > i.cfg.MaxBatchSize {
		apierror.WriteJSON(w, apierror.Newf(apierror.KindValidation, "batch exceeds %d events", i.cfg.MaxBatchSize))
		return
	}

	resp := batchResponse{Status: "accepted", Total: len(events)}
	for idx, event := range events {
		normalizeEnvelope(event, scope)
		if errs := schema.Validate(event); len(errs) > 0 {
			fields := make(map[string]string, len(errs))
			for _, fe := range errs {
				fields[fe.Field] = fe.Message
			}
			resp.Errors = append(resp.Errors, batchItemError{Index: idx, Errors: fields})
			metricAccepted.WithLabelValues("batch", "rejected").Inc()
			continue
		}

		if err := i.publish(r, scope, event); err != nil {
			metricAccepted.WithLabelValues("batch", "error").Inc()
			apierror.WriteJSON(w, err)
			return
		}
		resp.Accepted++
		metricAccepted.WithLabelValues("batch", "accepted").Inc()
	}

	level.Debug(i.logger).Log("msg", "batch ingested", "project", scope.ProjectID, "accepted", resp.Accepted, "rejected", len(resp.Errors))
	writeJSON(w, http.StatusAccepted, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
