package ingest

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/cedricziel/errata/pkg/apierror"
	"github.com/cedricziel/errata/pkg/util"
)

// OTLP receivers translate OpenTelemetry JSON payloads into wide
// events and feed them through the same pipeline as native intake.

func (i *Intake) registerOTLPRoutes(r *mux.Router) {
	r.HandleFunc("/v1/traces", Authenticate(i.resolver, i.handleOTLPTraces)).Methods(http.MethodPost)
	r.HandleFunc("/v1/logs", Authenticate(i.resolver, i.handleOTLPLogs)).Methods(http.MethodPost)
	r.HandleFunc("/v1/metrics", Authenticate(i.resolver, i.handleOTLPMetrics)).Methods(http.MethodPost)
}

func readOTLPBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "reading request body")
	}
	return data, nil
}

func (i *Intake) acceptOTLP(w http.ResponseWriter, r *http.Request, endpoint string, scope *Scope, events []map[string]interface{}) {
	for _, event := range events {
		normalizeEnvelope(event, scope)
		if err := i.publish(r, scope, event); err != nil {
			metricAccepted.WithLabelValues(endpoint, "error").Inc()
			apierror.WriteJSON(w, err)
			return
		}
		metricAccepted.WithLabelValues(endpoint, "accepted").Inc()
	}
	// OTLP expects an empty JSON object on success
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (i *Intake) handleOTLPTraces(w http.ResponseWriter, r *http.Request) {
	scope, _ := ScopeFromContext(r.Context())

	data, err := readOTLPBody(r)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	traces, err := (&ptrace.JSONUnmarshaler{}).UnmarshalTraces(data)
	if err != nil {
		apierror.WriteJSON(w, apierror.Wrap(apierror.KindValidation, err, "malformed OTLP traces payload"))
		return
	}

	var events []map[string]interface{}
	rss := traces.ResourceSpans()
	for ri := 0; ri < rss.Len(); ri++ {
		rs := rss.At(ri)
		serviceName := resourceServiceName(rs.Resource())
		sss := rs.ScopeSpans()
		for si := 0; si < sss.Len(); si++ {
			spans := sss.At(si).Spans()
			for k := 0; k < spans.Len(); k++ {
				events = append(events, spanEvent(spans.At(k), serviceName))
			}
		}
	}
	i.acceptOTLP(w, r, "otlp_traces", scope, events)
}

func spanEvent(span ptrace.Span, serviceName string) map[string]interface{} {
	event := map[string]interface{}{
		"event_id":   util.NewUUIDv7(),
		"event_type": "span",
		"operation":  span.Name(),
		"trace_id":   span.TraceID().String(),
		"span_id":    span.SpanID().String(),
	}
	if span.StartTimestamp() > 0 {
		event["timestamp"] = span.StartTimestamp().AsTime().UnixMilli()
	}
	if !span.ParentSpanID().IsEmpty() {
		event["parent_span_id"] = span.ParentSpanID().String()
	}
	if span.EndTimestamp() > span.StartTimestamp() {
		event["duration_ms"] = float64(span.EndTimestamp()-span.StartTimestamp()) / float64(time.Millisecond)
	}
	switch span.Status().Code() {
	case ptrace.StatusCodeError:
		event["span_status"] = "error"
	case ptrace.StatusCodeOk:
		event["span_status"] = "ok"
	default:
		event["span_status"] = "unset"
	}
	if serviceName != "" {
		event["bundle_id"] = serviceName
	}
	return event
}

func (i *Intake) handleOTLPLogs(w http.ResponseWriter, r *http.Request) {
	scope, _ := ScopeFromContext(r.Context())

	data, err := readOTLPBody(r)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	logs, err := (&plog.JSONUnmarshaler{}).UnmarshalLogs(data)
	if err != nil {
		apierror.WriteJSON(w, apierror.Wrap(apierror.KindValidation, err, "malformed OTLP logs payload"))
		return
	}

	var events []map[string]interface{}
	rls := logs.ResourceLogs()
	for ri := 0; ri < rls.Len(); ri++ {
		rl := rls.At(ri)
		serviceName := resourceServiceName(rl.Resource())
		sls := rl.ScopeLogs()
		for si := 0; si < sls.Len(); si++ {
			records := sls.At(si).LogRecords()
			for k := 0; k < records.Len(); k++ {
				events = append(events, logEvent(records.At(k), serviceName))
			}
		}
	}
	i.acceptOTLP(w, r, "otlp_logs", scope, events)
}

func logEvent(lr plog.LogRecord, serviceName string) map[string]interface{} {
	ts := lr.Timestamp()
	if ts == 0 {
		ts = lr.ObservedTimestamp()
	}

	event := map[string]interface{}{
		"event_id":   util.NewUUIDv7(),
		"event_type": "log",
		"message":    lr.Body().AsString(),
	}
	if ts > 0 {
		event["timestamp"] = ts.AsTime().UnixMilli()
	}
	if sev := otlpSeverity(lr.SeverityText()); sev != "" {
		event["severity"] = sev
	}
	if tid := lr.TraceID(); !tid.IsEmpty() {
		event["trace_id"] = tid.String()
	}
	if sid := lr.SpanID(); !sid.IsEmpty() {
		event["span_id"] = sid.String()
	}
	if serviceName != "" {
		event["bundle_id"] = serviceName
	}
	return event
}

// otlpSeverity maps OTLP severity text to the store's severity enum.
func otlpSeverity(text string) string {
	switch s := strings.ToLower(text); s {
	case "trace", "debug", "info", "warning", "error", "fatal":
		return s
	case "warn":
		return "warning"
	case "critical":
		return "fatal"
	}
	return ""
}

func (i *Intake) handleOTLPMetrics(w http.ResponseWriter, r *http.Request) {
	scope, _ := ScopeFromContext(r.Context())

	data, err := readOTLPBody(r)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	metrics, err := (&pmetric.JSONUnmarshaler{}).UnmarshalMetrics(data)
	if err != nil {
		apierror.WriteJSON(w, apierror.Wrap(apierror.KindValidation, err, "malformed OTLP metrics payload"))
		return
	}

	var events []map[string]interface{}
	rms := metrics.ResourceMetrics()
	for ri := 0; ri < rms.Len(); ri++ {
		rm := rms.At(ri)
		serviceName := resourceServiceName(rm.Resource())
		sms := rm.ScopeMetrics()
		for si := 0; si < sms.Len(); si++ {
			ms := sms.At(si).Metrics()
			for k := 0; k < ms.Len(); k++ {
				events = append(events, metricEvents(ms.At(k), serviceName)...)
			}
		}
	}
	i.acceptOTLP(w, r, "otlp_metrics", scope, events)
}

// metricEvents flattens one metric into one event per data point.
// Gauge and sum points are supported; histogram shapes are skipped.
func metricEvents(m pmetric.Metric, serviceName string) []map[string]interface{} {
	var dps pmetric.NumberDataPointSlice
	switch m.Type() {
	case pmetric.MetricTypeGauge:
		dps = m.Gauge().DataPoints()
	case pmetric.MetricTypeSum:
		dps = m.Sum().DataPoints()
	default:
		return nil
	}

	events := make([]map[string]interface{}, 0, dps.Len())
	for i := 0; i < dps.Len(); i++ {
		dp := dps.At(i)

		var value float64
		switch dp.ValueType() {
		case pmetric.NumberDataPointValueTypeDouble:
			value = dp.DoubleValue()
		case pmetric.NumberDataPointValueTypeInt:
			value = float64(dp.IntValue())
		}

		event := map[string]interface{}{
			"event_id":     util.NewUUIDv7(),
			"event_type":   "metric",
			"metric_name":  m.Name(),
			"metric_value": value,
		}
		if dp.Timestamp() > 0 {
			event["timestamp"] = dp.Timestamp().AsTime().UnixMilli()
		}
		if m.Unit() != "" {
			event["metric_unit"] = m.Unit()
		}
		if serviceName != "" {
			event["bundle_id"] = serviceName
		}
		events = append(events, event)
	}
	return events
}

func resourceServiceName(res pcommon.Resource) string {
	if v, ok := res.Attributes().Get("service.name"); ok {
		return v.AsString()
	}
	return ""
}
