// Package schema defines the wide event: one flat record type carrying
// every telemetry attribute, with unused columns null. The WideEvent
// struct doubles as the parquet schema; column order matches the
// on-disk layout contract.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Event types and severities are closed domains.
const (
	TypeCrash  = "crash"
	TypeError  = "error"
	TypeLog    = "log"
	TypeMetric = "metric"
	TypeSpan   = "span"
)

var (
	EventTypes = []string{TypeCrash, TypeError, TypeLog, TypeMetric, TypeSpan}
	Severities = []string{"trace", "debug", "info", "warning", "error", "fatal"}
)

func ValidEventType(s string) bool {
	for _, t := range EventTypes {
		if s == t {
			return true
		}
	}
	return false
}

func ValidSeverity(s string) bool {
	for _, sv := range Severities {
		if s == sv {
			return true
		}
	}
	return false
}

// WideEvent is the single row type of the columnar store. Pointer
// fields are nullable columns; enum-ish strings are dictionary encoded.
type WideEvent struct {
	EventID        string  `parquet:"event_id,snappy"`
	Timestamp      int64   `parquet:"timestamp,snappy"`
	OrganizationID *string `parquet:"organization_id,snappy,dict,optional"`
	ProjectID      string  `parquet:"project_id,snappy,dict"`
	EventType      string  `parquet:"event_type,snappy,dict"`
	Fingerprint    *string `parquet:"fingerprint,snappy,dict,optional"`

	Severity *string `parquet:"severity,snappy,dict,optional"`

	Message       *string `parquet:"message,snappy,optional"`
	ExceptionType *string `parquet:"exception_type,snappy,dict,optional"`
	StackTrace    *string `parquet:"stack_trace,snappy,optional"`

	AppVersion  *string `parquet:"app_version,snappy,dict,optional"`
	AppBuild    *string `parquet:"app_build,snappy,dict,optional"`
	BundleID    *string `parquet:"bundle_id,snappy,dict,optional"`
	Environment *string `parquet:"environment,snappy,dict,optional"`

	DeviceModel *string `parquet:"device_model,snappy,dict,optional"`
	DeviceID    *string `parquet:"device_id,snappy,dict,optional"`
	OSName      *string `parquet:"os_name,snappy,dict,optional"`
	OSVersion   *string `parquet:"os_version,snappy,dict,optional"`
	Locale      *string `parquet:"locale,snappy,dict,optional"`
	Timezone    *string `parquet:"timezone,snappy,dict,optional"`

	MemoryUsed   *int64   `parquet:"memory_used,snappy,optional"`
	MemoryTotal  *int64   `parquet:"memory_total,snappy,optional"`
	DiskFree     *int64   `parquet:"disk_free,snappy,optional"`
	BatteryLevel *float64 `parquet:"battery_level,snappy,optional"`

	TraceID      *string  `parquet:"trace_id,snappy,optional"`
	SpanID       *string  `parquet:"span_id,snappy,optional"`
	ParentSpanID *string  `parquet:"parent_span_id,snappy,optional"`
	Operation    *string  `parquet:"operation,snappy,dict,optional"`
	DurationMS   *float64 `parquet:"duration_ms,snappy,optional"`
	SpanStatus   *string  `parquet:"span_status,snappy,dict,optional"`

	MetricName  *string  `parquet:"metric_name,snappy,dict,optional"`
	MetricValue *float64 `parquet:"metric_value,snappy,optional"`
	MetricUnit  *string  `parquet:"metric_unit,snappy,dict,optional"`

	UserID    *string `parquet:"user_id,snappy,dict,optional"`
	SessionID *string `parquet:"session_id,snappy,dict,optional"`

	Tags        *string `parquet:"tags,snappy,optional"`
	Context     *string `parquet:"context,snappy,optional"`
	Breadcrumbs *string `parquet:"breadcrumbs,snappy,optional"`
}

type column struct {
	name string
	get  func(e *WideEvent) (interface{}, bool)
	set  func(e *WideEvent, v interface{}) error
}

func strCol(name string, f func(e *WideEvent) **string) column {
	return column{
		name: name,
		get: func(e *WideEvent) (interface{}, bool) {
			p := *f(e)
			if p == nil {
				return nil, false
			}
			return *p, true
		},
		set: func(e *WideEvent, v interface{}) error {
			s, err := coerceString(v)
			if err != nil {
				return errors.Wrap(err, name)
			}
			*f(e) = &s
			return nil
		},
	}
}

// jsonCol is a string column that JSON-encodes structured values.
func jsonCol(name string, f func(e *WideEvent) **string) column {
	c := strCol(name, f)
	c.set = func(e *WideEvent, v interface{}) error {
		var s string
		switch t := v.(type) {
		case string:
			s = t
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return errors.Wrap(err, name)
			}
			s = string(b)
		}
		*f(e) = &s
		return nil
	}
	return c
}

func intCol(name string, f func(e *WideEvent) **int64) column {
	return column{
		name: name,
		get: func(e *WideEvent) (interface{}, bool) {
			p := *f(e)
			if p == nil {
				return nil, false
			}
			return *p, true
		},
		set: func(e *WideEvent, v interface{}) error {
			n, err := coerceInt64(v)
			if err != nil {
				return errors.Wrap(err, name)
			}
			*f(e) = &n
			return nil
		},
	}
}

func floatCol(name string, f func(e *WideEvent) **float64) column {
	return column{
		name: name,
		get: func(e *WideEvent) (interface{}, bool) {
			p := *f(e)
			if p == nil {
				return nil, false
			}
			return *p, true
		},
		set: func(e *WideEvent, v interface{}) error {
			n, err := coerceFloat64(v)
			if err != nil {
				return errors.Wrap(err, name)
			}
			*f(e) = &n
			return nil
		},
	}
}

// columns lists every schema column in on-disk order.
var columns = []column{
	{
		name: "event_id",
		get:  func(e *WideEvent) (interface{}, bool) { return e.EventID, e.EventID != "" },
		set: func(e *WideEvent, v interface{}) error {
			s, err := coerceString(v)
			if err != nil {
				return errors.Wrap(err, "event_id")
			}
			e.EventID = s
			return nil
		},
	},
	{
		name: "timestamp",
		get:  func(e *WideEvent) (interface{}, bool) { return e.Timestamp, e.Timestamp != 0 },
		set: func(e *WideEvent, v interface{}) error {
			n, err := coerceInt64(v)
			if err != nil {
				return errors.Wrap(err, "timestamp")
			}
			e.Timestamp = n
			return nil
		},
	},
	strCol("organization_id", func(e *WideEvent) **string { return &e.OrganizationID }),
	{
		name: "project_id",
		get:  func(e *WideEvent) (interface{}, bool) { return e.ProjectID, e.ProjectID != "" },
		set: func(e *WideEvent, v interface{}) error {
			s, err := coerceString(v)
			if err != nil {
				return errors.Wrap(err, "project_id")
			}
			e.ProjectID = s
			return nil
		},
	},
	{
		name: "event_type",
		get:  func(e *WideEvent) (interface{}, bool) { return e.EventType, e.EventType != "" },
		set: func(e *WideEvent, v interface{}) error {
			s, err := coerceString(v)
			if err != nil {
				return errors.Wrap(err, "event_type")
			}
			e.EventType = s
			return nil
		},
	},
	strCol("fingerprint", func(e *WideEvent) **string { return &e.Fingerprint }),
	strCol("severity", func(e *WideEvent) **string { return &e.Severity }),
	strCol("message", func(e *WideEvent) **string { return &e.Message }),
	strCol("exception_type", func(e *WideEvent) **string { return &e.ExceptionType }),
	jsonCol("stack_trace", func(e *WideEvent) **string { return &e.StackTrace }),
	strCol("app_version", func(e *WideEvent) **string { return &e.AppVersion }),
	strCol("app_build", func(e *WideEvent) **string { return &e.AppBuild }),
	strCol("bundle_id", func(e *WideEvent) **string { return &e.BundleID }),
	strCol("environment", func(e *WideEvent) **string { return &e.Environment }),
	strCol("device_model", func(e *WideEvent) **string { return &e.DeviceModel }),
	strCol("device_id", func(e *WideEvent) **string { return &e.DeviceID }),
	strCol("os_name", func(e *WideEvent) **string { return &e.OSName }),
	strCol("os_version", func(e *WideEvent) **string { return &e.OSVersion }),
	strCol("locale", func(e *WideEvent) **string { return &e.Locale }),
	strCol("timezone", func(e *WideEvent) **string { return &e.Timezone }),
	intCol("memory_used", func(e *WideEvent) **int64 { return &e.MemoryUsed }),
	intCol("memory_total", func(e *WideEvent) **int64 { return &e.MemoryTotal }),
	intCol("disk_free", func(e *WideEvent) **int64 { return &e.DiskFree }),
	floatCol("battery_level", func(e *WideEvent) **float64 { return &e.BatteryLevel }),
	strCol("trace_id", func(e *WideEvent) **string { return &e.TraceID }),
	strCol("span_id", func(e *WideEvent) **string { return &e.SpanID }),
	strCol("parent_span_id", func(e *WideEvent) **string { return &e.ParentSpanID }),
	strCol("operation", func(e *WideEvent) **string { return &e.Operation }),
	floatCol("duration_ms", func(e *WideEvent) **float64 { return &e.DurationMS }),
	strCol("span_status", func(e *WideEvent) **string { return &e.SpanStatus }),
	strCol("metric_name", func(e *WideEvent) **string { return &e.MetricName }),
	floatCol("metric_value", func(e *WideEvent) **float64 { return &e.MetricValue }),
	strCol("metric_unit", func(e *WideEvent) **string { return &e.MetricUnit }),
	strCol("user_id", func(e *WideEvent) **string { return &e.UserID }),
	strCol("session_id", func(e *WideEvent) **string { return &e.SessionID }),
	jsonCol("tags", func(e *WideEvent) **string { return &e.Tags }),
	jsonCol("context", func(e *WideEvent) **string { return &e.Context }),
	jsonCol("breadcrumbs", func(e *WideEvent) **string { return &e.Breadcrumbs }),
}

var columnsByName = func() map[string]column {
	m := make(map[string]column, len(columns))
	for _, c := range columns {
		m[c.name] = c
	}
	return m
}()

// Columns returns every column name in on-disk order.
func Columns() []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.name
	}
	return names
}

// IsColumn reports whether name is a schema column.
func IsColumn(name string) bool {
	_, ok := columnsByName[name]
	return ok
}

// Value returns the named column's value and whether it is non-null.
func (e *WideEvent) Value(name string) (interface{}, bool) {
	c, ok := columnsByName[name]
	if !ok {
		return nil, false
	}
	return c.get(e)
}

// AsMap materialises the event as a map. A nil projection yields every
// non-null column; otherwise only the projected columns are included.
func (e *WideEvent) AsMap(projection []string) map[string]interface{} {
	out := make(map[string]interface{})
	if projection == nil {
		for _, c := range columns {
			if v, ok := c.get(e); ok {
				out[c.name] = v
			}
		}
		return out
	}
	for _, name := range projection {
		if v, ok := e.Value(name); ok {
			out[name] = v
		}
	}
	return out
}

func coerceString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("cannot use %T as string", v)
	}
}

func coerceInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("cannot use %T as int64", v)
	}
}

func coerceFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("cannot use %T as float64", v)
	}
}
