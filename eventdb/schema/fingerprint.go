package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const fingerprintFrames = 5

var (
	reDigits = regexp.MustCompile(`[0-9]+`)
	reQuoted = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	reHexish = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// Fingerprint derives the stable grouping hash for an event. It never
// reads timestamp or event_id, so equivalent retries hash identically:
//
//	crash/error: exception type + top normalized stack frames
//	log:         severity + message template
//	metric:      metric name
//	span:        operation + span status
func Fingerprint(e *WideEvent) string {
	var canon string

	switch e.EventType {
	case TypeCrash, TypeError:
		canon = "exc\n" + deref(e.ExceptionType) + "\n" + topFrames(deref(e.StackTrace), fingerprintFrames)
	case TypeLog:
		canon = "log\n" + deref(e.Severity) + "\n" + messageTemplate(deref(e.Message))
	case TypeMetric:
		canon = "metric\n" + deref(e.MetricName)
	case TypeSpan:
		canon = "span\n" + deref(e.Operation) + "\n" + deref(e.SpanStatus)
	default:
		canon = e.EventType + "\n" + deref(e.Message)
	}

	return fmt.Sprintf("%016x", xxhash.Sum64String(canon))
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// topFrames extracts up to n frame identities from a JSON-encoded
// stack trace. Frames may be strings or objects carrying function and
// module names; addresses and line numbers are stripped so ASLR and
// code movement do not split issues.
func topFrames(stackTrace string, n int) string {
	if stackTrace == "" {
		return ""
	}

	var raw []interface{}
	if err := json.Unmarshal([]byte(stackTrace), &raw); err != nil {
		// not JSON, fall back to the first n text lines
		lines := strings.Split(stackTrace, "\n")
		if len(lines) > n {
			lines = lines[:n]
		}
		for i, l := range lines {
			lines[i] = normalizeFrame(l)
		}
		return strings.Join(lines, "\n")
	}

	var frames []string
	for _, f := range raw {
		if len(frames) == n {
			break
		}
		switch t := f.(type) {
		case string:
			frames = append(frames, normalizeFrame(t))
		case map[string]interface{}:
			fn, _ := t["function"].(string)
			mod, _ := t["module"].(string)
			if fn == "" {
				fn, _ = t["symbol"].(string)
			}
			frames = append(frames, normalizeFrame(mod+"."+fn))
		}
	}
	return strings.Join(frames, "\n")
}

func normalizeFrame(s string) string {
	s = reHexish.ReplaceAllString(s, "#")
	s = reDigits.ReplaceAllString(s, "#")
	return strings.TrimSpace(s)
}

// messageTemplate collapses variable parts of a log message so that
// "user 42 failed" and "user 7 failed" group together.
func messageTemplate(msg string) string {
	msg = reQuoted.ReplaceAllString(msg, "#")
	msg = reHexish.ReplaceAllString(msg, "#")
	msg = reDigits.ReplaceAllString(msg, "#")
	return strings.TrimSpace(msg)
}
