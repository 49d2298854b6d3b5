package schema

import (
	"fmt"

	"github.com/cedricziel/errata/pkg/apierror"
)

// RequiredFields must be present and non-empty on every ingested event.
var RequiredFields = []string{"event_id", "timestamp", "project_id", "event_type"}

type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// Validate checks an inbound event map against the schema: required
// fields present, enums within their domain, no unknown fields.
func Validate(input map[string]interface{}) []FieldError {
	var errs []FieldError

	for _, field := range RequiredFields {
		v, ok := input[field]
		if !ok || v == nil || v == "" {
			errs = append(errs, FieldError{Field: field, Message: "missing required field"})
		}
	}

	if v, ok := input["event_type"].(string); ok && !ValidEventType(v) {
		errs = append(errs, FieldError{Field: "event_type", Message: fmt.Sprintf("invalid value %q", v)})
	}
	if v, ok := input["severity"].(string); ok && v != "" && !ValidSeverity(v) {
		errs = append(errs, FieldError{Field: "severity", Message: fmt.Sprintf("invalid value %q", v)})
	}

	for name := range input {
		if !IsColumn(name) {
			errs = append(errs, FieldError{Field: name, Message: "unknown field"})
		}
	}

	return errs
}

// ValidationError folds field errors into the API error taxonomy with
// a per-field details map.
func ValidationError(errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make(map[string]string, len(errs))
	for _, e := range errs {
		details[e.Field] = e.Message
	}
	return apierror.New(apierror.KindValidation, "event validation failed").WithDetails(details)
}

// Normalize converts an inbound event map into a WideEvent. Missing
// columns stay null; structured values in the JSON-encoded columns are
// serialized. Unknown fields are rejected.
func Normalize(input map[string]interface{}) (*WideEvent, error) {
	e := &WideEvent{}
	for name, v := range input {
		if v == nil {
			continue
		}
		c, ok := columnsByName[name]
		if !ok {
			return nil, apierror.Newf(apierror.KindValidation, "unknown field %q", name)
		}
		if err := c.set(e, v); err != nil {
			return nil, apierror.Wrap(apierror.KindValidation, err, "invalid field value")
		}
	}
	return e, nil
}
