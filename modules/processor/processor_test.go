package processor

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/errata/eventdb/backend/local"
	"github.com/cedricziel/errata/eventdb/reader"
	"github.com/cedricziel/errata/eventdb/schema"
	"github.com/cedricziel/errata/eventdb/writer"
	"github.com/cedricziel/errata/modules/issues"
	"github.com/cedricziel/errata/pkg/bus"
)

func strp(s string) *string { return &s }

func testProcessor(t *testing.T) (*Processor, *writer.Writer, *reader.Reader, issues.Store) {
	t.Helper()
	be, err := local.New(&local.Config{Path: t.TempDir()})
	require.NoError(t, err)

	w := writer.New(&writer.Config{BatchSize: 100}, be, log.NewNopLogger())
	is := issues.NewMemoryStore()
	return New(w, is, log.NewNopLogger()), w, reader.New(be, log.NewNopLogger()), is
}

func payload(eventID string) map[string]interface{} {
	return map[string]interface{}{
		"event_id":        eventID,
		"timestamp":       time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC).UnixMilli(),
		"organization_id": "o1",
		"project_id":      "intake",
		"event_type":      "log",
		"severity":        "error",
		"message":         "connection refused",
	}
}

func TestHandleProcessEventWritesAndAggregates(t *testing.T) {
	p, w, r, is := testProcessor(t)
	ctx := context.Background()

	err := p.HandleProcessEvent(ctx, bus.ProcessEvent{
		EventData:   payload("ev-1"),
		ProjectID:   "p1",
		Environment: "production",
	})
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	params := reader.Params{OrganizationID: "o1", ProjectID: "p1", EventType: "log"}
	it := r.ReadEvents(ctx, params)
	defer it.Close()
	row, err := it.Next()
	require.NoError(t, err)
	require.NotNil(t, row)

	// message scope wins over the payload's project, environment fills the gap
	require.Equal(t, "p1", row["project_id"])
	require.Equal(t, "production", row["environment"])
	require.NotEmpty(t, row["fingerprint"])

	list, err := is.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, row["fingerprint"], list[0].Fingerprint)
	require.Equal(t, int64(1), list[0].EventCount)
	require.Equal(t, issues.StatusOpen, list[0].Status)
	require.Equal(t, "connection refused", list[0].Title)
	require.Equal(t, "error", list[0].Severity)
}

func TestHandleProcessEventGroupsByFingerprint(t *testing.T) {
	p, _, _, is := testProcessor(t)
	ctx := context.Background()

	// same message shape, different ids: one issue, two events
	for _, id := range []string{"ev-1", "ev-2"} {
		require.NoError(t, p.HandleProcessEvent(ctx, bus.ProcessEvent{EventData: payload(id), ProjectID: "p1"}))
	}

	list, err := is.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, int64(2), list[0].EventCount)
}

func TestHandleProcessEventKeepsSuppliedFingerprint(t *testing.T) {
	p, w, r, _ := testProcessor(t)
	ctx := context.Background()

	data := payload("ev-1")
	data["fingerprint"] = "custom-fp"
	require.NoError(t, p.HandleProcessEvent(ctx, bus.ProcessEvent{EventData: data, ProjectID: "p1"}))
	require.NoError(t, w.Flush(ctx))

	rows, err := r.EventsByFingerprint(ctx, "custom-fp", reader.Params{OrganizationID: "o1", ProjectID: "p1"}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestHandleProcessEventDropsInvalidPayload(t *testing.T) {
	p, w, r, is := testProcessor(t)
	ctx := context.Background()

	// unknown fields are dropped without erroring so the bus never retries
	err := p.HandleProcessEvent(ctx, bus.ProcessEvent{
		EventData: map[string]interface{}{"bogus": true},
		ProjectID: "p1",
	})
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	n, err := r.CountEvents(ctx, reader.Params{OrganizationID: "o1", ProjectID: "p1"})
	require.NoError(t, err)
	require.Zero(t, n)

	list, err := is.List(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestHandleProcessEventRejectsForeignMessage(t *testing.T) {
	p, _, _, _ := testProcessor(t)
	err := p.HandleProcessEvent(context.Background(), bus.ExecuteQuery{QueryID: "q1"})
	require.Error(t, err)
}

func TestIssueTitle(t *testing.T) {
	base := func() *schema.WideEvent {
		return &schema.WideEvent{EventType: "log"}
	}

	e := base()
	require.Equal(t, "log", issueTitle(e))

	e = base()
	e.Operation = strp("GET /users")
	require.Equal(t, "GET /users", issueTitle(e))

	e.MetricName = strp("app.start")
	require.Equal(t, "app.start", issueTitle(e))

	e.Message = strp("connection refused")
	require.Equal(t, "connection refused", issueTitle(e))

	e.ExceptionType = strp("NullPointerException")
	require.Equal(t, "NullPointerException", issueTitle(e))
}
