package bus

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var ErrStopped = errors.New("bus is stopped")

const (
	QueueProcessEvent      = "process-event"
	QueueExecuteQuery      = "execute-query"
	QueueComputeFacetBatch = "compute-facet-batch"
)

type Message interface {
	Queue() string
	// IdempotencyKey identifies a message across redeliveries.
	IdempotencyKey() string
}

// ProcessEvent carries one validated ingest payload to the event
// processor.
type ProcessEvent struct {
	EventData   map[string]interface{} `json:"eventData"`
	ProjectID   string                 `json:"projectId"`
	Environment string                 `json:"environment"`
}

func (ProcessEvent) Queue() string { return QueueProcessEvent }

func (m ProcessEvent) IdempotencyKey() string {
	if id, ok := m.EventData["event_id"].(string); ok {
		return id
	}
	return ""
}

// ExecuteQuery asks the query executor to run a submitted query. The
// request stays JSON-encoded so the bus does not depend on the query
// package.
type ExecuteQuery struct {
	QueryID        string          `json:"queryId"`
	UserID         string          `json:"userId"`
	OrganizationID string          `json:"organizationId"`
	Request        json.RawMessage `json:"request"`
}

func (ExecuteQuery) Queue() string { return QueueExecuteQuery }

func (m ExecuteQuery) IdempotencyKey() string { return m.QueryID }

// ComputeFacetBatch asks a worker to compute one deferred facet batch.
type ComputeFacetBatch struct {
	QueryID        string          `json:"queryId"`
	BatchID        string          `json:"batchId"`
	Attributes     []string        `json:"attributes"`
	UserID         string          `json:"userId"`
	OrganizationID string          `json:"organizationId"`
	Request        json.RawMessage `json:"request"`
}

func (ComputeFacetBatch) Queue() string { return QueueComputeFacetBatch }

func (m ComputeFacetBatch) IdempotencyKey() string { return m.QueryID + "/" + m.BatchID }
