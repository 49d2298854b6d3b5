package query

import (
	"github.com/cedricziel/errata/eventdb/reader"
)

// Request is an exploratory query: filters plus optional faceting,
// grouping and pagination. The organization scope is ambient and comes
// from the request context, never from the body.
type Request struct {
	ProjectID string          `json:"projectId,omitempty"`
	Filters   []reader.Filter `json:"filters,omitempty"`
	GroupBy   string          `json:"groupBy,omitempty"`
	Page      int             `json:"page"`
	Limit     int             `json:"limit"`
	StartDate int64           `json:"startDate,omitempty"` // ms since epoch
	EndDate   int64           `json:"endDate,omitempty"`   // ms since epoch
}

type FacetValue struct {
	Value    string `json:"value"`
	Count    int    `json:"count"`
	Selected bool   `json:"selected"`
}

// Facet is the ranked value distribution of one attribute over the
// result set.
type Facet struct {
	Attribute string       `json:"attribute"`
	Values    []FacetValue `json:"values"`
}

type GroupedResult struct {
	Value string `json:"value"`
	Count int    `json:"count"`
	// Users is the number of distinct user identifiers in the group.
	Users int `json:"users"`
}

type Result struct {
	Events         []map[string]interface{} `json:"events"`
	Total          int                      `json:"total"`
	Facets         []Facet                  `json:"facets"`
	GroupedResults []GroupedResult          `json:"groupedResults,omitempty"`
	Page           int                      `json:"page"`
	Limit          int                      `json:"limit"`
}
