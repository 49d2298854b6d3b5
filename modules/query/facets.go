package query

import (
	"sort"
	"strconv"

	"github.com/cedricziel/errata/eventdb/reader"
)

// facetCounter tallies value frequencies for a fixed set of attributes
// during a scan.
type facetCounter struct {
	attributes []string
	counts     map[string]map[string]int
}

func newFacetCounter(attributes []string) *facetCounter {
	counts := make(map[string]map[string]int, len(attributes))
	for _, a := range attributes {
		counts[a] = map[string]int{}
	}
	return &facetCounter{attributes: attributes, counts: counts}
}

func (fc *facetCounter) observe(row map[string]interface{}) {
	for _, attr := range fc.attributes {
		v := stringValue(row[attr])
		if v == "" {
			continue
		}
		fc.counts[attr][v]++
	}
}

// build ranks each attribute's values by count desc, value asc, keeps
// the top maxValues and flags values selected by an eq or in filter.
func (fc *facetCounter) build(filters []reader.Filter, maxValues int) []Facet {
	facets := make([]Facet, 0, len(fc.attributes))
	for _, attr := range fc.attributes {
		values := make([]FacetValue, 0, len(fc.counts[attr]))
		for v, n := range fc.counts[attr] {
			values = append(values, FacetValue{
				Value:    v,
				Count:    n,
				Selected: isSelected(filters, attr, v),
			})
		}
		sort.Slice(values, func(i, j int) bool {
			if values[i].Count != values[j].Count {
				return values[i].Count > values[j].Count
			}
			return values[i].Value < values[j].Value
		})
		if len(values) > maxValues {
			values = values[:maxValues]
		}
		facets = append(facets, Facet{Attribute: attr, Values: values})
	}
	return facets
}

// isSelected reports whether an active eq or in filter pins this value.
func isSelected(filters []reader.Filter, attribute, value string) bool {
	for _, f := range filters {
		if f.Attribute != attribute {
			continue
		}
		switch f.Operator {
		case reader.OpEq:
			if stringValue(f.Value) == value {
				return true
			}
		case reader.OpIn:
			for _, item := range listValue(f.Value) {
				if stringValue(item) == value {
					return true
				}
			}
		}
	}
	return false
}

func listValue(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

// stringValue renders a row cell the way it is faceted and grouped:
// numbers without a trailing .0, everything else via fmt-free paths.
func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	return ""
}
