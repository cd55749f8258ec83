// Package feed provides the change feed: row-level insert and update events
// delivered to filtered subscribers until they unsubscribe.
package feed

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType represents the kind of row change.
type EventType string

const (
	EventTypeInsert EventType = "insert"
	EventTypeUpdate EventType = "update"
)

// Event is a single row change. Keys holds the filterable top-level columns of the row.
type Event struct {
	Collection string            `json:"collection"`
	Type       EventType         `json:"type"`
	RowID      string            `json:"row_id"`
	Keys       map[string]string `json:"keys,omitempty"`
	Row        json.RawMessage   `json:"row"`
	Ts         int64             `json:"ts"` // Unix milliseconds
}

// Decode unmarshals the row into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Row, v); err != nil {
		return fmt.Errorf("failed to decode %s row %s: %w", e.Collection, e.RowID, err)
	}
	return nil
}

// Filter is an equality filter on one top-level column. The zero Filter matches every row.
type Filter struct {
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

// Eq builds an equality filter.
func Eq(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

// ParseFilter parses expressions of the form "field=eq.value".
func ParseFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	field, rest, ok := strings.Cut(expr, "=")
	if !ok || field == "" {
		return Filter{}, fmt.Errorf("invalid filter %q: expected field=eq.value", expr)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return Filter{}, fmt.Errorf("invalid filter %q: only eq is supported", expr)
	}
	return Filter{Field: field, Value: value}, nil
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Field == ""
}

func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Field + "=eq." + f.Value
}

// Match reports whether the event satisfies the filter.
func (f Filter) Match(e Event) bool {
	if f.IsZero() {
		return true
	}
	v, ok := e.Keys[f.Field]
	return ok && v == f.Value
}

// Handle is returned by Subscribe. Unsubscribe is idempotent.
type Handle interface {
	Unsubscribe()
}

// Feed is the subscription side of the change feed.
type Feed interface {
	Subscribe(collection string, types []EventType, filter Filter, onEvent func(Event)) (Handle, error)
}

// Publisher is the write side used by the record store.
type Publisher interface {
	Publish(e Event)
}

func wantsType(types []EventType, t EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
