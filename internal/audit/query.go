package audit

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Query filters stored events. Zero-valued fields do not filter.
type Query struct {
	From         *time.Time
	To           *time.Time
	EventType    EventType
	ResourceType ResourceType
	ResourceID   string
	ActorID      string
	Outcome      Outcome
	Limit        int
	Offset       int
}

// Page is one page of query results, newest first.
type Page struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Reader is the read side of a durable writer.
type Reader interface {
	Query(ctx context.Context, q Query) (Page, error)
}

// Normalize applies the default and maximum page size and validates filters.
func (q Query) Normalize() (Query, error) {
	if q.EventType != "" && !q.EventType.Valid() {
		return q, fmt.Errorf("unknown event type %q", q.EventType)
	}
	if q.Outcome != "" && !q.Outcome.Valid() {
		return q, fmt.Errorf("unknown outcome %q", q.Outcome)
	}
	if q.ResourceID != "" && q.ResourceType == "" {
		return q, fmt.Errorf("resource id filter requires a resource type")
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return q, fmt.Errorf("time range end is before start")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q, nil
}
