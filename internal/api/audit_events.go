// audit_events.go implements the read side of the audit log over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/audit/store"
	"github.com/auditcore/auditcore/internal/middleware"
)

// EventGetter is implemented by readers that can fetch a single event.
type EventGetter interface {
	Get(ctx context.Context, id string) (audit.Event, error)
}

// AuditEventsHandler serves stored audit events
type AuditEventsHandler struct {
	reader audit.Reader
	audit  *audit.Logger
}

// NewAuditEventsHandler creates a handler over reader. A nil reader answers
// every request with 501 because no queryable writer is configured.
func NewAuditEventsHandler(reader audit.Reader, auditLogger *audit.Logger) *AuditEventsHandler {
	return &AuditEventsHandler{reader: reader, audit: auditLogger}
}

// Pagination describes the returned page.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
}

// ListEventsResponse is the body of GET /api/v1/audit/events.
type ListEventsResponse struct {
	Events     []audit.Event `json:"events"`
	Pagination Pagination    `json:"pagination"`
}

// ListEvents returns a filtered page of audit events, newest first.
// GET /api/v1/audit/events?from=&to=&event_type=&resource_type=&resource_id=&actor_id=&outcome=&page=&per_page=
func (h *AuditEventsHandler) ListEvents(c *gin.Context) {
	if h.reader == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "No queryable audit writer is configured"})
		return
	}

	q, page, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q, err = q.Normalize()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q.Offset = (page - 1) * q.Limit

	result, err := h.reader.Query(c.Request.Context(), q)
	if err != nil {
		h.recordRead(c, "", audit.OutcomeFailure, q, 0)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query audit events"})
		return
	}
	h.recordRead(c, "", audit.OutcomeSuccess, q, len(result.Events))

	events := result.Events
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, ListEventsResponse{
		Events: events,
		Pagination: Pagination{
			Page:    page,
			PerPage: q.Limit,
			Total:   result.Total,
		},
	})
}

// GetEvent returns one audit event by id.
// GET /api/v1/audit/events/:id
func (h *AuditEventsHandler) GetEvent(c *gin.Context) {
	getter, ok := h.reader.(EventGetter)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "No queryable audit writer is configured"})
		return
	}

	id := c.Param("id")
	e, err := getter.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit event not found"})
		return
	case err != nil:
		h.recordRead(c, id, audit.OutcomeFailure, audit.Query{}, 0)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load audit event"})
		return
	}

	h.recordRead(c, id, audit.OutcomeSuccess, audit.Query{}, 1)
	c.JSON(http.StatusOK, e)
}

// recordRead audits access to the audit log itself.
func (h *AuditEventsHandler) recordRead(c *gin.Context, id string, outcome audit.Outcome, q audit.Query, n int) {
	b := audit.NewEvent(audit.EventDataAccess).
		Resource(audit.ResourceAuditLog, id).
		Action(audit.ActionRead).
		Outcome(outcome).
		Detail("result_count", n)
	if filters := describeFilters(q); len(filters) > 0 {
		b.Detail("filters", filters)
	}
	if actor, ok := middleware.ActorFromContext(c); ok {
		b.Actor(actor)
	}
	h.audit.Log(c.Request.Context(), b)
}

func describeFilters(q audit.Query) map[string]any {
	f := map[string]any{}
	if q.From != nil {
		f["from"] = q.From.Format(time.RFC3339)
	}
	if q.To != nil {
		f["to"] = q.To.Format(time.RFC3339)
	}
	for k, v := range map[string]string{
		"event_type":    string(q.EventType),
		"resource_type": string(q.ResourceType),
		"resource_id":   q.ResourceID,
		"actor_id":      q.ActorID,
		"outcome":       string(q.Outcome),
	} {
		if v != "" {
			f[k] = v
		}
	}
	return f
}

// parseQuery maps URL parameters to a Query and the 1-based page number.
func parseQuery(c *gin.Context) (audit.Query, int, error) {
	q := audit.Query{
		EventType:    audit.EventType(c.Query("event_type")),
		ResourceType: audit.ResourceType(c.Query("resource_type")),
		ResourceID:   c.Query("resource_id"),
		ActorID:      c.Query("actor_id"),
		Outcome:      audit.Outcome(c.Query("outcome")),
	}

	var err error
	if q.From, err = parseTime(c, "from"); err != nil {
		return q, 0, err
	}
	if q.To, err = parseTime(c, "to"); err != nil {
		return q, 0, err
	}

	page, err := parsePositive(c, "page", 1)
	if err != nil {
		return q, 0, err
	}
	if q.Limit, err = parsePositive(c, "per_page", audit.DefaultQueryLimit); err != nil {
		return q, 0, err
	}
	return q, page, nil
}

func parseTime(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp", name)
	}
	return &t, nil
}

func parsePositive(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}
