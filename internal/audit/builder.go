package audit

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Builder accumulates the optional parts of an event. The zero actor is
// Anonymous. Build validates the result; a Builder can be reused to build
// several events, each with a fresh ID.
type Builder struct {
	typ        EventType
	actor      Actor
	resource   Resource
	action     Action
	outcome    Outcome
	details    map[string]any
	ip         string
	userAgent  string
	requestID  string
	durationMs *int64
	at         time.Time
}

// NewEvent starts an event of the given type.
func NewEvent(t EventType) *Builder {
	return &Builder{typ: t, actor: AnonymousActor()}
}

// Actor sets who performed the action.
func (b *Builder) Actor(a Actor) *Builder {
	b.actor = a
	return b
}

// Resource sets the target of the action.
func (b *Builder) Resource(t ResourceType, id string) *Builder {
	b.resource = Resource{Type: t, ID: id}
	return b
}

// Action sets the verb.
func (b *Builder) Action(a Action) *Builder {
	b.action = a
	return b
}

// Outcome sets the result.
func (b *Builder) Outcome(o Outcome) *Builder {
	b.outcome = o
	return b
}

// Details merges d into the event payload.
func (b *Builder) Details(d map[string]any) *Builder {
	if len(d) == 0 {
		return b
	}
	if b.details == nil {
		b.details = make(map[string]any, len(d))
	}
	maps.Copy(b.details, d)
	return b
}

// Detail sets a single payload field.
func (b *Builder) Detail(key string, value any) *Builder {
	if b.details == nil {
		b.details = make(map[string]any)
	}
	b.details[key] = value
	return b
}

func (b *Builder) IP(ip string) *Builder {
	b.ip = ip
	return b
}

func (b *Builder) UserAgent(ua string) *Builder {
	b.userAgent = ua
	return b
}

func (b *Builder) RequestID(id string) *Builder {
	b.requestID = id
	return b
}

// Duration records how long the action took, truncated to milliseconds.
func (b *Builder) Duration(d time.Duration) *Builder {
	ms := d.Milliseconds()
	b.durationMs = &ms
	return b
}

// At overrides the event timestamp. Used when replaying or importing events.
func (b *Builder) At(t time.Time) *Builder {
	b.at = t
	return b
}

// Type returns the event type being built.
func (b *Builder) Type() EventType { return b.typ }

// clone returns an independent copy so callers can keep reusing b.
func (b *Builder) clone() *Builder {
	cp := *b
	cp.details = maps.Clone(b.details)
	cp.actor.Attributes = maps.Clone(b.actor.Attributes)
	return &cp
}

// Build assigns an ID and timestamp and validates the event.
func (b *Builder) Build() (Event, error) {
	ts := b.at
	if ts.IsZero() {
		ts = time.Now()
	}
	e := Event{
		ID:         uuid.NewString(),
		Timestamp:  ts.UTC(),
		Type:       b.typ,
		Actor:      b.actor,
		Resource:   b.resource,
		Action:     b.action,
		Outcome:    b.outcome,
		Details:    maps.Clone(b.details),
		IPAddress:  b.ip,
		UserAgent:  b.userAgent,
		RequestID:  b.requestID,
	}
	if b.durationMs != nil {
		ms := *b.durationMs
		e.DurationMs = &ms
	}
	e.Actor.Attributes = maps.Clone(b.actor.Attributes)
	if e.Actor.Kind == "" {
		e.Actor = AnonymousActor()
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// MustBuild is Build for statically known events; it panics on an invalid
// combination.
func (b *Builder) MustBuild() Event {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}
