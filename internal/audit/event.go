// Package audit records security-relevant and operational actions as immutable,
// replayable events. Audit events are kept separate from application logs
// because they have different consumers and retention requirements: application
// logs are debug output for on-call engineers, while audit events are records
// for security and compliance review.
//
// Handlers build events with NewEvent and hand them to a Logger, which fills in
// request correlation data, redacts details and dispatches to one or more
// Writers (durable store, rolling file, structured log, message brokers).
package audit

import (
	"fmt"
	"time"
)

// EventType classifies what kind of action an event records.
type EventType string

const (
	EventAuthentication   EventType = "authentication"
	EventAuthorization    EventType = "authorization"
	EventDataAccess       EventType = "data_access"
	EventDataModification EventType = "data_modification"
	EventConfiguration    EventType = "configuration"
	EventSecurity         EventType = "security"
	EventSystem           EventType = "system_event"
)

// EventTypes lists every valid event type.
var EventTypes = []EventType{
	EventAuthentication, EventAuthorization, EventDataAccess, EventDataModification,
	EventConfiguration, EventSecurity, EventSystem,
}

// Valid reports whether t is one of the closed set of event types.
func (t EventType) Valid() bool {
	for _, v := range EventTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Action is the verb of an event.
type Action string

const (
	ActionCreate            Action = "create"
	ActionRead              Action = "read"
	ActionUpdate            Action = "update"
	ActionDelete            Action = "delete"
	ActionLoginSuccess      Action = "login_success"
	ActionLoginFailure      Action = "login_failure"
	ActionLogout            Action = "logout"
	ActionPasswordChange    Action = "password_change"
	ActionPermissionGranted Action = "permission_granted"
	ActionPermissionRevoked Action = "permission_revoked"
	ActionExport            Action = "export"
	ActionImport            Action = "import"
	ActionConfigChange      Action = "config_change"
	ActionAccessDenied      Action = "access_denied"
	ActionRateLimited       Action = "rate_limited"
	ActionRequest           Action = "request"
	ActionStartup           Action = "startup"
	ActionShutdown          Action = "shutdown"
)

var actions = map[Action]bool{
	ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true,
	ActionLoginSuccess: true, ActionLoginFailure: true, ActionLogout: true,
	ActionPasswordChange: true, ActionPermissionGranted: true, ActionPermissionRevoked: true,
	ActionExport: true, ActionImport: true, ActionConfigChange: true,
	ActionAccessDenied: true, ActionRateLimited: true, ActionRequest: true,
	ActionStartup: true, ActionShutdown: true,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return actions[a] }

// Outcome is the result of the recorded action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Valid reports whether o is success, failure or denied.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeDenied
}

// ActorKind distinguishes who performed an action.
type ActorKind string

const (
	ActorUser              ActorKind = "user"
	ActorServiceCredential ActorKind = "service_credential"
	ActorSystem            ActorKind = "system"
	ActorAnonymous         ActorKind = "anonymous"
)

// Actor identifies who performed an action. Exactly one kind is set.
type Actor struct {
	Kind       ActorKind         `json:"kind"`
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// UserActor is a human user.
func UserActor(id, name string) Actor { return Actor{Kind: ActorUser, ID: id, Name: name} }

// ServiceActor is a machine credential such as an API key.
func ServiceActor(id string) Actor { return Actor{Kind: ActorServiceCredential, ID: id} }

// SystemActor is the service itself.
func SystemActor() Actor { return Actor{Kind: ActorSystem} }

// AnonymousActor is an unauthenticated caller.
func AnonymousActor() Actor { return Actor{Kind: ActorAnonymous} }

func (a Actor) validate() error {
	switch a.Kind {
	case ActorUser, ActorServiceCredential:
		if a.ID == "" {
			return fmt.Errorf("%s actor requires an id", a.Kind)
		}
	case ActorSystem, ActorAnonymous:
	default:
		return fmt.Errorf("unknown actor kind %q", a.Kind)
	}
	return nil
}

// ResourceType is a domain noun an action targets. The set is open so callers
// can add their own nouns.
type ResourceType string

const (
	ResourceExperiment ResourceType = "experiment"
	ResourceRun        ResourceType = "run"
	ResourceModel      ResourceType = "model"
	ResourceDataset    ResourceType = "dataset"
	ResourceUser       ResourceType = "user"
	ResourceCredential ResourceType = "credential"
	ResourceAPIKey     ResourceType = "api_key"
	ResourceAuditLog   ResourceType = "audit_log"
	ResourceSystem     ResourceType = "system"
	ResourceEndpoint   ResourceType = "endpoint"
)

// Resource is the target of an action.
type Resource struct {
	Type ResourceType `json:"type"`
	ID   string       `json:"id,omitempty"`
}

// Event is one recorded action. Events are values: once built they are never
// modified, only copied.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       EventType      `json:"event_type"`
	Actor      Actor          `json:"actor"`
	Resource   Resource       `json:"resource"`
	Action     Action         `json:"action"`
	Outcome    Outcome        `json:"outcome"`
	Details    map[string]any `json:"details,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
}

// InvalidEventError reports an event whose classification is inconsistent.
// It is a programming error in the caller and is never corrected silently.
type InvalidEventError struct {
	Type    EventType
	Action  Action
	Outcome Outcome
	Reason  string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid audit event (%s/%s/%s): %s", e.Type, e.Action, e.Outcome, e.Reason)
}

// Validate checks the enums and the (type, action, outcome) consistency rules.
func (e *Event) Validate() error {
	invalid := func(format string, args ...any) error {
		return &InvalidEventError{Type: e.Type, Action: e.Action, Outcome: e.Outcome, Reason: fmt.Sprintf(format, args...)}
	}
	if !e.Type.Valid() {
		return invalid("unknown event type")
	}
	if !e.Action.Valid() {
		return invalid("unknown action")
	}
	if !e.Outcome.Valid() {
		return invalid("unknown outcome")
	}
	if e.Resource.Type == "" {
		return invalid("resource type is required")
	}
	if err := e.Actor.validate(); err != nil {
		return invalid("%v", err)
	}

	switch e.Action {
	case ActionLoginSuccess:
		if e.Type != EventAuthentication || e.Outcome != OutcomeSuccess {
			return invalid("login_success requires type authentication and outcome success")
		}
	case ActionLoginFailure:
		if e.Type != EventAuthentication || e.Outcome == OutcomeSuccess {
			return invalid("login_failure requires type authentication and outcome failure or denied")
		}
	case ActionLogout, ActionPasswordChange:
		if e.Type != EventAuthentication {
			return invalid("%s requires type authentication", e.Action)
		}
	case ActionPermissionGranted, ActionPermissionRevoked:
		if e.Type != EventAuthorization {
			return invalid("%s requires type authorization", e.Action)
		}
	case ActionAccessDenied:
		if e.Outcome != OutcomeDenied {
			return invalid("access_denied requires outcome denied")
		}
	case ActionRateLimited:
		if e.Type != EventSecurity || e.Outcome != OutcomeDenied {
			return invalid("rate_limited requires type security and outcome denied")
		}
	case ActionConfigChange:
		if e.Type != EventConfiguration {
			return invalid("config_change requires type configuration")
		}
	case ActionCreate, ActionUpdate, ActionDelete, ActionImport:
		if e.Type == EventDataAccess {
			return invalid("%s modifies data and requires type data_modification", e.Action)
		}
	case ActionRead, ActionExport:
		if e.Type == EventDataModification {
			return invalid("%s does not modify data", e.Action)
		}
	case ActionStartup, ActionShutdown:
		if e.Type != EventSystem {
			return invalid("%s requires type system_event", e.Action)
		}
	}
	return nil
}

// Duration returns the recorded duration, or zero when absent.
func (e *Event) Duration() time.Duration {
	if e.DurationMs == nil {
		return 0
	}
	return time.Duration(*e.DurationMs) * time.Millisecond
}
