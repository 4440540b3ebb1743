package audit_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/auditcore/auditcore/internal/audit"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

func TestEventType_Valid(t *testing.T) {
	for _, et := range audit.EventTypes {
		if !et.Valid() {
			t.Errorf("%q.Valid() = false, want true", et)
		}
	}
	if audit.EventType("login").Valid() {
		t.Error(`EventType("login").Valid() = true, want false`)
	}
}

func TestOutcome_Valid(t *testing.T) {
	for _, o := range []audit.Outcome{audit.OutcomeSuccess, audit.OutcomeFailure, audit.OutcomeDenied} {
		if !o.Valid() {
			t.Errorf("%q.Valid() = false", o)
		}
	}
	if audit.Outcome("ok").Valid() {
		t.Error(`Outcome("ok").Valid() = true`)
	}
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

func TestBuild_AssignsIDAndUTCTimestamp(t *testing.T) {
	before := time.Now().UTC()
	e, err := audit.NewEvent(audit.EventDataAccess).
		Resource(audit.ResourceExperiment, "exp-1").
		Action(audit.ActionRead).
		Outcome(audit.OutcomeSuccess).
		Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("ID %q is not a UUID", e.ID)
	}
	if e.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp location = %v, want UTC", e.Timestamp.Location())
	}
	if e.Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("Timestamp %v is too old", e.Timestamp)
	}
	if e.Actor.Kind != audit.ActorAnonymous {
		t.Errorf("Actor.Kind = %q, want anonymous by default", e.Actor.Kind)
	}
}

func TestBuild_FreshIDPerBuild(t *testing.T) {
	b := audit.NewEvent(audit.EventSystem).Resource(audit.ResourceSystem, "").
		Action(audit.ActionStartup).Outcome(audit.OutcomeSuccess).Actor(audit.SystemActor())
	a := b.MustBuild()
	c := b.MustBuild()
	if a.ID == c.ID {
		t.Error("two builds produced the same ID")
	}
}

func TestBuild_DetailsAreCopied(t *testing.T) {
	b := audit.NewEvent(audit.EventDataModification).
		Resource(audit.ResourceModel, "m1").
		Action(audit.ActionUpdate).
		Outcome(audit.OutcomeSuccess).
		Actor(audit.UserActor("u1", "alice")).
		Detail("field", "name").
		Duration(1500 * time.Millisecond)

	e := b.MustBuild()
	b.Detail("field", "changed")

	if e.Details["field"] != "name" {
		t.Errorf("Details[field] = %v, want name (builder mutation must not leak)", e.Details["field"])
	}
	if e.DurationMs == nil || *e.DurationMs != 1500 {
		t.Fatalf("DurationMs = %v, want 1500", e.DurationMs)
	}
	if e.Duration() != 1500*time.Millisecond {
		t.Errorf("Duration() = %v", e.Duration())
	}
}

func TestBuild_At(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, loc)
	e := audit.NewEvent(audit.EventConfiguration).
		Resource(audit.ResourceSystem, "logging").
		Action(audit.ActionConfigChange).
		Outcome(audit.OutcomeSuccess).
		At(at).
		MustBuild()
	if !e.Timestamp.Equal(at) || e.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want %v in UTC", e.Timestamp, at)
	}
}

func TestMustBuild_PanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustBuild() did not panic on invalid event")
		}
	}()
	audit.NewEvent(audit.EventDataAccess).Action(audit.ActionCreate).Outcome(audit.OutcomeSuccess).
		Resource(audit.ResourceRun, "r").MustBuild()
}

// ---------------------------------------------------------------------------
// Consistency rules
// ---------------------------------------------------------------------------

func TestValidate_Combinations(t *testing.T) {
	tests := []struct {
		name    string
		typ     audit.EventType
		action  audit.Action
		outcome audit.Outcome
		actor   audit.Actor
		wantErr bool
	}{
		{"login success", audit.EventAuthentication, audit.ActionLoginSuccess, audit.OutcomeSuccess, audit.UserActor("u", ""), false},
		{"login success failed outcome", audit.EventAuthentication, audit.ActionLoginSuccess, audit.OutcomeFailure, audit.UserActor("u", ""), true},
		{"login failure", audit.EventAuthentication, audit.ActionLoginFailure, audit.OutcomeFailure, audit.AnonymousActor(), false},
		{"login failure denied", audit.EventAuthentication, audit.ActionLoginFailure, audit.OutcomeDenied, audit.AnonymousActor(), false},
		{"login failure success", audit.EventAuthentication, audit.ActionLoginFailure, audit.OutcomeSuccess, audit.AnonymousActor(), true},
		{"login under data access", audit.EventDataAccess, audit.ActionLoginSuccess, audit.OutcomeSuccess, audit.UserActor("u", ""), true},
		{"logout", audit.EventAuthentication, audit.ActionLogout, audit.OutcomeSuccess, audit.UserActor("u", ""), false},
		{"password change wrong type", audit.EventConfiguration, audit.ActionPasswordChange, audit.OutcomeSuccess, audit.UserActor("u", ""), true},
		{"permission granted", audit.EventAuthorization, audit.ActionPermissionGranted, audit.OutcomeSuccess, audit.UserActor("u", ""), false},
		{"permission revoked wrong type", audit.EventSecurity, audit.ActionPermissionRevoked, audit.OutcomeSuccess, audit.UserActor("u", ""), true},
		{"access denied", audit.EventAuthorization, audit.ActionAccessDenied, audit.OutcomeDenied, audit.UserActor("u", ""), false},
		{"access denied success", audit.EventAuthorization, audit.ActionAccessDenied, audit.OutcomeSuccess, audit.UserActor("u", ""), true},
		{"rate limited", audit.EventSecurity, audit.ActionRateLimited, audit.OutcomeDenied, audit.AnonymousActor(), false},
		{"rate limited failure", audit.EventSecurity, audit.ActionRateLimited, audit.OutcomeFailure, audit.AnonymousActor(), true},
		{"config change", audit.EventConfiguration, audit.ActionConfigChange, audit.OutcomeSuccess, audit.SystemActor(), false},
		{"config change wrong type", audit.EventDataModification, audit.ActionConfigChange, audit.OutcomeSuccess, audit.SystemActor(), true},
		{"create under modification", audit.EventDataModification, audit.ActionCreate, audit.OutcomeSuccess, audit.UserActor("u", ""), false},
		{"create under data access", audit.EventDataAccess, audit.ActionCreate, audit.OutcomeSuccess, audit.UserActor("u", ""), true},
		{"read under modification", audit.EventDataModification, audit.ActionRead, audit.OutcomeSuccess, audit.UserActor("u", ""), true},
		{"export", audit.EventDataAccess, audit.ActionExport, audit.OutcomeSuccess, audit.ServiceActor("key-1"), false},
		{"startup", audit.EventSystem, audit.ActionStartup, audit.OutcomeSuccess, audit.SystemActor(), false},
		{"shutdown wrong type", audit.EventSecurity, audit.ActionShutdown, audit.OutcomeSuccess, audit.SystemActor(), true},
		{"user without id", audit.EventDataAccess, audit.ActionRead, audit.OutcomeSuccess, audit.Actor{Kind: audit.ActorUser}, true},
		{"unknown actor kind", audit.EventDataAccess, audit.ActionRead, audit.OutcomeSuccess, audit.Actor{Kind: "robot", ID: "r"}, true},
		{"unknown type", audit.EventType("login"), audit.ActionRead, audit.OutcomeSuccess, audit.SystemActor(), true},
		{"unknown action", audit.EventDataAccess, audit.Action("peek"), audit.OutcomeSuccess, audit.SystemActor(), true},
		{"unknown outcome", audit.EventDataAccess, audit.ActionRead, audit.Outcome("maybe"), audit.SystemActor(), true},
		{"request", audit.EventDataAccess, audit.ActionRequest, audit.OutcomeFailure, audit.AnonymousActor(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audit.NewEvent(tt.typ).
				Actor(tt.actor).
				Resource(audit.ResourceEndpoint, "/x").
				Action(tt.action).
				Outcome(tt.outcome).
				Build()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ie *audit.InvalidEventError
				if !errors.As(err, &ie) {
					t.Errorf("error %T is not *InvalidEventError", err)
				}
			}
		})
	}
}

func TestValidate_ResourceTypeRequired(t *testing.T) {
	_, err := audit.NewEvent(audit.EventDataAccess).Action(audit.ActionRead).Outcome(audit.OutcomeSuccess).Build()
	if err == nil {
		t.Fatal("Build() without resource = nil error")
	}
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

func TestEvent_JSONFieldNames(t *testing.T) {
	e := audit.NewEvent(audit.EventAuthentication).
		Actor(audit.UserActor("u1", "alice")).
		Resource(audit.ResourceUser, "u1").
		Action(audit.ActionLoginSuccess).
		Outcome(audit.OutcomeSuccess).
		RequestID("req-1").
		IP("10.0.0.1").
		MustBuild()

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"id", "timestamp", "event_type", "actor", "resource", "action", "outcome", "request_id", "ip_address"} {
		if _, ok := m[key]; !ok {
			t.Errorf("JSON is missing %q: %s", key, data)
		}
	}
	if _, ok := m["duration_ms"]; ok {
		t.Error("duration_ms should be omitted when absent")
	}
}
