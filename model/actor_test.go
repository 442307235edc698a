package model

import (
	"context"
	"testing"
)

func TestActorContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ac      *ActorContext
		wantErr bool
	}{
		{
			name:    "valid context",
			ac:      &ActorContext{Subject: "user-1"},
			wantErr: false,
		},
		{
			name:    "missing Subject",
			ac:      &ActorContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ac.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestActorContext_HasRole(t *testing.T) {
	ac := &ActorContext{
		Roles: []string{"supervisor", "hr_specialist"},
	}
	if !ac.HasRole("supervisor") {
		t.Error("HasRole(supervisor) = false, want true")
	}
	if !ac.HasRole("hr_specialist") {
		t.Error("HasRole(hr_specialist) = false, want true")
	}
	if ac.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}
}

func TestActorContext_HasRole_empty(t *testing.T) {
	ac := &ActorContext{}
	if ac.HasRole("supervisor") {
		t.Error("HasRole(supervisor) on empty roles = true, want false")
	}
}

func TestActorContext_CanActAs(t *testing.T) {
	tests := []struct {
		name     string
		ac       *ActorContext
		assignee Assignee
		want     bool
	}{
		{
			name:     "role assignee with role",
			ac:       &ActorContext{Subject: "u1", Roles: []string{"supervisor"}},
			assignee: Assignee{Type: AssigneeRole, Value: "supervisor"},
			want:     true,
		},
		{
			name:     "role assignee without role",
			ac:       &ActorContext{Subject: "u1", Roles: []string{"employee"}},
			assignee: Assignee{Type: AssigneeRole, Value: "supervisor"},
			want:     false,
		},
		{
			name:     "user assignee exact match",
			ac:       &ActorContext{Subject: "u1"},
			assignee: Assignee{Type: AssigneeUser, Value: "u1"},
			want:     true,
		},
		{
			name:     "user assignee mismatch",
			ac:       &ActorContext{Subject: "u2"},
			assignee: Assignee{Type: AssigneeUser, Value: "u1"},
			want:     false,
		},
		{
			name:     "system actor satisfies anything",
			ac:       SystemActorContext(),
			assignee: Assignee{Type: AssigneeRole, Value: "supervisor"},
			want:     true,
		},
		{
			name:     "unknown assignee type",
			ac:       &ActorContext{Subject: "u1", Roles: []string{"supervisor"}},
			assignee: Assignee{Type: "group", Value: "supervisor"},
			want:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ac.CanActAs(tt.assignee); got != tt.want {
				t.Errorf("CanActAs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSystemActorContext(t *testing.T) {
	ac := SystemActorContext()
	if ac.Subject != SystemActor {
		t.Errorf("Subject = %q, want %q", ac.Subject, SystemActor)
	}
	if !ac.IsSystem() {
		t.Error("IsSystem() = false, want true")
	}
}

func TestActorContext_Claim(t *testing.T) {
	ac := &ActorContext{
		Claims: map[string]any{
			"email": "user@example.com",
			"count": 42,
		},
	}
	if got := ac.Claim("email"); got != "user@example.com" {
		t.Errorf("Claim(email) = %v, want user@example.com", got)
	}
	if got := ac.Claim("missing"); got != nil {
		t.Errorf("Claim(missing) = %v, want nil", got)
	}
}

func TestActorContext_Claim_nilMap(t *testing.T) {
	ac := &ActorContext{}
	if got := ac.Claim("email"); got != nil {
		t.Errorf("Claim(email) on nil map = %v, want nil", got)
	}
}

func TestWithActorContext_roundTrip(t *testing.T) {
	ac := &ActorContext{Subject: "user-1", Roles: []string{"employee"}}
	ctx := WithActorContext(context.Background(), ac)

	got := ActorContextFrom(ctx)
	if got == nil {
		t.Fatal("ActorContextFrom returned nil")
	}
	if got.Subject != "user-1" {
		t.Errorf("Subject = %q, want %q", got.Subject, "user-1")
	}
}

func TestActorContextFrom_missing(t *testing.T) {
	if got := ActorContextFrom(context.Background()); got != nil {
		t.Errorf("ActorContextFrom(empty) = %v, want nil", got)
	}
}

func TestMustActorContext_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustActorContext did not panic on missing context")
		}
	}()
	MustActorContext(context.Background())
}
