package model

import (
	"context"
	"errors"
	"fmt"
)

// ActorContext carries identity and tracing information for the actor
// performing an action: an approver, the requester, or the system itself.
// It is immutable after construction and safe for concurrent reads.
type ActorContext struct {
	Subject       string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// SystemActorContext returns the actor context used for engine-initiated
// actions such as escalations and timeouts.
func SystemActorContext() *ActorContext {
	return &ActorContext{Subject: SystemActor, Roles: []string{SystemActor}}
}

// Validate checks that all mandatory fields are present.
func (ac *ActorContext) Validate() error {
	var errs []error
	if ac.Subject == "" {
		errs = append(errs, fmt.Errorf("Subject is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the actor holds the given role.
func (ac *ActorContext) HasRole(role string) bool {
	for _, r := range ac.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsSystem reports whether this is the engine's own system actor.
func (ac *ActorContext) IsSystem() bool {
	return ac.Subject == SystemActor
}

// Claim returns the value of the given claim key, or nil if not present.
func (ac *ActorContext) Claim(key string) any {
	if ac.Claims == nil {
		return nil
	}
	return ac.Claims[key]
}

// CanActAs reports whether the actor satisfies an assignee: role assignees
// require the role, user assignees require an exact subject match. The
// system actor satisfies every assignee.
func (ac *ActorContext) CanActAs(a Assignee) bool {
	if ac.IsSystem() {
		return true
	}
	switch a.Type {
	case AssigneeRole:
		return ac.HasRole(a.Value)
	case AssigneeUser:
		return ac.Subject == a.Value
	}
	return false
}

type contextKey struct{}

// WithActorContext attaches an ActorContext to the given context.
func WithActorContext(ctx context.Context, actx *ActorContext) context.Context {
	return context.WithValue(ctx, contextKey{}, actx)
}

// ActorContextFrom extracts the ActorContext from the context, or returns
// nil if not present.
func ActorContextFrom(ctx context.Context) *ActorContext {
	actx, _ := ctx.Value(contextKey{}).(*ActorContext)
	return actx
}

// MustActorContext extracts the ActorContext from the context, panicking if
// it is not present. This is safe to call in handlers that are guaranteed
// to run behind the authentication middleware.
func MustActorContext(ctx context.Context) *ActorContext {
	actx := ActorContextFrom(ctx)
	if actx == nil {
		panic("model: ActorContext not found in context")
	}
	return actx
}
