package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrUnauthorized     = "UNAUTHORIZED"
	ErrForbidden        = "FORBIDDEN"
	ErrNotFound         = "NOT_FOUND"
	ErrConflict         = "CONFLICT"
	ErrValidationError  = "VALIDATION_ERROR"
	ErrRateLimited      = "RATE_LIMITED"
	ErrInternalError    = "INTERNAL_ERROR"
	ErrStoreUnavailable = "STORE_UNAVAILABLE"
)

// Workflow-specific error codes.
const (
	ErrDefinitionInvalid        = "DEFINITION_INVALID"
	ErrNoRoutingRuleMatched     = "NO_ROUTING_RULE_MATCHED"
	ErrInvalidTransition        = "INVALID_TRANSITION"
	ErrGuardRejected            = "GUARD_REJECTED"
	ErrConcurrentModification   = "CONCURRENT_MODIFICATION"
	ErrEscalationDeliveryFailed = "ESCALATION_DELIVERY_FAILED"
	ErrInstanceNotActive        = "INSTANCE_NOT_ACTIVE"
)

// ErrorEnvelope is the standard error response envelope returned by the
// engine. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewStoreUnavailableError returns a STORE_UNAVAILABLE error.
func NewStoreUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStoreUnavailable,
		Message: "Persistent storage is temporarily unavailable",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewDefinitionInvalidError returns a DEFINITION_INVALID error citing the
// specific graph or reference defects found at publish time.
func NewDefinitionInvalidError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionInvalid,
		Message: "The workflow definition failed validation",
		Details: details,
	}
}

// NewNoRoutingRuleMatchedError returns a NO_ROUTING_RULE_MATCHED error. It
// signals a configuration gap: no routing rule condition matched the
// instance data, so no approval chain can be built.
func NewNoRoutingRuleMatchedError(definitionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoRoutingRuleMatched,
		Message: fmt.Sprintf("No routing rule matched for definition %q", definitionID),
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error naming the
// state and trigger that did not match any defined transition.
func NewInvalidTransitionError(state, trigger string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("No transition from state %q on trigger %q", state, trigger),
	}
}

// NewGuardRejectedError returns a GUARD_REJECTED error for a transition
// whose guard condition evaluated false (or failed to evaluate).
func NewGuardRejectedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrGuardRejected, Message: msg}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
// The caller lost an optimistic concurrency race and may retry against the
// now-current instance state.
func NewConcurrentModificationError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConcurrentModification,
		Message: fmt.Sprintf("Instance %q was modified concurrently; reload and retry", instanceID),
	}
}

// NewEscalationDeliveryFailedError returns an ESCALATION_DELIVERY_FAILED
// error. Delivery failures are logged and retried by the notification
// collaborator; they never block the transition that triggered them.
func NewEscalationDeliveryFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEscalationDeliveryFailed, Message: msg}
}

// NewInstanceNotActiveError returns an INSTANCE_NOT_ACTIVE error for an
// action attempted against a completed, cancelled, or suspended instance.
func NewInstanceNotActiveError(instanceID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotActive,
		Message: fmt.Sprintf("Instance %q is %s and cannot be advanced", instanceID, status),
	}
}
