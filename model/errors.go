package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine-specific error codes.
const (
	ErrUnknownActionType = "UNKNOWN_ACTION_TYPE"
	ErrInvalidSchedule   = "INVALID_SCHEDULE"
	ErrRuleInactive      = "RULE_INACTIVE"
)

// ErrorEnvelope is the standard coded error type returned by the engine.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HasCode reports whether err is an ErrorEnvelope carrying the given code.
func HasCode(err error, code string) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR.
func NewValidationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInternalError, Message: msg}
}

// NewUnknownActionTypeError returns an UNKNOWN_ACTION_TYPE error.
func NewUnknownActionTypeError(actionType string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownActionType,
		Message: fmt.Sprintf("no handler registered for action type %q", actionType),
	}
}

// NewInvalidScheduleError returns an INVALID_SCHEDULE error.
func NewInvalidScheduleError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidSchedule, Message: msg}
}

// NewRuleInactiveError returns a RULE_INACTIVE error.
func NewRuleInactiveError(ruleID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRuleInactive,
		Message: fmt.Sprintf("rule %q is not active", ruleID),
	}
}
