package errors

import (
	"errors"
	"fmt"
)

// ErrRetryable matches any StepError a redelivery could complete
var ErrRetryable = errors.New("retryable")

// ErrorType represents the category of a failed reconciliation step
type ErrorType string

const (
	ErrorTypeBilling  ErrorType = "billing"
	ErrorTypeAccess   ErrorType = "access"
	ErrorTypeLedger   ErrorType = "ledger"
	ErrorTypeTimeout  ErrorType = "timeout"
	ErrorTypeInternal ErrorType = "internal"
)

// StepError is a structured error for one reconciliation step
type StepError struct {
	Type      ErrorType
	Op        string // Step that failed (e.g., "grant", "ledger_upsert")
	EventID   string // Billing event being applied, if any
	DiscordID string // Resolved user, if any
	Err       error
	Retryable bool
}

func (e *StepError) Error() string {
	switch {
	case e.EventID != "" && e.DiscordID != "":
		return fmt.Sprintf("%s failed for %s (event %s): %v", e.Op, e.DiscordID, e.EventID, e.Err)
	case e.DiscordID != "":
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.DiscordID, e.Err)
	case e.EventID != "":
		return fmt.Sprintf("%s failed (event %s): %v", e.Op, e.EventID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *StepError) Is(target error) bool {
	if target == nil {
		return false
	}

	if target == ErrRetryable {
		return e.Retryable
	}

	return errors.Is(e.Err, target)
}

// NewStepError creates a new StepError
func NewStepError(errorType ErrorType, op string, err error) *StepError {
	return &StepError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Retryable: isRetryable(errorType),
	}
}

// WithEvent adds the billing event id to the error
func (e *StepError) WithEvent(eventID string) *StepError {
	e.EventID = eventID
	return e
}

// WithUser adds the Discord user id to the error
func (e *StepError) WithUser(discordID string) *StepError {
	e.DiscordID = discordID
	return e
}

// isRetryable determines whether a redelivery of the same event could succeed
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTimeout, ErrorTypeBilling, ErrorTypeLedger, ErrorTypeAccess:
		return true
	default: // ErrorTypeInternal
		return false
	}
}

// IsRetryableError reports whether any step error in err's tree is retryable
func IsRetryableError(err error) bool {
	return err != nil && errors.Is(err, ErrRetryable)
}
