package services

import (
	"errors"
	"fmt"
)

var (
	// Delivery
	ErrTransportFailure = errors.New("email transport failed")
	ErrNoRecipients     = errors.New("no recipients")

	// Data integrity
	ErrStepNotFound       = errors.New("sequence step not found")
	ErrInvalidDelay       = errors.New("invalid step delay")
	ErrNoContent          = errors.New("campaign has no sendable content")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrListNotFound       = errors.New("list not found")
	ErrTemplateNotFound   = errors.New("template not found")

	// Campaign state
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrScheduleInPast    = errors.New("schedule time must be in the future")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
)

// ServiceError carries a machine-readable code alongside a wrapped cause.
type ServiceError struct {
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func NewServiceError(code, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, Err: err}
}

func NewServiceErrorf(code, message string, err error, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(message, args...), Err: err}
}

// TransportError wraps a per-send failure so it matches ErrTransportFailure.
func TransportError(to string, err error) error {
	return NewServiceErrorf("TRANSPORT_FAILURE", "send to %s failed: %v", ErrTransportFailure, to, err)
}

// IsClientError reports whether err is a validation or state error the
// caller can fix, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrScheduleInPast, ErrInvalidTransition, ErrNoContent, ErrNoRecipients,
		ErrTemplateNotFound, ErrInvalidDelay,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
