package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired         = sterrors.New("commandflow: service is required")
	ErrHandlerRequired         = sterrors.New("commandflow: handler function is required")
	ErrHandlerNameRequired     = sterrors.New("commandflow: handler name is required")
	ErrChannelRequired         = sterrors.New("commandflow: channel id is required")
	ErrWildcardChannelRequired = sterrors.New("commandflow: wildcard command key must specify a channel id")
	ErrDuplicateCommand        = sterrors.New("commandflow: command key is already registered")
	ErrCommandNotSupported     = sterrors.New("commandflow: command is not supported")
	ErrDuplicateCorrelationID  = sterrors.New("commandflow: correlation id is already pending")
	ErrResponseRouteRequired   = sterrors.New("commandflow: outgoing requests require a response route")
	ErrTrackerNotStarted       = sterrors.New("commandflow: outgoing request tracker is not started")
	ErrSenderRequired          = sterrors.New("commandflow: outgoing request sender is required")
	ErrSchedulerClosed         = sterrors.New("commandflow: task scheduler is shut down")
	ErrTaskRequired            = sterrors.New("commandflow: task function is required")
	ErrTaskKilled              = sterrors.New("commandflow: task exceeded its processing time and was abandoned")
	ErrTaskCancelled           = sterrors.New("commandflow: task was cancelled before it started")
	ErrCoordinatorClosed       = sterrors.New("commandflow: poll coordinator is closed")
	ErrNotMaster               = sterrors.New("commandflow: instance is not the active master")
	ErrPublisherRequired       = sterrors.New("commandflow: publisher is required")
	ErrSubscriberRequired      = sterrors.New("commandflow: subscriber is required")
	ErrTopicRequired           = sterrors.New("commandflow: topic is required")
	ErrConfigRequired          = sterrors.New("commandflow: configuration is required")
	ErrLoggerRequired          = sterrors.New("commandflow: logger is required")
	ErrPayloadRequired         = sterrors.New("commandflow: payload is required")
	ErrMessageTypeRequired     = sterrors.New("commandflow: message type is required")
	ErrActionTypeRequired      = sterrors.New("commandflow: action type is required")
	ErrInvalidRequestBody      = sterrors.New("commandflow: request body could not be decoded")
)

// DispatchError reports that no registered command matched a payload header.
type DispatchError struct {
	Key string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("commandflow: no command registered for %q", e.Key)
}

func (e *DispatchError) Is(target error) bool {
	return target == ErrCommandNotSupported
}

// ConfigValidationError wraps the joined validation failures returned by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	if e.Err == nil {
		return "commandflow: invalid configuration"
	}
	return "commandflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}
