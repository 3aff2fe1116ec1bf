package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired          = sterrors.New("eventmediator: configuration is required")
	ErrLoggerRequired          = sterrors.New("eventmediator: logger is required")
	ErrStateStoreRequired      = sterrors.New("eventmediator: state store is required")
	ErrProcessorRequired       = sterrors.New("eventmediator: message processor is required")
	ErrRouterFactoryRequired   = sterrors.New("eventmediator: message router factory is required")
	ErrConsumerFactoryRequired = sterrors.New("eventmediator: at least one consumer factory is required")
	ErrSerializerRequired      = sterrors.New("eventmediator: serializer is required")
	ErrPublisherRequired       = sterrors.New("eventmediator: publisher is required")
	ErrSubscriberRequired      = sterrors.New("eventmediator: subscriber is required")
	ErrTopicRequired           = sterrors.New("eventmediator: topic is required")
	ErrEndpointRequired        = sterrors.New("eventmediator: message endpoint is required")
	ErrClientNotFound          = sterrors.New("eventmediator: messaging client not found")
	ErrNoRoute                 = sterrors.New("eventmediator: no route defined for message")
	ErrConsumerClosed          = sterrors.New("eventmediator: consumer is closed")
	ErrNotSubscribed           = sterrors.New("eventmediator: consumer is not subscribed")
	ErrAlreadyStarted          = sterrors.New("eventmediator: mediator already started")
	ErrTimeout                 = sterrors.New("eventmediator: task timed out")
)

// ConfigValidationError marks an error produced while validating configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("eventmediator: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
