package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass tells a caller what to do with a failed transmit.
type ErrorClass int

const (
	// ClassRetryable failures are transient; the same message may be sent again.
	ClassRetryable ErrorClass = iota
	// ClassRateLimited failures mean the broker is throttling; retry after backing off.
	ClassRateLimited
	// ClassFatal failures will not succeed on retry.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassRateLimited:
		return "rate_limited"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classifier maps a broker error onto an ErrorClass.
type Classifier func(err error) ErrorClass

// TransmitError is returned by Transport.Transmit when the publisher fails.
type TransmitError struct {
	Topic string
	Class ErrorClass
	Err   error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("commandflow: transmit to %q failed (%s): %v", e.Topic, e.Class, e.Err)
}

func (e *TransmitError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is worth retrying.
func (e *TransmitError) Temporary() bool {
	return e.Class != ClassFatal
}

// ClassOf returns the class carried by a wrapped *TransmitError, or
// DefaultClassify(err) when err is some other failure.
func ClassOf(err error) ErrorClass {
	var te *TransmitError
	if errors.As(err, &te) {
		return te.Class
	}
	return DefaultClassify(err)
}

// DefaultClassify treats cancellation as fatal and everything else as
// retryable. Broker packages refine this with their driver's error types.
func DefaultClassify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassRetryable
	case errors.Is(err, context.Canceled):
		return ClassFatal
	default:
		return ClassRetryable
	}
}

// ChainClassifiers returns a Classifier that asks each classifier in turn and
// keeps the first answer other than ClassRetryable.
func ChainClassifiers(classifiers ...Classifier) Classifier {
	return func(err error) ErrorClass {
		for _, classify := range classifiers {
			if classify == nil {
				continue
			}
			if class := classify(err); class != ClassRetryable {
				return class
			}
		}
		return ClassRetryable
	}
}
