package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrNotConnected           = sterrors.New("queuelink: not connected")
	ErrConnectionLost         = sterrors.New("queuelink: connection lost")
	ErrAuthenticationRejected = sterrors.New("queuelink: authentication rejected")
	ErrAlreadyProcessing      = sterrors.New("queuelink: worker is already processing")
	ErrHandlerFailure         = sterrors.New("queuelink: job handler failed")
	ErrClosed                 = sterrors.New("queuelink: connection closed")
	ErrHandshakeFailed        = sterrors.New("queuelink: handshake failed")
	ErrHeartbeatTimeout       = sterrors.New("queuelink: heartbeat timeout")

	ErrConfigRequired    = sterrors.New("queuelink: configuration is required")
	ErrHandlerRequired   = sterrors.New("queuelink: handler function is required")
	ErrPublisherRequired = sterrors.New("queuelink: publisher is required")
	ErrEventRequired     = sterrors.New("queuelink: event name is required")
	ErrListenerRequired  = sterrors.New("queuelink: listener is required")
	ErrRelayQueueFull    = sterrors.New("queuelink: relay queue is full")
)

// ConfigValidationError marks errors produced while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "queuelink: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// HandlerError carries the failure of a worker handler for a single job.
// It matches ErrHandlerFailure with errors.Is.
type HandlerError struct {
	JobID string
	Err   error
	// Panicked is set when the handler panicked instead of returning an error.
	Panicked bool
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("queuelink: job %s handler panicked: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("queuelink: job %s handler failed: %v", e.JobID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailure }

// RemoteError is returned to a caller when the remote service answered its
// request with a failure payload.
type RemoteError struct {
	Name    string
	Message string
	// Raw holds the undecoded failure payload.
	Raw []byte
}

func (e *RemoteError) Error() string {
	switch {
	case e.Name != "" && e.Message != "":
		return fmt.Sprintf("queuelink: remote error %s: %s", e.Name, e.Message)
	case e.Message != "":
		return "queuelink: remote error: " + e.Message
	default:
		return "queuelink: remote error: " + string(e.Raw)
	}
}

// Lost wraps cause so the result matches both ErrConnectionLost and cause.
func Lost(cause error) error {
	if cause == nil || sterrors.Is(cause, ErrConnectionLost) {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
}
