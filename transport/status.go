package transport

import (
	"errors"
	"fmt"
)

// Status is the outcome category a transport reports for a failed call.
type Status int

const (
	StatusBadRequest         Status = 400
	StatusForbidden          Status = 403
	StatusNotFound           Status = 404
	StatusNotAllowed         Status = 405
	StatusTimeout            Status = 408
	StatusConflict           Status = 409
	StatusGone               Status = 410
	StatusPreconditionFailed Status = 412
	StatusError              Status = 500
	StatusUnavailable        Status = 503
)

func (s Status) String() string {
	switch s {
	case StatusBadRequest:
		return "bad request"
	case StatusForbidden:
		return "forbidden"
	case StatusNotFound:
		return "not found"
	case StatusNotAllowed:
		return "not allowed"
	case StatusTimeout:
		return "timeout"
	case StatusConflict:
		return "conflict"
	case StatusGone:
		return "gone"
	case StatusPreconditionFailed:
		return "precondition failed"
	case StatusError:
		return "error"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ServiceError is the typed failure every transport call returns.
type ServiceError struct {
	Op     string
	Status Status
	Reason string
	Err    error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("transport: %s: %s", e.Op, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Errorf builds a ServiceError with a formatted reason.
func Errorf(op string, status Status, format string, args ...any) *ServiceError {
	return &ServiceError{Op: op, Status: status, Reason: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the status carried by err, or StatusError when err is
// not a ServiceError.
func StatusOf(err error) Status {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusError
}

// ErrConsumerClosedNoDelivery is returned by a Deliverer whose consumer was
// closed while the message was in flight. The transport must keep the
// message for another consumer.
var ErrConsumerClosedNoDelivery = errors.New("transport: consumer closed, message not delivered")
