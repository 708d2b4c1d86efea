package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/infigaming-com/go-mqclient/transport"
)

// Overrides remaps transport statuses to kinds for a single operation, e.g.
// a bad request on consumer creation means the selector was rejected.
type Overrides map[transport.Status]Kind

var defaultStatusKinds = map[transport.Status]Kind{
	transport.StatusBadRequest:         InvalidArgument,
	transport.StatusForbidden:          Security,
	transport.StatusNotFound:           InvalidDestination,
	transport.StatusNotAllowed:         Unsupported,
	transport.StatusConflict:           IllegalState,
	transport.StatusGone:               IllegalState,
	transport.StatusPreconditionFailed: IllegalState,
	transport.StatusTimeout:            Provider,
	transport.StatusError:              Provider,
	transport.StatusUnavailable:        Provider,
}

// Details is the context attached to translated transport failures.
type Details map[string]any

// FromTransport translates a transport failure into the error taxonomy. The
// original error is kept as the cause and details carry the ids involved.
func FromTransport(err error, op string, details Details, overrides Overrides) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if stderrors.As(err, &existing) {
		return err
	}
	var se *transport.ServiceError
	if !stderrors.As(err, &se) {
		return NewError(Provider, fmt.Sprintf("%s failed", op), err).WithDetails(details)
	}
	kind, ok := overrides[se.Status]
	if !ok {
		kind, ok = defaultStatusKinds[se.Status]
	}
	msg := fmt.Sprintf("%s failed", op)
	if !ok {
		kind = Provider
		msg = fmt.Sprintf("%s failed: unknown server error", op)
	}
	return NewError(kind, msg, err).
		WithDetails(details).
		WithStatusCode(int(se.Status))
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return stderrors.Is(err, kind)
}

// KindOf returns the kind of the outermost Error in err's chain and false if
// there is none.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind, true
	}
	return Provider, false
}
