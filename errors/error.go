package errors

import (
	"fmt"
	"strings"
)

// Kind classifies a failure independently of the operation that produced it.
// A Kind is itself an error so that callers can write errors.Is(err, errors.IllegalState).
type Kind int

const (
	Provider Kind = iota
	InvalidArgument
	IllegalState
	InvalidDestination
	InvalidSelector
	Security
	Unsupported
	MessageFormat
	MessageNotReadable
	MessageNotWriteable
	InvalidClientID
	TransactionRolledBack
)

var kindNames = map[Kind]string{
	Provider:              "provider error",
	InvalidArgument:       "invalid argument",
	IllegalState:          "illegal state",
	InvalidDestination:    "invalid destination",
	InvalidSelector:       "invalid selector",
	Security:              "security",
	Unsupported:           "unsupported operation",
	MessageFormat:         "message format",
	MessageNotReadable:    "message not readable",
	MessageNotWriteable:   "message not writeable",
	InvalidClientID:       "invalid client id",
	TransactionRolledBack: "transaction rolled back",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Error() string { return k.String() }

// Error codes, one block per kind.
const (
	ErrCodeProvider = 10000 + iota
	ErrCodeInvalidArgument
	ErrCodeIllegalState
	ErrCodeInvalidDestination
	ErrCodeInvalidSelector
	ErrCodeSecurity
	ErrCodeUnsupported
	ErrCodeMessageFormat
	ErrCodeMessageNotReadable
	ErrCodeMessageNotWriteable
	ErrCodeInvalidClientID
	ErrCodeTransactionRolledBack
)

var kindCodes = map[Kind]int64{
	Provider:              ErrCodeProvider,
	InvalidArgument:       ErrCodeInvalidArgument,
	IllegalState:          ErrCodeIllegalState,
	InvalidDestination:    ErrCodeInvalidDestination,
	InvalidSelector:       ErrCodeInvalidSelector,
	Security:              ErrCodeSecurity,
	Unsupported:           ErrCodeUnsupported,
	MessageFormat:         ErrCodeMessageFormat,
	MessageNotReadable:    ErrCodeMessageNotReadable,
	MessageNotWriteable:   ErrCodeMessageNotWriteable,
	InvalidClientID:       ErrCodeInvalidClientID,
	TransactionRolledBack: ErrCodeTransactionRolledBack,
}

type Error struct {
	Code       int64  `json:"code"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Cause      error  // the underlying error
	Details    any    `json:"details,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func NewError(kind Kind, message string, cause error) *Error {
	return &Error{
		Code:    kindCodes[kind],
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// Newf builds an Error of the given kind with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...), nil)
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...), cause)
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) WithStatusCode(statusCode int) *Error {
	e.StatusCode = statusCode
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

func (e *Error) GetCode() int64 {
	return e.Code
}

func (e *Error) GetKind() Kind {
	return e.Kind
}

func (e *Error) GetMessage() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) GetDetails() any {
	return e.Details
}

func (e *Error) GetStatusCode() int {
	return e.StatusCode
}
