package grpcwire

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-mqclient/transport"
)

const errorDomain = "mq.transport"

var statusCodes = map[transport.Status]codes.Code{
	transport.StatusBadRequest:         codes.InvalidArgument,
	transport.StatusForbidden:          codes.PermissionDenied,
	transport.StatusNotFound:           codes.NotFound,
	transport.StatusNotAllowed:         codes.Unimplemented,
	transport.StatusTimeout:            codes.DeadlineExceeded,
	transport.StatusConflict:           codes.AlreadyExists,
	transport.StatusGone:               codes.Aborted,
	transport.StatusPreconditionFailed: codes.FailedPrecondition,
	transport.StatusError:              codes.Internal,
	transport.StatusUnavailable:        codes.Unavailable,
}

// codeStatuses is used when a gRPC error carries no transport details, e.g.
// it was raised by an interceptor or by the gRPC runtime itself.
var codeStatuses = map[codes.Code]transport.Status{
	codes.InvalidArgument:    transport.StatusBadRequest,
	codes.Unauthenticated:    transport.StatusForbidden,
	codes.PermissionDenied:   transport.StatusForbidden,
	codes.NotFound:           transport.StatusNotFound,
	codes.Unimplemented:      transport.StatusNotAllowed,
	codes.DeadlineExceeded:   transport.StatusTimeout,
	codes.AlreadyExists:      transport.StatusConflict,
	codes.Aborted:            transport.StatusGone,
	codes.FailedPrecondition: transport.StatusPreconditionFailed,
	codes.Unavailable:        transport.StatusUnavailable,
}

// toRPCError converts a Service failure into a gRPC status error. The exact
// transport status travels as an ErrorInfo detail.
func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	var se *transport.ServiceError
	if !errors.As(err, &se) {
		return status.Error(codes.Internal, err.Error())
	}
	code, ok := statusCodes[se.Status]
	if !ok {
		code = codes.Unknown
	}
	st := status.New(code, se.Error())
	info := &errdetails.ErrorInfo{
		Domain: errorDomain,
		Reason: strings.ToUpper(strings.ReplaceAll(se.Status.String(), " ", "_")),
		Metadata: map[string]string{
			"status": strconv.Itoa(int(se.Status)),
			"op":     se.Op,
			"reason": se.Reason,
		},
	}
	if detailed, derr := st.WithDetails(info); derr == nil {
		st = detailed
	}
	return st.Err()
}

// fromRPCError converts a gRPC failure of op back into a ServiceError.
func fromRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &transport.ServiceError{Op: op, Status: transport.StatusError, Err: err}
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		n, perr := strconv.Atoi(info.GetMetadata()["status"])
		if perr != nil {
			break
		}
		return &transport.ServiceError{Op: op, Status: transport.Status(n), Reason: info.GetMetadata()["reason"]}
	}
	switch st.Code() {
	case codes.Canceled:
		return &transport.ServiceError{Op: op, Status: transport.StatusError, Reason: st.Message(), Err: context.Canceled}
	case codes.DeadlineExceeded:
		return &transport.ServiceError{Op: op, Status: transport.StatusTimeout, Reason: st.Message(), Err: context.DeadlineExceeded}
	}
	s, ok := codeStatuses[st.Code()]
	if !ok {
		s = transport.StatusError
	}
	return &transport.ServiceError{Op: op, Status: s, Reason: st.Message()}
}
