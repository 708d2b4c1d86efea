package grpcwire

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/internal/backoff"
)

var backoffOnce = backoff.Config{Attempts: 1}

func TestStatusRoundTrip(t *testing.T) {
	for s := range statusCodes {
		t.Run(s.String(), func(t *testing.T) {
			in := transport.Errorf("op", s, "why")
			rpc := toRPCError(in)
			assert.Equal(t, statusCodes[s], status.Code(rpc))

			out := fromRPCError("op", rpc)
			var se *transport.ServiceError
			assert.ErrorAs(t, out, &se)
			assert.Equal(t, s, se.Status)
			assert.Equal(t, "why", se.Reason)
		})
	}
}

func TestFromBareCodes(t *testing.T) {
	tests := []struct {
		code codes.Code
		want transport.Status
	}{
		{codes.Unauthenticated, transport.StatusForbidden},
		{codes.Unavailable, transport.StatusUnavailable},
		{codes.Unimplemented, transport.StatusNotAllowed},
		{codes.ResourceExhausted, transport.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := fromRPCError("op", status.Error(tt.code, "x"))
			assert.Equal(t, tt.want, transport.StatusOf(err))
		})
	}

	err := fromRPCError("fetch message", status.Error(codes.DeadlineExceeded, "late"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, transport.StatusTimeout, transport.StatusOf(err))

	plain := errors.New("not grpc")
	assert.ErrorIs(t, fromRPCError("op", plain), plain)
	assert.NoError(t, fromRPCError("op", nil))
}

func TestToRPCErrorPlain(t *testing.T) {
	assert.Equal(t, codes.Canceled, status.Code(toRPCError(context.Canceled)))
	assert.Equal(t, codes.Internal, status.Code(toRPCError(errors.New("boom"))))
	already := status.Error(codes.Aborted, "x")
	assert.Equal(t, already, toRPCError(already))
	assert.NoError(t, toRPCError(nil))
}
