// Package grpcwire carries transport.Service over gRPC. Server exposes any
// Service (typically a direct broker) and Client implements Service by
// calling it. Messages are JSON encoded under the mq-json content subtype,
// so no generated stubs are needed.
package grpcwire

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "mq-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
