package grpcwire

import (
	"errors"
	"fmt"

	"github.com/infigaming-com/go-mqclient/transport"
)

// wirePacket replaces the untyped property map with typed values so that
// an int32 property is still an int32 on the far side.
type wirePacket struct {
	transport.Packet
	Properties map[string]transport.TypedValue `json:"properties,omitempty"`
}

func toWire(p *transport.Packet) (*wirePacket, error) {
	if p == nil {
		return nil, nil
	}
	props, err := transport.EncodeValues(p.Properties)
	if err != nil {
		return nil, fmt.Errorf("grpcwire: encode properties: %w", err)
	}
	w := &wirePacket{Packet: *p, Properties: props}
	w.Packet.Properties = nil
	return w, nil
}

func (w *wirePacket) packet() (*transport.Packet, error) {
	if w == nil {
		return nil, nil
	}
	props, err := transport.DecodeValues(w.Properties)
	if err != nil {
		return nil, fmt.Errorf("grpcwire: decode properties: %w", err)
	}
	p := w.Packet
	p.Properties = props
	return &p, nil
}

func toWireAll(ps []*transport.Packet) ([]*wirePacket, error) {
	out := make([]*wirePacket, 0, len(ps))
	for _, p := range ps {
		w, err := toWire(p)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

type empty struct{}

type idResponse struct {
	ID int64 `json:"id"`
}

type connRequest struct {
	Conn transport.ConnectionID `json:"conn"`
}

type clientIDRequest struct {
	Conn     transport.ConnectionID `json:"conn"`
	ClientID string                 `json:"client_id"`
}

type createSessionRequest struct {
	Conn transport.ConnectionID `json:"conn"`
	Mode transport.AckMode      `json:"mode"`
}

type sessionRequest struct {
	Conn    transport.ConnectionID `json:"conn"`
	Session transport.SessionID    `json:"session"`
}

type destinationRequest struct {
	Conn        transport.ConnectionID `json:"conn"`
	Destination transport.Destination  `json:"destination"`
}

type addProducerRequest struct {
	Conn        transport.ConnectionID `json:"conn"`
	Session     transport.SessionID    `json:"session"`
	Destination transport.Destination  `json:"destination"`
}

type producerRequest struct {
	Conn     transport.ConnectionID `json:"conn"`
	Producer transport.ProducerID   `json:"producer"`
}

type addConsumerRequest struct {
	Conn    transport.ConnectionID `json:"conn"`
	Session transport.SessionID    `json:"session"`
	Spec    transport.ConsumerSpec `json:"spec"`
}

type deleteConsumerRequest struct {
	Conn     transport.ConnectionID `json:"conn"`
	Session  transport.SessionID    `json:"session"`
	Consumer transport.ConsumerID   `json:"consumer"`
	LastSeen string                 `json:"last_seen,omitempty"`
}

type unsubscribeRequest struct {
	Conn     transport.ConnectionID `json:"conn"`
	Name     string                 `json:"name"`
	ClientID string                 `json:"client_id,omitempty"`
}

type addBrowserRequest struct {
	Conn        transport.ConnectionID `json:"conn"`
	Session     transport.SessionID    `json:"session"`
	Destination transport.Destination  `json:"destination"`
	Selector    string                 `json:"selector,omitempty"`
}

type browserRequest struct {
	Conn    transport.ConnectionID `json:"conn"`
	Session transport.SessionID    `json:"session"`
	Browser transport.ConsumerID   `json:"browser"`
}

type packetsResponse struct {
	Packets []*wirePacket `json:"packets"`
}

type sendRequest struct {
	Conn   transport.ConnectionID `json:"conn"`
	Packet *wirePacket            `json:"packet"`
}

type fetchRequest struct {
	Conn    transport.ConnectionID `json:"conn"`
	Request transport.FetchRequest `json:"request"`
}

type packetResponse struct {
	Packet *wirePacket `json:"packet,omitempty"`
}

type ackRequest struct {
	Conn transport.ConnectionID `json:"conn"`
	Ack  transport.Ack          `json:"ack"`
}

type redeliverRequest struct {
	Conn    transport.ConnectionID     `json:"conn"`
	Request transport.RedeliverRequest `json:"request"`
}

type startTxnRequest struct {
	Conn    transport.ConnectionID `json:"conn"`
	Session transport.SessionID    `json:"session"`
	XID     string                 `json:"xid,omitempty"`
}

type txnRequest struct {
	Conn           transport.ConnectionID  `json:"conn"`
	Txn            transport.TransactionID `json:"txn"`
	XID            string                  `json:"xid,omitempty"`
	SetRedelivered bool                    `json:"set_redelivered,omitempty"`
}

// Frames of the Deliver stream. The client opens the stream with Open and
// answers every pushed packet with one Result; the server first confirms the
// consumer id and then pushes packets.
type clientFrame struct {
	Open   *addConsumerRequest `json:"open,omitempty"`
	Result *deliverResult      `json:"result,omitempty"`
}

type serverFrame struct {
	Consumer transport.ConsumerID `json:"consumer,omitempty"`
	Packet   *wirePacket          `json:"packet,omitempty"`
}

type deliverResult struct {
	MessageID  string `json:"message_id"`
	NoDelivery bool   `json:"no_delivery,omitempty"`
	Error      string `json:"error,omitempty"`
}

func resultOf(messageID string, err error) *deliverResult {
	r := &deliverResult{MessageID: messageID}
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrConsumerClosedNoDelivery):
		r.NoDelivery = true
	default:
		r.Error = err.Error()
	}
	return r
}

func (r *deliverResult) err() error {
	switch {
	case r.NoDelivery:
		return transport.ErrConsumerClosedNoDelivery
	case r.Error != "":
		return fmt.Errorf("grpcwire: remote delivery failed: %s", r.Error)
	}
	return nil
}
