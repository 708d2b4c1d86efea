package transport

import (
	"context"
	"time"
)

// Service is the broker-facing RPC surface consumed by the client runtime.
// Implementations must be safe for concurrent use.
type Service interface {
	CreateConnection(ctx context.Context, req ConnectionRequest) (ConnectionID, error)
	DestroyConnection(ctx context.Context, conn ConnectionID) error
	StartConnection(ctx context.Context, conn ConnectionID) error
	StopConnection(ctx context.Context, conn ConnectionID) error
	SetClientID(ctx context.Context, conn ConnectionID, clientID string) error
	UnsetClientID(ctx context.Context, conn ConnectionID) error

	CreateSession(ctx context.Context, conn ConnectionID, mode AckMode) (SessionID, error)
	DestroySession(ctx context.Context, conn ConnectionID, session SessionID) error
	StartSession(ctx context.Context, conn ConnectionID, session SessionID) error
	StopSession(ctx context.Context, conn ConnectionID, session SessionID) error

	CreateDestination(ctx context.Context, conn ConnectionID, dest Destination) error
	DestroyDestination(ctx context.Context, conn ConnectionID, dest Destination) error

	AddProducer(ctx context.Context, conn ConnectionID, session SessionID, dest Destination) (ProducerID, error)
	DeleteProducer(ctx context.Context, conn ConnectionID, producer ProducerID) error

	AddConsumer(ctx context.Context, conn ConnectionID, session SessionID, spec ConsumerSpec) (ConsumerID, error)
	// DeleteConsumer closes a consumer. lastSeen names the last message the
	// client handed to the application; it is empty when nothing was seen.
	DeleteConsumer(ctx context.Context, conn ConnectionID, session SessionID, consumer ConsumerID, lastSeen string) error
	Unsubscribe(ctx context.Context, conn ConnectionID, name, clientID string) error

	AddBrowser(ctx context.Context, conn ConnectionID, session SessionID, dest Destination, selector string) (ConsumerID, error)
	BrowseMessages(ctx context.Context, conn ConnectionID, session SessionID, browser ConsumerID) ([]*Packet, error)
	DeleteBrowser(ctx context.Context, conn ConnectionID, session SessionID, browser ConsumerID) error

	// AssignMessageID stamps a provider-assigned message id and timestamp on p.
	AssignMessageID(conn ConnectionID, p *Packet)
	SendMessage(ctx context.Context, conn ConnectionID, p *Packet) error
	// FetchMessage blocks up to timeout for the next message. It returns a nil
	// packet and a nil error when the timeout elapses.
	FetchMessage(ctx context.Context, conn ConnectionID, req FetchRequest) (*Packet, error)
	AcknowledgeMessage(ctx context.Context, conn ConnectionID, ack Ack) error
	RedeliverMessages(ctx context.Context, conn ConnectionID, req RedeliverRequest) error

	StartTransaction(ctx context.Context, conn ConnectionID, session SessionID, xid string) (TransactionID, error)
	CommitTransaction(ctx context.Context, conn ConnectionID, txn TransactionID, xid string) error
	RollbackTransaction(ctx context.Context, conn ConnectionID, txn TransactionID, xid string, setRedelivered bool) error
}

// Deliverer receives pushed messages for an asynchronous consumer. The
// transport calls Deliver from one of its own delivery goroutines; calls for
// the consumers of one session are serialized.
type Deliverer interface {
	Deliver(ctx context.Context, p *Packet) error
}

type DelivererFunc func(ctx context.Context, p *Packet) error

func (f DelivererFunc) Deliver(ctx context.Context, p *Packet) error { return f(ctx, p) }

type ConnectionRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// ConsumerSpec carries everything the transport needs to register a consumer.
type ConsumerSpec struct {
	Destination  Destination      `json:"destination"`
	Selector     string           `json:"selector,omitempty"`
	Subscription SubscriptionKind `json:"subscription"`
	Name         string           `json:"name,omitempty"`
	ClientID     string           `json:"client_id,omitempty"`
	NoLocal      bool             `json:"no_local,omitempty"`
	// Deliverer is nil for synchronous (fetch) consumers.
	Deliverer Deliverer `json:"-"`
}

// FetchRequest asks for the next message of a synchronous consumer. A zero
// Timeout does not wait; a negative Timeout waits until ctx is done.
type FetchRequest struct {
	Session       SessionID     `json:"session"`
	Consumer      ConsumerID    `json:"consumer"`
	Timeout       time.Duration `json:"timeout"`
	AutoAck       bool          `json:"auto_ack"`
	TransactionID TransactionID `json:"txn_id,omitempty"`
}

type Ack struct {
	Session       SessionID     `json:"session"`
	Consumer      ConsumerID    `json:"consumer"`
	MessageID     string        `json:"message_id"`
	TransactionID TransactionID `json:"txn_id,omitempty"`
	Type          AckType       `json:"type"`
	RetryCount    int           `json:"retry_count,omitempty"`
}

type RedeliverRequest struct {
	Session        SessionID     `json:"session"`
	MessageIDs     []string      `json:"message_ids"`
	ConsumerIDs    []ConsumerID  `json:"consumer_ids"`
	TransactionID  TransactionID `json:"txn_id,omitempty"`
	SetRedelivered bool          `json:"set_redelivered"`
}
