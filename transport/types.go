package transport

import (
	"fmt"
	"strings"
)

type (
	ConnectionID  int64
	SessionID     int64
	ProducerID    int64
	ConsumerID    int64
	TransactionID int64
)

// AckMode is the acknowledgment contract a session was created with.
type AckMode int

const (
	AutoAcknowledge AckMode = iota + 1
	ClientAcknowledge
	DupsOKAcknowledge
	NoAcknowledge
	SessionTransacted
)

func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOKAcknowledge:
		return "dups-ok"
	case NoAcknowledge:
		return "no-ack"
	case SessionTransacted:
		return "transacted"
	default:
		return fmt.Sprintf("ackmode(%d)", int(m))
	}
}

func (m AckMode) Valid() bool {
	return m >= AutoAcknowledge && m <= SessionTransacted
}

// ParseAckMode accepts the names returned by AckMode.String.
func ParseAckMode(s string) (AckMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return AutoAcknowledge, nil
	case "client":
		return ClientAcknowledge, nil
	case "dups-ok", "dupsok":
		return DupsOKAcknowledge, nil
	case "no-ack", "noack":
		return NoAcknowledge, nil
	case "transacted":
		return SessionTransacted, nil
	}
	return 0, fmt.Errorf("transport: unknown ack mode %q", s)
}

// AckType says what an acknowledgment does to the message.
type AckType int

const (
	AckConsumed AckType = iota + 1
	AckUndeliverable
	AckDeadLetter
)

// SubscriptionKind names the four legal combinations of durable and shared.
type SubscriptionKind int

const (
	NonDurable SubscriptionKind = iota
	Durable
	SharedNonDurable
	SharedDurable
)

func (k SubscriptionKind) Durable() bool { return k == Durable || k == SharedDurable }

func (k SubscriptionKind) Shared() bool { return k == SharedNonDurable || k == SharedDurable }

func (k SubscriptionKind) String() string {
	switch k {
	case NonDurable:
		return "non-durable"
	case Durable:
		return "durable"
	case SharedNonDurable:
		return "shared"
	case SharedDurable:
		return "shared-durable"
	default:
		return fmt.Sprintf("subscription(%d)", int(k))
	}
}

type DeliveryMode int

const (
	NonPersistent DeliveryMode = 1
	Persistent    DeliveryMode = 2
)

type BodyType int

const (
	BodyNone BodyType = iota
	BodyText
	BodyBytes
	BodyMap
)

func (b BodyType) String() string {
	switch b {
	case BodyNone:
		return "message"
	case BodyText:
		return "text"
	case BodyBytes:
		return "bytes"
	case BodyMap:
		return "map"
	default:
		return fmt.Sprintf("body(%d)", int(b))
	}
}
