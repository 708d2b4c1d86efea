package jms

import (
	"context"
	"sort"
	"time"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

// CompressProperty requests body compression for a single message when set
// to true.
const CompressProperty = "JMS_Compress"

// DeliveryCountProperty carries how many times a message has been delivered.
const DeliveryCountProperty = "JMSXDeliveryCount"

// Message is the application-facing message contract. Messages created by a
// Session are native; any other implementation is foreign and is copied into
// a native envelope when sent.
type Message interface {
	MessageID() string
	SetMessageID(id string)
	Timestamp() int64
	SetTimestamp(ms int64)
	CorrelationID() string
	SetCorrelationID(id string)
	ReplyTo() Destination
	SetReplyTo(dest Destination)
	Destination() Destination
	SetDestination(dest Destination)
	DeliveryMode() transport.DeliveryMode
	SetDeliveryMode(mode transport.DeliveryMode)
	Redelivered() bool
	SetRedelivered(redelivered bool)
	Type() string
	SetType(typ string)
	Expiration() int64
	SetExpiration(ms int64)
	DeliveryTime() int64
	SetDeliveryTime(ms int64)
	Priority() int
	SetPriority(priority int)

	PropertyNames() []string
	Property(name string) (any, bool)
	SetProperty(name string, value any) error
	ClearProperties()
	ClearBody()
	Acknowledge(ctx context.Context) error
}

// native is implemented only by the message types of this package.
type native interface {
	Message
	envelope() *message
}

type header struct {
	messageID     string
	timestamp     int64
	correlationID string
	replyTo       Destination
	destination   Destination
	deliveryMode  transport.DeliveryMode
	redelivered   bool
	typ           string
	expiration    int64
	deliveryTime  int64
	priority      int
}

// message is the header and property state shared by every native type.
type message struct {
	hdr           header
	props         map[string]any
	propsReadOnly bool
	bodyReadOnly  bool
	messageIDSet  bool
	bodyType      transport.BodyType

	session  *Session
	consumer transport.ConsumerID
}

func newMessage(bt transport.BodyType) message {
	return message{
		bodyType: bt,
		hdr:      header{deliveryMode: transport.Persistent, priority: DefaultPriority},
	}
}

func (m *message) envelope() *message { return m }

func (m *message) MessageID() string { return m.hdr.messageID }

func (m *message) SetMessageID(id string) {
	m.hdr.messageID = id
	m.messageIDSet = id != ""
}

func (m *message) Timestamp() int64 { return m.hdr.timestamp }
func (m *message) SetTimestamp(ms int64) { m.hdr.timestamp = ms }
func (m *message) CorrelationID() string { return m.hdr.correlationID }
func (m *message) SetCorrelationID(id string) { m.hdr.correlationID = id }
func (m *message) ReplyTo() Destination { return m.hdr.replyTo }
func (m *message) SetReplyTo(dest Destination) { m.hdr.replyTo = dest }
func (m *message) Destination() Destination { return m.hdr.destination }
func (m *message) SetDestination(dest Destination) { m.hdr.destination = dest }
func (m *message) DeliveryMode() transport.DeliveryMode { return m.hdr.deliveryMode }
func (m *message) SetDeliveryMode(mode transport.DeliveryMode) { m.hdr.deliveryMode = mode }
func (m *message) Redelivered() bool { return m.hdr.redelivered }
func (m *message) SetRedelivered(redelivered bool) { m.hdr.redelivered = redelivered }
func (m *message) Type() string { return m.hdr.typ }
func (m *message) SetType(typ string) { m.hdr.typ = typ }
func (m *message) Expiration() int64 { return m.hdr.expiration }
func (m *message) SetExpiration(ms int64) { m.hdr.expiration = ms }
func (m *message) DeliveryTime() int64 { return m.hdr.deliveryTime }
func (m *message) SetDeliveryTime(ms int64) { m.hdr.deliveryTime = ms }
func (m *message) Priority() int { return m.hdr.priority }
func (m *message) SetPriority(priority int) { m.hdr.priority = priority }

// ExpiresAt returns the absolute expiration, or the zero time when none.
func (m *message) ExpiresAt() time.Time {
	if m.hdr.expiration == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.hdr.expiration)
}

func (m *message) PropertyNames() []string {
	names := make([]string, 0, len(m.props))
	for k := range m.props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *message) Property(name string) (any, bool) {
	v, ok := m.props[name]
	return v, ok
}

func (m *message) PropertyExists(name string) bool {
	_, ok := m.props[name]
	return ok
}

// SetProperty validates name and value. Properties of a delivered message
// are read-only until ClearProperties.
func (m *message) SetProperty(name string, value any) error {
	if m.propsReadOnly {
		return errors.Newf(errors.MessageNotWriteable, "properties are read-only")
	}
	if err := ValidatePropertyName(name); err != nil {
		return err
	}
	v, err := normalizeProperty(name, value)
	if err != nil {
		return err
	}
	if m.props == nil {
		m.props = map[string]any{}
	}
	m.props[name] = v
	return nil
}

func (m *message) ClearProperties() {
	m.props = nil
	m.propsReadOnly = false
}

// Acknowledge acknowledges every message the session consumed so far. It
// is a no-op for sessions not in client acknowledge mode.
func (m *message) Acknowledge(ctx context.Context) error {
	if m.session == nil {
		return nil
	}
	return m.session.Acknowledge(ctx)
}

func (m *message) checkWritable() error {
	if m.bodyReadOnly {
		return errors.Newf(errors.MessageNotWriteable, "message body is read-only")
	}
	return nil
}

func (m *message) checkReadable() error {
	if !m.bodyReadOnly {
		return errors.Newf(errors.MessageNotReadable, "message body is write-only")
	}
	return nil
}

// PlainMessage carries headers and properties only.
type PlainMessage struct {
	message
}

func NewMessage() *PlainMessage {
	return &PlainMessage{message: newMessage(transport.BodyNone)}
}

func (m *PlainMessage) ClearBody() { m.bodyReadOnly = false }
