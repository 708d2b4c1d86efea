package jms

import (
	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

// Optional body accessors a foreign message may implement so its body
// survives the conversion into a native message.
type (
	TextBody interface {
		Text() (string, error)
	}
	BytesBody interface {
		BodyBytes() ([]byte, error)
	}
	MapBody interface {
		MapBody() (map[string]any, error)
	}
)

type bodyMarshaler interface {
	marshalBody() ([]byte, error)
}

// toNative returns msg itself when it is native, or a native copy of a
// foreign message carrying its body, correlation id, type and properties.
func toNative(msg Message) (native, bool, error) {
	if n, ok := msg.(native); ok {
		return n, false, nil
	}
	var out native
	switch body := msg.(type) {
	case TextBody:
		text, err := body.Text()
		if err != nil {
			return nil, true, errors.Wrap(errors.MessageFormat, err, "read foreign text body")
		}
		out = NewTextMessage(text)
	case BytesBody:
		data, err := body.BodyBytes()
		if err != nil {
			return nil, true, errors.Wrap(errors.MessageFormat, err, "read foreign bytes body")
		}
		bm := NewBytesMessage()
		bm.buf.Write(data)
		out = bm
	case MapBody:
		values, err := body.MapBody()
		if err != nil {
			return nil, true, errors.Wrap(errors.MessageFormat, err, "read foreign map body")
		}
		mm := NewMapMessage()
		for k, v := range values {
			if err := mm.Set(k, v); err != nil {
				return nil, true, err
			}
		}
		out = mm
	default:
		out = NewMessage()
	}
	env := out.envelope()
	env.hdr.correlationID = msg.CorrelationID()
	env.hdr.typ = msg.Type()
	for _, name := range msg.PropertyNames() {
		v, _ := msg.Property(name)
		if err := env.SetProperty(name, v); err != nil {
			return nil, true, err
		}
	}
	return out, true, nil
}

// writeBack copies the headers set during send onto a foreign message.
func writeBack(dst Message, src *message, delay bool) {
	dst.SetDeliveryMode(src.hdr.deliveryMode)
	dst.SetExpiration(src.hdr.expiration)
	if delay {
		dst.SetDeliveryTime(src.hdr.deliveryTime)
	}
	dst.SetPriority(src.hdr.priority)
	dst.SetTimestamp(src.hdr.timestamp)
	dst.SetMessageID(src.hdr.messageID)
	dst.SetDestination(src.hdr.destination)
}

func marshalBody(n native) ([]byte, error) {
	if bm, ok := n.(bodyMarshaler); ok {
		return bm.marshalBody()
	}
	return nil, nil
}

// encode builds the transport packet for m. Destination and reply-to must
// already be resolved.
func encode(m *message, dest transport.Destination, replyTo *transport.Destination, body []byte, compress bool) (*transport.Packet, error) {
	p := &transport.Packet{
		MessageID:     m.hdr.messageID,
		CorrelationID: m.hdr.correlationID,
		Type:          m.hdr.typ,
		Destination:   dest,
		ReplyTo:       replyTo,
		DeliveryMode:  m.hdr.deliveryMode,
		Priority:      m.hdr.priority,
		Expiration:    m.hdr.expiration,
		DeliveryTime:  m.hdr.deliveryTime,
		BodyType:      m.bodyType,
		Body:          body,
	}
	if len(m.props) > 0 {
		p.Properties = make(map[string]any, len(m.props))
		for k, v := range m.props {
			p.Properties[k] = v
		}
	}
	if compress && len(body) > 0 {
		z, err := compressBody(body)
		if err != nil {
			return nil, err
		}
		p.Body = z
		p.Compressed = true
	}
	return p, nil
}

// decode builds a read-only native message from a delivered packet.
func (s *Session) decode(p *transport.Packet) (native, error) {
	body := p.Body
	if p.Compressed {
		var err error
		if body, err = decompressBody(body); err != nil {
			return nil, err
		}
	}
	var out native
	switch p.BodyType {
	case transport.BodyText:
		out = &TextMessage{message: newMessage(transport.BodyText), text: string(body)}
	case transport.BodyBytes:
		out = &BytesMessage{message: newMessage(transport.BodyBytes), data: body}
	case transport.BodyMap:
		values, err := transport.UnmarshalValues(body)
		if err != nil {
			return nil, errors.Wrap(errors.MessageFormat, err, "decode map body")
		}
		out = &MapMessage{message: newMessage(transport.BodyMap), values: values}
	case transport.BodyNone:
		out = NewMessage()
	default:
		return nil, errors.Newf(errors.MessageFormat, "unknown body type %s", p.BodyType)
	}

	env := out.envelope()
	env.hdr = header{
		messageID:     p.MessageID,
		timestamp:     p.Timestamp,
		correlationID: p.CorrelationID,
		destination:   s.conn.fromTransport(p.Destination),
		deliveryMode:  p.DeliveryMode,
		redelivered:   p.Redelivered,
		typ:           p.Type,
		expiration:    p.Expiration,
		deliveryTime:  p.DeliveryTime,
		priority:      p.Priority,
	}
	if p.ReplyTo != nil {
		env.hdr.replyTo = s.conn.fromTransport(*p.ReplyTo)
	}
	env.props = make(map[string]any, len(p.Properties)+1)
	for k, v := range p.Properties {
		env.props[k] = v
	}
	env.props[DeliveryCountProperty] = int32(max(p.DeliveryCount, 1))
	env.messageIDSet = p.MessageID != ""
	env.propsReadOnly = true
	env.bodyReadOnly = true
	env.session = s
	env.consumer = p.Consumer
	return out, nil
}
