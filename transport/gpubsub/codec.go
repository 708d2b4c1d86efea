package gpubsub

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	gcppubsub "cloud.google.com/go/pubsub"

	"github.com/infigaming-com/go-mqclient/transport"
)

const (
	attrMessageID     = "mq-id"
	attrCorrelationID = "mq-correlation-id"
	attrType          = "mq-type"
	attrDestination   = "mq-destination"
	attrReplyTo       = "mq-reply-to"
	attrDeliveryMode  = "mq-delivery-mode"
	attrPriority      = "mq-priority"
	attrTimestamp     = "mq-timestamp"
	attrExpiration    = "mq-expiration"
	attrDeliveryTime  = "mq-delivery-time"
	attrBodyType      = "mq-body-type"
	attrCompressed    = "mq-compressed"
	attrOrigin        = "mq-origin"
	propertyPrefix    = "mq-p-"
)

var errUndecodable = errors.New("gpubsub: message is not an mq packet")

// topicID maps a destination onto a Pub/Sub topic. Queues and topics get
// separate namespaces; temporary names are unique already.
func topicID(d transport.Destination) string {
	switch d.Type {
	case transport.Queue:
		return validID("queue." + d.Name)
	case transport.Topic:
		return validID("topic." + d.Name)
	default:
		return validID(d.Name)
	}
}

// queueSubscriptionID names the one subscription all consumers of a queue
// share.
func queueSubscriptionID(d transport.Destination) string {
	return validID(d.Name + ".queue")
}

func topicSubscriptionID(spec transport.ConsumerSpec, unique string) string {
	switch spec.Subscription {
	case transport.Durable:
		return validID(spec.ClientID + "." + spec.Name)
	case transport.SharedDurable:
		if spec.ClientID != "" {
			return validID(spec.ClientID + "." + spec.Name + ".shared-durable")
		}
		return validID(spec.Name + ".shared-durable")
	case transport.SharedNonDurable:
		if spec.ClientID != "" {
			return validID(spec.ClientID + "." + spec.Name + ".shared")
		}
		return validID(spec.Name + ".shared")
	default:
		return validID(spec.Destination.Name + "." + unique)
	}
}

// validID rewrites name into a legal Pub/Sub resource id: letters, digits
// and -_.~+% only, starting with a letter, 3 to 255 characters.
func validID(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			strings.ContainsRune("-_.~+%", r):
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	id := b.String()
	if id == "" || !isLetter(id[0]) || len(id) < 3 || strings.HasPrefix(strings.ToLower(id), "goog") {
		id = "mq-" + id
	}
	if len(id) > 255 {
		id = id[:255]
	}
	return id
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func encodeDestination(d transport.Destination) string {
	return strconv.Itoa(int(d.Type)) + ":" + d.Name
}

func decodeDestination(s string) (transport.Destination, error) {
	typ, name, ok := strings.Cut(s, ":")
	if !ok {
		return transport.Destination{}, fmt.Errorf("gpubsub: bad destination %q", s)
	}
	n, err := strconv.Atoi(typ)
	if err != nil {
		return transport.Destination{}, fmt.Errorf("gpubsub: bad destination %q", s)
	}
	return transport.Destination{Name: name, Type: transport.DestinationType(n)}, nil
}

// encodePacket renders p as a Pub/Sub message. Headers and typed
// properties travel as attributes; the body is the message data.
func encodePacket(p *transport.Packet, origin string) (*gcppubsub.Message, error) {
	attrs := map[string]string{
		attrMessageID:    p.MessageID,
		attrDestination:  encodeDestination(p.Destination),
		attrDeliveryMode: strconv.Itoa(int(p.DeliveryMode)),
		attrPriority:     strconv.Itoa(p.Priority),
		attrTimestamp:    strconv.FormatInt(p.Timestamp, 10),
		attrBodyType:     strconv.Itoa(int(p.BodyType)),
		attrOrigin:       origin,
	}
	if p.CorrelationID != "" {
		attrs[attrCorrelationID] = p.CorrelationID
	}
	if p.Type != "" {
		attrs[attrType] = p.Type
	}
	if p.ReplyTo != nil {
		attrs[attrReplyTo] = encodeDestination(*p.ReplyTo)
	}
	if p.Expiration > 0 {
		attrs[attrExpiration] = strconv.FormatInt(p.Expiration, 10)
	}
	if p.DeliveryTime > 0 {
		attrs[attrDeliveryTime] = strconv.FormatInt(p.DeliveryTime, 10)
	}
	if p.Compressed {
		attrs[attrCompressed] = "true"
	}
	for name, v := range p.Properties {
		tv, err := transport.EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("gpubsub: property %s: %w", name, err)
		}
		attrs[propertyPrefix+name] = tv.Type + ":" + tv.Value
	}
	return &gcppubsub.Message{Data: append([]byte(nil), p.Body...), Attributes: attrs}, nil
}

// decodePacket reverses encodePacket and returns the sending origin.
func decodePacket(m *gcppubsub.Message) (*transport.Packet, string, error) {
	attrs := m.Attributes
	id, ok := attrs[attrMessageID]
	if !ok {
		return nil, "", errUndecodable
	}
	dest, err := decodeDestination(attrs[attrDestination])
	if err != nil {
		return nil, "", err
	}
	p := &transport.Packet{
		MessageID:     id,
		CorrelationID: attrs[attrCorrelationID],
		Type:          attrs[attrType],
		Destination:   dest,
		Compressed:    attrs[attrCompressed] == "true",
	}
	if rt, ok := attrs[attrReplyTo]; ok {
		d, err := decodeDestination(rt)
		if err != nil {
			return nil, "", err
		}
		p.ReplyTo = &d
	}
	ints := []struct {
		key string
		dst *int64
	}{
		{attrTimestamp, &p.Timestamp},
		{attrExpiration, &p.Expiration},
		{attrDeliveryTime, &p.DeliveryTime},
	}
	for _, f := range ints {
		if s, ok := attrs[f.key]; ok {
			if *f.dst, err = strconv.ParseInt(s, 10, 64); err != nil {
				return nil, "", fmt.Errorf("gpubsub: %s: %w", f.key, err)
			}
		}
	}
	if p.Priority, err = strconv.Atoi(attrs[attrPriority]); err != nil {
		return nil, "", fmt.Errorf("gpubsub: %s: %w", attrPriority, err)
	}
	mode, err := strconv.Atoi(attrs[attrDeliveryMode])
	if err != nil {
		return nil, "", fmt.Errorf("gpubsub: %s: %w", attrDeliveryMode, err)
	}
	p.DeliveryMode = transport.DeliveryMode(mode)
	body, err := strconv.Atoi(attrs[attrBodyType])
	if err != nil {
		return nil, "", fmt.Errorf("gpubsub: %s: %w", attrBodyType, err)
	}
	p.BodyType = transport.BodyType(body)
	for key, raw := range attrs {
		name, ok := strings.CutPrefix(key, propertyPrefix)
		if !ok {
			continue
		}
		typ, value, _ := strings.Cut(raw, ":")
		v, err := transport.DecodeValue(transport.TypedValue{Type: typ, Value: value})
		if err != nil {
			return nil, "", fmt.Errorf("gpubsub: property %s: %w", name, err)
		}
		if p.Properties == nil {
			p.Properties = make(map[string]any)
		}
		p.Properties[name] = v
	}
	if len(m.Data) > 0 {
		p.Body = append([]byte(nil), m.Data...)
	}
	return p, attrs[attrOrigin], nil
}
