package transport

import "time"

// Packet is the broker-facing message envelope.
type Packet struct {
	MessageID     string         `json:"message_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Type          string         `json:"type,omitempty"`
	Destination   Destination    `json:"destination"`
	ReplyTo       *Destination   `json:"reply_to,omitempty"`
	DeliveryMode  DeliveryMode   `json:"delivery_mode,omitempty"`
	Priority      int            `json:"priority"`
	Timestamp     int64          `json:"timestamp,omitempty"`
	Expiration    int64          `json:"expiration,omitempty"`
	DeliveryTime  int64          `json:"delivery_time,omitempty"`
	Redelivered   bool           `json:"redelivered,omitempty"`
	DeliveryCount int            `json:"delivery_count,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
	BodyType      BodyType       `json:"body_type,omitempty"`
	Body          []byte         `json:"body,omitempty"`
	Compressed    bool           `json:"compressed,omitempty"`

	// Provider-private fields.
	TransactionID TransactionID `json:"txn_id,omitempty"`
	Producer      ProducerID    `json:"producer,omitempty"`
	Origin        ConnectionID  `json:"origin,omitempty"`
	Consumer      ConsumerID    `json:"consumer,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}
	out := *p
	if p.ReplyTo != nil {
		rt := *p.ReplyTo
		out.ReplyTo = &rt
	}
	if p.Properties != nil {
		out.Properties = make(map[string]any, len(p.Properties))
		for k, v := range p.Properties {
			out.Properties[k] = v
		}
	}
	if p.Body != nil {
		out.Body = append([]byte(nil), p.Body...)
	}
	return &out
}

// Expired reports whether the packet carries an absolute expiration at or before now.
func (p *Packet) Expired(now time.Time) bool {
	return p.Expiration > 0 && p.Expiration <= now.UnixMilli()
}

// Deliverable reports whether the packet's delivery time has been reached.
func (p *Packet) Deliverable(now time.Time) bool {
	return p.DeliveryTime <= 0 || p.DeliveryTime <= now.UnixMilli()
}
