package direct

import (
	"time"

	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/direct/selector"
)

// queue is a FIFO of pending packets. It is guarded by the broker mutex.
type queue struct {
	items []*transport.Packet
}

func (q *queue) push(p *transport.Packet) {
	q.items = append(q.items, p)
}

func (q *queue) pushFront(p *transport.Packet) {
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = p
}

// take removes and returns the first deliverable packet accepted by match.
// Expired packets found on the way are dropped.
func (q *queue) take(now time.Time, match func(*transport.Packet) bool) *transport.Packet {
	kept := q.items[:0]
	var found *transport.Packet
	for _, p := range q.items {
		switch {
		case found != nil:
			kept = append(kept, p)
		case p.Expired(now):
		case !p.Deliverable(now):
			kept = append(kept, p)
		case match != nil && !match(p):
			kept = append(kept, p)
		default:
			found = p
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return found
}

// snapshot returns clones of the visible packets accepted by match.
func (q *queue) snapshot(now time.Time, match func(*transport.Packet) bool) []*transport.Packet {
	var out []*transport.Packet
	for _, p := range q.items {
		if p.Expired(now) || !p.Deliverable(now) {
			continue
		}
		if match != nil && !match(p) {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) clear() { q.items = nil }

// lookup exposes packet headers and properties to selector evaluation.
func lookup(p *transport.Packet) selector.Lookup {
	return func(name string) (any, bool) {
		switch name {
		case "JMSPriority":
			return int64(p.Priority), true
		case "JMSTimestamp":
			return p.Timestamp, true
		case "JMSDeliveryMode":
			if p.DeliveryMode == transport.NonPersistent {
				return "NON_PERSISTENT", true
			}
			return "PERSISTENT", true
		case "JMSType":
			return p.Type, p.Type != ""
		case "JMSCorrelationID":
			return p.CorrelationID, p.CorrelationID != ""
		case "JMSMessageID":
			return p.MessageID, p.MessageID != ""
		}
		v, ok := p.Properties[name]
		return v, ok
	}
}

func matcher(sel *selector.Selector) func(*transport.Packet) bool {
	if sel == nil {
		return nil
	}
	return func(p *transport.Packet) bool {
		return sel.Matches(lookup(p))
	}
}
