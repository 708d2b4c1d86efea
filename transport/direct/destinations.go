package direct

import (
	"context"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/direct/selector"
)

type destination struct {
	dest  transport.Destination
	owner transport.ConnectionID
	// queues only
	queue *queue
	// topics only
	subs map[*subscription]struct{}
}

func (d *destination) depth() int {
	if d.queue != nil {
		return d.queue.len()
	}
	n := 0
	for sub := range d.subs {
		n += sub.q.len()
	}
	return n
}

func (d *destination) consumerCount(b *Broker) int {
	n := 0
	for _, c := range b.consumers {
		if c.dest == d {
			n++
		}
	}
	return n
}

// subscription is a topic's per-subscriber queue. Private subscriptions
// belong to one consumer; durable and shared ones are found by key.
type subscription struct {
	key     string
	kind    transport.SubscriptionKind
	dest    *destination
	sel     *selector.Selector
	noLocal bool
	conn    transport.ConnectionID
	q       queue
	active  int
	removed bool
}

func (s *subscription) accepts(p *transport.Packet) bool {
	if s.noLocal && p.Origin == s.conn {
		return false
	}
	return s.sel.Matches(lookup(p))
}

func newDestination(dest transport.Destination, owner transport.ConnectionID) *destination {
	d := &destination{dest: dest, owner: owner}
	if dest.IsQueue() {
		d.queue = &queue{}
	} else {
		d.subs = map[*subscription]struct{}{}
	}
	return d
}

func validDestination(op string, dest transport.Destination) error {
	if dest.Name == "" {
		return transport.Errorf(op, transport.StatusBadRequest, "destination name required")
	}
	switch dest.Type {
	case transport.Queue, transport.Topic, transport.TemporaryQueue, transport.TemporaryTopic:
		return nil
	}
	return transport.Errorf(op, transport.StatusBadRequest, "unknown destination type %d", int(dest.Type))
}

func (b *Broker) CreateDestination(_ context.Context, connID transport.ConnectionID, dest transport.Destination) error {
	const op = "create destination"
	if err := validDestination(op, dest); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connLocked(op, connID); err != nil {
		return err
	}
	if err := b.authorizeLocked(op, connID, ActionCreate, dest); err != nil {
		return err
	}
	if _, ok := b.dests[dest.Key()]; ok {
		return transport.Errorf(op, transport.StatusConflict, "%s already exists", dest)
	}
	var owner transport.ConnectionID
	if dest.IsTemporary() {
		owner = connID
	}
	b.dests[dest.Key()] = newDestination(dest, owner)
	b.lg.Debug("destination created", zap.Stringer("destination", dest), zap.Int64("connection_id", int64(connID)))
	return nil
}

func (b *Broker) DestroyDestination(_ context.Context, connID transport.ConnectionID, dest transport.Destination) error {
	const op = "destroy destination"
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connLocked(op, connID); err != nil {
		return err
	}
	d, ok := b.dests[dest.Key()]
	if !ok {
		return transport.Errorf(op, transport.StatusNotFound, "%s not found", dest)
	}
	if d.dest.IsTemporary() && d.owner != connID {
		return transport.Errorf(op, transport.StatusForbidden, "%s belongs to another connection", dest)
	}
	if n := d.consumerCount(b); n > 0 {
		return transport.Errorf(op, transport.StatusConflict, "%s has %d active consumers", dest, n)
	}
	b.removeDestinationLocked(dest.Key(), d)
	return nil
}

// resolveDestinationLocked returns the named destination, creating queues
// and topics on first use. Temporary destinations must already exist.
func (b *Broker) resolveDestinationLocked(op string, dest transport.Destination) (*destination, error) {
	if err := validDestination(op, dest); err != nil {
		return nil, err
	}
	if d, ok := b.dests[dest.Key()]; ok {
		return d, nil
	}
	if dest.IsTemporary() {
		return nil, transport.Errorf(op, transport.StatusNotFound, "%s not found", dest)
	}
	d := newDestination(dest, 0)
	b.dests[dest.Key()] = d
	return d, nil
}

func (b *Broker) removeDestinationLocked(key string, d *destination) {
	for id, c := range b.consumers {
		if c.dest == d {
			b.removeConsumerLocked(c)
			delete(b.consumers, id)
		}
	}
	for id, p := range b.producers {
		if p.dest == d {
			delete(b.producers, id)
		}
	}
	for id, br := range b.browsers {
		if br.dest == d {
			delete(b.browsers, id)
		}
	}
	for sub := range d.subs {
		sub.removed = true
		if sub.key != "" {
			delete(b.durable, sub.key)
			delete(b.shared, sub.key)
		}
	}
	delete(b.dests, key)
}

// routeLocked makes p visible to consumers: appended to a queue or fanned
// out to every accepting topic subscription.
func (b *Broker) routeLocked(p *transport.Packet) {
	d, ok := b.dests[p.Destination.Key()]
	if !ok {
		if p.Destination.IsTemporary() {
			b.lg.Debug("dropping message for deleted temporary destination",
				zap.String("message_id", p.MessageID), zap.Stringer("destination", p.Destination))
			return
		}
		d = newDestination(p.Destination, 0)
		b.dests[p.Destination.Key()] = d
	}
	p.TransactionID = 0
	if d.queue != nil {
		d.queue.push(p)
		return
	}
	for sub := range d.subs {
		if sub.accepts(p) {
			sub.q.push(p.Clone())
		}
	}
}
