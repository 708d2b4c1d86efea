package direct

import (
	"context"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/direct/selector"
)

type session struct {
	id      transport.SessionID
	conn    transport.ConnectionID
	mode    transport.AckMode
	stopped bool
	closed  bool
	// inflight is every delivered, unsettled message in delivery order.
	inflight []*inflight
	// lastAuto keeps the latest auto-acknowledged delivery per consumer so
	// it can still be handed back with RedeliverMessages.
	lastAuto map[transport.ConsumerID]*inflight
	async    []*consumer
	next     int
	stop     chan struct{}
}

type inflight struct {
	pkt      *transport.Packet
	consumer *consumer
	src      *queue
	sub      *subscription
	txn      transport.TransactionID
}

type consumer struct {
	id        transport.ConsumerID
	conn      transport.ConnectionID
	session   *session
	spec      transport.ConsumerSpec
	dest      *destination
	sub       *subscription
	sel       *selector.Selector
	deliverer transport.Deliverer
}

func (c *consumer) source() *queue {
	if c.sub != nil {
		return &c.sub.q
	}
	return c.dest.queue
}

func (c *consumer) match() func(*transport.Packet) bool {
	if c.sub != nil {
		return nil
	}
	return matcher(c.sel)
}

func (b *Broker) CreateSession(_ context.Context, connID transport.ConnectionID, mode transport.AckMode) (transport.SessionID, error) {
	const op = "create session"
	if !mode.Valid() {
		return 0, transport.Errorf(op, transport.StatusBadRequest, "invalid ack mode %d", int(mode))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.connLocked(op, connID)
	if err != nil {
		return 0, err
	}
	s := &session{
		id:       transport.SessionID(b.nextID()),
		conn:     connID,
		mode:     mode,
		lastAuto: map[transport.ConsumerID]*inflight{},
	}
	b.sessions[s.id] = s
	c.sessions[s.id] = s
	b.lg.Debug("session created", zap.Int64("connection_id", int64(connID)),
		zap.Int64("session_id", int64(s.id)), zap.Stringer("ack_mode", mode))
	return s.id, nil
}

func (b *Broker) DestroySession(_ context.Context, connID transport.ConnectionID, id transport.SessionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked("destroy session", connID, id)
	if err != nil {
		return err
	}
	b.destroySessionLocked(s)
	b.signalLocked()
	return nil
}

// destroySessionLocked returns unsettled messages to their sources marked
// redelivered, discards open transactions and removes every child.
func (b *Broker) destroySessionLocked(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	for i := len(s.inflight) - 1; i >= 0; i-- {
		b.requeueLocked(s.inflight[i], true)
	}
	s.inflight = nil
	s.lastAuto = nil
	for id, t := range b.txns {
		if t.session == s {
			delete(b.txns, id)
		}
	}
	for id, c := range b.consumers {
		if c.session == s {
			b.removeConsumerLocked(c)
			delete(b.consumers, id)
		}
	}
	for id, p := range b.producers {
		if p.session == s.id {
			delete(b.producers, id)
		}
	}
	for id, br := range b.browsers {
		if br.session == s.id {
			delete(b.browsers, id)
		}
	}
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	delete(b.sessions, s.id)
	if c, ok := b.conns[s.conn]; ok {
		delete(c.sessions, s.id)
	}
	b.lg.Debug("session destroyed", zap.Int64("connection_id", int64(s.conn)), zap.Int64("session_id", int64(s.id)))
}

func (b *Broker) StartSession(_ context.Context, connID transport.ConnectionID, id transport.SessionID) error {
	return b.setSessionStopped("start session", connID, id, false)
}

func (b *Broker) StopSession(_ context.Context, connID transport.ConnectionID, id transport.SessionID) error {
	return b.setSessionStopped("stop session", connID, id, true)
}

func (b *Broker) setSessionStopped(op string, connID transport.ConnectionID, id transport.SessionID, stopped bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(op, connID, id)
	if err != nil {
		return err
	}
	s.stopped = stopped
	b.signalLocked()
	return nil
}

func durableKey(clientID, name string) string {
	return clientID + "/" + name
}

func (b *Broker) AddConsumer(_ context.Context, connID transport.ConnectionID, sessionID transport.SessionID, spec transport.ConsumerSpec) (transport.ConsumerID, error) {
	const op = "add consumer"
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(op, connID, sessionID)
	if err != nil {
		return 0, err
	}
	if err := b.authorizeLocked(op, connID, ActionConsume, spec.Destination); err != nil {
		return 0, err
	}
	sel, err := selector.Parse(spec.Selector)
	if err != nil {
		return 0, &transport.ServiceError{Op: op, Status: transport.StatusBadRequest, Reason: "invalid selector", Err: err}
	}
	d, err := b.resolveDestinationLocked(op, spec.Destination)
	if err != nil {
		return 0, err
	}
	if d.dest.IsTemporary() && d.owner != connID {
		return 0, transport.Errorf(op, transport.StatusPreconditionFailed, "%s belongs to another connection", d.dest)
	}

	c := &consumer{
		id:        transport.ConsumerID(b.nextID()),
		conn:      connID,
		session:   s,
		spec:      spec,
		dest:      d,
		sel:       sel,
		deliverer: spec.Deliverer,
	}
	if d.queue == nil {
		sub, err := b.subscribeLocked(op, c)
		if err != nil {
			return 0, err
		}
		c.sub = sub
		sub.active++
	} else if spec.Subscription != transport.NonDurable {
		return 0, transport.Errorf(op, transport.StatusNotAllowed, "%s subscriptions require a topic", spec.Subscription)
	}
	b.consumers[c.id] = c
	if c.deliverer != nil {
		s.async = append(s.async, c)
		if s.stop == nil {
			s.stop = make(chan struct{})
			b.wg.Add(1)
			go b.runSession(s, s.stop)
		}
	}
	b.signalLocked()
	b.lg.Debug("consumer added", zap.Int64("session_id", int64(s.id)), zap.Int64("consumer_id", int64(c.id)),
		zap.Stringer("destination", d.dest), zap.Stringer("subscription", spec.Subscription))
	return c.id, nil
}

// subscribeLocked finds or creates the topic subscription c reads from.
func (b *Broker) subscribeLocked(op string, c *consumer) (*subscription, error) {
	spec := c.spec
	private := func() *subscription {
		sub := &subscription{kind: spec.Subscription, dest: c.dest, sel: c.sel, noLocal: spec.NoLocal, conn: c.conn}
		c.dest.subs[sub] = struct{}{}
		return sub
	}
	switch spec.Subscription {
	case transport.NonDurable:
		return private(), nil
	case transport.Durable, transport.SharedDurable:
		if spec.Name == "" {
			return nil, transport.Errorf(op, transport.StatusBadRequest, "durable subscription requires a name")
		}
		if spec.Subscription == transport.Durable && spec.ClientID == "" {
			return nil, transport.Errorf(op, transport.StatusPreconditionFailed, "durable subscription %q requires a client id", spec.Name)
		}
		key := durableKey(spec.ClientID, spec.Name)
		sub, ok := b.durable[key]
		if ok {
			changed := sub.dest != c.dest || sub.sel.String() != c.sel.String() || sub.noLocal != spec.NoLocal
			if sub.kind != spec.Subscription {
				return nil, transport.Errorf(op, transport.StatusConflict, "subscription %q exists as %s", spec.Name, sub.kind)
			}
			if sub.kind == transport.Durable && sub.active > 0 {
				return nil, transport.Errorf(op, transport.StatusConflict, "durable subscription %q already has an active consumer", spec.Name)
			}
			if !changed {
				return sub, nil
			}
			if sub.active > 0 {
				return nil, transport.Errorf(op, transport.StatusConflict, "shared subscription %q is active with a different definition", spec.Name)
			}
			// a changed definition replaces the old subscription
			b.dropSubscriptionLocked(sub)
		}
		sub = private()
		sub.key = key
		b.durable[key] = sub
		return sub, nil
	case transport.SharedNonDurable:
		if spec.Name == "" {
			return nil, transport.Errorf(op, transport.StatusBadRequest, "shared subscription requires a name")
		}
		key := spec.ClientID + "/" + c.dest.dest.Name + "/" + spec.Name
		if sub, ok := b.shared[key]; ok {
			if sub.dest != c.dest || sub.sel.String() != c.sel.String() {
				return nil, transport.Errorf(op, transport.StatusConflict, "shared subscription %q is active with a different definition", spec.Name)
			}
			return sub, nil
		}
		sub := private()
		sub.key = key
		b.shared[key] = sub
		return sub, nil
	}
	return nil, transport.Errorf(op, transport.StatusBadRequest, "unknown subscription kind %d", int(spec.Subscription))
}

func (b *Broker) dropSubscriptionLocked(sub *subscription) {
	sub.removed = true
	sub.q.clear()
	delete(sub.dest.subs, sub)
	if sub.key != "" {
		if b.durable[sub.key] == sub {
			delete(b.durable, sub.key)
		}
		if b.shared[sub.key] == sub {
			delete(b.shared, sub.key)
		}
	}
}

// removeConsumerLocked detaches c from its session and subscription. The
// caller deletes it from b.consumers.
func (b *Broker) removeConsumerLocked(c *consumer) {
	s := c.session
	for i, ac := range s.async {
		if ac == c {
			s.async = append(s.async[:i], s.async[i+1:]...)
			break
		}
	}
	delete(s.lastAuto, c.id)
	if c.sub == nil {
		return
	}
	c.sub.active--
	if c.sub.active <= 0 && !c.sub.kind.Durable() {
		b.dropSubscriptionLocked(c.sub)
	}
}

func (b *Broker) DeleteConsumer(_ context.Context, connID transport.ConnectionID, sessionID transport.SessionID, id transport.ConsumerID, lastSeen string) error {
	const op = "delete consumer"
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(op, connID, sessionID)
	if err != nil {
		return err
	}
	c, ok := b.consumers[id]
	if !ok || c.session != s {
		return transport.Errorf(op, transport.StatusNotFound, "consumer %d not found", id)
	}
	b.returnUnseenLocked(s, c, lastSeen)
	b.removeConsumerLocked(c)
	delete(b.consumers, id)
	b.signalLocked()
	return nil
}

// returnUnseenLocked requeues, unmarked, the messages c was handed after
// lastSeen. When lastSeen is empty or already settled every unsettled
// delivery of c is unseen.
func (b *Broker) returnUnseenLocked(s *session, c *consumer, lastSeen string) {
	mine := -1
	if lastSeen != "" {
		for i, f := range s.inflight {
			if f.consumer == c && f.pkt.MessageID == lastSeen {
				mine = i
			}
		}
	}
	kept := s.inflight[:0]
	var unseen []*inflight
	for i, f := range s.inflight {
		if f.consumer == c && i > mine && s.mode != transport.SessionTransacted {
			unseen = append(unseen, f)
			continue
		}
		kept = append(kept, f)
	}
	s.inflight = kept
	for i := len(unseen) - 1; i >= 0; i-- {
		b.requeueLocked(unseen[i], false)
	}
}

func (b *Broker) Unsubscribe(_ context.Context, connID transport.ConnectionID, name, clientID string) error {
	const op = "unsubscribe"
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connLocked(op, connID); err != nil {
		return err
	}
	sub, ok := b.durable[durableKey(clientID, name)]
	if !ok {
		return transport.Errorf(op, transport.StatusNotFound, "durable subscription %q not found", name)
	}
	if sub.active > 0 {
		return transport.Errorf(op, transport.StatusPreconditionFailed, "durable subscription %q is in use", name)
	}
	b.dropSubscriptionLocked(sub)
	return nil
}

func (b *Broker) AddBrowser(_ context.Context, connID transport.ConnectionID, sessionID transport.SessionID, dest transport.Destination, sel string) (transport.ConsumerID, error) {
	const op = "add browser"
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.sessionLocked(op, connID, sessionID); err != nil {
		return 0, err
	}
	if !dest.IsQueue() {
		return 0, transport.Errorf(op, transport.StatusNotAllowed, "browsers require a queue")
	}
	if err := b.authorizeLocked(op, connID, ActionBrowse, dest); err != nil {
		return 0, err
	}
	parsed, err := selector.Parse(sel)
	if err != nil {
		return 0, &transport.ServiceError{Op: op, Status: transport.StatusBadRequest, Reason: "invalid selector", Err: err}
	}
	d, err := b.resolveDestinationLocked(op, dest)
	if err != nil {
		return 0, err
	}
	br := &browser{id: transport.ConsumerID(b.nextID()), conn: connID, session: sessionID, dest: d, sel: parsed}
	b.browsers[br.id] = br
	return br.id, nil
}

func (b *Broker) BrowseMessages(_ context.Context, connID transport.ConnectionID, sessionID transport.SessionID, id transport.ConsumerID) ([]*transport.Packet, error) {
	const op = "browse messages"
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.sessionLocked(op, connID, sessionID); err != nil {
		return nil, err
	}
	br, ok := b.browsers[id]
	if !ok || br.session != sessionID {
		return nil, transport.Errorf(op, transport.StatusNotFound, "browser %d not found", id)
	}
	return br.dest.queue.snapshot(b.opts.now(), matcher(br.sel)), nil
}

func (b *Broker) DeleteBrowser(_ context.Context, connID transport.ConnectionID, sessionID transport.SessionID, id transport.ConsumerID) error {
	const op = "delete browser"
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.sessionLocked(op, connID, sessionID); err != nil {
		return err
	}
	br, ok := b.browsers[id]
	if !ok || br.session != sessionID {
		return transport.Errorf(op, transport.StatusNotFound, "browser %d not found", id)
	}
	delete(b.browsers, id)
	return nil
}
