package direct

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/transport"
)

func (b *Broker) SendMessage(_ context.Context, connID transport.ConnectionID, p *transport.Packet) error {
	const op = "send message"
	if p == nil {
		return transport.Errorf(op, transport.StatusBadRequest, "packet required")
	}
	if err := validDestination(op, p.Destination); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connLocked(op, connID); err != nil {
		return err
	}
	if p.Producer != 0 {
		prod, ok := b.producers[p.Producer]
		if !ok || prod.conn != connID {
			return transport.Errorf(op, transport.StatusGone, "producer %d not found", p.Producer)
		}
	} else if err := b.authorizeLocked(op, connID, ActionProduce, p.Destination); err != nil {
		return err
	}
	if p.Destination.IsTemporary() {
		if _, ok := b.dests[p.Destination.Key()]; !ok {
			return transport.Errorf(op, transport.StatusNotFound, "%s not found", p.Destination)
		}
	}

	pkt := p.Clone()
	pkt.Origin = connID
	pkt.Redelivered = false
	pkt.DeliveryCount = 0
	if pkt.MessageID == "" {
		b.AssignMessageID(connID, pkt)
	}
	if p.TransactionID != 0 {
		t, ok := b.txns[p.TransactionID]
		if !ok {
			return transport.Errorf(op, transport.StatusGone, "transaction %d not found", p.TransactionID)
		}
		t.sends = append(t.sends, pkt)
		return nil
	}
	b.routeLocked(pkt)
	b.signalLocked()
	return nil
}

func (b *Broker) FetchMessage(ctx context.Context, connID transport.ConnectionID, req transport.FetchRequest) (*transport.Packet, error) {
	const op = "fetch message"
	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	var poll *time.Ticker
	for {
		b.mu.Lock()
		s, err := b.sessionLocked(op, connID, req.Session)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		c, ok := b.consumers[req.Consumer]
		if !ok || c.session != s {
			b.mu.Unlock()
			return nil, transport.Errorf(op, transport.StatusGone, "consumer %d not found", req.Consumer)
		}
		if c.deliverer != nil {
			b.mu.Unlock()
			return nil, transport.Errorf(op, transport.StatusNotAllowed, "consumer %d is asynchronous", c.id)
		}
		if b.readyLocked(s) {
			if pkt := c.source().take(b.opts.now(), c.match()); pkt != nil {
				autoAck := (req.AutoAck && req.TransactionID == 0) || s.mode == transport.NoAcknowledge
				out := b.deliverLocked(s, c, pkt, req.TransactionID, autoAck)
				b.mu.Unlock()
				return out, nil
			}
		}
		wake := b.notify
		b.mu.Unlock()

		if req.Timeout == 0 {
			return nil, nil
		}
		if poll == nil {
			poll = time.NewTicker(b.opts.pollInterval)
			defer poll.Stop()
		}
		select {
		case <-wake:
		case <-poll.C:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, &transport.ServiceError{Op: op, Status: transport.StatusTimeout, Err: ctx.Err()}
		case <-b.ctx.Done():
			return nil, &transport.ServiceError{Op: op, Status: transport.StatusUnavailable, Err: ErrClosed}
		}
	}
}

func (b *Broker) readyLocked(s *session) bool {
	c := b.conns[s.conn]
	return c != nil && c.started && !s.stopped && !s.closed
}

// deliverLocked records a delivery and returns the copy handed to the
// client.
func (b *Broker) deliverLocked(s *session, c *consumer, pkt *transport.Packet, txnID transport.TransactionID, autoAck bool) *transport.Packet {
	pkt.DeliveryCount++
	f := &inflight{pkt: pkt, consumer: c, src: c.source(), sub: c.sub, txn: txnID}
	if autoAck {
		s.lastAuto[c.id] = f
	} else {
		s.inflight = append(s.inflight, f)
	}
	out := pkt.Clone()
	out.Consumer = c.id
	out.TransactionID = txnID
	return out
}

// requeueLocked puts f back at the head of its source. Messages from a
// dropped subscription are discarded.
func (b *Broker) requeueLocked(f *inflight, redelivered bool) {
	if f.sub != nil && f.sub.removed {
		return
	}
	if f.sub == nil {
		if _, ok := b.dests[f.consumer.dest.dest.Key()]; !ok {
			return
		}
	}
	f.pkt.Redelivered = f.pkt.Redelivered || redelivered
	f.src.pushFront(f.pkt)
}

// runSession pushes messages to the session's asynchronous consumers, one
// at a time, until the session is destroyed.
func (b *Broker) runSession(s *session, stop <-chan struct{}) {
	defer b.wg.Done()
	poll := time.NewTicker(b.opts.pollInterval)
	defer poll.Stop()
	lg := b.lg.With(zap.Int64("session_id", int64(s.id)))
	for {
		b.mu.Lock()
		if s.closed || b.closed {
			b.mu.Unlock()
			return
		}
		c, out := b.nextAsyncLocked(s)
		wake := b.notify
		b.mu.Unlock()

		if out == nil {
			select {
			case <-wake:
			case <-poll.C:
			case <-stop:
				return
			}
			continue
		}

		err := c.deliverer.Deliver(b.ctx, out)
		if err == nil {
			continue
		}
		closedNoDelivery := errors.Is(err, transport.ErrConsumerClosedNoDelivery)
		if !closedNoDelivery {
			lg.Warn("delivery failed", zap.Int64("consumer_id", int64(c.id)),
				zap.String("message_id", out.MessageID), zap.Error(err))
		}
		b.mu.Lock()
		if f := s.takeInflight(out.MessageID, c.id); f != nil {
			if closedNoDelivery {
				f.pkt.DeliveryCount--
			}
			b.requeueLocked(f, !closedNoDelivery)
		} else if f := s.lastAuto[c.id]; f != nil && f.pkt.MessageID == out.MessageID {
			delete(s.lastAuto, c.id)
			b.requeueLocked(f, !closedNoDelivery)
		}
		if closedNoDelivery {
			// stop pushing to a consumer that is going away
			for i, ac := range s.async {
				if ac == c {
					s.async = append(s.async[:i], s.async[i+1:]...)
					break
				}
			}
		}
		b.signalLocked()
		b.mu.Unlock()
	}
}

// nextAsyncLocked picks the next asynchronous consumer with a message,
// rotating across consumers so none is starved.
func (b *Broker) nextAsyncLocked(s *session) (*consumer, *transport.Packet) {
	if !b.readyLocked(s) || len(s.async) == 0 {
		return nil, nil
	}
	now := b.opts.now()
	for i := 0; i < len(s.async); i++ {
		idx := (s.next + i) % len(s.async)
		c := s.async[idx]
		if pkt := c.source().take(now, c.match()); pkt != nil {
			s.next = idx + 1
			return c, b.deliverLocked(s, c, pkt, 0, s.mode == transport.NoAcknowledge)
		}
	}
	return nil, nil
}

func (s *session) takeInflight(messageID string, consumerID transport.ConsumerID) *inflight {
	for i, f := range s.inflight {
		if f.pkt.MessageID != messageID {
			continue
		}
		if consumerID != 0 && f.consumer.id != consumerID {
			continue
		}
		s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
		return f
	}
	return nil
}

func (s *session) findInflight(messageID string, consumerID transport.ConsumerID) *inflight {
	for _, f := range s.inflight {
		if f.pkt.MessageID == messageID && (consumerID == 0 || f.consumer.id == consumerID) {
			return f
		}
	}
	return nil
}

func (b *Broker) AcknowledgeMessage(_ context.Context, connID transport.ConnectionID, ack transport.Ack) error {
	const op = "acknowledge message"
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(op, connID, ack.Session)
	if err != nil {
		return err
	}
	if ack.TransactionID != 0 {
		if _, ok := b.txns[ack.TransactionID]; !ok {
			return transport.Errorf(op, transport.StatusGone, "transaction %d not found", ack.TransactionID)
		}
	}

	switch ack.Type {
	case transport.AckConsumed, 0:
		if ack.TransactionID != 0 {
			if f := s.findInflight(ack.MessageID, ack.Consumer); f != nil {
				f.txn = ack.TransactionID
			}
			return nil
		}
		if s.takeInflight(ack.MessageID, ack.Consumer) == nil {
			b.lg.Debug("acknowledgment for unknown message", zap.Int64("session_id", int64(s.id)),
				zap.String("message_id", ack.MessageID))
		}
		return nil
	case transport.AckUndeliverable:
		f := s.takeInflight(ack.MessageID, ack.Consumer)
		if f == nil {
			return nil
		}
		if ack.RetryCount >= b.opts.maxRedeliveries || f.pkt.DeliveryCount >= b.opts.maxRedeliveries {
			b.deadLetterLocked(f)
		} else {
			b.requeueLocked(f, true)
		}
		b.signalLocked()
		return nil
	case transport.AckDeadLetter:
		if f := s.takeInflight(ack.MessageID, ack.Consumer); f != nil {
			b.deadLetterLocked(f)
			b.signalLocked()
		}
		return nil
	}
	return transport.Errorf(op, transport.StatusBadRequest, "unknown ack type %d", int(ack.Type))
}

func (b *Broker) deadLetterLocked(f *inflight) {
	pkt := f.pkt.Clone()
	if pkt.Properties == nil {
		pkt.Properties = map[string]any{}
	}
	pkt.Properties["JMS_DeadLetterDestination"] = pkt.Destination.String()
	pkt.Destination = transport.Destination{Name: b.opts.deadLetterQueue, Type: transport.Queue}
	pkt.Redelivered = false
	pkt.Expiration = 0
	b.lg.Info("message dead lettered", zap.String("message_id", pkt.MessageID),
		zap.String("destination", pkt.Properties["JMS_DeadLetterDestination"].(string)))
	b.routeLocked(pkt)
}

func (b *Broker) RedeliverMessages(_ context.Context, connID transport.ConnectionID, req transport.RedeliverRequest) error {
	const op = "redeliver messages"
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(op, connID, req.Session)
	if err != nil {
		return err
	}
	pairs := len(req.ConsumerIDs) == len(req.MessageIDs)
	// walk backwards so the head of each source ends up in request order
	for i := len(req.MessageIDs) - 1; i >= 0; i-- {
		id := req.MessageIDs[i]
		var cid transport.ConsumerID
		if pairs {
			cid = req.ConsumerIDs[i]
		}
		f := s.takeInflight(id, cid)
		if f == nil {
			for consumerID, auto := range s.lastAuto {
				if auto.pkt.MessageID == id && (cid == 0 || consumerID == cid) {
					f = auto
					delete(s.lastAuto, consumerID)
					break
				}
			}
		}
		if f == nil {
			b.lg.Debug("redeliver of unknown message", zap.Int64("session_id", int64(s.id)), zap.String("message_id", id))
			continue
		}
		if !req.SetRedelivered {
			f.pkt.DeliveryCount--
		}
		b.requeueLocked(f, req.SetRedelivered)
	}
	b.signalLocked()
	return nil
}

func (b *Broker) StartTransaction(_ context.Context, connID transport.ConnectionID, sessionID transport.SessionID, xid string) (transport.TransactionID, error) {
	const op = "start transaction"
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connLocked(op, connID); err != nil {
		return 0, err
	}
	var s *session
	if sessionID != 0 {
		var err error
		if s, err = b.sessionLocked(op, connID, sessionID); err != nil {
			return 0, err
		}
	}
	if xid != "" {
		for _, t := range b.txns {
			if t.xid == xid {
				return 0, transport.Errorf(op, transport.StatusConflict, "xid %q already started", xid)
			}
		}
	}
	t := &txn{id: transport.TransactionID(b.nextID()), conn: connID, session: s, xid: xid}
	b.txns[t.id] = t
	return t.id, nil
}

func (b *Broker) txnLocked(op string, connID transport.ConnectionID, id transport.TransactionID, xid string) (*txn, error) {
	if _, err := b.connLocked(op, connID); err != nil {
		return nil, err
	}
	t, ok := b.txns[id]
	if !ok && xid != "" {
		for _, candidate := range b.txns {
			if candidate.xid == xid {
				t, ok = candidate, true
				break
			}
		}
	}
	if !ok || t.conn != connID {
		return nil, transport.Errorf(op, transport.StatusNotFound, "transaction %d not found", id)
	}
	if xid != "" && t.xid != xid {
		return nil, transport.Errorf(op, transport.StatusPreconditionFailed, "transaction %d is not xid %q", id, xid)
	}
	return t, nil
}

func (b *Broker) CommitTransaction(_ context.Context, connID transport.ConnectionID, id transport.TransactionID, xid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.txnLocked("commit transaction", connID, id, xid)
	if err != nil {
		return err
	}
	for _, p := range t.sends {
		b.routeLocked(p)
	}
	if s := t.session; s != nil {
		kept := s.inflight[:0]
		for _, f := range s.inflight {
			if f.txn != t.id {
				kept = append(kept, f)
			}
		}
		s.inflight = kept
	}
	delete(b.txns, t.id)
	b.signalLocked()
	return nil
}

// RollbackTransaction discards buffered sends and returns the messages
// consumed in the transaction. For transacted sessions that is every
// unsettled delivery of the session.
func (b *Broker) RollbackTransaction(_ context.Context, connID transport.ConnectionID, id transport.TransactionID, xid string, setRedelivered bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.txnLocked("rollback transaction", connID, id, xid)
	if err != nil {
		return err
	}
	if s := t.session; s != nil {
		var back []*inflight
		kept := s.inflight[:0]
		for _, f := range s.inflight {
			if f.txn == t.id || (s.mode == transport.SessionTransacted && f.txn == 0) {
				back = append(back, f)
				continue
			}
			kept = append(kept, f)
		}
		s.inflight = kept
		for i := len(back) - 1; i >= 0; i-- {
			b.requeueLocked(back[i], setRedelivered)
		}
	}
	delete(b.txns, t.id)
	b.signalLocked()
	return nil
}
