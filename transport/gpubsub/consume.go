package gpubsub

import (
	"context"
	"errors"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/internal/backoff"
	"github.com/infigaming-com/go-mqclient/transport/internal/worker"
)

type consumer struct {
	id      transport.ConsumerID
	conn    transport.ConnectionID
	session *session
	spec    transport.ConsumerSpec
	subID   string
	sub     *gcppubsub.Subscription
	// buf hands received messages to FetchMessage; nil for push consumers.
	buf       chan *received
	deliverer transport.Deliverer
	ctx       context.Context
	cancel    context.CancelFunc
	// stop is closed when the consumer is deleted. Receive keeps running
	// until the consumer's unsettled messages are acknowledged or nacked.
	stop      chan struct{}
	closing   bool
	ephemeral bool
}

type received struct {
	pkt     *transport.Packet
	msg     *gcppubsub.Message
	attempt int
}

type inflight struct {
	pkt      *transport.Packet
	msg      *gcppubsub.Message
	consumer *consumer
	txn      transport.TransactionID
}

func (t *Transport) AddConsumer(ctx context.Context, connID transport.ConnectionID, sessionID transport.SessionID, spec transport.ConsumerSpec) (transport.ConsumerID, error) {
	const op = "add consumer"
	if spec.Selector != "" {
		return 0, transport.Errorf(op, transport.StatusNotAllowed, "message selectors are not supported")
	}
	dest := spec.Destination
	if err := validDestination(op, dest); err != nil {
		return 0, err
	}

	t.mu.Lock()
	if _, err := t.sessionLocked(op, connID, sessionID); err != nil {
		t.mu.Unlock()
		return 0, err
	}
	if dest.IsTemporary() {
		owner, ok := t.temps[encodeDestination(dest)]
		if !ok {
			t.mu.Unlock()
			return 0, transport.Errorf(op, transport.StatusNotFound, "%s not found", dest)
		}
		if owner != connID {
			t.mu.Unlock()
			return 0, transport.Errorf(op, transport.StatusPreconditionFailed, "%s belongs to another connection", dest)
		}
	}
	subID, ephemeral, err := subscriptionFor(op, spec)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	if spec.Subscription == transport.Durable && t.active[subID] > 0 {
		t.mu.Unlock()
		return 0, transport.Errorf(op, transport.StatusConflict, "durable subscription %q already has an active consumer", spec.Name)
	}
	t.active[subID]++
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		t.releaseSubscriptionLocked(subID)
		t.mu.Unlock()
	}
	sub, err := t.consumerSubscription(ctx, op, spec, subID)
	if err != nil {
		release()
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.sessionLocked(op, connID, sessionID)
	if err != nil {
		t.releaseSubscriptionLocked(subID)
		return 0, err
	}
	c := &consumer{
		id:        transport.ConsumerID(t.nextID()),
		conn:      connID,
		session:   s,
		spec:      spec,
		subID:     subID,
		sub:       sub,
		deliverer: spec.Deliverer,
		stop:      make(chan struct{}),
		ephemeral: ephemeral,
	}
	if c.deliverer == nil {
		c.buf = make(chan *received)
	} else if s.pool == nil {
		s.pool = worker.New(1, 1)
	}
	c.ctx, c.cancel = context.WithCancel(t.ctx)
	t.consumers[c.id] = c
	t.wg.Add(1)
	go t.run(c)
	t.lg.Debug("consumer added", zap.Int64("session_id", int64(s.id)), zap.Int64("consumer_id", int64(c.id)),
		zap.Stringer("destination", dest), zap.String("subscription", subID))
	return c.id, nil
}

// subscriptionFor names the Pub/Sub subscription spec reads from and
// reports whether it is removed along with its last consumer.
func subscriptionFor(op string, spec transport.ConsumerSpec) (string, bool, error) {
	if spec.Destination.IsQueue() {
		if spec.Subscription != transport.NonDurable {
			return "", false, transport.Errorf(op, transport.StatusNotAllowed, "%s subscriptions require a topic", spec.Subscription)
		}
		return queueSubscriptionID(spec.Destination), false, nil
	}
	switch spec.Subscription {
	case transport.NonDurable:
		return topicSubscriptionID(spec, uuid.NewString()), true, nil
	case transport.Durable, transport.SharedDurable:
		if spec.Name == "" {
			return "", false, transport.Errorf(op, transport.StatusBadRequest, "durable subscription requires a name")
		}
		if spec.Subscription == transport.Durable && spec.ClientID == "" {
			return "", false, transport.Errorf(op, transport.StatusPreconditionFailed, "durable subscription %q requires a client id", spec.Name)
		}
		return topicSubscriptionID(spec, ""), false, nil
	case transport.SharedNonDurable:
		if spec.Name == "" {
			return "", false, transport.Errorf(op, transport.StatusBadRequest, "shared subscription requires a name")
		}
		return topicSubscriptionID(spec, ""), true, nil
	}
	return "", false, transport.Errorf(op, transport.StatusBadRequest, "unknown subscription kind %d", int(spec.Subscription))
}

// consumerSubscription resolves the subscription for a new consumer. A
// durable subscription that points at another topic is replaced when
// nobody else is reading it.
func (t *Transport) consumerSubscription(ctx context.Context, op string, spec transport.ConsumerSpec, subID string) (*gcppubsub.Subscription, error) {
	tp, err := t.topic(ctx, op, spec.Destination, false)
	if err != nil {
		return nil, err
	}
	if spec.Destination.IsQueue() {
		return t.client.Subscription(subID), nil
	}
	sub := t.client.Subscription(subID)
	cfg, err := sub.Config(ctx)
	switch status.Code(err) {
	case codes.OK:
		if cfg.Topic != nil && cfg.Topic.ID() == tp.ID() {
			return sub, nil
		}
		t.mu.Lock()
		busy := t.active[subID] > 1
		t.mu.Unlock()
		if busy {
			return nil, transport.Errorf(op, transport.StatusConflict, "shared subscription %q is active with a different definition", spec.Name)
		}
		if err := sub.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			return nil, serviceError(op, err)
		}
	case codes.NotFound:
	default:
		return nil, serviceError(op, err)
	}
	return t.subscription(ctx, op, subID, tp)
}

func (t *Transport) releaseSubscriptionLocked(subID string) {
	t.active[subID]--
	if t.active[subID] <= 0 {
		delete(t.active, subID)
	}
}

// run pulls c's subscription until the consumer is closed. Streaming pull
// failures the service reports as transient restart it with backoff.
func (t *Transport) run(c *consumer) {
	defer t.wg.Done()
	settings := c.sub.ReceiveSettings
	if t.receive.NumGoroutines > 0 {
		settings.NumGoroutines = t.receive.NumGoroutines
	}
	if t.receive.MaxOutstandingMessages > 0 {
		settings.MaxOutstandingMessages = t.receive.MaxOutstandingMessages
	}
	if t.receive.MaxOutstandingBytes > 0 {
		settings.MaxOutstandingBytes = t.receive.MaxOutstandingBytes
	}
	if t.receive.MaxExtension > 0 {
		settings.MaxExtension = t.receive.MaxExtension
	}
	c.sub.ReceiveSettings = settings

	lg := t.lg.With(zap.Int64("consumer_id", int64(c.id)), zap.String("subscription", c.subID))
	err := backoff.RetryNotify(c.ctx, t.receive.Retry, retryableReceive, func() error {
		return c.sub.Receive(c.ctx, func(ctx context.Context, m *gcppubsub.Message) {
			t.handle(ctx, c, m)
		})
	}, func(attempt int, err error, wait time.Duration) {
		lg.Warn("receive stopped, restarting", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil && c.ctx.Err() == nil {
		lg.Error("consumer receive failed", zap.Error(err))
	}

	t.mu.Lock()
	ephemeral := c.ephemeral && t.active[c.subID] == 0
	t.mu.Unlock()
	if ephemeral {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.sub.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			lg.Warn("failed to delete subscription", zap.Error(err))
		}
	}
}

func retryableReceive(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.Aborted, codes.Internal, codes.ResourceExhausted:
		return true
	}
	return false
}

// handle is the Receive callback. It filters what the consumer must never
// see, holds delayed messages until their delivery time and hands the rest
// to the consumer.
func (t *Transport) handle(ctx context.Context, c *consumer, m *gcppubsub.Message) {
	pkt, origin, err := decodePacket(m)
	if err != nil {
		t.lg.Warn("dropping undecodable message", zap.String("subscription", c.subID),
			zap.String("pubsub_id", m.ID), zap.Error(err))
		m.Ack()
		return
	}
	if c.spec.NoLocal && origin == t.originOf(c.conn) {
		m.Ack()
		return
	}
	now := t.now()
	if pkt.Expired(now) {
		t.deliveries.forget(pkt.MessageID)
		m.Ack()
		return
	}
	if !pkt.Deliverable(now) {
		timer := time.NewTimer(time.UnixMilli(pkt.DeliveryTime).Sub(now))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.Nack()
			return
		case <-c.stop:
			timer.Stop()
			m.Nack()
			return
		}
	}
	r := &received{pkt: pkt, msg: m}
	if m.DeliveryAttempt != nil {
		r.attempt = *m.DeliveryAttempt
	}

	if c.deliverer == nil {
		select {
		case c.buf <- r:
		case <-ctx.Done():
			m.Nack()
		case <-c.stop:
			m.Nack()
		}
		return
	}
	err = c.session.pool.Do(ctx, func(ctx context.Context) error {
		t.push(ctx, c, r)
		return nil
	})
	if err != nil {
		m.Nack()
	}
}

// push waits for the session to be started and hands r to the consumer's
// Deliverer. It runs on the session's single worker.
func (t *Transport) push(ctx context.Context, c *consumer, r *received) {
	s := c.session
	var out *transport.Packet
	for out == nil {
		t.mu.Lock()
		if c.closing || s.closed {
			t.mu.Unlock()
			r.msg.Nack()
			return
		}
		if t.readyLocked(s) {
			out = t.deliverLocked(s, c, r, 0, false)
			t.mu.Unlock()
			break
		}
		wake := t.notify
		t.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			r.msg.Nack()
			return
		case <-c.stop:
			r.msg.Nack()
			return
		}
	}

	err := c.deliverer.Deliver(t.ctx, out)
	if err == nil {
		return
	}
	closedNoDelivery := errors.Is(err, transport.ErrConsumerClosedNoDelivery)
	if !closedNoDelivery {
		t.lg.Warn("delivery failed", zap.Int64("consumer_id", int64(c.id)),
			zap.String("message_id", out.MessageID), zap.Error(err))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if f := s.takeInflight(out.MessageID, c.id); f != nil {
		t.nackLocked(f, !closedNoDelivery)
	}
}

// deliverLocked records a delivery and returns the copy handed to the
// client. NoAcknowledge sessions settle the message at once; auto-ack
// fetches are settled on the consumer's next fetch or close.
func (t *Transport) deliverLocked(s *session, c *consumer, r *received, txnID transport.TransactionID, autoAck bool) *transport.Packet {
	count, redelivered := t.deliveries.record(r.pkt.MessageID)
	if r.attempt > count {
		count = r.attempt
	}
	r.pkt.DeliveryCount = count
	r.pkt.Redelivered = redelivered || count > 1
	f := &inflight{pkt: r.pkt, msg: r.msg, consumer: c, txn: txnID}
	switch {
	case s.mode == transport.NoAcknowledge:
		r.msg.Ack()
		t.deliveries.forget(r.pkt.MessageID)
	case autoAck:
		if prev := s.lastAuto[c.id]; prev != nil {
			t.ackLocked(prev)
		}
		s.lastAuto[c.id] = f
	default:
		s.inflight = append(s.inflight, f)
	}
	out := r.pkt.Clone()
	out.Consumer = c.id
	out.TransactionID = txnID
	return out
}

func (t *Transport) ackLocked(f *inflight) {
	f.msg.Ack()
	t.deliveries.forget(f.pkt.MessageID)
	t.settledLocked(f.consumer)
}

// nackLocked hands f back to Pub/Sub. Without redelivered the delivery is
// taken back as if the client never saw it.
func (t *Transport) nackLocked(f *inflight, redelivered bool) {
	if redelivered {
		t.deliveries.markRedelivered(f.pkt.MessageID)
	} else {
		t.deliveries.undo(f.pkt.MessageID)
	}
	f.msg.Nack()
	t.settledLocked(f.consumer)
}

// settledLocked stops the receive loop of a closing consumer once nothing
// it delivered is left unsettled.
func (t *Transport) settledLocked(c *consumer) {
	if !c.closing {
		return
	}
	for _, f := range c.session.inflight {
		if f.consumer == c {
			return
		}
	}
	c.cancel()
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

func (t *Transport) FetchMessage(ctx context.Context, connID transport.ConnectionID, req transport.FetchRequest) (*transport.Packet, error) {
	const op = "fetch message"
	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		t.mu.Lock()
		s, err := t.sessionLocked(op, connID, req.Session)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		c, ok := t.consumers[req.Consumer]
		if !ok || c.session != s {
			t.mu.Unlock()
			return nil, transport.Errorf(op, transport.StatusGone, "consumer %d not found", req.Consumer)
		}
		if c.deliverer != nil {
			t.mu.Unlock()
			return nil, transport.Errorf(op, transport.StatusNotAllowed, "consumer %d is asynchronous", c.id)
		}
		var buf chan *received
		if t.readyLocked(s) {
			buf = c.buf
		}
		wake := t.notify
		t.mu.Unlock()

		if req.Timeout == 0 {
			select {
			case r := <-buf:
				return t.fetched(op, s, c, r, req)
			default:
				return nil, nil
			}
		}
		select {
		case r := <-buf:
			return t.fetched(op, s, c, r, req)
		case <-wake:
		case <-c.stop:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, &transport.ServiceError{Op: op, Status: transport.StatusTimeout, Err: ctx.Err()}
		case <-t.ctx.Done():
			return nil, &transport.ServiceError{Op: op, Status: transport.StatusUnavailable, Err: ErrClosed}
		}
	}
}

func (t *Transport) fetched(op string, s *session, c *consumer, r *received, req transport.FetchRequest) (*transport.Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.closing || s.closed {
		r.msg.Nack()
		return nil, transport.Errorf(op, transport.StatusGone, "consumer %d not found", c.id)
	}
	autoAck := req.AutoAck && req.TransactionID == 0
	return t.deliverLocked(s, c, r, req.TransactionID, autoAck), nil
}

func (t *Transport) AcknowledgeMessage(ctx context.Context, connID transport.ConnectionID, ack transport.Ack) error {
	const op = "acknowledge message"
	t.mu.Lock()
	s, err := t.sessionLocked(op, connID, ack.Session)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if ack.TransactionID != 0 {
		if _, ok := t.txns[ack.TransactionID]; !ok {
			t.mu.Unlock()
			return transport.Errorf(op, transport.StatusGone, "transaction %d not found", ack.TransactionID)
		}
	}

	switch ack.Type {
	case transport.AckConsumed, 0:
		defer t.mu.Unlock()
		if ack.TransactionID != 0 {
			if f := s.findInflight(ack.MessageID, ack.Consumer); f != nil {
				f.txn = ack.TransactionID
			}
			return nil
		}
		f := s.takeInflight(ack.MessageID, ack.Consumer)
		if f == nil {
			t.lg.Debug("acknowledgment for unknown message", zap.Int64("session_id", int64(s.id)),
				zap.String("message_id", ack.MessageID))
			return nil
		}
		t.ackLocked(f)
		return nil
	case transport.AckUndeliverable:
		f := s.takeInflight(ack.MessageID, ack.Consumer)
		if f == nil {
			t.mu.Unlock()
			return nil
		}
		if ack.RetryCount < t.maxRedeliv && f.pkt.DeliveryCount < t.maxRedeliv {
			t.nackLocked(f, true)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		return t.deadLetterMessage(ctx, op, f)
	case transport.AckDeadLetter:
		f := s.takeInflight(ack.MessageID, ack.Consumer)
		t.mu.Unlock()
		if f == nil {
			return nil
		}
		return t.deadLetterMessage(ctx, op, f)
	}
	t.mu.Unlock()
	return transport.Errorf(op, transport.StatusBadRequest, "unknown ack type %d", int(ack.Type))
}

// deadLetterMessage republishes f on the dead letter queue and acks the
// original. When the publish fails the original is nacked instead.
func (t *Transport) deadLetterMessage(ctx context.Context, op string, f *inflight) error {
	pkt := f.pkt.Clone()
	if pkt.Properties == nil {
		pkt.Properties = map[string]any{}
	}
	from := pkt.Destination.String()
	pkt.Properties["JMS_DeadLetterDestination"] = from
	pkt.Destination = transport.Destination{Name: t.deadLetter, Type: transport.Queue}
	pkt.Redelivered = false
	pkt.Expiration = 0
	pkt.DeliveryTime = 0
	err := t.publish(ctx, op, pkt)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.nackLocked(f, true)
		return err
	}
	t.lg.Info("message dead lettered", zap.String("message_id", pkt.MessageID), zap.String("destination", from))
	t.ackLocked(f)
	return nil
}

func (t *Transport) RedeliverMessages(_ context.Context, connID transport.ConnectionID, req transport.RedeliverRequest) error {
	const op = "redeliver messages"
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.sessionLocked(op, connID, req.Session)
	if err != nil {
		return err
	}
	pairs := len(req.ConsumerIDs) == len(req.MessageIDs)
	for i, id := range req.MessageIDs {
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
			t.lg.Debug("redeliver of unknown message", zap.Int64("session_id", int64(s.id)), zap.String("message_id", id))
			continue
		}
		t.nackLocked(f, req.SetRedelivered)
	}
	t.signalLocked()
	return nil
}

func (t *Transport) DeleteConsumer(_ context.Context, connID transport.ConnectionID, sessionID transport.SessionID, id transport.ConsumerID, lastSeen string) error {
	const op = "delete consumer"
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.sessionLocked(op, connID, sessionID)
	if err != nil {
		return err
	}
	c, ok := t.consumers[id]
	if !ok || c.session != s {
		return transport.Errorf(op, transport.StatusNotFound, "consumer %d not found", id)
	}
	t.returnUnseenLocked(s, c, lastSeen)
	t.closeConsumerLocked(c)
	delete(t.consumers, id)
	t.signalLocked()
	return nil
}

// returnUnseenLocked nacks, unmarked, the messages c was handed after
// lastSeen. When lastSeen is empty or already settled every unsettled
// delivery of c is unseen.
func (t *Transport) returnUnseenLocked(s *session, c *consumer, lastSeen string) {
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
	for _, f := range unseen {
		t.nackLocked(f, false)
	}
}

// closeConsumerLocked marks c closing and releases its subscription. The
// receive loop is canceled here or by the last settlement of c's messages;
// it is never waited for, so a listener may close its own consumer.
func (t *Transport) closeConsumerLocked(c *consumer) {
	if c.closing {
		return
	}
	if f := c.session.lastAuto[c.id]; f != nil {
		delete(c.session.lastAuto, c.id)
		f.msg.Ack()
		t.deliveries.forget(f.pkt.MessageID)
	}
	c.closing = true
	close(c.stop)
	t.releaseSubscriptionLocked(c.subID)
	t.settledLocked(c)
}

func (t *Transport) Unsubscribe(ctx context.Context, connID transport.ConnectionID, name, clientID string) error {
	const op = "unsubscribe"
	ids := []string{
		topicSubscriptionID(transport.ConsumerSpec{Subscription: transport.Durable, Name: name, ClientID: clientID}, ""),
		topicSubscriptionID(transport.ConsumerSpec{Subscription: transport.SharedDurable, Name: name, ClientID: clientID}, ""),
	}
	t.mu.Lock()
	if _, err := t.connLocked(op, connID); err != nil {
		t.mu.Unlock()
		return err
	}
	for _, id := range ids {
		if t.active[id] > 0 {
			t.mu.Unlock()
			return transport.Errorf(op, transport.StatusPreconditionFailed, "durable subscription %q is in use", name)
		}
	}
	t.mu.Unlock()

	deleted := false
	for _, id := range ids {
		err := t.client.Subscription(id).Delete(ctx)
		switch status.Code(err) {
		case codes.OK:
			deleted = true
		case codes.NotFound:
		default:
			return serviceError(op, err)
		}
	}
	if !deleted {
		return transport.Errorf(op, transport.StatusNotFound, "durable subscription %q not found", name)
	}
	return nil
}

func (t *Transport) AddBrowser(context.Context, transport.ConnectionID, transport.SessionID, transport.Destination, string) (transport.ConsumerID, error) {
	return 0, transport.Errorf("add browser", transport.StatusNotAllowed, "queue browsing is not supported")
}

func (t *Transport) BrowseMessages(_ context.Context, _ transport.ConnectionID, _ transport.SessionID, id transport.ConsumerID) ([]*transport.Packet, error) {
	return nil, transport.Errorf("browse messages", transport.StatusNotFound, "browser %d not found", id)
}

func (t *Transport) DeleteBrowser(_ context.Context, _ transport.ConnectionID, _ transport.SessionID, id transport.ConsumerID) error {
	return transport.Errorf("delete browser", transport.StatusNotFound, "browser %d not found", id)
}
