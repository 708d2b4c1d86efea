package jms

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/observability/metrics"
	"github.com/infigaming-com/go-mqclient/transport"
)

type AckMode = transport.AckMode

const (
	AutoAcknowledge   = transport.AutoAcknowledge
	ClientAcknowledge = transport.ClientAcknowledge
	DupsOKAcknowledge = transport.DupsOKAcknowledge
	NoAcknowledge     = transport.NoAcknowledge
	SessionTransacted = transport.SessionTransacted
)

type SessionOption func(*sessionOptions)

type sessionOptions struct {
	messageDriven bool
}

// MessageDriven marks a session owned by a message endpoint. Such a
// session keeps no acknowledgment ledger; the endpoint acknowledges
// deliveries itself.
func MessageDriven() SessionOption {
	return func(o *sessionOptions) {
		o.messageDriven = true
	}
}

type consumption int

const (
	consumeUnset consumption = iota
	consumeSync
	consumeAsync
)

type ledgerEntry struct {
	messageID string
	consumer  transport.ConsumerID
}

// Session is a single-threaded context for producing and consuming. A
// session serves either synchronous receives or message listeners, never
// both.
type Session struct {
	conn *Connection
	svc  transport.Service
	id   transport.SessionID
	mode AckMode
	mdb  bool
	lg   *zap.Logger
	inst *metrics.Instruments

	sendMu    sync.Mutex
	deliverMu sync.Mutex
	fetchMu   sync.Mutex
	txnMu     sync.Mutex

	mu          sync.Mutex
	txn         transport.TransactionID
	txnLost     bool
	closed      bool
	closing     bool
	paused      bool
	consumption consumption
	ledger      []ledgerEntry
	producers   []*Producer
	consumers   map[*Consumer]struct{}
	browsers    []*Browser
}

func newSession(c *Connection, id transport.SessionID, mode AckMode, so sessionOptions) *Session {
	return &Session{
		conn:      c,
		svc:       c.svc,
		id:        id,
		mode:      mode,
		mdb:       so.messageDriven,
		lg:        c.lg.With(zap.Int64("session_id", int64(id))),
		inst:      c.inst,
		consumers: map[*Consumer]struct{}{},
	}
}

func (s *Session) ID() transport.SessionID { return s.id }

// AckMode is the effective mode after container overrides.
func (s *Session) AckMode() AckMode { return s.mode }

func (s *Session) Transacted() bool { return s.mode == SessionTransacted }

// TransactionID is the transaction that sends and receives currently
// join, or zero when there is none.
func (s *Session) TransactionID() transport.TransactionID { return s.effectiveTxn() }

func (s *Session) details() errors.Details {
	return errors.Details{"connection_id": s.conn.id, "session_id": s.id}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpenLocked()
}

func (s *Session) checkOpenLocked() error {
	if s.closed || s.closing {
		return errors.Newf(errors.IllegalState, "session %d is closed", s.id)
	}
	return nil
}

// effectiveTxn prefers the XA branch of an enlisted managed connection.
func (s *Session) effectiveTxn() transport.TransactionID {
	if s.conn.opts.managed {
		if txn, ok := s.conn.xa.txnFor(s); ok {
			return txn
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txn
}

func (s *Session) beginLocalTransaction(ctx context.Context) error {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	return s.beginLocked(ctx)
}

// restoreTransaction starts the transaction that a failed begin after
// commit or rollback left the session without.
func (s *Session) restoreTransaction(ctx context.Context) error {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	s.mu.Lock()
	lost := s.txnLost
	s.mu.Unlock()
	if !lost {
		return nil
	}
	return s.beginLocked(ctx)
}

func (s *Session) beginLocked(ctx context.Context) error {
	txn, err := s.svc.StartTransaction(ctx, s.conn.id, s.id, "")
	if err != nil {
		s.mu.Lock()
		s.txn = 0
		s.txnLost = true
		s.mu.Unlock()
		return errors.FromTransport(err, "start transaction", s.details(), nil)
	}
	s.mu.Lock()
	s.txn = txn
	s.txnLost = false
	s.mu.Unlock()
	s.lg.Debug("transaction started", zap.Int64("txn_id", int64(txn)))
	return nil
}

// abandon destroys a session that never made it into the connection.
func (s *Session) abandon(ctx context.Context) {
	if err := s.svc.DestroySession(ctx, s.conn.id, s.id); err != nil {
		s.lg.Warn("destroy abandoned session failed", zap.Error(err))
	}
}

func (s *Session) pause(ctx context.Context) error {
	s.mu.Lock()
	if s.paused || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.paused = true
	s.mu.Unlock()
	if err := s.svc.StopSession(ctx, s.conn.id, s.id); err != nil {
		return errors.FromTransport(err, "stop session", s.details(), nil)
	}
	return nil
}

func (s *Session) resume(ctx context.Context) error {
	s.mu.Lock()
	if !s.paused || s.closed || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.paused = false
	s.mu.Unlock()
	if err := s.svc.StartSession(ctx, s.conn.id, s.id); err != nil {
		return errors.FromTransport(err, "start session", s.details(), nil)
	}
	return nil
}

func (s *Session) checkConsumption(want consumption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkConsumptionLocked(want)
}

func (s *Session) checkConsumptionLocked(want consumption) error {
	if s.consumption != consumeUnset && s.consumption != want {
		if want == consumeAsync {
			return errors.Newf(errors.IllegalState, "session %d serves synchronous receives", s.id)
		}
		return errors.Newf(errors.IllegalState, "session %d serves message listeners", s.id)
	}
	return nil
}

// CreateQueue returns a handle for an existing queue name; it does not
// create anything on the broker.
func (s *Session) CreateQueue(name string) (Queue, error) {
	if err := validateName(name); err != nil {
		return Queue{}, err
	}
	return Queue{QueueName: name}, nil
}

func (s *Session) CreateTopic(name string) (Topic, error) {
	if err := validateName(name); err != nil {
		return Topic{}, err
	}
	return Topic{TopicName: name}, nil
}

func (s *Session) CreateTemporaryQueue(ctx context.Context) (*TemporaryDestination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.conn.createTemporary(ctx, transport.TemporaryQueue)
}

func (s *Session) CreateTemporaryTopic(ctx context.Context) (*TemporaryDestination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.conn.createTemporary(ctx, transport.TemporaryTopic)
}

// ensureDestination creates dest on the broker. An existing destination is
// not an error.
func (s *Session) ensureDestination(ctx context.Context, dest transport.Destination) error {
	if dest.IsTemporary() {
		return nil
	}
	err := s.svc.CreateDestination(ctx, s.conn.id, dest)
	if err == nil || transport.StatusOf(err) == transport.StatusConflict {
		return nil
	}
	d := s.details()
	d["destination"] = dest.String()
	return errors.FromTransport(err, "create destination", d, errors.Overrides{
		transport.StatusBadRequest: errors.InvalidDestination,
	})
}

// CreateProducer creates a producer bound to dest, or an unbound producer
// when dest is nil.
func (s *Session) CreateProducer(ctx context.Context, dest Destination) (*Producer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	p := newProducer(s)
	if dest != nil {
		td, err := s.conn.resolve(dest)
		if err != nil {
			return nil, err
		}
		id, err := s.addProducer(ctx, td)
		if err != nil {
			return nil, err
		}
		p.bind(dest, td, id)
	}
	s.mu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		p.close(ctx)
		return nil, err
	}
	s.producers = append(s.producers, p)
	s.mu.Unlock()
	return p, nil
}

func (s *Session) addProducer(ctx context.Context, dest transport.Destination) (transport.ProducerID, error) {
	if err := s.ensureDestination(ctx, dest); err != nil {
		return 0, err
	}
	id, err := s.svc.AddProducer(ctx, s.conn.id, s.id, dest)
	if err != nil {
		d := s.details()
		d["destination"] = dest.String()
		return 0, errors.FromTransport(err, "add producer", d, errors.Overrides{
			transport.StatusForbidden: errors.Security,
		})
	}
	return id, nil
}

func (s *Session) removeProducer(p *Producer) {
	s.mu.Lock()
	s.producers = lo.Without(s.producers, p)
	s.mu.Unlock()
}

// CreateConsumer creates a non-durable consumer on a queue or topic.
func (s *Session) CreateConsumer(ctx context.Context, dest Destination, opts ...ConsumerOption) (*Consumer, error) {
	return s.createConsumer(ctx, dest, transport.NonDurable, "", opts)
}

// CreateDurableConsumer creates the single consumer of a durable topic
// subscription. The connection needs a client id.
func (s *Session) CreateDurableConsumer(ctx context.Context, topic Destination, name string, opts ...ConsumerOption) (*Consumer, error) {
	return s.createConsumer(ctx, topic, transport.Durable, name, opts)
}

// CreateSharedConsumer creates a consumer on a shared non-durable topic
// subscription.
func (s *Session) CreateSharedConsumer(ctx context.Context, topic Destination, name string, opts ...ConsumerOption) (*Consumer, error) {
	return s.createConsumer(ctx, topic, transport.SharedNonDurable, name, opts)
}

func (s *Session) CreateSharedDurableConsumer(ctx context.Context, topic Destination, name string, opts ...ConsumerOption) (*Consumer, error) {
	return s.createConsumer(ctx, topic, transport.SharedDurable, name, opts)
}

func (s *Session) createConsumer(ctx context.Context, dest Destination, kind transport.SubscriptionKind, name string, opts []ConsumerOption) (*Consumer, error) {
	const op = "create consumer"
	var co consumerOptions
	for _, opt := range opts {
		opt(&co)
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	td, err := s.conn.resolve(dest)
	if err != nil {
		return nil, err
	}
	if kind != transport.NonDurable {
		if name == "" {
			return nil, errors.Newf(errors.InvalidArgument, "%s subscription needs a name", kind)
		}
		if td.IsQueue() {
			return nil, errors.Newf(errors.InvalidDestination, "%s subscription needs a topic, got %s", kind, td)
		}
	}
	clientID := s.conn.ClientID()
	if kind == transport.Durable && clientID == "" {
		return nil, errors.Newf(errors.IllegalState, "durable subscription %q needs a client id", name)
	}
	temp, _ := dest.(*TemporaryDestination)
	if temp != nil && !s.conn.ownsTemporary(temp) {
		return nil, errors.Newf(errors.InvalidDestination, "temporary destination %s belongs to another connection", td.Name)
	}
	want := consumeSync
	if co.listener != nil {
		want = consumeAsync
	}
	if err := s.checkConsumption(want); err != nil {
		return nil, err
	}
	if err := s.ensureDestination(ctx, td); err != nil {
		return nil, err
	}

	c := &Consumer{
		s:        s,
		dest:     dest,
		td:       td,
		kind:     kind,
		name:     name,
		selector: co.selector,
		noLocal:  co.noLocal,
		listener: co.listener,
		temp:     temp,
	}
	spec := transport.ConsumerSpec{
		Destination:  td,
		Selector:     co.selector,
		Subscription: kind,
		Name:         name,
		ClientID:     clientID,
		NoLocal:      co.noLocal,
	}
	if co.listener != nil {
		spec.Deliverer = transport.DelivererFunc(func(ctx context.Context, p *transport.Packet) error {
			return s.deliver(ctx, c, p)
		})
	}
	id, err := s.svc.AddConsumer(ctx, s.conn.id, s.id, spec)
	if err != nil {
		d := s.details()
		d["destination"] = td.String()
		return nil, errors.FromTransport(err, op, d, errors.Overrides{
			transport.StatusBadRequest:         errors.InvalidSelector,
			transport.StatusForbidden:          errors.Security,
			transport.StatusPreconditionFailed: errors.IllegalState,
			transport.StatusNotFound:           errors.InvalidDestination,
		})
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()

	// The style is bound together with the first registered consumer so
	// a failed or concurrent create cannot leave the session mixed.
	s.mu.Lock()
	if err := s.checkConsumptionLocked(want); err != nil {
		s.mu.Unlock()
		if derr := s.svc.DeleteConsumer(ctx, s.conn.id, s.id, id, ""); derr != nil {
			s.lg.Warn("delete rejected consumer failed", zap.Int64("consumer_id", int64(id)), zap.Error(derr))
		}
		return nil, err
	}
	s.consumption = want
	s.consumers[c] = struct{}{}
	s.mu.Unlock()
	if kind.Durable() {
		s.conn.registerDurable(name)
	}
	if temp != nil {
		temp.addConsumer()
	}
	s.lg.Debug("consumer created", zap.Int64("consumer_id", int64(id)), zap.Stringer("destination", td),
		zap.Stringer("subscription", kind), zap.Bool("async", co.listener != nil))
	return c, nil
}

func (s *Session) removeConsumer(c *Consumer) {
	s.mu.Lock()
	delete(s.consumers, c)
	s.mu.Unlock()
}

// CreateBrowser browses a queue without consuming.
func (s *Session) CreateBrowser(ctx context.Context, queue Destination, selector string) (*Browser, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	td, err := s.conn.resolve(queue)
	if err != nil {
		return nil, err
	}
	if !td.IsQueue() {
		return nil, errors.Newf(errors.InvalidDestination, "browsers need a queue, got %s", td)
	}
	if err := s.ensureDestination(ctx, td); err != nil {
		return nil, err
	}
	id, err := s.svc.AddBrowser(ctx, s.conn.id, s.id, td, selector)
	if err != nil {
		d := s.details()
		d["destination"] = td.String()
		return nil, errors.FromTransport(err, "create browser", d, errors.Overrides{
			transport.StatusBadRequest: errors.InvalidSelector,
			transport.StatusForbidden:  errors.Security,
		})
	}
	b := &Browser{s: s, id: id, dest: queue, selector: selector}
	s.mu.Lock()
	s.browsers = append(s.browsers, b)
	s.mu.Unlock()
	return b, nil
}

func (s *Session) removeBrowser(b *Browser) {
	s.mu.Lock()
	s.browsers = lo.Without(s.browsers, b)
	s.mu.Unlock()
}

// Unsubscribe deletes a durable subscription. It fails while a consumer of
// this connection still holds the name.
func (s *Session) Unsubscribe(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if name == "" {
		return errors.Newf(errors.InvalidDestination, "subscription name is empty")
	}
	if s.conn.durableInUse(name) {
		return errors.Newf(errors.IllegalState, "subscription %q has an open consumer", name)
	}
	if err := s.svc.Unsubscribe(ctx, s.conn.id, name, s.conn.ClientID()); err != nil {
		d := s.details()
		d["subscription"] = name
		return errors.FromTransport(err, "unsubscribe", d, errors.Overrides{
			transport.StatusNotFound:           errors.InvalidDestination,
			transport.StatusPreconditionFailed: errors.IllegalState,
		})
	}
	return nil
}

// sendMessage submits p in the current transaction, if any.
func (s *Session) sendMessage(ctx context.Context, p *transport.Packet) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.restoreTransaction(ctx); err != nil {
		return err
	}
	p.TransactionID = s.effectiveTxn()
	if err := s.svc.SendMessage(ctx, s.conn.id, p); err != nil {
		d := s.details()
		d["producer_id"] = p.Producer
		d["destination"] = p.Destination.String()
		return errors.FromTransport(err, "send message", d, errors.Overrides{
			transport.StatusForbidden: errors.Security,
		})
	}
	s.inst.Sent(ctx, p.Destination.String())
	return nil
}

// fetch pulls the next message for a synchronous consumer. The caller
// records the delivery with markDelivered once the message is accepted.
func (s *Session) fetch(ctx context.Context, c *Consumer, timeout time.Duration) (native, *transport.Packet, error) {
	const op = "fetch message"
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}
	cid, err := c.syncID()
	if err != nil {
		return nil, nil, err
	}
	if err := s.restoreTransaction(ctx); err != nil {
		return nil, nil, err
	}
	start := time.Now()
	p, err := s.svc.FetchMessage(ctx, s.conn.id, transport.FetchRequest{
		Session:       s.id,
		Consumer:      cid,
		Timeout:       timeout,
		AutoAck:       s.mode == AutoAcknowledge || s.mode == DupsOKAcknowledge,
		TransactionID: s.effectiveTxn(),
	})
	s.inst.Fetched(ctx, time.Since(start), p != nil)
	if err != nil {
		if ctx.Err() != nil && transport.StatusOf(err) == transport.StatusTimeout {
			return nil, nil, ctx.Err()
		}
		d := s.details()
		d["consumer_id"] = cid
		return nil, nil, errors.FromTransport(err, op, d, errors.Overrides{
			transport.StatusGone: errors.IllegalState,
		})
	}
	if p == nil {
		return nil, nil, nil
	}
	s.inst.Received(ctx, p.Destination.String(), false)
	n, err := s.decode(p)
	if err != nil {
		s.markDelivered(c, p)
		return nil, nil, err
	}
	return n, p, nil
}

// markDelivered records a message the application has seen.
func (s *Session) markDelivered(c *Consumer, p *transport.Packet) {
	if s.mode == ClientAcknowledge && !s.mdb {
		s.mu.Lock()
		s.ledger = append(s.ledger, ledgerEntry{messageID: p.MessageID, consumer: p.Consumer})
		s.mu.Unlock()
	}
	c.markSeen(p.MessageID)
}

// requeue hands an unconsumed message back without marking it redelivered.
func (s *Session) requeue(ctx context.Context, p *transport.Packet) error {
	err := s.svc.RedeliverMessages(ctx, s.conn.id, transport.RedeliverRequest{
		Session:        s.id,
		MessageIDs:     []string{p.MessageID},
		ConsumerIDs:    []transport.ConsumerID{p.Consumer},
		SetRedelivered: false,
	})
	if err != nil {
		return errors.FromTransport(err, "redeliver messages", s.details(), nil)
	}
	s.inst.Requeued(ctx, p.Destination.String())
	return nil
}

// requeuesMismatch reports whether a body type mismatch hands the message
// back to the broker.
func (s *Session) requeuesMismatch() bool {
	if !s.conn.opts.requeueMismatch {
		return false
	}
	if s.mode != AutoAcknowledge && s.mode != DupsOKAcknowledge {
		return false
	}
	return s.effectiveTxn() == 0
}

func runListener(ctx context.Context, l MessageListener, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message listener panic: %v", r)
		}
	}()
	return l.OnMessage(ctx, msg)
}

// deliver runs the listener of c for a pushed message.
func (s *Session) deliver(ctx context.Context, c *Consumer, p *transport.Packet) error {
	if s.conn.opts.checkAffinity {
		if !s.deliverMu.TryLock() {
			return errors.Newf(errors.IllegalState, "session %d is already delivering", s.id)
		}
	} else {
		s.deliverMu.Lock()
	}
	defer s.deliverMu.Unlock()

	listener := c.activeListener()
	if listener == nil {
		return transport.ErrConsumerClosedNoDelivery
	}
	lg := s.lg.With(zap.Int64("consumer_id", int64(p.Consumer)), zap.String("message_id", p.MessageID))
	dest := p.Destination.String()
	msg, err := s.decode(p)
	if err != nil {
		lg.Error("undecodable message", zap.Error(err))
		s.ack(ctx, p, transport.AckDeadLetter, 0)
		return nil
	}
	s.inst.Received(ctx, dest, true)

	// The entry goes in first so an Acknowledge from the listener covers
	// the message it is handling.
	ledgered := s.mode == ClientAcknowledge && !s.mdb
	if ledgered {
		s.mu.Lock()
		s.ledger = append(s.ledger, ledgerEntry{messageID: p.MessageID, consumer: p.Consumer})
		s.mu.Unlock()
	}
	lerr := runListener(ctx, listener, msg)
	if stderrors.Is(lerr, transport.ErrConsumerClosedNoDelivery) {
		if ledgered {
			s.forget(p)
		}
		return lerr
	}
	if lerr != nil {
		lg.Error("message listener failed", zap.Error(lerr))
		s.inst.ListenerFailed(ctx, dest)
	}

	switch {
	case s.mdb, s.mode == ClientAcknowledge, s.mode == NoAcknowledge:
	default:
		if err := s.restoreTransaction(ctx); err != nil {
			lg.Warn("no transaction for delivery", zap.Error(err))
		}
		txn := s.effectiveTxn()
		if lerr != nil && txn == 0 {
			s.ack(ctx, p, transport.AckUndeliverable, p.DeliveryCount)
		} else {
			s.ackTxn(ctx, p, transport.AckConsumed, txn)
		}
	}
	c.markSeen(p.MessageID)
	return nil
}

// forget drops the ledger entry of a delivery the broker takes back.
func (s *Session) forget(p *transport.Packet) {
	s.mu.Lock()
	s.ledger = lo.Reject(s.ledger, func(e ledgerEntry, _ int) bool {
		return e.messageID == p.MessageID && e.consumer == p.Consumer
	})
	s.mu.Unlock()
}

func (s *Session) ack(ctx context.Context, p *transport.Packet, typ transport.AckType, retries int) {
	s.sendAck(ctx, transport.Ack{Session: s.id, Consumer: p.Consumer, MessageID: p.MessageID, Type: typ, RetryCount: retries})
}

func (s *Session) ackTxn(ctx context.Context, p *transport.Packet, typ transport.AckType, txn transport.TransactionID) {
	s.sendAck(ctx, transport.Ack{Session: s.id, Consumer: p.Consumer, MessageID: p.MessageID, Type: typ, TransactionID: txn})
}

// sendAck acknowledges on the delivery path, where no caller can receive
// the error.
func (s *Session) sendAck(ctx context.Context, ack transport.Ack) {
	if err := s.svc.AcknowledgeMessage(ctx, s.conn.id, ack); err != nil {
		err = errors.FromTransport(err, "acknowledge message", s.details(), nil)
		s.lg.Warn("acknowledge failed", zap.String("message_id", ack.MessageID), zap.Error(err))
		s.conn.reportError(err)
		return
	}
	s.inst.Acknowledged(ctx, 1)
}

// Acknowledge acknowledges, in delivery order, every message consumed so
// far. It applies to client acknowledge sessions only.
func (s *Session) Acknowledge(ctx context.Context) error {
	if s.mode != ClientAcknowledge || s.mdb {
		return nil
	}
	s.mu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	pending := s.ledger
	s.ledger = nil
	s.mu.Unlock()

	for i, e := range pending {
		err := s.svc.AcknowledgeMessage(ctx, s.conn.id, transport.Ack{
			Session:   s.id,
			Consumer:  e.consumer,
			MessageID: e.messageID,
			Type:      transport.AckConsumed,
		})
		if err != nil {
			s.mu.Lock()
			s.ledger = append(append([]ledgerEntry(nil), pending[i:]...), s.ledger...)
			s.mu.Unlock()
			s.inst.Acknowledged(ctx, i)
			d := s.details()
			d["message_id"] = e.messageID
			return errors.FromTransport(err, "acknowledge message", d, nil)
		}
	}
	s.inst.Acknowledged(ctx, len(pending))
	return nil
}

// Recover redelivers, in order, every unacknowledged message of a client
// acknowledge session. It is a no-op in the other non-transacted modes.
func (s *Session) Recover(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.mode == SessionTransacted {
		s.mu.Unlock()
		return errors.Newf(errors.IllegalState, "recover called on transacted session %d", s.id)
	}
	if s.mode != ClientAcknowledge || s.mdb || len(s.ledger) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := s.ledger
	s.ledger = nil
	s.mu.Unlock()

	req := transport.RedeliverRequest{
		Session:        s.id,
		MessageIDs:     lo.Map(pending, func(e ledgerEntry, _ int) string { return e.messageID }),
		ConsumerIDs:    lo.Map(pending, func(e ledgerEntry, _ int) transport.ConsumerID { return e.consumer }),
		SetRedelivered: true,
	}
	if err := s.svc.RedeliverMessages(ctx, s.conn.id, req); err != nil {
		s.mu.Lock()
		s.ledger = append(pending, s.ledger...)
		s.mu.Unlock()
		return errors.FromTransport(err, "redeliver messages", s.details(), nil)
	}
	s.inst.Redelivered(ctx, len(pending))
	s.lg.Debug("session recovered", zap.Int("count", len(pending)))
	return nil
}

func (s *Session) localTxn() (transport.TransactionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return 0, err
	}
	if s.mode != SessionTransacted {
		return 0, errors.Newf(errors.IllegalState, "session %d is not transacted", s.id)
	}
	if s.txn == 0 {
		return 0, errors.Newf(errors.IllegalState, "transaction of session %d is controlled by the container", s.id)
	}
	return s.txn, nil
}

// currentLocalTxn is localTxn after restoring a transaction lost to a
// failed begin; the restored transaction is empty.
func (s *Session) currentLocalTxn(ctx context.Context) (transport.TransactionID, error) {
	if err := s.restoreTransaction(ctx); err != nil {
		return 0, err
	}
	return s.localTxn()
}

// Commit commits the current transaction and starts the next one. A failed
// commit is rolled back and reported as TransactionRolledBack.
func (s *Session) Commit(ctx context.Context) error {
	txn, err := s.currentLocalTxn(ctx)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	lg := s.lg.With(zap.Int64("txn_id", int64(txn)))

	if cerr := s.svc.CommitTransaction(ctx, s.conn.id, txn, ""); cerr != nil {
		cause := errors.FromTransport(cerr, "commit transaction", s.details(), nil)
		if rerr := s.svc.RollbackTransaction(ctx, s.conn.id, txn, "", true); rerr != nil {
			lg.Warn("rollback after failed commit failed", zap.Error(rerr))
		}
		s.inst.RolledBack(ctx)
		if berr := s.beginLocalTransaction(ctx); berr != nil {
			lg.Warn("start transaction after failed commit failed", zap.Error(berr))
		}
		return errors.Wrap(errors.TransactionRolledBack, cause, "transaction %d rolled back", txn)
	}
	s.inst.Committed(ctx)
	lg.Debug("transaction committed")
	if err := s.beginLocalTransaction(ctx); err != nil {
		return errors.Wrap(errors.IllegalState, err, "transaction %d committed but the next one could not start", txn)
	}
	return nil
}

// Rollback discards the current transaction, returning consumed messages
// marked redelivered, and starts the next one.
func (s *Session) Rollback(ctx context.Context) error {
	txn, err := s.currentLocalTxn(ctx)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.svc.RollbackTransaction(ctx, s.conn.id, txn, "", true); err != nil {
		return errors.FromTransport(err, "rollback transaction", s.details(), nil)
	}
	s.inst.RolledBack(ctx)
	s.lg.Debug("transaction rolled back", zap.Int64("txn_id", int64(txn)))
	if err := s.beginLocalTransaction(ctx); err != nil {
		return errors.Wrap(errors.IllegalState, err, "transaction %d rolled back but the next one could not start", txn)
	}
	return nil
}

type SessionStats struct {
	AckMode        AckMode
	TransactionID  transport.TransactionID
	Producers      int
	Consumers      int
	Browsers       int
	Unacknowledged int
}

func (s *Session) Stats() SessionStats {
	txn := s.effectiveTxn()
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		AckMode:        s.mode,
		TransactionID:  txn,
		Producers:      len(s.producers),
		Consumers:      len(s.consumers),
		Browsers:       len(s.browsers),
		Unacknowledged: len(s.ledger),
	}
}

// Close rolls back an open local transaction, closes every producer,
// consumer and browser, and destroys the session. Child failures are
// logged; only the destroy failure is returned.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	txn := s.txn
	producers := s.producers
	consumers := lo.Keys(s.consumers)
	browsers := s.browsers
	s.producers, s.consumers, s.browsers = nil, map[*Consumer]struct{}{}, nil
	s.mu.Unlock()

	var errs error
	if s.mode == SessionTransacted && !s.conn.opts.managed && txn != 0 {
		if err := s.svc.RollbackTransaction(ctx, s.conn.id, txn, "", true); err != nil {
			errs = multierr.Append(errs, errors.FromTransport(err, "rollback transaction", s.details(), nil))
		}
	}
	for _, p := range producers {
		errs = multierr.Append(errs, p.close(ctx))
	}
	if err := s.svc.StopSession(ctx, s.conn.id, s.id); err != nil {
		errs = multierr.Append(errs, errors.FromTransport(err, "stop session", s.details(), nil))
	}
	for _, c := range consumers {
		errs = multierr.Append(errs, c.close(ctx))
	}
	for _, b := range browsers {
		errs = multierr.Append(errs, b.close(ctx))
	}
	for _, err := range multierr.Errors(errs) {
		s.lg.Warn("session teardown step failed", zap.Error(err))
	}

	derr := s.svc.DestroySession(ctx, s.conn.id, s.id)
	s.mu.Lock()
	s.closed = true
	s.closing = false
	s.ledger = nil
	s.mu.Unlock()
	s.conn.removeSession(s)
	s.inst.SessionClosed(ctx)
	if derr != nil {
		return errors.FromTransport(derr, "destroy session", s.details(), nil)
	}
	s.lg.Debug("session closed")
	return nil
}
