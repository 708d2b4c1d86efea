package jms

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

const (
	DefaultPriority      = 4
	DefaultDeliveryMode  = transport.Persistent
	DefaultTimeToLive    = time.Duration(0)
	DefaultDeliveryDelay = time.Duration(0)
)

// SendOption overrides a producer default for one send.
type SendOption func(*sendParams)

type sendParams struct {
	mode     transport.DeliveryMode
	priority int
	ttl      time.Duration
	delay    time.Duration
}

func WithDeliveryMode(mode transport.DeliveryMode) SendOption {
	return func(p *sendParams) { p.mode = mode }
}

func WithPriority(priority int) SendOption {
	return func(p *sendParams) { p.priority = priority }
}

func WithTimeToLive(ttl time.Duration) SendOption {
	return func(p *sendParams) { p.ttl = ttl }
}

func WithDeliveryDelay(delay time.Duration) SendOption {
	return func(p *sendParams) { p.delay = delay }
}

func (p sendParams) validate() error {
	if err := validDeliveryMode(p.mode); err != nil {
		return err
	}
	if err := validPriority(p.priority); err != nil {
		return err
	}
	if p.ttl < 0 {
		return errors.Newf(errors.InvalidArgument, "time to live %s is negative", p.ttl)
	}
	if p.delay < 0 {
		return errors.Newf(errors.InvalidArgument, "delivery delay %s is negative", p.delay)
	}
	return nil
}

func validDeliveryMode(mode transport.DeliveryMode) error {
	if mode != transport.Persistent && mode != transport.NonPersistent {
		return errors.Newf(errors.InvalidArgument, "invalid delivery mode %d", int(mode))
	}
	return nil
}

func validPriority(priority int) error {
	if priority < 0 || priority > 9 {
		return errors.Newf(errors.InvalidArgument, "priority %d is outside 0-9", priority)
	}
	return nil
}

// Producer sends to the destination it was created with, or, when created
// without one, to the destination named on each send.
type Producer struct {
	s  *Session
	lg *zap.Logger

	mu       sync.Mutex
	bound    bool
	dest     Destination
	td       transport.Destination
	id       transport.ProducerID
	ids      map[string]transport.ProducerID
	defaults sendParams
	closed   bool
}

func newProducer(s *Session) *Producer {
	return &Producer{
		s:   s,
		lg:  s.lg,
		ids: map[string]transport.ProducerID{},
		defaults: sendParams{
			mode:     DefaultDeliveryMode,
			priority: DefaultPriority,
			ttl:      DefaultTimeToLive,
			delay:    DefaultDeliveryDelay,
		},
	}
}

func (p *Producer) bind(dest Destination, td transport.Destination, id transport.ProducerID) {
	p.bound = true
	p.dest = dest
	p.td = td
	p.id = id
	p.lg = p.lg.With(zap.Int64("producer_id", int64(id)), zap.Stringer("destination", td))
}

// Destination is nil for an unbound producer.
func (p *Producer) Destination() Destination { return p.dest }

func (p *Producer) checkOpenLocked() error {
	if p.closed {
		return errors.Newf(errors.IllegalState, "producer is closed")
	}
	return nil
}

func (p *Producer) set(apply func(*sendParams), validate func(sendParams) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpenLocked(); err != nil {
		return err
	}
	next := p.defaults
	apply(&next)
	if err := validate(next); err != nil {
		return err
	}
	p.defaults = next
	return nil
}

func (p *Producer) SetDeliveryMode(mode transport.DeliveryMode) error {
	return p.set(func(sp *sendParams) { sp.mode = mode }, sendParams.validate)
}

func (p *Producer) SetPriority(priority int) error {
	return p.set(func(sp *sendParams) { sp.priority = priority }, sendParams.validate)
}

func (p *Producer) SetTimeToLive(ttl time.Duration) error {
	return p.set(func(sp *sendParams) { sp.ttl = ttl }, sendParams.validate)
}

func (p *Producer) SetDeliveryDelay(delay time.Duration) error {
	return p.set(func(sp *sendParams) { sp.delay = delay }, sendParams.validate)
}

func (p *Producer) DeliveryMode() transport.DeliveryMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaults.mode
}

func (p *Producer) Priority() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaults.priority
}

func (p *Producer) TimeToLive() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaults.ttl
}

func (p *Producer) DeliveryDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaults.delay
}

func (p *Producer) params(opts []SendOption) (sendParams, error) {
	p.mu.Lock()
	if err := p.checkOpenLocked(); err != nil {
		p.mu.Unlock()
		return sendParams{}, err
	}
	sp := p.defaults
	p.mu.Unlock()
	for _, opt := range opts {
		opt(&sp)
	}
	return sp, sp.validate()
}

// Send sends msg to the producer's destination.
func (p *Producer) Send(ctx context.Context, msg Message, opts ...SendOption) error {
	if !p.bound {
		return errors.Newf(errors.Unsupported, "producer has no destination; use SendTo")
	}
	sp, err := p.params(opts)
	if err != nil {
		return err
	}
	if _, err := p.s.conn.resolve(p.dest); err != nil {
		return err
	}
	return p.send(ctx, p.dest, p.td, p.id, msg, sp)
}

// SendTo sends msg to dest. Only producers created without a destination
// accept one.
func (p *Producer) SendTo(ctx context.Context, dest Destination, msg Message, opts ...SendOption) error {
	if p.bound {
		return errors.Newf(errors.Unsupported, "producer is bound to %s", p.td)
	}
	td, err := p.s.conn.resolve(dest)
	if err != nil {
		return err
	}
	sp, err := p.params(opts)
	if err != nil {
		return err
	}
	id, err := p.idFor(ctx, td)
	if err != nil {
		return err
	}
	return p.send(ctx, dest, td, id, msg, sp)
}

// idFor returns the producer id for td, registering one on first use.
func (p *Producer) idFor(ctx context.Context, td transport.Destination) (transport.ProducerID, error) {
	key := td.Key()
	p.mu.Lock()
	id, ok := p.ids[key]
	p.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := p.s.addProducer(ctx, td)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.ids[key]; ok {
		if err := p.s.svc.DeleteProducer(ctx, p.s.conn.id, id); err != nil {
			p.lg.Warn("delete duplicate producer failed", zap.Int64("producer_id", int64(id)), zap.Error(err))
		}
		return existing, nil
	}
	if p.closed {
		if err := p.s.svc.DeleteProducer(ctx, p.s.conn.id, id); err != nil {
			p.lg.Warn("delete producer failed", zap.Int64("producer_id", int64(id)), zap.Error(err))
		}
		return 0, errors.Newf(errors.IllegalState, "producer is closed")
	}
	p.ids[key] = id
	return id, nil
}

func (p *Producer) send(ctx context.Context, dest Destination, td transport.Destination, id transport.ProducerID, msg Message, sp sendParams) error {
	if msg == nil {
		return errors.Newf(errors.MessageFormat, "message is nil")
	}
	n, foreign, err := toNative(msg)
	if err != nil {
		return err
	}
	env := n.envelope()

	env.hdr.destination = dest
	env.hdr.deliveryMode = sp.mode
	env.hdr.priority = sp.priority
	env.hdr.expiration = sp.ttl.Milliseconds()
	env.hdr.deliveryTime = sp.delay.Milliseconds()

	compress := p.s.conn.opts.compressAll
	if on, err := env.BoolProperty(CompressProperty); err == nil && on {
		compress = true
	}
	var replyTo *transport.Destination
	if rt := msg.ReplyTo(); rt != nil {
		r, err := p.s.conn.resolve(rt)
		if err != nil {
			return err
		}
		replyTo = &r
	}
	body, err := marshalBody(n)
	if err != nil {
		return err
	}
	env.hdr.messageID = ""
	env.messageIDSet = false
	pkt, err := encode(env, td, replyTo, body, compress)
	if err != nil {
		return err
	}
	p.s.svc.AssignMessageID(p.s.conn.id, pkt)
	// relative times become absolute only once the id is assigned
	now := p.s.conn.opts.now().UnixMilli()
	if pkt.Expiration > 0 {
		pkt.Expiration += now
	}
	if pkt.DeliveryTime > 0 {
		pkt.DeliveryTime += now
	}
	pkt.Producer = id

	if err := p.s.sendMessage(ctx, pkt); err != nil {
		return err
	}

	env.hdr.messageID = pkt.MessageID
	env.messageIDSet = true
	env.hdr.timestamp = pkt.Timestamp
	env.hdr.expiration = pkt.Expiration
	env.hdr.deliveryTime = pkt.DeliveryTime
	if foreign {
		writeBack(msg, env, sp.delay > 0)
	}
	return nil
}

// Close releases every producer id. Failures are logged per id.
func (p *Producer) Close(ctx context.Context) error {
	if err := p.close(ctx); err != nil {
		for _, e := range multierr.Errors(err) {
			p.lg.Warn("delete producer failed", zap.Error(e))
		}
	}
	p.s.removeProducer(p)
	return nil
}

func (p *Producer) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ids := make([]transport.ProducerID, 0, len(p.ids)+1)
	if p.bound {
		ids = append(ids, p.id)
	}
	for _, id := range p.ids {
		ids = append(ids, id)
	}
	p.ids = map[string]transport.ProducerID{}
	p.mu.Unlock()

	var errs error
	for _, id := range ids {
		if err := p.s.svc.DeleteProducer(ctx, p.s.conn.id, id); err != nil {
			d := p.s.details()
			d["producer_id"] = id
			errs = multierr.Append(errs, errors.FromTransport(err, "delete producer", d, nil))
		}
	}
	return errs
}
