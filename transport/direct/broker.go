// Package direct is an embedded, in-process broker. It implements
// transport.Service entirely in memory so a client runtime can run without a
// network hop.
package direct

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/clientid"
	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/direct/selector"
)

var ErrClosed = errors.New("direct: broker closed")

type Broker struct {
	opts   options
	lg     *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seq    atomic.Int64

	mu        sync.Mutex
	notify    chan struct{}
	closed    bool
	conns     map[transport.ConnectionID]*connection
	sessions  map[transport.SessionID]*session
	producers map[transport.ProducerID]*producer
	consumers map[transport.ConsumerID]*consumer
	browsers  map[transport.ConsumerID]*browser
	txns      map[transport.TransactionID]*txn
	dests     map[string]*destination
	durable   map[string]*subscription
	shared    map[string]*subscription
}

type connection struct {
	id       transport.ConnectionID
	username string
	clientID string
	release  clientid.Release
	started  bool
	sessions map[transport.SessionID]*session
}

type producer struct {
	id      transport.ProducerID
	conn    transport.ConnectionID
	session transport.SessionID
	dest    *destination
}

type browser struct {
	id      transport.ConsumerID
	conn    transport.ConnectionID
	session transport.SessionID
	dest    *destination
	sel     *selector.Selector
}

type txn struct {
	id      transport.TransactionID
	conn    transport.ConnectionID
	session *session
	xid     string
	sends   []*transport.Packet
}

var _ transport.Service = (*Broker)(nil)

func New(opts ...Option) *Broker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		opts:      o,
		lg:        o.logger.With(zap.String("transport", "direct")),
		ctx:       ctx,
		cancel:    cancel,
		notify:    make(chan struct{}),
		conns:     map[transport.ConnectionID]*connection{},
		sessions:  map[transport.SessionID]*session{},
		producers: map[transport.ProducerID]*producer{},
		consumers: map[transport.ConsumerID]*consumer{},
		browsers:  map[transport.ConsumerID]*browser{},
		txns:      map[transport.TransactionID]*txn{},
		dests:     map[string]*destination{},
		durable:   map[string]*subscription{},
		shared:    map[string]*subscription{},
	}
}

// Close destroys every connection and waits for the delivery workers to exit.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var releases []clientid.Release
	for _, c := range b.conns {
		if r := b.destroyConnectionLocked(c); r != nil {
			releases = append(releases, r)
		}
	}
	b.signalLocked()
	b.mu.Unlock()
	b.cancel()

	for _, release := range releases {
		if err := release(ctx); err != nil {
			b.lg.Warn("failed to release client id", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) nextID() int64 { return b.seq.Add(1) }

// signalLocked wakes every waiting fetch and delivery worker.
func (b *Broker) signalLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *Broker) connLocked(op string, id transport.ConnectionID) (*connection, error) {
	if b.closed {
		return nil, &transport.ServiceError{Op: op, Status: transport.StatusUnavailable, Err: ErrClosed}
	}
	c, ok := b.conns[id]
	if !ok {
		return nil, transport.Errorf(op, transport.StatusGone, "connection %d not found", id)
	}
	return c, nil
}

func (b *Broker) sessionLocked(op string, connID transport.ConnectionID, id transport.SessionID) (*session, error) {
	if _, err := b.connLocked(op, connID); err != nil {
		return nil, err
	}
	s, ok := b.sessions[id]
	if !ok || s.conn != connID {
		return nil, transport.Errorf(op, transport.StatusGone, "session %d not found", id)
	}
	return s, nil
}

func (b *Broker) CreateConnection(ctx context.Context, req transport.ConnectionRequest) (transport.ConnectionID, error) {
	const op = "create connection"
	if b.opts.authenticate != nil && !b.opts.authenticate(req.Username, req.Password) {
		return 0, transport.Errorf(op, transport.StatusForbidden, "authentication failed for %q", req.Username)
	}
	var release clientid.Release
	if req.ClientID != "" {
		r, err := b.claim(ctx, op, req.ClientID)
		if err != nil {
			return 0, err
		}
		release = r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		if release != nil {
			_ = release(ctx)
		}
		return 0, &transport.ServiceError{Op: op, Status: transport.StatusUnavailable, Err: ErrClosed}
	}
	c := &connection{
		id:       transport.ConnectionID(b.nextID()),
		username: req.Username,
		clientID: req.ClientID,
		release:  release,
		sessions: map[transport.SessionID]*session{},
	}
	b.conns[c.id] = c
	b.lg.Debug("connection created", zap.Int64("connection_id", int64(c.id)), zap.String("username", req.Username))
	return c.id, nil
}

func (b *Broker) claim(ctx context.Context, op, clientID string) (clientid.Release, error) {
	release, err := b.opts.registry.Claim(ctx, clientID)
	switch {
	case err == nil:
		return release, nil
	case errors.Is(err, clientid.ErrInUse):
		return nil, &transport.ServiceError{Op: op, Status: transport.StatusConflict, Reason: "client id " + clientID + " in use", Err: err}
	case errors.Is(err, clientid.ErrInvalidClientID):
		return nil, &transport.ServiceError{Op: op, Status: transport.StatusBadRequest, Err: err}
	default:
		return nil, &transport.ServiceError{Op: op, Status: transport.StatusError, Err: err}
	}
}

func (b *Broker) DestroyConnection(ctx context.Context, id transport.ConnectionID) error {
	b.mu.Lock()
	c, err := b.connLocked("destroy connection", id)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	release := b.destroyConnectionLocked(c)
	b.signalLocked()
	b.mu.Unlock()
	if release != nil {
		return release(ctx)
	}
	return nil
}

// destroyConnectionLocked tears down c and returns its client id release,
// which must be called without the broker lock held.
func (b *Broker) destroyConnectionLocked(c *connection) clientid.Release {
	for _, s := range c.sessions {
		b.destroySessionLocked(s)
	}
	for key, d := range b.dests {
		if d.dest.IsTemporary() && d.owner == c.id {
			b.removeDestinationLocked(key, d)
		}
	}
	for id, t := range b.txns {
		if t.conn == c.id {
			delete(b.txns, id)
		}
	}
	delete(b.conns, c.id)
	b.lg.Debug("connection destroyed", zap.Int64("connection_id", int64(c.id)))
	return c.release
}

func (b *Broker) StartConnection(_ context.Context, id transport.ConnectionID) error {
	return b.setConnectionStarted("start connection", id, true)
}

func (b *Broker) StopConnection(_ context.Context, id transport.ConnectionID) error {
	return b.setConnectionStarted("stop connection", id, false)
}

func (b *Broker) setConnectionStarted(op string, id transport.ConnectionID, started bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.connLocked(op, id)
	if err != nil {
		return err
	}
	c.started = started
	b.signalLocked()
	return nil
}

func (b *Broker) SetClientID(ctx context.Context, id transport.ConnectionID, clientID string) error {
	const op = "set client id"
	b.mu.Lock()
	c, err := b.connLocked(op, id)
	if err == nil && c.clientID != "" {
		err = transport.Errorf(op, transport.StatusPreconditionFailed, "client id already set to %q", c.clientID)
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}

	release, err := b.claim(ctx, op, clientID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	c, err = b.connLocked(op, id)
	if err == nil && c.clientID != "" {
		err = transport.Errorf(op, transport.StatusPreconditionFailed, "client id already set to %q", c.clientID)
	}
	if err != nil {
		b.mu.Unlock()
		_ = release(ctx)
		return err
	}
	c.clientID = clientID
	c.release = release
	b.mu.Unlock()
	return nil
}

func (b *Broker) UnsetClientID(ctx context.Context, id transport.ConnectionID) error {
	b.mu.Lock()
	c, err := b.connLocked("unset client id", id)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	release := c.release
	c.clientID = ""
	c.release = nil
	b.mu.Unlock()
	if release != nil {
		return release(ctx)
	}
	return nil
}

// AssignMessageID stamps a time-ordered id and the current time.
func (b *Broker) AssignMessageID(_ transport.ConnectionID, p *transport.Packet) {
	p.MessageID = "ID:" + uuid.Must(uuid.NewV7()).String()
	p.Timestamp = b.opts.now().UnixMilli()
}

func (b *Broker) AddProducer(_ context.Context, connID transport.ConnectionID, sessionID transport.SessionID, dest transport.Destination) (transport.ProducerID, error) {
	const op = "add producer"
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(op, connID, sessionID)
	if err != nil {
		return 0, err
	}
	if err := b.authorizeLocked(op, connID, ActionProduce, dest); err != nil {
		return 0, err
	}
	d, err := b.resolveDestinationLocked(op, dest)
	if err != nil {
		return 0, err
	}
	p := &producer{id: transport.ProducerID(b.nextID()), conn: connID, session: s.id, dest: d}
	b.producers[p.id] = p
	return p.id, nil
}

func (b *Broker) DeleteProducer(_ context.Context, connID transport.ConnectionID, id transport.ProducerID) error {
	const op = "delete producer"
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connLocked(op, connID); err != nil {
		return err
	}
	p, ok := b.producers[id]
	if !ok || p.conn != connID {
		return transport.Errorf(op, transport.StatusNotFound, "producer %d not found", id)
	}
	delete(b.producers, id)
	return nil
}

func (b *Broker) authorizeLocked(op string, connID transport.ConnectionID, action Action, dest transport.Destination) error {
	if b.opts.authorize == nil {
		return nil
	}
	c := b.conns[connID]
	if c == nil || !b.opts.authorize(c.username, action, dest) {
		return transport.Errorf(op, transport.StatusForbidden, "%s on %s denied", action, dest)
	}
	return nil
}

// Stats is a point-in-time view of broker occupancy.
type Stats struct {
	Connections    int `json:"connections"`
	Sessions       int `json:"sessions"`
	Consumers      int `json:"consumers"`
	Destinations   int `json:"destinations"`
	Pending        int `json:"pending"`
	Unacknowledged int `json:"unacknowledged"`
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		Connections:  len(b.conns),
		Sessions:     len(b.sessions),
		Consumers:    len(b.consumers),
		Destinations: len(b.dests),
	}
	for _, d := range b.dests {
		st.Pending += d.depth()
	}
	for _, s := range b.sessions {
		st.Unacknowledged += len(s.inflight)
	}
	return st
}

// Depth returns how many messages are waiting on dest, summed over every
// subscription for topics.
func (b *Broker) Depth(dest transport.Destination) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dests[dest.Key()]
	if !ok {
		return 0
	}
	return d.depth()
}
