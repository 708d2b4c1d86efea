// Package gpubsub implements transport.Service on Google Cloud Pub/Sub.
// Every destination is a Pub/Sub topic; queues read from one shared
// subscription and topic consumers get a subscription per consumer kind.
// Pub/Sub has no server-side selector support and no way to peek at a
// subscription, so selectors and queue browsers are rejected.
package gpubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-mqclient/clientid"
	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/internal/backoff"
	"github.com/infigaming-com/go-mqclient/transport/internal/worker"
)

var ErrClosed = errors.New("gpubsub: transport closed")

type Config struct {
	ProjectID       string
	CredentialsJSON []byte
	Endpoint        string
	UserAgent       string
	// Client is used as is when set; the transport does not close it.
	Client   *gcppubsub.Client
	Logger   *zap.Logger
	Registry clientid.Registry
	Receive  ReceiveSettings
	// AckDeadline applies to subscriptions the transport creates.
	AckDeadline     time.Duration
	DeadLetterQueue string
	MaxRedeliveries int
	// DeliveryCacheSize bounds the in-memory delivery counter, in bytes.
	DeliveryCacheSize int
	Now               func() time.Time
}

type ReceiveSettings struct {
	NumGoroutines          int
	MaxOutstandingMessages int
	MaxOutstandingBytes    int
	MaxExtension           time.Duration
	// Retry governs restarts of a failed streaming pull.
	Retry backoff.Config
}

type Transport struct {
	client      *gcppubsub.Client
	ownsClient  bool
	lg          *zap.Logger
	registry    clientid.Registry
	receive     ReceiveSettings
	ackDeadline time.Duration
	deadLetter  string
	maxRedeliv  int
	deliveries  *deliveryLog
	now         func() time.Time
	origin      string
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	seq         atomic.Int64

	topicMu sync.Mutex
	topics  map[string]*gcppubsub.Topic

	mu        sync.Mutex
	notify    chan struct{}
	closed    bool
	conns     map[transport.ConnectionID]*connection
	sessions  map[transport.SessionID]*session
	producers map[transport.ProducerID]*producer
	consumers map[transport.ConsumerID]*consumer
	txns      map[transport.TransactionID]*txn
	temps     map[string]transport.ConnectionID
	active    map[string]int
}

type connection struct {
	id       transport.ConnectionID
	clientID string
	release  clientid.Release
	started  bool
	sessions map[transport.SessionID]*session
}

type session struct {
	id       transport.SessionID
	conn     transport.ConnectionID
	mode     transport.AckMode
	stopped  bool
	closed   bool
	inflight []*inflight
	lastAuto map[transport.ConsumerID]*inflight
	// pool serializes pushes to the session's asynchronous consumers.
	pool *worker.Pool
}

type producer struct {
	id      transport.ProducerID
	conn    transport.ConnectionID
	session transport.SessionID
	dest    transport.Destination
}

type txn struct {
	id      transport.TransactionID
	conn    transport.ConnectionID
	session *session
	xid     string
	sends   []*transport.Packet
}

var _ transport.Service = (*Transport)(nil)

func New(ctx context.Context, cfg Config) (*Transport, error) {
	var (
		client *gcppubsub.Client
		err    error
		owns   bool
	)
	if cfg.Client != nil {
		client = cfg.Client
	} else {
		if cfg.ProjectID == "" {
			return nil, errors.New("gpubsub: project id required when client is not provided")
		}
		opts := make([]option.ClientOption, 0, 3)
		if len(cfg.CredentialsJSON) > 0 {
			opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		}
		if cfg.UserAgent != "" {
			opts = append(opts, option.WithUserAgent(cfg.UserAgent))
		}
		client, err = gcppubsub.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("gpubsub: create client: %w", err)
		}
		owns = true
	}

	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = clientid.NewLocal()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	dlq := cfg.DeadLetterQueue
	if dlq == "" {
		dlq = "mq.dlq"
	}
	maxRedeliv := cfg.MaxRedeliveries
	if maxRedeliv <= 0 {
		maxRedeliv = 10
	}
	tctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		client:      client,
		ownsClient:  owns,
		lg:          lg.With(zap.String("transport", "pubsub")),
		registry:    reg,
		receive:     cfg.Receive,
		ackDeadline: cfg.AckDeadline,
		deadLetter:  dlq,
		maxRedeliv:  maxRedeliv,
		deliveries:  newDeliveryLog(cfg.DeliveryCacheSize, int((24 * time.Hour).Seconds())),
		now:         now,
		origin:      uuid.NewString(),
		ctx:         tctx,
		cancel:      cancel,
		topics:      map[string]*gcppubsub.Topic{},
		notify:      make(chan struct{}),
		conns:       map[transport.ConnectionID]*connection{},
		sessions:    map[transport.SessionID]*session{},
		producers:   map[transport.ProducerID]*producer{},
		consumers:   map[transport.ConsumerID]*consumer{},
		txns:        map[transport.TransactionID]*txn{},
		temps:       map[string]transport.ConnectionID{},
		active:      map[string]int{},
	}, nil
}

// Close destroys every connection, waits for the receive loops to finish
// and flushes the cached topic publishers.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var (
		releases []clientid.Release
		temps    []transport.Destination
	)
	for _, c := range t.conns {
		release, owned := t.destroyConnectionLocked(c)
		if release != nil {
			releases = append(releases, release)
		}
		temps = append(temps, owned...)
	}
	t.signalLocked()
	t.mu.Unlock()
	t.cancel()

	for _, release := range releases {
		if err := release(ctx); err != nil {
			t.lg.Warn("failed to release client id", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.removeTemporaries(ctx, temps)

	t.topicMu.Lock()
	for _, tp := range t.topics {
		tp.Stop()
	}
	t.topics = map[string]*gcppubsub.Topic{}
	t.topicMu.Unlock()
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

// Stats is a point-in-time view of the transport's local bookkeeping.
type Stats struct {
	Connections    int
	Sessions       int
	Consumers      int
	Unacknowledged int
}

func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{
		Connections: len(t.conns),
		Sessions:    len(t.sessions),
		Consumers:   len(t.consumers),
	}
	for _, s := range t.sessions {
		st.Unacknowledged += len(s.inflight)
	}
	return st
}

func (t *Transport) nextID() int64 { return t.seq.Add(1) }

func (t *Transport) signalLocked() {
	close(t.notify)
	t.notify = make(chan struct{})
}

func (t *Transport) originOf(conn transport.ConnectionID) string {
	return t.origin + "/" + strconv.FormatInt(int64(conn), 10)
}

func (t *Transport) connLocked(op string, id transport.ConnectionID) (*connection, error) {
	if t.closed {
		return nil, &transport.ServiceError{Op: op, Status: transport.StatusUnavailable, Err: ErrClosed}
	}
	c, ok := t.conns[id]
	if !ok {
		return nil, transport.Errorf(op, transport.StatusGone, "connection %d not found", id)
	}
	return c, nil
}

func (t *Transport) sessionLocked(op string, connID transport.ConnectionID, id transport.SessionID) (*session, error) {
	if _, err := t.connLocked(op, connID); err != nil {
		return nil, err
	}
	s, ok := t.sessions[id]
	if !ok || s.conn != connID {
		return nil, transport.Errorf(op, transport.StatusGone, "session %d not found", id)
	}
	return s, nil
}

func (t *Transport) readyLocked(s *session) bool {
	c := t.conns[s.conn]
	return c != nil && c.started && !s.stopped && !s.closed
}

func (t *Transport) CreateConnection(ctx context.Context, req transport.ConnectionRequest) (transport.ConnectionID, error) {
	const op = "create connection"
	var release clientid.Release
	if req.ClientID != "" {
		r, err := t.claim(ctx, op, req.ClientID)
		if err != nil {
			return 0, err
		}
		release = r
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		if release != nil {
			_ = release(ctx)
		}
		return 0, &transport.ServiceError{Op: op, Status: transport.StatusUnavailable, Err: ErrClosed}
	}
	c := &connection{
		id:       transport.ConnectionID(t.nextID()),
		clientID: req.ClientID,
		release:  release,
		sessions: map[transport.SessionID]*session{},
	}
	t.conns[c.id] = c
	t.lg.Debug("connection created", zap.Int64("connection_id", int64(c.id)), zap.String("username", req.Username))
	return c.id, nil
}

func (t *Transport) claim(ctx context.Context, op, clientID string) (clientid.Release, error) {
	release, err := t.registry.Claim(ctx, clientID)
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

func (t *Transport) DestroyConnection(ctx context.Context, id transport.ConnectionID) error {
	t.mu.Lock()
	c, err := t.connLocked("destroy connection", id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	release, temps := t.destroyConnectionLocked(c)
	t.signalLocked()
	t.mu.Unlock()
	t.removeTemporaries(ctx, temps)
	if release != nil {
		return release(ctx)
	}
	return nil
}

// destroyConnectionLocked tears down c. The client id release and the
// temporary destinations to delete are handed back so the caller can run
// them without the lock.
func (t *Transport) destroyConnectionLocked(c *connection) (clientid.Release, []transport.Destination) {
	for _, s := range c.sessions {
		t.destroySessionLocked(s)
	}
	var temps []transport.Destination
	for key, owner := range t.temps {
		if owner == c.id {
			d, _ := decodeDestination(key)
			temps = append(temps, d)
			delete(t.temps, key)
		}
	}
	for id, x := range t.txns {
		if x.conn == c.id {
			delete(t.txns, id)
		}
	}
	delete(t.conns, c.id)
	t.lg.Debug("connection destroyed", zap.Int64("connection_id", int64(c.id)))
	return c.release, temps
}

func (t *Transport) StartConnection(_ context.Context, id transport.ConnectionID) error {
	return t.setConnectionStarted("start connection", id, true)
}

func (t *Transport) StopConnection(_ context.Context, id transport.ConnectionID) error {
	return t.setConnectionStarted("stop connection", id, false)
}

func (t *Transport) setConnectionStarted(op string, id transport.ConnectionID, started bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.connLocked(op, id)
	if err != nil {
		return err
	}
	c.started = started
	t.signalLocked()
	return nil
}

func (t *Transport) SetClientID(ctx context.Context, id transport.ConnectionID, clientID string) error {
	const op = "set client id"
	t.mu.Lock()
	c, err := t.connLocked(op, id)
	if err == nil && c.clientID != "" {
		err = transport.Errorf(op, transport.StatusPreconditionFailed, "client id already set to %q", c.clientID)
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}

	release, err := t.claim(ctx, op, clientID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	c, err = t.connLocked(op, id)
	if err == nil && c.clientID != "" {
		err = transport.Errorf(op, transport.StatusPreconditionFailed, "client id already set to %q", c.clientID)
	}
	if err != nil {
		t.mu.Unlock()
		_ = release(ctx)
		return err
	}
	c.clientID = clientID
	c.release = release
	t.mu.Unlock()
	return nil
}

func (t *Transport) UnsetClientID(ctx context.Context, id transport.ConnectionID) error {
	t.mu.Lock()
	c, err := t.connLocked("unset client id", id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	release := c.release
	c.clientID = ""
	c.release = nil
	t.mu.Unlock()
	if release != nil {
		return release(ctx)
	}
	return nil
}

func (t *Transport) CreateSession(_ context.Context, connID transport.ConnectionID, mode transport.AckMode) (transport.SessionID, error) {
	const op = "create session"
	if !mode.Valid() {
		return 0, transport.Errorf(op, transport.StatusBadRequest, "invalid ack mode %d", int(mode))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.connLocked(op, connID)
	if err != nil {
		return 0, err
	}
	s := &session{
		id:       transport.SessionID(t.nextID()),
		conn:     connID,
		mode:     mode,
		lastAuto: map[transport.ConsumerID]*inflight{},
	}
	t.sessions[s.id] = s
	c.sessions[s.id] = s
	t.lg.Debug("session created", zap.Int64("connection_id", int64(connID)),
		zap.Int64("session_id", int64(s.id)), zap.Stringer("ack_mode", mode))
	return s.id, nil
}

func (t *Transport) DestroySession(_ context.Context, connID transport.ConnectionID, id transport.SessionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.sessionLocked("destroy session", connID, id)
	if err != nil {
		return err
	}
	t.destroySessionLocked(s)
	t.signalLocked()
	return nil
}

// destroySessionLocked nacks unsettled messages so Pub/Sub redelivers them,
// stops every consumer and discards open transactions.
func (t *Transport) destroySessionLocked(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	pending := s.inflight
	s.inflight = nil
	for _, f := range pending {
		t.nackLocked(f, true)
	}
	for id, f := range s.lastAuto {
		delete(s.lastAuto, id)
		t.ackLocked(f)
	}
	for id, x := range t.txns {
		if x.session == s {
			delete(t.txns, id)
		}
	}
	for id, c := range t.consumers {
		if c.session == s {
			t.closeConsumerLocked(c)
			delete(t.consumers, id)
		}
	}
	for id, p := range t.producers {
		if p.session == s.id {
			delete(t.producers, id)
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	delete(t.sessions, s.id)
	if c, ok := t.conns[s.conn]; ok {
		delete(c.sessions, s.id)
	}
	t.lg.Debug("session destroyed", zap.Int64("connection_id", int64(s.conn)), zap.Int64("session_id", int64(s.id)))
}

func (t *Transport) StartSession(_ context.Context, connID transport.ConnectionID, id transport.SessionID) error {
	return t.setSessionStopped("start session", connID, id, false)
}

func (t *Transport) StopSession(_ context.Context, connID transport.ConnectionID, id transport.SessionID) error {
	return t.setSessionStopped("stop session", connID, id, true)
}

func (t *Transport) setSessionStopped(op string, connID transport.ConnectionID, id transport.SessionID, stopped bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.sessionLocked(op, connID, id)
	if err != nil {
		return err
	}
	s.stopped = stopped
	t.signalLocked()
	return nil
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

func (t *Transport) CreateDestination(ctx context.Context, connID transport.ConnectionID, dest transport.Destination) error {
	const op = "create destination"
	if err := validDestination(op, dest); err != nil {
		return err
	}
	key := encodeDestination(dest)
	t.mu.Lock()
	if _, err := t.connLocked(op, connID); err != nil {
		t.mu.Unlock()
		return err
	}
	if dest.IsTemporary() {
		if _, ok := t.temps[key]; ok {
			t.mu.Unlock()
			return transport.Errorf(op, transport.StatusConflict, "%s already exists", dest)
		}
		t.temps[key] = connID
	}
	t.mu.Unlock()

	if _, err := t.topic(ctx, op, dest, true); err != nil {
		if dest.IsTemporary() {
			t.mu.Lock()
			delete(t.temps, key)
			t.mu.Unlock()
		}
		return err
	}
	t.lg.Debug("destination created", zap.Stringer("destination", dest), zap.Int64("connection_id", int64(connID)))
	return nil
}

func (t *Transport) DestroyDestination(ctx context.Context, connID transport.ConnectionID, dest transport.Destination) error {
	const op = "destroy destination"
	key := encodeDestination(dest)
	t.mu.Lock()
	if _, err := t.connLocked(op, connID); err != nil {
		t.mu.Unlock()
		return err
	}
	if dest.IsTemporary() {
		owner, ok := t.temps[key]
		if !ok {
			t.mu.Unlock()
			return transport.Errorf(op, transport.StatusNotFound, "%s not found", dest)
		}
		if owner != connID {
			t.mu.Unlock()
			return transport.Errorf(op, transport.StatusForbidden, "%s belongs to another connection", dest)
		}
	}
	n := 0
	for _, c := range t.consumers {
		if c.spec.Destination == dest {
			n++
		}
	}
	if n > 0 {
		t.mu.Unlock()
		return transport.Errorf(op, transport.StatusConflict, "%s has %d active consumers", dest, n)
	}
	delete(t.temps, key)
	for id, p := range t.producers {
		if p.dest == dest {
			delete(t.producers, id)
		}
	}
	t.mu.Unlock()
	return t.deleteTopic(ctx, op, dest)
}

func (t *Transport) removeTemporaries(ctx context.Context, temps []transport.Destination) {
	for _, d := range temps {
		if err := t.deleteTopic(ctx, "destroy destination", d); err != nil && transport.StatusOf(err) != transport.StatusNotFound {
			t.lg.Warn("failed to delete temporary destination", zap.Stringer("destination", d), zap.Error(err))
		}
	}
}

// topic returns the publisher for dest, creating the Pub/Sub topic when
// create is set or dest is a plain queue or topic. Queue topics always get
// their shared subscription so nothing published is lost.
func (t *Transport) topic(ctx context.Context, op string, dest transport.Destination, create bool) (*gcppubsub.Topic, error) {
	id := topicID(dest)
	t.topicMu.Lock()
	defer t.topicMu.Unlock()
	if tp, ok := t.topics[id]; ok {
		return tp, nil
	}
	tp := t.client.Topic(id)
	ok, err := tp.Exists(ctx)
	if err != nil {
		return nil, serviceError(op, err)
	}
	if !ok {
		if dest.IsTemporary() && !create {
			return nil, transport.Errorf(op, transport.StatusNotFound, "%s not found", dest)
		}
		created, err := t.client.CreateTopic(ctx, id)
		switch status.Code(err) {
		case codes.OK:
			tp = created
		case codes.AlreadyExists:
		default:
			return nil, serviceError(op, err)
		}
	}
	if dest.IsQueue() {
		if _, err := t.subscription(ctx, op, queueSubscriptionID(dest), tp); err != nil {
			return nil, err
		}
	}
	t.topics[id] = tp
	return tp, nil
}

func (t *Transport) deleteTopic(ctx context.Context, op string, dest transport.Destination) error {
	id := topicID(dest)
	t.topicMu.Lock()
	if tp, ok := t.topics[id]; ok {
		tp.Stop()
		delete(t.topics, id)
	}
	t.topicMu.Unlock()
	if dest.IsQueue() {
		err := t.client.Subscription(queueSubscriptionID(dest)).Delete(ctx)
		if err != nil && status.Code(err) != codes.NotFound {
			return serviceError(op, err)
		}
	}
	if err := t.client.Topic(id).Delete(ctx); err != nil {
		return serviceError(op, err)
	}
	return nil
}

// subscription returns the named subscription on tp, creating it when it
// does not exist.
func (t *Transport) subscription(ctx context.Context, op, id string, tp *gcppubsub.Topic) (*gcppubsub.Subscription, error) {
	sub := t.client.Subscription(id)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return nil, serviceError(op, err)
	}
	if ok {
		return sub, nil
	}
	_, err = t.client.CreateSubscription(ctx, id, gcppubsub.SubscriptionConfig{
		Topic:       tp,
		AckDeadline: t.ackDeadline,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, serviceError(op, err)
	}
	return sub, nil
}

// AssignMessageID stamps a time-ordered id and the current time.
func (t *Transport) AssignMessageID(_ transport.ConnectionID, p *transport.Packet) {
	p.MessageID = "ID:" + uuid.Must(uuid.NewV7()).String()
	p.Timestamp = t.now().UnixMilli()
}

func (t *Transport) AddProducer(ctx context.Context, connID transport.ConnectionID, sessionID transport.SessionID, dest transport.Destination) (transport.ProducerID, error) {
	const op = "add producer"
	if err := validDestination(op, dest); err != nil {
		return 0, err
	}
	t.mu.Lock()
	_, err := t.sessionLocked(op, connID, sessionID)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if _, err := t.topic(ctx, op, dest, false); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.sessionLocked(op, connID, sessionID)
	if err != nil {
		return 0, err
	}
	p := &producer{id: transport.ProducerID(t.nextID()), conn: connID, session: s.id, dest: dest}
	t.producers[p.id] = p
	return p.id, nil
}

func (t *Transport) DeleteProducer(_ context.Context, connID transport.ConnectionID, id transport.ProducerID) error {
	const op = "delete producer"
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.connLocked(op, connID); err != nil {
		return err
	}
	p, ok := t.producers[id]
	if !ok || p.conn != connID {
		return transport.Errorf(op, transport.StatusNotFound, "producer %d not found", id)
	}
	delete(t.producers, id)
	return nil
}

func (t *Transport) SendMessage(ctx context.Context, connID transport.ConnectionID, p *transport.Packet) error {
	const op = "send message"
	if p == nil {
		return transport.Errorf(op, transport.StatusBadRequest, "packet required")
	}
	if err := validDestination(op, p.Destination); err != nil {
		return err
	}
	t.mu.Lock()
	if _, err := t.connLocked(op, connID); err != nil {
		t.mu.Unlock()
		return err
	}
	if p.Producer != 0 {
		prod, ok := t.producers[p.Producer]
		if !ok || prod.conn != connID {
			t.mu.Unlock()
			return transport.Errorf(op, transport.StatusGone, "producer %d not found", p.Producer)
		}
	}
	if p.Destination.IsTemporary() {
		if _, ok := t.temps[encodeDestination(p.Destination)]; !ok {
			t.mu.Unlock()
			return transport.Errorf(op, transport.StatusNotFound, "%s not found", p.Destination)
		}
	}
	pkt := p.Clone()
	pkt.Origin = connID
	pkt.Redelivered = false
	pkt.DeliveryCount = 0
	if pkt.MessageID == "" {
		t.AssignMessageID(connID, pkt)
	}
	if p.TransactionID != 0 {
		x, ok := t.txns[p.TransactionID]
		if !ok {
			t.mu.Unlock()
			return transport.Errorf(op, transport.StatusGone, "transaction %d not found", p.TransactionID)
		}
		pkt.TransactionID = 0
		x.sends = append(x.sends, pkt)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.publish(ctx, op, pkt)
}

func (t *Transport) publish(ctx context.Context, op string, pkt *transport.Packet) error {
	tp, err := t.topic(ctx, op, pkt.Destination, false)
	if err != nil {
		return err
	}
	msg, err := encodePacket(pkt, t.originOf(pkt.Origin))
	if err != nil {
		return &transport.ServiceError{Op: op, Status: transport.StatusBadRequest, Err: err}
	}
	if _, err := tp.Publish(ctx, msg).Get(ctx); err != nil {
		return serviceError(op, err)
	}
	return nil
}

func (t *Transport) StartTransaction(_ context.Context, connID transport.ConnectionID, sessionID transport.SessionID, xid string) (transport.TransactionID, error) {
	const op = "start transaction"
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.connLocked(op, connID); err != nil {
		return 0, err
	}
	var s *session
	if sessionID != 0 {
		var err error
		if s, err = t.sessionLocked(op, connID, sessionID); err != nil {
			return 0, err
		}
	}
	if xid != "" {
		for _, x := range t.txns {
			if x.xid == xid {
				return 0, transport.Errorf(op, transport.StatusConflict, "xid %q already started", xid)
			}
		}
	}
	x := &txn{id: transport.TransactionID(t.nextID()), conn: connID, session: s, xid: xid}
	t.txns[x.id] = x
	return x.id, nil
}

func (t *Transport) txnLocked(op string, connID transport.ConnectionID, id transport.TransactionID, xid string) (*txn, error) {
	if _, err := t.connLocked(op, connID); err != nil {
		return nil, err
	}
	x, ok := t.txns[id]
	if !ok && xid != "" {
		for _, candidate := range t.txns {
			if candidate.xid == xid {
				x, ok = candidate, true
				break
			}
		}
	}
	if !ok || x.conn != connID {
		return nil, transport.Errorf(op, transport.StatusNotFound, "transaction %d not found", id)
	}
	if xid != "" && x.xid != xid {
		return nil, transport.Errorf(op, transport.StatusPreconditionFailed, "transaction %d is not xid %q", id, xid)
	}
	return x, nil
}

// CommitTransaction publishes the buffered sends before acknowledging the
// consumed messages, so a failed publish leaves the input for redelivery.
func (t *Transport) CommitTransaction(ctx context.Context, connID transport.ConnectionID, id transport.TransactionID, xid string) error {
	const op = "commit transaction"
	t.mu.Lock()
	x, err := t.txnLocked(op, connID, id, xid)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	delete(t.txns, x.id)
	var consumed []*inflight
	if s := x.session; s != nil {
		kept := s.inflight[:0]
		for _, f := range s.inflight {
			if f.txn == x.id {
				consumed = append(consumed, f)
				continue
			}
			kept = append(kept, f)
		}
		s.inflight = kept
	}
	t.mu.Unlock()

	for i, p := range x.sends {
		if err := t.publish(ctx, op, p); err != nil {
			t.lg.Warn("commit failed after partial publish", zap.Int64("txn_id", int64(x.id)),
				zap.Int("published", i), zap.Int("total", len(x.sends)), zap.Error(err))
			t.mu.Lock()
			for _, f := range consumed {
				t.nackLocked(f, true)
			}
			t.signalLocked()
			t.mu.Unlock()
			return err
		}
	}
	t.mu.Lock()
	for _, f := range consumed {
		t.ackLocked(f)
	}
	t.signalLocked()
	t.mu.Unlock()
	return nil
}

// RollbackTransaction discards buffered sends and nacks the messages
// consumed in the transaction. For transacted sessions that is every
// unsettled delivery of the session.
func (t *Transport) RollbackTransaction(_ context.Context, connID transport.ConnectionID, id transport.TransactionID, xid string, setRedelivered bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	x, err := t.txnLocked("rollback transaction", connID, id, xid)
	if err != nil {
		return err
	}
	if s := x.session; s != nil {
		kept := s.inflight[:0]
		var back []*inflight
		for _, f := range s.inflight {
			if f.txn == x.id || (s.mode == transport.SessionTransacted && f.txn == 0) {
				back = append(back, f)
				continue
			}
			kept = append(kept, f)
		}
		s.inflight = kept
		for _, f := range back {
			t.nackLocked(f, setRedelivered)
		}
	}
	delete(t.txns, x.id)
	t.signalLocked()
	return nil
}

// serviceError maps a Pub/Sub RPC failure onto a transport status.
func serviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *transport.ServiceError
	if errors.As(err, &se) {
		return err
	}
	st := transport.StatusError
	switch status.Code(err) {
	case codes.InvalidArgument, codes.OutOfRange:
		st = transport.StatusBadRequest
	case codes.PermissionDenied, codes.Unauthenticated:
		st = transport.StatusForbidden
	case codes.NotFound:
		st = transport.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		st = transport.StatusConflict
	case codes.FailedPrecondition:
		st = transport.StatusPreconditionFailed
	case codes.DeadlineExceeded:
		st = transport.StatusTimeout
	case codes.Unavailable, codes.ResourceExhausted:
		st = transport.StatusUnavailable
	case codes.Canceled:
		st = transport.StatusTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		st = transport.StatusTimeout
	}
	return &transport.ServiceError{Op: op, Status: st, Err: err}
}
