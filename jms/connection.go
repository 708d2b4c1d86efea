package jms

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/observability/metrics"
	"github.com/infigaming-com/go-mqclient/transport"
)

// ExceptionListener is told about failures that no call can report, such
// as a broken acknowledgment on the asynchronous delivery path.
type ExceptionListener func(err error)

type ConnectionEventType int

const (
	// ConnectionReturned is emitted when a pooled managed connection is
	// closed and can be handed out again.
	ConnectionReturned ConnectionEventType = iota + 1
	// ConnectionErrored is emitted when teardown of a pooled connection
	// failed; the pool should destroy it.
	ConnectionErrored
	ConnectionDestroyed
)

func (t ConnectionEventType) String() string {
	switch t {
	case ConnectionReturned:
		return "returned"
	case ConnectionErrored:
		return "errored"
	case ConnectionDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

type ConnectionEvent struct {
	Type       ConnectionEventType
	Connection *Connection
	Err        error
}

type ConnectionEventListener func(ConnectionEvent)

// Metadata describes the provider behind a connection.
type Metadata struct {
	ProviderName    string
	ProviderVersion string
	APIVersion      string
	ContainerMode   ContainerMode
	OverrideMode    OverrideMode
	Managed         bool
	Pooled          bool
}

const (
	ProviderName    = "go-mqclient"
	ProviderVersion = "1.0"
	APIVersion      = "2.0"
)

// Connection is one logical link to the transport. It starts stopped:
// messages are not delivered to consumers until Start.
type Connection struct {
	svc  transport.Service
	id   transport.ConnectionID
	opts options
	lg   *zap.Logger
	inst *metrics.Instruments

	mu        sync.Mutex
	clientID  string
	closed    bool
	closing   bool
	destroyed bool
	stopped   bool
	used      bool
	reserving int
	sessions  []*Session
	temps     map[string]*TemporaryDestination
	durables  map[string]int
	deferred  []*TemporaryDestination
	adapter   string
	xa        *XAResource
	onError   ExceptionListener
	onEvent   []ConnectionEventListener
}

func newConnection(svc transport.Service, id transport.ConnectionID, opts options, inst *metrics.Instruments) *Connection {
	c := &Connection{
		svc:      svc,
		id:       id,
		opts:     opts,
		lg:       opts.logger.With(zap.Int64("connection_id", int64(id))),
		inst:     inst,
		clientID: opts.clientID,
		stopped:  true,
		temps:    map[string]*TemporaryDestination{},
		durables: map[string]int{},
	}
	c.xa = &XAResource{conn: c}
	return c
}

func (c *Connection) ID() transport.ConnectionID { return c.id }

func (c *Connection) details() errors.Details {
	return errors.Details{"connection_id": c.id}
}

func (c *Connection) checkOpenLocked() error {
	if c.closed || c.closing {
		return errors.Newf(errors.IllegalState, "connection %d is closed", c.id)
	}
	return nil
}

func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID sets the client id. It can be set once, before the
// connection is used, unless UnsetClientID clears it.
func (c *Connection) SetClientID(ctx context.Context, clientID string) error {
	const op = "set client id"
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if clientID == "" {
		c.mu.Unlock()
		return errors.Newf(errors.InvalidClientID, "client id is empty")
	}
	if c.clientID != "" {
		current := c.clientID
		c.mu.Unlock()
		return errors.Newf(errors.IllegalState, "client id is already set to %q", current)
	}
	if c.used {
		c.mu.Unlock()
		return errors.Newf(errors.IllegalState, "client id must be set before the connection is used")
	}
	c.mu.Unlock()

	if err := c.svc.SetClientID(ctx, c.id, clientID); err != nil {
		d := c.details()
		d["client_id"] = clientID
		return errors.FromTransport(err, op, d, errors.Overrides{
			transport.StatusConflict:   errors.InvalidClientID,
			transport.StatusBadRequest: errors.InvalidClientID,
		})
	}
	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()
	c.lg.Debug("client id set", zap.String("client_id", clientID))
	return nil
}

// UnsetClientID releases the client id. It is a no-op when none is set.
func (c *Connection) UnsetClientID(ctx context.Context) error {
	c.mu.Lock()
	if c.clientID == "" {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.svc.UnsetClientID(ctx, c.id); err != nil {
		return errors.FromTransport(err, "unset client id", c.details(), nil)
	}
	c.mu.Lock()
	c.clientID = ""
	c.mu.Unlock()
	return nil
}

func (c *Connection) SetExceptionListener(l ExceptionListener) {
	c.mu.Lock()
	c.onError = l
	c.mu.Unlock()
}

func (c *Connection) AddConnectionEventListener(l ConnectionEventListener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.onEvent = append(c.onEvent, l)
	c.mu.Unlock()
}

func (c *Connection) reportError(err error) {
	c.mu.Lock()
	l := c.onError
	c.mu.Unlock()
	if l != nil {
		l(err)
	}
}

func (c *Connection) emit(typ ConnectionEventType, err error) {
	c.mu.Lock()
	listeners := append([]ConnectionEventListener(nil), c.onEvent...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(ConnectionEvent{Type: typ, Connection: c, Err: err})
	}
}

func (c *Connection) Metadata() Metadata {
	return Metadata{
		ProviderName:    ProviderName,
		ProviderVersion: ProviderVersion,
		APIVersion:      APIVersion,
		ContainerMode:   c.opts.container,
		OverrideMode:    c.opts.override,
		Managed:         c.opts.managed,
		Pooled:          c.opts.pooled,
	}
}

// BindResourceAdapter associates the connection with a resource adapter
// instance. A connection cannot move to another adapter.
func (c *Connection) BindResourceAdapter(id string) error {
	if id == "" {
		return errors.Newf(errors.InvalidArgument, "resource adapter id is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adapter != "" && c.adapter != id {
		return errors.Newf(errors.IllegalState, "connection %d is bound to resource adapter %q", c.id, c.adapter)
	}
	c.adapter = id
	return nil
}

// XAResource returns the connection's transaction branch handle. Only
// managed connections can be enlisted.
func (c *Connection) XAResource() (*XAResource, error) {
	if !c.opts.managed {
		return nil, errors.Newf(errors.Unsupported, "XA requires a managed connection")
	}
	return c.xa, nil
}

// Start begins or resumes delivery. It is a no-op on a started connection.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.used = true
	if !c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.svc.StartConnection(ctx, c.id); err != nil {
		return errors.FromTransport(err, "start connection", c.details(), nil)
	}
	c.mu.Lock()
	c.stopped = false
	sessions := append([]*Session(nil), c.sessions...)
	c.mu.Unlock()
	var errs error
	for _, s := range sessions {
		errs = multierr.Append(errs, s.resume(ctx))
	}
	return errs
}

// Stop pauses delivery. It is a no-op on a stopped connection.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Newf(errors.IllegalState, "connection %d is closed", c.id)
	}
	return c.stopLocked(ctx)
}

// stopLocked is entered with c.mu held and releases it.
func (c *Connection) stopLocked(ctx context.Context) error {
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	sessions := append([]*Session(nil), c.sessions...)
	c.mu.Unlock()
	if err := c.svc.StopConnection(ctx, c.id); err != nil {
		return errors.FromTransport(err, "stop connection", c.details(), nil)
	}
	var errs error
	for _, s := range sessions {
		errs = multierr.Append(errs, s.pause(ctx))
	}
	return errs
}

// effectiveMode applies the server container override rules.
func (c *Connection) effectiveMode(mode AckMode) AckMode {
	if c.opts.container != ContainerServer || c.opts.override == OverrideLegacy {
		return mode
	}
	switch mode {
	case SessionTransacted:
		if c.opts.managed {
			return AutoAcknowledge
		}
	case ClientAcknowledge:
		return AutoAcknowledge
	}
	return mode
}

// CreateSession opens a session. In a server container only one session
// may be open per connection.
func (c *Connection) CreateSession(ctx context.Context, mode AckMode, opts ...SessionOption) (*Session, error) {
	const op = "create session"
	if !mode.Valid() {
		return nil, errors.Newf(errors.InvalidArgument, "invalid acknowledge mode %d", int(mode))
	}
	var so sessionOptions
	for _, opt := range opts {
		opt(&so)
	}

	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.opts.container == ContainerServer && len(c.sessions)+c.reserving > 0 {
		c.mu.Unlock()
		return nil, errors.Newf(errors.Provider, "connection %d already has an open session", c.id)
	}
	c.used = true
	c.reserving++
	effective := c.effectiveMode(mode)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reserving--
		c.mu.Unlock()
	}()

	if effective != mode {
		c.lg.Debug("session arguments overridden", zap.Stringer("requested", mode), zap.Stringer("effective", effective))
	}
	sid, err := c.svc.CreateSession(ctx, c.id, effective)
	if err != nil {
		return nil, errors.FromTransport(err, op, c.details(), nil)
	}
	s := newSession(c, sid, effective, so)
	if effective == SessionTransacted && !c.opts.managed {
		if err := s.beginLocalTransaction(ctx); err != nil {
			s.abandon(ctx)
			return nil, err
		}
	}
	if c.opts.managed && c.xa.Active() {
		if err := c.xa.join(ctx, s); err != nil {
			s.abandon(ctx)
			return nil, err
		}
	}

	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		s.abandon(ctx)
		return nil, errors.Newf(errors.IllegalState, "connection %d is closed", c.id)
	}
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	c.inst.SessionOpened(ctx)
	s.lg.Debug("session created", zap.Stringer("ack_mode", effective))
	return s, nil
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	c.sessions = lo.Without(c.sessions, s)
	c.mu.Unlock()
	c.xa.leave(s)
}

func (c *Connection) liveSessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Session(nil), c.sessions...)
}

func (c *Connection) createTemporary(ctx context.Context, typ transport.DestinationType) (*TemporaryDestination, error) {
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	prefix := "tmpq"
	if typ == transport.TemporaryTopic {
		prefix = "tmpt"
	}
	dest := transport.Destination{Name: fmt.Sprintf("%s.%d.%s", prefix, c.id, uuid.NewString()), Type: typ}
	if err := c.svc.CreateDestination(ctx, c.id, dest); err != nil {
		d := c.details()
		d["destination"] = dest.String()
		return nil, errors.FromTransport(err, "create temporary destination", d, nil)
	}
	t := &TemporaryDestination{dest: dest, conn: c}
	c.mu.Lock()
	c.temps[dest.Name] = t
	c.mu.Unlock()
	return t, nil
}

func (c *Connection) temporary(name string) *TemporaryDestination {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.temps[name]
}

// ownsTemporary reports whether a temporary destination was created by c.
func (c *Connection) ownsTemporary(t *TemporaryDestination) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.temps[t.dest.Name] == t
}

func (c *Connection) deleteTemporary(ctx context.Context, t *TemporaryDestination) error {
	if err := c.svc.DestroyDestination(ctx, c.id, t.dest); err != nil {
		d := c.details()
		d["destination"] = t.dest.String()
		return errors.FromTransport(err, "delete temporary destination", d, errors.Overrides{
			transport.StatusNotFound: errors.InvalidDestination,
		})
	}
	c.mu.Lock()
	delete(c.temps, t.dest.Name)
	c.mu.Unlock()
	return nil
}

func (c *Connection) registerDurable(name string) {
	c.mu.Lock()
	c.durables[name]++
	c.mu.Unlock()
}

func (c *Connection) unregisterDurable(name string) {
	c.mu.Lock()
	if c.durables[name] <= 1 {
		delete(c.durables, name)
	} else {
		c.durables[name]--
	}
	c.mu.Unlock()
}

func (c *Connection) durableInUse(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.durables[name] > 0
}

// teardown stops the connection, closes its sessions and deletes its
// temporary destinations. Child failures are logged and combined into the
// returned error. It reports false when the connection was already closed.
func (c *Connection) teardown(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return false, nil
	}
	c.closing = true
	var errs error
	if err := c.stopLocked(ctx); err != nil {
		c.lg.Warn("stop connection failed", zap.Error(err))
		errs = multierr.Append(errs, err)
	}

	// iterate-and-clear under the lock so concurrent creates see closing
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			c.lg.Warn("close session failed", zap.Int64("session_id", int64(s.id)), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	c.mu.Lock()
	temps := lo.Values(c.temps)
	deferTemps := c.xa.Active()
	if deferTemps {
		c.deferred = append(c.deferred, temps...)
	}
	c.mu.Unlock()
	if deferTemps {
		c.lg.Debug("temporary destination deletion deferred until transaction completes", zap.Int("count", len(temps)))
	} else {
		for _, t := range temps {
			if err := t.Delete(ctx); err != nil {
				c.lg.Warn("delete temporary destination failed", zap.String("destination", t.dest.Name), zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
	}

	c.mu.Lock()
	c.closed = true
	c.closing = false
	c.mu.Unlock()
	return true, errs
}

// runDeferred deletes the temporary destinations whose deletion waited on
// an XA transaction.
func (c *Connection) runDeferred(ctx context.Context) {
	c.mu.Lock()
	temps := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	for _, t := range temps {
		if err := t.Delete(ctx); err != nil {
			c.lg.Warn("deferred temporary destination delete failed", zap.String("destination", t.dest.Name), zap.Error(err))
		}
	}
}

// Close closes the connection. A pooled managed connection is returned to
// its pool; any other connection is destroyed. Repeated calls are no-ops.
func (c *Connection) Close(ctx context.Context) error {
	if c.opts.managed && c.opts.pooled {
		ran, errs := c.teardown(ctx)
		if !ran {
			return nil
		}
		if errs != nil {
			c.emit(ConnectionErrored, errs)
			return nil
		}
		c.lg.Debug("connection returned to pool")
		c.emit(ConnectionReturned, nil)
		return nil
	}
	return c.Destroy(ctx)
}

// Destroy closes the connection and releases its transport resources. Only
// the transport destroy failure is returned.
func (c *Connection) Destroy(ctx context.Context) error {
	if _, errs := c.teardown(ctx); errs != nil {
		c.lg.Warn("connection teardown incomplete", zap.Error(errs))
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()
	if err := c.svc.DestroyConnection(ctx, c.id); err != nil {
		return errors.FromTransport(err, "destroy connection", c.details(), nil)
	}
	c.lg.Debug("connection destroyed")
	c.emit(ConnectionDestroyed, nil)
	return nil
}

// Reopen puts a pooled connection that was closed back into service.
func (c *Connection) Reopen() error {
	if !c.opts.managed {
		return errors.Newf(errors.Unsupported, "only managed connections can be reopened")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.Newf(errors.IllegalState, "connection %d is destroyed", c.id)
	}
	c.closed = false
	c.stopped = true
	c.used = false
	return nil
}
