package jms

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ContainerMode says what kind of container hosts the connection.
type ContainerMode int

const (
	// ContainerClient is a standalone or application-client process. Any
	// number of sessions may be open and session arguments are honoured.
	ContainerClient ContainerMode = iota
	// ContainerServer is an EJB or web container: one live session per
	// connection and the container override rules apply.
	ContainerServer
)

func (m ContainerMode) String() string {
	if m == ContainerServer {
		return "server"
	}
	return "client"
}

// OverrideMode selects how session arguments are treated in a server container.
type OverrideMode int

const (
	// OverrideContainerRules forces transacted to false on managed
	// connections and client acknowledge to auto acknowledge.
	OverrideContainerRules OverrideMode = iota
	// OverrideLegacy passes the arguments through unchanged.
	OverrideLegacy
)

func (m OverrideMode) String() string {
	if m == OverrideLegacy {
		return "legacy"
	}
	return "container-rules"
}

type Option func(*options)

type options struct {
	logger          *zap.Logger
	meterProvider   metric.MeterProvider
	clientID        string
	username        string
	password        string
	container       ContainerMode
	override        OverrideMode
	managed         bool
	pooled          bool
	compressAll     bool
	checkAffinity   bool
	requeueMismatch bool
	fetchTimeout    time.Duration
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		logger:          zap.NewNop(),
		container:       ContainerClient,
		override:        OverrideContainerRules,
		requeueMismatch: true,
		fetchTimeout:    30 * time.Second,
		now:             time.Now,
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider records client metrics on mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithClientID sets the client id administratively at connection creation.
func WithClientID(id string) Option {
	return func(o *options) {
		o.clientID = id
	}
}

func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

func WithContainerMode(mode ContainerMode) Option {
	return func(o *options) {
		o.container = mode
	}
}

func WithOverrideMode(mode OverrideMode) Option {
	return func(o *options) {
		o.override = mode
	}
}

// WithManaged marks connections as container managed. Closing a managed
// connection returns it to its pool instead of destroying it; pooled says
// whether such a pool exists.
func WithManaged(managed, pooled bool) Option {
	return func(o *options) {
		o.managed = managed
		o.pooled = pooled
	}
}

// WithCompressAll compresses every message body sent.
func WithCompressAll(on bool) Option {
	return func(o *options) {
		o.compressAll = on
	}
}

// WithThreadAffinityCheck rejects a delivery that starts while another
// delivery for the same session is still running.
func WithThreadAffinityCheck(on bool) Option {
	return func(o *options) {
		o.checkAffinity = on
	}
}

// WithRequeueOnBodyMismatch controls whether body reads of the wrong type
// hand the message back in auto and dups-ok sessions.
func WithRequeueOnBodyMismatch(on bool) Option {
	return func(o *options) {
		o.requeueMismatch = on
	}
}

// WithDefaultFetchTimeout bounds Receive calls made without a timeout.
func WithDefaultFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
