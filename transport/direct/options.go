package direct

import (
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/clientid"
	"github.com/infigaming-com/go-mqclient/transport"
)

// Action is what a connection is asking to do with a destination.
type Action int

const (
	ActionProduce Action = iota + 1
	ActionConsume
	ActionBrowse
	ActionCreate
)

func (a Action) String() string {
	switch a {
	case ActionProduce:
		return "produce"
	case ActionConsume:
		return "consume"
	case ActionBrowse:
		return "browse"
	case ActionCreate:
		return "create"
	default:
		return "unknown"
	}
}

// Authenticator checks connection credentials.
type Authenticator func(username, password string) bool

// Authorizer decides whether username may perform action on dest.
type Authorizer func(username string, action Action, dest transport.Destination) bool

type Option func(*options)

type options struct {
	logger          *zap.Logger
	registry        clientid.Registry
	authenticate    Authenticator
	authorize       Authorizer
	now             func() time.Time
	pollInterval    time.Duration
	maxRedeliveries int
	deadLetterQueue string
}

func defaultOptions() options {
	return options{
		logger:          zap.NewNop(),
		registry:        clientid.NewLocal(),
		now:             time.Now,
		pollInterval:    50 * time.Millisecond,
		maxRedeliveries: 10,
		deadLetterQueue: "mq.dlq",
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry replaces the in-process client id registry, e.g. with
// clientid.NewRedis to share client ids across brokers.
func WithRegistry(reg clientid.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.registry = reg
		}
	}
}

func WithAuthenticator(fn Authenticator) Option {
	return func(o *options) {
		o.authenticate = fn
	}
}

func WithAuthorizer(fn Authorizer) Option {
	return func(o *options) {
		o.authorize = fn
	}
}

// WithClock overrides the time source used for timestamps, expiration and
// delivery delay.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPollInterval sets how often waiting fetches and delivery workers
// recheck delayed and expiring messages.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithMaxRedeliveries sets how many undeliverable acknowledgments a message
// survives before it is moved to the dead letter queue.
func WithMaxRedeliveries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRedeliveries = n
		}
	}
}

func WithDeadLetterQueue(name string) Option {
	return func(o *options) {
		if name != "" {
			o.deadLetterQueue = name
		}
	}
}
