package clientid

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "mq:clientid:"

type redisRegistry struct {
	lg *zap.Logger
	rs *redsync.Redsync
}

// NewRedis returns a registry whose claims are redsync mutexes, so client
// ids are unique across every process sharing the Redis instance.
func NewRedis(lg *zap.Logger, client redis.UniversalClient) Registry {
	if lg == nil {
		lg = zap.NewNop()
	}
	pool := goredis.NewPool(client)
	return &redisRegistry{lg: lg, rs: redsync.New(pool)}
}

func (r *redisRegistry) Claim(ctx context.Context, clientID string, opts ...ClaimOption) (Release, error) {
	if clientID == "" {
		return nil, ErrInvalidClientID
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	options := defaultClaimOptions()
	for _, opt := range opts {
		opt(options)
	}

	mutex := r.rs.NewMutex(keyPrefix+clientID,
		redsync.WithExpiry(options.expiry),
		redsync.WithRetryDelay(options.retryDelay),
		redsync.WithTries(options.retries),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var errTaken *redsync.ErrTaken
		if errors.As(err, &errTaken) || errors.Is(err, redsync.ErrFailed) {
			return nil, ErrInUse
		}
		return nil, err
	}

	l := &lease{lg: r.lg, mutex: mutex, stop: make(chan struct{}), done: make(chan struct{})}
	go l.keepAlive(options.expiry / 2)
	return l.release, nil
}

type lease struct {
	lg    *zap.Logger
	mutex *redsync.Mutex
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
}

func (l *lease) keepAlive(every time.Duration) {
	defer close(l.done)
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if ok, err := l.mutex.Extend(); err != nil || !ok {
				l.lg.Warn("failed to extend client id lease", zap.String("key", l.mutex.Name()), zap.Error(err))
			}
		}
	}
}

func (l *lease) release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		var ok bool
		ok, err = l.mutex.UnlockContext(ctx)
		if err == nil && !ok {
			err = errors.New("failed to release client id")
		}
	})
	return err
}
