// Package clientid enforces that a client id is held by at most one
// connection at a time.
package clientid

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidClientID = errors.New("invalid client id")
	ErrInUse           = errors.New("client id in use")
)

// Release gives a claimed client id back to the registry.
type Release func(ctx context.Context) error

// Registry hands out exclusive claims on client ids.
type Registry interface {
	Claim(ctx context.Context, clientID string, opts ...ClaimOption) (Release, error)
}

type ClaimOptions struct {
	expiry     time.Duration
	retryDelay time.Duration
	retries    int
}

type ClaimOption func(*ClaimOptions)

// WithExpiry sets the lease length for registries that expire claims. The
// lease is extended in the background until released.
func WithExpiry(expiry time.Duration) ClaimOption {
	return func(o *ClaimOptions) {
		o.expiry = expiry
	}
}

func WithRetryDelay(retryDelay time.Duration) ClaimOption {
	return func(o *ClaimOptions) {
		o.retryDelay = retryDelay
	}
}

func WithRetries(retries int) ClaimOption {
	return func(o *ClaimOptions) {
		o.retries = retries
	}
}

func defaultClaimOptions() *ClaimOptions {
	return &ClaimOptions{
		expiry:     30 * time.Second,
		retryDelay: 50 * time.Millisecond,
		retries:    1,
	}
}

type localRegistry struct {
	mu    sync.Mutex
	held  map[string]uint64
	epoch uint64
}

// NewLocal returns an in-process registry.
func NewLocal() Registry {
	return &localRegistry{held: map[string]uint64{}}
}

func (r *localRegistry) Claim(ctx context.Context, clientID string, _ ...ClaimOption) (Release, error) {
	if clientID == "" {
		return nil, ErrInvalidClientID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[clientID]; ok {
		return nil, ErrInUse
	}
	r.epoch++
	epoch := r.epoch
	r.held[clientID] = epoch
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.held[clientID] == epoch {
			delete(r.held, clientID)
		}
		return nil
	}, nil
}
