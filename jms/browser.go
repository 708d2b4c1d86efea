package jms

import (
	"context"
	"sync"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

// Browser looks at the messages of a queue without consuming them.
type Browser struct {
	s        *Session
	id       transport.ConsumerID
	dest     Destination
	selector string

	mu     sync.Mutex
	closed bool
}

func (b *Browser) Queue() Destination { return b.dest }

func (b *Browser) Selector() string { return b.selector }

// Messages returns a snapshot of the queue in delivery order.
func (b *Browser) Messages(ctx context.Context) ([]Message, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, errors.Newf(errors.IllegalState, "browser %d is closed", b.id)
	}
	pkts, err := b.s.svc.BrowseMessages(ctx, b.s.conn.id, b.s.id, b.id)
	if err != nil {
		d := b.s.details()
		d["browser_id"] = b.id
		return nil, errors.FromTransport(err, "browse messages", d, nil)
	}
	out := make([]Message, 0, len(pkts))
	for _, p := range pkts {
		n, err := b.s.decode(p)
		if err != nil {
			return nil, err
		}
		// browsed messages cannot be acknowledged
		n.envelope().session = nil
		out = append(out, n)
	}
	return out, nil
}

func (b *Browser) Close(ctx context.Context) error {
	err := b.close(ctx)
	b.s.removeBrowser(b)
	return err
}

func (b *Browser) close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	if err := b.s.svc.DeleteBrowser(ctx, b.s.conn.id, b.s.id, b.id); err != nil {
		d := b.s.details()
		d["browser_id"] = b.id
		return errors.FromTransport(err, "delete browser", d, nil)
	}
	return nil
}
