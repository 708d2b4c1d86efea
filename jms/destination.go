package jms

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

// Destination is one of Queue, Topic or *TemporaryDestination.
type Destination interface {
	Name() string
	String() string
	transportDestination() transport.Destination
}

type Queue struct {
	QueueName string
}

func (q Queue) Name() string   { return q.QueueName }
func (q Queue) String() string { return "queue://" + q.QueueName }

func (q Queue) transportDestination() transport.Destination {
	return transport.Destination{Name: q.QueueName, Type: transport.Queue}
}

type Topic struct {
	TopicName string
}

func (t Topic) Name() string   { return t.TopicName }
func (t Topic) String() string { return "topic://" + t.TopicName }

func (t Topic) transportDestination() transport.Destination {
	return transport.Destination{Name: t.TopicName, Type: transport.Topic}
}

// TemporaryDestination is a queue or topic that lives as long as the
// connection that created it.
type TemporaryDestination struct {
	dest transport.Destination
	conn *Connection

	mu        sync.Mutex
	consumers int
	deleted   bool
}

func (t *TemporaryDestination) Name() string { return t.dest.Name }

func (t *TemporaryDestination) String() string { return t.dest.String() }

func (t *TemporaryDestination) IsQueue() bool { return t.dest.IsQueue() }

func (t *TemporaryDestination) transportDestination() transport.Destination { return t.dest }

func (t *TemporaryDestination) addConsumer() {
	t.mu.Lock()
	t.consumers++
	t.mu.Unlock()
}

func (t *TemporaryDestination) removeConsumer() {
	t.mu.Lock()
	if t.consumers > 0 {
		t.consumers--
	}
	t.mu.Unlock()
}

// ConsumerCount is the number of open consumers on t created through its
// owning connection.
func (t *TemporaryDestination) ConsumerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumers
}

// Delete removes the destination. It fails while consumers are open.
func (t *TemporaryDestination) Delete(ctx context.Context) error {
	t.mu.Lock()
	if t.deleted {
		t.mu.Unlock()
		return nil
	}
	if t.consumers > 0 {
		t.mu.Unlock()
		return errors.Newf(errors.IllegalState, "temporary destination %s has %d open consumers", t.dest.Name, t.consumers)
	}
	t.mu.Unlock()
	if err := t.conn.deleteTemporary(ctx, t); err != nil {
		return err
	}
	t.mu.Lock()
	t.deleted = true
	t.mu.Unlock()
	return nil
}

func (t *TemporaryDestination) isDeleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleted
}

// validateName applies the destination naming rules: non-empty, no
// whitespace or control characters, no "://".
func validateName(name string) error {
	if name == "" {
		return errors.Newf(errors.InvalidArgument, "destination name is empty")
	}
	if strings.Contains(name, "://") {
		return errors.Newf(errors.InvalidArgument, "invalid destination name %q", name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.Newf(errors.InvalidArgument, "invalid destination name %q", name)
		}
	}
	return nil
}

// resolve checks dest at use time and returns its transport form.
func (c *Connection) resolve(dest Destination) (transport.Destination, error) {
	switch d := dest.(type) {
	case nil:
		return transport.Destination{}, errors.Newf(errors.InvalidDestination, "destination is nil")
	case Queue, Topic:
		if err := validateName(d.Name()); err != nil {
			return transport.Destination{}, errors.Wrap(errors.InvalidDestination, err, "destination %s", d)
		}
		return d.transportDestination(), nil
	case *TemporaryDestination:
		if d == nil {
			return transport.Destination{}, errors.Newf(errors.InvalidDestination, "destination is nil")
		}
		if d.isDeleted() {
			return transport.Destination{}, errors.Newf(errors.InvalidDestination, "temporary destination %s was deleted", d.dest.Name)
		}
		return d.dest, nil
	}
	return transport.Destination{}, errors.Newf(errors.InvalidDestination, "unsupported destination %T", dest)
}

// fromTransport maps a transport destination back onto the application
// variants. Temporary destinations owned by c resolve to their handle.
func (c *Connection) fromTransport(d transport.Destination) Destination {
	switch d.Type {
	case transport.Queue:
		return Queue{QueueName: d.Name}
	case transport.Topic:
		return Topic{TopicName: d.Name}
	case transport.TemporaryQueue, transport.TemporaryTopic:
		if t := c.temporary(d.Name); t != nil {
			return t
		}
		return &TemporaryDestination{dest: d, conn: c}
	}
	return nil
}
