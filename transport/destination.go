package transport

import "fmt"

type DestinationType int

const (
	Queue DestinationType = iota + 1
	Topic
	TemporaryQueue
	TemporaryTopic
)

func (t DestinationType) String() string {
	switch t {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	case TemporaryQueue:
		return "temporary-queue"
	case TemporaryTopic:
		return "temporary-topic"
	default:
		return fmt.Sprintf("destination(%d)", int(t))
	}
}

// Destination is a named queue or topic, possibly temporary.
type Destination struct {
	Name string          `json:"name"`
	Type DestinationType `json:"type"`
}

func (d Destination) IsZero() bool { return d.Name == "" && d.Type == 0 }

func (d Destination) IsQueue() bool { return d.Type == Queue || d.Type == TemporaryQueue }

func (d Destination) IsTemporary() bool { return d.Type == TemporaryQueue || d.Type == TemporaryTopic }

// Key returns a type-qualified name: a queue/topic prefix plus the name, or
// the bare name for temporary destinations, whose names are already unique.
func (d Destination) Key() string {
	switch d.Type {
	case Queue:
		return "q:" + d.Name
	case Topic:
		return "t:" + d.Name
	default:
		return d.Name
	}
}

func (d Destination) String() string {
	return d.Type.String() + "://" + d.Name
}
