package jms

import (
	"sort"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

// MapMessage carries a set of named primitive values.
type MapMessage struct {
	message
	values map[string]any
}

func NewMapMessage() *MapMessage {
	return &MapMessage{message: newMessage(transport.BodyMap), values: map[string]any{}}
}

func (m *MapMessage) ClearBody() {
	m.values = map[string]any{}
	m.bodyReadOnly = false
}

// Set stores value under name. Values are the property primitives plus
// []byte.
func (m *MapMessage) Set(name string, value any) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	if name == "" {
		return errors.Newf(errors.InvalidArgument, "map entry name is empty")
	}
	switch x := value.(type) {
	case []byte:
		m.values[name] = append([]byte(nil), x...)
		return nil
	case nil:
		m.values[name] = nil
		return nil
	}
	v, err := normalizeProperty(name, value)
	if err != nil {
		return err
	}
	m.values[name] = v
	return nil
}

func (m *MapMessage) Names() []string {
	names := make([]string, 0, len(m.values))
	for k := range m.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *MapMessage) ItemExists(name string) bool {
	_, ok := m.values[name]
	return ok
}

// Value returns the raw entry, or nil when absent.
func (m *MapMessage) Value(name string) any { return m.values[name] }

func (m *MapMessage) Bool(name string) (bool, error) {
	v, ok := m.values[name]
	return asBool(name, v, ok)
}

func (m *MapMessage) Int32(name string) (int32, error) {
	v, ok := m.values[name]
	n, err := asInt(name, v, ok, 32)
	return int32(n), err
}

func (m *MapMessage) Int64(name string) (int64, error) {
	v, ok := m.values[name]
	return asInt(name, v, ok, 64)
}

func (m *MapMessage) Float64(name string) (float64, error) {
	v, ok := m.values[name]
	return asFloat(name, v, ok, 64)
}

func (m *MapMessage) StringValue(name string) (string, error) {
	v, ok := m.values[name]
	return asString(name, v, ok)
}

func (m *MapMessage) Bytes(name string) ([]byte, error) {
	v, ok := m.values[name]
	if !ok || v == nil {
		return nil, nil
	}
	b, isBytes := v.([]byte)
	if !isBytes {
		return nil, formatError(name, v, "[]byte")
	}
	return b, nil
}

// MapBody returns a copy of the entries.
func (m *MapMessage) MapBody() (map[string]any, error) {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *MapMessage) marshalBody() ([]byte, error) {
	if len(m.values) == 0 {
		return nil, nil
	}
	body, err := transport.MarshalValues(m.values)
	if err != nil {
		return nil, errors.Wrap(errors.MessageFormat, err, "encode map body")
	}
	return body, nil
}
