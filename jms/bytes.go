package jms

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"unicode/utf8"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

// BytesMessage carries an uninterpreted byte stream written and read with
// big-endian typed accessors. A new message is write-only until Reset.
type BytesMessage struct {
	message
	buf  bytes.Buffer
	data []byte
	pos  int
}

func NewBytesMessage() *BytesMessage {
	return &BytesMessage{message: newMessage(transport.BodyBytes)}
}

// Reset puts the body in read-only mode and rewinds it.
func (m *BytesMessage) Reset() {
	if !m.bodyReadOnly {
		m.data = append([]byte(nil), m.buf.Bytes()...)
		m.buf.Reset()
		m.bodyReadOnly = true
	}
	m.pos = 0
}

func (m *BytesMessage) ClearBody() {
	m.buf.Reset()
	m.data = nil
	m.pos = 0
	m.bodyReadOnly = false
}

// BodyLength is the body size in bytes. The body must be readable.
func (m *BytesMessage) BodyLength() (int64, error) {
	if err := m.checkReadable(); err != nil {
		return 0, err
	}
	return int64(len(m.data)), nil
}

func (m *BytesMessage) marshalBody() ([]byte, error) {
	if m.bodyReadOnly {
		return append([]byte(nil), m.data...), nil
	}
	return append([]byte(nil), m.buf.Bytes()...), nil
}

func (m *BytesMessage) write(p []byte) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	m.buf.Write(p)
	return nil
}

func (m *BytesMessage) WriteBool(v bool) error {
	if v {
		return m.write([]byte{1})
	}
	return m.write([]byte{0})
}

func (m *BytesMessage) WriteByte(c byte) error { return m.write([]byte{c}) }

func (m *BytesMessage) WriteInt16(v int16) error {
	return m.write(binary.BigEndian.AppendUint16(nil, uint16(v)))
}

func (m *BytesMessage) WriteInt32(v int32) error {
	return m.write(binary.BigEndian.AppendUint32(nil, uint32(v)))
}

func (m *BytesMessage) WriteInt64(v int64) error {
	return m.write(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

func (m *BytesMessage) WriteFloat32(v float32) error {
	return m.write(binary.BigEndian.AppendUint32(nil, math.Float32bits(v)))
}

func (m *BytesMessage) WriteFloat64(v float64) error {
	return m.write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
}

// WriteUTF writes s prefixed by its two-byte length.
func (m *BytesMessage) WriteUTF(s string) error {
	if len(s) > math.MaxUint16 {
		return errors.Newf(errors.MessageFormat, "string of %d bytes is too long", len(s))
	}
	if !utf8.ValidString(s) {
		return errors.Newf(errors.MessageFormat, "string is not valid UTF-8")
	}
	p := binary.BigEndian.AppendUint16(nil, uint16(len(s)))
	return m.write(append(p, s...))
}

func (m *BytesMessage) WriteBytes(p []byte) error { return m.write(p) }

// WriteObject writes any primitive accepted by the typed writers.
func (m *BytesMessage) WriteObject(v any) error {
	switch x := v.(type) {
	case bool:
		return m.WriteBool(x)
	case int8:
		return m.WriteByte(byte(x))
	case byte:
		return m.WriteByte(x)
	case int16:
		return m.WriteInt16(x)
	case int32:
		return m.WriteInt32(x)
	case int64:
		return m.WriteInt64(x)
	case int:
		return m.WriteInt64(int64(x))
	case float32:
		return m.WriteFloat32(x)
	case float64:
		return m.WriteFloat64(x)
	case string:
		return m.WriteUTF(x)
	case []byte:
		return m.WriteBytes(x)
	}
	return errors.Newf(errors.MessageFormat, "unsupported value type %T", v)
}

func (m *BytesMessage) next(n int) ([]byte, error) {
	if err := m.checkReadable(); err != nil {
		return nil, err
	}
	if m.pos+n > len(m.data) {
		return nil, errors.Wrap(errors.MessageFormat, io.ErrUnexpectedEOF, "end of message body")
	}
	p := m.data[m.pos : m.pos+n]
	m.pos += n
	return p, nil
}

func (m *BytesMessage) ReadBool() (bool, error) {
	p, err := m.next(1)
	if err != nil {
		return false, err
	}
	return p[0] != 0, nil
}

func (m *BytesMessage) ReadByte() (byte, error) {
	p, err := m.next(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (m *BytesMessage) ReadInt16() (int16, error) {
	p, err := m.next(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(p)), nil
}

func (m *BytesMessage) ReadInt32() (int32, error) {
	p, err := m.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p)), nil
}

func (m *BytesMessage) ReadInt64() (int64, error) {
	p, err := m.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

func (m *BytesMessage) ReadFloat32() (float32, error) {
	p, err := m.next(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(p)), nil
}

func (m *BytesMessage) ReadFloat64() (float64, error) {
	p, err := m.next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
}

func (m *BytesMessage) ReadUTF() (string, error) {
	p, err := m.next(2)
	if err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(p))
	s, err := m.next(n)
	if err != nil {
		m.pos -= 2
		return "", err
	}
	return string(s), nil
}

// ReadBytes copies up to len(p) bytes into p. It returns io.EOF once the
// body is exhausted.
func (m *BytesMessage) ReadBytes(p []byte) (int, error) {
	if err := m.checkReadable(); err != nil {
		return 0, err
	}
	if m.pos >= len(m.data) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += n
	return n, nil
}

// Bytes returns the whole body regardless of the read position.
func (m *BytesMessage) Bytes() ([]byte, error) {
	if err := m.checkReadable(); err != nil {
		return nil, err
	}
	return append([]byte(nil), m.data...), nil
}

// BodyBytes returns the body in either mode; it lets the message be sent
// through producers of other providers.
func (m *BytesMessage) BodyBytes() ([]byte, error) { return m.marshalBody() }
