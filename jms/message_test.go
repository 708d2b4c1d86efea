package jms

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

func TestValidatePropertyName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"my_Prop1", false},
		{"$price", false},
		{"_x", false},
		{"", true},
		{"1abc", true},
		{"has space", true},
		{"dash-ed", true},
		{"AND", true},
		{"and", true},
		{"Between", true},
		{"escape", true},
		{"ANDROID", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePropertyName(tt.name)
			if tt.wantErr {
				assert.True(t, errors.IsKind(err, errors.InvalidArgument), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSetProperty(t *testing.T) {
	m := NewTextMessage("x")

	require.NoError(t, m.SetProperty("count", 3))
	v, ok := m.Property("count")
	require.True(t, ok)
	assert.Equal(t, int64(3), v)

	err := m.SetProperty("list", []int{1, 2})
	assert.True(t, errors.IsKind(err, errors.MessageFormat))

	err = m.SetProperty("NOT", true)
	assert.True(t, errors.IsKind(err, errors.InvalidArgument))
	assert.False(t, m.PropertyExists("NOT"))

	m.propsReadOnly = true
	err = m.SetProperty("late", "v")
	assert.True(t, errors.IsKind(err, errors.MessageNotWriteable))

	m.ClearProperties()
	assert.Empty(t, m.PropertyNames())
	assert.NoError(t, m.SetProperty("late", "v"))
}

func TestPropertyConversions(t *testing.T) {
	m := NewMessage()
	require.NoError(t, m.SetProperty("b", int8(7)))
	require.NoError(t, m.SetProperty("l", int64(1<<40)))
	require.NoError(t, m.SetProperty("s", "42"))
	require.NoError(t, m.SetProperty("f", float32(1.5)))
	require.NoError(t, m.SetProperty("flag", "TRUE"))

	t.Run("widening", func(t *testing.T) {
		n, err := m.Int64Property("b")
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)

		f, err := m.Float64Property("f")
		require.NoError(t, err)
		assert.Equal(t, 1.5, f)
	})

	t.Run("narrowing fails", func(t *testing.T) {
		_, err := m.Int32Property("l")
		assert.True(t, errors.IsKind(err, errors.MessageFormat))
	})

	t.Run("strings parse", func(t *testing.T) {
		n, err := m.Int16Property("s")
		require.NoError(t, err)
		assert.Equal(t, int16(42), n)

		on, err := m.BoolProperty("flag")
		require.NoError(t, err)
		assert.True(t, on)

		_, err = m.Int8Property("flag")
		assert.True(t, errors.IsKind(err, errors.MessageFormat))
	})

	t.Run("missing", func(t *testing.T) {
		on, err := m.BoolProperty("nope")
		require.NoError(t, err)
		assert.False(t, on)

		s, err := m.StringProperty("nope")
		require.NoError(t, err)
		assert.Empty(t, s)

		_, err = m.Int32Property("nope")
		assert.True(t, errors.IsKind(err, errors.MessageFormat))
	})

	t.Run("to string", func(t *testing.T) {
		s, err := m.StringProperty("l")
		require.NoError(t, err)
		assert.Equal(t, "1099511627776", s)
	})
}

func TestBytesMessage(t *testing.T) {
	m := NewBytesMessage()

	_, err := m.ReadByte()
	assert.True(t, errors.IsKind(err, errors.MessageNotReadable))

	require.NoError(t, m.WriteBool(true))
	require.NoError(t, m.WriteByte(0x7f))
	require.NoError(t, m.WriteInt16(-2))
	require.NoError(t, m.WriteInt32(1<<20))
	require.NoError(t, m.WriteInt64(-1<<40))
	require.NoError(t, m.WriteFloat32(2.5))
	require.NoError(t, m.WriteFloat64(-0.25))
	require.NoError(t, m.WriteUTF("héllo"))
	require.NoError(t, m.WriteObject(int32(9)))
	require.NoError(t, m.WriteBytes([]byte{1, 2, 3}))

	m.Reset()
	err = m.WriteByte(1)
	assert.True(t, errors.IsKind(err, errors.MessageNotWriteable))

	b, err := m.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)
	c, err := m.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7f), c)
	i16, err := m.ReadInt16()
	require.NoError(t, err)
	assert.Equal(t, int16(-2), i16)
	i32, err := m.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(1<<20), i32)
	i64, err := m.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-1<<40), i64)
	f32, err := m.ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(2.5), f32)
	f64, err := m.ReadFloat64()
	require.NoError(t, err)
	assert.Equal(t, -0.25, f64)
	s, err := m.ReadUTF()
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)
	obj, err := m.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(9), obj)

	buf := make([]byte, 8)
	n, err := m.ReadBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])
	_, err = m.ReadBytes(buf)
	assert.ErrorIs(t, err, io.EOF)

	_, err = m.ReadInt32()
	assert.True(t, errors.IsKind(err, errors.MessageFormat))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	m.Reset()
	length, err := m.BodyLength()
	require.NoError(t, err)
	assert.Equal(t, int64(1+1+2+4+8+4+8+2+len("héllo")+4+3), length)

	m.ClearBody()
	assert.NoError(t, m.WriteByte(1))
}

func TestMapMessage(t *testing.T) {
	m := NewMapMessage()
	require.NoError(t, m.Set("n", 12))
	require.NoError(t, m.Set("name", "widget"))
	require.NoError(t, m.Set("raw", []byte("ab")))
	require.NoError(t, m.Set("none", nil))

	err := m.Set("bad", struct{}{})
	assert.True(t, errors.IsKind(err, errors.MessageFormat))

	assert.Equal(t, []string{"n", "name", "none", "raw"}, m.Names())
	assert.True(t, m.ItemExists("none"))

	n, err := m.Int32("n")
	assert.ErrorContains(t, err, "int32")
	assert.Zero(t, n)
	n64, err := m.Int64("n")
	require.NoError(t, err)
	assert.Equal(t, int64(12), n64)

	s, err := m.StringValue("n")
	require.NoError(t, err)
	assert.Equal(t, "12", s)

	raw, err := m.Bytes("raw")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), raw)
	_, err = m.Bytes("name")
	assert.True(t, errors.IsKind(err, errors.MessageFormat))

	body, err := m.marshalBody()
	require.NoError(t, err)
	values, err := transport.UnmarshalValues(body)
	require.NoError(t, err)
	assert.Equal(t, "widget", values["name"])

	m.bodyReadOnly = true
	assert.True(t, errors.IsKind(m.Set("late", 1), errors.MessageNotWriteable))
	m.ClearBody()
	assert.Empty(t, m.Names())
}

func TestTextMessageClearBody(t *testing.T) {
	m := NewTextMessage("hello")
	m.bodyReadOnly = true
	assert.True(t, errors.IsKind(m.SetText("bye"), errors.MessageNotWriteable))

	m.ClearBody()
	text, err := m.Text()
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.NoError(t, m.SetText("bye"))
}

func TestCompressRoundTrip(t *testing.T) {
	body := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	z, err := compressBody(body)
	require.NoError(t, err)
	assert.Less(t, len(z), len(body))

	out, err := decompressBody(z)
	require.NoError(t, err)
	assert.Equal(t, body, out)

	_, err = decompressBody([]byte("not zstd"))
	assert.True(t, errors.IsKind(err, errors.MessageFormat))
}
