package jms

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/infigaming-com/go-mqclient/errors"
)

var reservedPropertyNames = map[string]struct{}{
	"NULL": {}, "TRUE": {}, "FALSE": {}, "NOT": {}, "AND": {}, "OR": {},
	"BETWEEN": {}, "LIKE": {}, "IN": {}, "IS": {}, "ESCAPE": {},
}

// ValidatePropertyName rejects names that are not selector identifiers, as
// well as the selector keywords in any case.
func ValidatePropertyName(name string) error {
	if name == "" {
		return errors.Newf(errors.InvalidArgument, "property name is empty")
	}
	for i, r := range name {
		if unicode.IsLetter(r) || r == '_' || r == '$' || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return errors.Newf(errors.InvalidArgument, "invalid property name %q", name)
	}
	if _, ok := reservedPropertyNames[strings.ToUpper(name)]; ok {
		return errors.Newf(errors.InvalidArgument, "property name %q is a reserved word", name)
	}
	return nil
}

// normalizeProperty accepts the primitive property types. int is stored as
// int64.
func normalizeProperty(name string, v any) (any, error) {
	switch x := v.(type) {
	case bool, int8, int16, int32, int64, float32, float64, string:
		return x, nil
	case int:
		return int64(x), nil
	}
	return nil, errors.Newf(errors.MessageFormat, "property %q: unsupported value type %T", name, v)
}

func formatError(name string, v any, to string) error {
	return errors.Newf(errors.MessageFormat, "%s: cannot convert %T to %s", name, v, to)
}

func parseError(name, to string, err error) error {
	return errors.Wrap(errors.MessageFormat, err, "%s: cannot parse as %s", name, to)
}

func asBool(name string, v any, ok bool) (bool, error) {
	if !ok || v == nil {
		return false, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strings.EqualFold(x, "true"), nil
	}
	return false, formatError(name, v, "bool")
}

func asInt(name string, v any, ok bool, bits int) (int64, error) {
	to := fmt.Sprintf("int%d", bits)
	if !ok || v == nil {
		return 0, errors.Newf(errors.MessageFormat, "%s: no value to convert to %s", name, to)
	}
	var n int64
	switch x := v.(type) {
	case int8:
		n = int64(x)
	case int16:
		if bits < 16 {
			return 0, formatError(name, v, to)
		}
		n = int64(x)
	case int32:
		if bits < 32 {
			return 0, formatError(name, v, to)
		}
		n = int64(x)
	case int64:
		if bits < 64 {
			return 0, formatError(name, v, to)
		}
		n = x
	case string:
		p, err := strconv.ParseInt(strings.TrimSpace(x), 10, bits)
		if err != nil {
			return 0, parseError(name, to, err)
		}
		n = p
	default:
		return 0, formatError(name, v, to)
	}
	return n, nil
}

func asFloat(name string, v any, ok bool, bits int) (float64, error) {
	to := fmt.Sprintf("float%d", bits)
	if !ok || v == nil {
		return 0, errors.Newf(errors.MessageFormat, "%s: no value to convert to %s", name, to)
	}
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		if bits < 64 {
			return 0, formatError(name, v, to)
		}
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), bits)
		if err != nil {
			return 0, parseError(name, to, err)
		}
		return f, nil
	}
	return 0, formatError(name, v, to)
}

func asString(name string, v any, ok bool) (string, error) {
	if !ok || v == nil {
		return "", nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	}
	return "", formatError(name, v, "string")
}

func (m *message) BoolProperty(name string) (bool, error) {
	v, ok := m.props[name]
	return asBool(name, v, ok)
}

func (m *message) Int8Property(name string) (int8, error) {
	v, ok := m.props[name]
	n, err := asInt(name, v, ok, 8)
	return int8(n), err
}

func (m *message) Int16Property(name string) (int16, error) {
	v, ok := m.props[name]
	n, err := asInt(name, v, ok, 16)
	return int16(n), err
}

func (m *message) Int32Property(name string) (int32, error) {
	v, ok := m.props[name]
	n, err := asInt(name, v, ok, 32)
	return int32(n), err
}

func (m *message) Int64Property(name string) (int64, error) {
	v, ok := m.props[name]
	return asInt(name, v, ok, 64)
}

func (m *message) Float32Property(name string) (float32, error) {
	v, ok := m.props[name]
	f, err := asFloat(name, v, ok, 32)
	return float32(f), err
}

func (m *message) Float64Property(name string) (float64, error) {
	v, ok := m.props[name]
	return asFloat(name, v, ok, 64)
}

func (m *message) StringProperty(name string) (string, error) {
	v, ok := m.props[name]
	return asString(name, v, ok)
}
