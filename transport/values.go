package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// TypedValue is the lossless wire form of a property or map entry.
type TypedValue struct {
	Type  string `json:"t"`
	Value string `json:"v"`
}

// EncodeValue converts a primitive into its typed wire form.
func EncodeValue(v any) (TypedValue, error) {
	switch x := v.(type) {
	case nil:
		return TypedValue{Type: "null"}, nil
	case bool:
		return TypedValue{"bool", strconv.FormatBool(x)}, nil
	case int8:
		return TypedValue{"int8", strconv.FormatInt(int64(x), 10)}, nil
	case int16:
		return TypedValue{"int16", strconv.FormatInt(int64(x), 10)}, nil
	case int32:
		return TypedValue{"int32", strconv.FormatInt(int64(x), 10)}, nil
	case int:
		return TypedValue{"int64", strconv.FormatInt(int64(x), 10)}, nil
	case int64:
		return TypedValue{"int64", strconv.FormatInt(x, 10)}, nil
	case float32:
		return TypedValue{"float32", strconv.FormatFloat(float64(x), 'g', -1, 32)}, nil
	case float64:
		return TypedValue{"float64", strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case string:
		return TypedValue{"string", x}, nil
	case []byte:
		return TypedValue{"bytes", base64.StdEncoding.EncodeToString(x)}, nil
	}
	return TypedValue{}, fmt.Errorf("transport: unsupported value type %T", v)
}

// DecodeValue reverses EncodeValue.
func DecodeValue(tv TypedValue) (any, error) {
	switch tv.Type {
	case "null":
		return nil, nil
	case "bool":
		return strconv.ParseBool(tv.Value)
	case "int8":
		n, err := strconv.ParseInt(tv.Value, 10, 8)
		return int8(n), err
	case "int16":
		n, err := strconv.ParseInt(tv.Value, 10, 16)
		return int16(n), err
	case "int32":
		n, err := strconv.ParseInt(tv.Value, 10, 32)
		return int32(n), err
	case "int64":
		return strconv.ParseInt(tv.Value, 10, 64)
	case "float32":
		f, err := strconv.ParseFloat(tv.Value, 32)
		return float32(f), err
	case "float64":
		return strconv.ParseFloat(tv.Value, 64)
	case "string":
		return tv.Value, nil
	case "bytes":
		return base64.StdEncoding.DecodeString(tv.Value)
	}
	return nil, fmt.Errorf("transport: unknown value type %q", tv.Type)
}

func EncodeValues(m map[string]any) (map[string]TypedValue, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]TypedValue, len(m))
	for k, v := range m {
		tv, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = tv
	}
	return out, nil
}

func DecodeValues(m map[string]TypedValue) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, tv := range m {
		v, err := DecodeValue(tv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MarshalValues serializes a typed map, e.g. a map message body.
func MarshalValues(m map[string]any) ([]byte, error) {
	enc, err := EncodeValues(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

func UnmarshalValues(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var enc map[string]TypedValue
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, err
	}
	out, err := DecodeValues(enc)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
