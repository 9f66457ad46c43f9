package schema

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// NormalizeValue coerces v to the engine representation for an attribute
// of type t: int64 for the integer types, float64 for Double, string,
// bool, time.Time (UTC) for Date, []byte for Binary. Transformable values
// pass through untouched; their coder handles representation. A nil value
// stays nil. Values outside the declared type (or integer range) fail.
func NormalizeValue(t AttrType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt16, TypeInt32, TypeInt64:
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("value %v (%T) is not an integer", v, v)
		}
		if t == TypeInt16 && (n < math.MinInt16 || n > math.MaxInt16) {
			return nil, fmt.Errorf("value %d overflows int16", n)
		}
		if t == TypeInt32 && (n < math.MinInt32 || n > math.MaxInt32) {
			return nil, fmt.Errorf("value %d overflows int32", n)
		}
		return n, nil
	case TypeDouble:
		switch f := v.(type) {
		case float64:
			return f, nil
		case float32:
			return float64(f), nil
		}
		if n, ok := toInt64(v); ok {
			return float64(n), nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a number", v, v)
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a string", v, v)
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a bool", v, v)
	case TypeDate:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC(), nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a time.Time", v, v)
	case TypeBinary:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a []byte", v, v)
	case TypeTransformable:
		return v, nil
	default:
		return nil, fmt.Errorf("invalid attribute type %v", t)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// defaultLiteral renders a normalized default value as the literal string
// folded into canonical forms. Floats use the shortest round-trip form,
// dates RFC 3339 with nanoseconds, binary lowercase hex.
func defaultLiteral(t AttrType, v any) (string, error) {
	norm, err := NormalizeValue(t, v)
	if err != nil {
		return "", err
	}
	switch t {
	case TypeInt16, TypeInt32, TypeInt64:
		return strconv.FormatInt(norm.(int64), 10), nil
	case TypeDouble:
		return strconv.FormatFloat(norm.(float64), 'g', -1, 64), nil
	case TypeString:
		return norm.(string), nil
	case TypeBool:
		return strconv.FormatBool(norm.(bool)), nil
	case TypeDate:
		return norm.(time.Time).Format(time.RFC3339Nano), nil
	case TypeBinary:
		return fmt.Sprintf("%x", norm.([]byte)), nil
	default:
		return "", fmt.Errorf("type %v admits no default value", t)
	}
}
