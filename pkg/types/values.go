package types

import (
	"fmt"
	"strconv"
)

// Properties is a property bag keyed by property name. Values are either
// JSON-decoded (string, float64, bool, []interface{}) or already normalized
// via CheckValue.
type Properties map[string]interface{}

// CheckValue verifies that a JSON-decoded value conforms to the declared
// type and returns its normalized form. Integral float64 values normalize to
// int64 when the declared type requires it; no coercion between strings and
// numbers is ever performed.
func CheckValue(t PropertyValueType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, fmt.Errorf("value is null")
	}
	switch t {
	case ValueString:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		return s, nil
	case ValueBool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		return b, nil
	case ValueInt64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case float64:
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("value %v is not an integer", n)
			}
			return int64(n), nil
		}
		return nil, typeMismatch(t, v)
	case ValueFloat32:
		switch n := v.(type) {
		case float32:
			return n, nil
		case float64:
			return float32(n), nil
		case int64:
			return float32(n), nil
		case int:
			return float32(n), nil
		}
		return nil, typeMismatch(t, v)
	case ValueListString, ValueListInt64, ValueListFloat32:
		items, ok := v.([]interface{})
		if !ok {
			return nil, typeMismatch(t, v)
		}
		out := make([]interface{}, 0, len(items))
		for i, item := range items {
			checked, err := CheckValue(t.Elem(), item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %v", i, err)
			}
			out = append(out, checked)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown value type %q", t)
}

func typeMismatch(t PropertyValueType, v interface{}) error {
	return fmt.Errorf("value %v (%T) does not match declared type %s", v, v, t)
}

// NumericValue returns the value as a float64 for aggregate arithmetic. The
// boolean is false for non-numeric values.
func NumericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// FormatValue renders a property value as canonical text, used both for
// primary-key tuples and for memory record content.
func FormatValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []interface{}:
		s := "["
		for i, item := range x {
			if i > 0 {
				s += ", "
			}
			s += FormatValue(item)
		}
		return s + "]"
	}
	return fmt.Sprintf("%v", v)
}
