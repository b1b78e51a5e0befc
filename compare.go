package conflict

import (
	"encoding/json"
	"reflect"
	"time"
)

// toInt64 coerces the numeric representations a snapshot field can carry
// (native ints, JSON-decoded float64, json.Number, numeric strings are not
// accepted) into an int64.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

// toFloat64 widens any numeric snapshot value to float64 for cross-type
// comparison (an int written locally and a float64 decoded from JSON must
// compare equal).
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// toInstant interprets a value as a point in time: either a time.Time or an
// RFC 3339 string.
func toInstant(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// deepEqual compares two snapshot values structurally: numbers across
// representations, time-likes by instant, slices element-wise in order,
// maps by key set plus per-key recursion.
func deepEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
		return false
	}

	if at, aok := toInstant(a); aok {
		if bt, bok := toInstant(b); bok {
			return at.Equal(bt)
		}
		// A string that happens to parse still gets the plain string
		// comparison below; a real time.Time against a non-time does not.
		if _, isString := a.(string); !isString {
			return false
		}
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any, Snapshot:
		// Snapshot and map[string]any compare by content, in either order.
		am, _ := toPlainMap(av)
		bm, ok := toPlainMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			bval, present := bm[k]
			if !present || !deepEqual(v, bval) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

func toPlainMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Snapshot:
		return map[string]any(m), true
	}
	return nil, false
}
