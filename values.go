package gcap

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =====================================
// Value Coercion
// =====================================

// Canonical layouts for temporal values. Temporal values are carried as
// strings so that records compare equal across every adapter.
const (
	DateLayout      = "2006-01-02"
	DateTimeLayout  = time.RFC3339
	TimestampLayout = time.RFC3339Nano
)

// Coerce converts v into the canonical Go representation of t:
// string for String, UUID and the temporal types, int64 for Integer,
// float64 for Decimal and bool for Boolean. A nil value stays nil.
func Coerce(t FieldType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInteger:
		if i, ok := toInt64(v); ok {
			return i, nil
		}
	case TypeDecimal:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			// sqlite hands booleans back as integers
			if b == 0 || b == 1 {
				return b == 1, nil
			}
		}
	case TypeUUID:
		switch u := v.(type) {
		case string:
			parsed, err := uuid.Parse(u)
			if err == nil {
				return parsed.String(), nil
			}
		case uuid.UUID:
			return u.String(), nil
		case [16]byte:
			return uuid.UUID(u).String(), nil
		}
	case TypeDate:
		if ts, ok := toTime(v, DateLayout, time.RFC3339Nano); ok {
			return ts.Format(DateLayout), nil
		}
	case TypeDateTime:
		if ts, ok := toTime(v, time.RFC3339Nano, DateLayout); ok {
			return ts.UTC().Truncate(time.Second).Format(DateTimeLayout), nil
		}
	case TypeTimestamp:
		if ts, ok := toTime(v, time.RFC3339Nano, DateLayout); ok {
			return ts.UTC().Format(TimestampLayout), nil
		}
	default:
		return nil, Errorf(ErrorTypeValidation, "unsupported type %q", t)
	}
	return nil, Errorf(ErrorTypeValidation, "value %v (%T) is not a valid %s", v, v, t)
}

// ParseLiteral parses the textual form of a value, as found in URLs and
// query strings, into the canonical representation of t.
func ParseLiteral(t FieldType, s string) (interface{}, error) {
	switch t {
	case TypeInteger:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, Errorf(ErrorTypeValidation, "%q is not a valid %s", s, t)
		}
		return i, nil
	case TypeDecimal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, Errorf(ErrorTypeValidation, "%q is not a valid %s", s, t)
		}
		return f, nil
	case TypeBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, Errorf(ErrorTypeValidation, "%q is not a valid %s", s, t)
		}
		return b, nil
	default:
		return Coerce(t, strings.Trim(s, "'"))
	}
}

// DecodeRecord coerces the stored representation of a record back into
// canonical values. Columns the entity does not declare are dropped.
func DecodeRecord(entity *EntityDef, raw Record) (Record, error) {
	out := make(Record, len(raw))
	for _, f := range entity.Fields {
		v, ok := raw[f.Name]
		if !ok {
			continue
		}
		var cv interface{}
		var err error
		switch b := v.(type) {
		case []byte:
			// some drivers return every column as text
			if f.Type == TypeString {
				cv = string(b)
			} else {
				cv, err = ParseLiteral(f.Type, string(b))
			}
		default:
			cv, err = Coerce(f.Type, v)
		}
		if err != nil {
			return nil, NewErrorWithCause(ErrorTypeInternal, fmt.Sprintf("stored value of %s.%s is corrupt", entity.Name, f.Name), err)
		}
		out[f.Name] = cv
	}
	return out, nil
}

// CloneRecord returns a shallow copy of rec; nested child slices are copied too.
func CloneRecord(rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		switch vv := v.(type) {
		case Record:
			out[k] = CloneRecord(vv)
		case []Record:
			rs := make([]Record, len(vv))
			for i, r := range vv {
				rs[i] = CloneRecord(r)
			}
			out[k] = rs
		default:
			out[k] = v
		}
	}
	return out
}

func toInt64(v interface{}) (int64, bool) {
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
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return floatToInt(f)
		}
	}
	return 0, false
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case []byte:
		// some drivers return decimals as text
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toTime(v interface{}, layouts ...string) (time.Time, bool) {
	switch ts := v.(type) {
	case time.Time:
		return ts, true
	case *time.Time:
		if ts != nil {
			return *ts, true
		}
	case string:
		for _, layout := range layouts {
			if parsed, err := time.Parse(layout, ts); err == nil {
				return parsed, true
			}
		}
	case []byte:
		return toTime(string(ts), layouts...)
	}
	return time.Time{}, false
}

// =====================================
// Comparison
// =====================================

// valuesEqual compares two canonical values, treating all numeric kinds alike.
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values of compatible kinds. ok is false when the
// values cannot be ordered against each other.
func compareValues(a, b interface{}) (int, bool) {
	if fa, ok := toFloat64(a); ok {
		if fb, ok := toFloat64(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}
