// Package value holds the loose coercion rules shared by condition evaluation,
// validation and change tracking. Attribute values arrive from YAML, JSON,
// pgx rows and Go callers, so the same logical value may show up as int,
// float64, json.Number, decimal.Decimal or a numeric string.
package value

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// Kind is the primitive family of a value.
type Kind int

const (
	KindNil Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
	KindOther
)

// KindOf classifies v.
func KindOf(v any) Kind {
	switch x := v.(type) {
	case nil:
		return KindNil
	case string:
		return KindString
	case bool:
		return KindBool
	case time.Time:
		return KindTime
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, decimal.Decimal, json.Number, *big.Int:
		return KindNumber
	case pgtype.Numeric:
		if x.Valid {
			return KindNumber
		}
		return KindNil
	default:
		return KindOther
	}
}

// IsBlank reports nil, empty or whitespace-only strings and empty collections.
func IsBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case bool:
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// ToDecimal converts numeric values and numeric strings.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int8:
		return decimal.NewFromInt(int64(x)), true
	case int16:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case uint:
		return decimal.NewFromUint64(uint64(x)), true
	case uint8:
		return decimal.NewFromUint64(uint64(x)), true
	case uint16:
		return decimal.NewFromUint64(uint64(x)), true
	case uint32:
		return decimal.NewFromUint64(uint64(x)), true
	case uint64:
		return decimal.NewFromUint64(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	case *big.Int:
		if x == nil {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromBigInt(x, 0), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case pgtype.Numeric:
		if !x.Valid || x.NaN || x.Int == nil {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromBigInt(x.Int, x.Exp), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// ToInt64 converts integral values. Fractions are rejected.
func ToInt64(v any) (int64, bool) {
	d, ok := ToDecimal(v)
	if !ok || !d.IsInteger() {
		return 0, false
	}
	return d.IntPart(), true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"15:04:05",
	"15:04",
}

// ToTime converts time.Time and ISO-8601 style strings.
func ToTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// ToBool converts booleans and their common string spellings.
func ToBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "1", "yes", "on":
			return true, true
		case "false", "f", "0", "no", "off":
			return false, true
		}
	}
	if d, ok := ToDecimal(v); ok && KindOf(v) == KindNumber {
		return !d.IsZero(), true
	}
	return false, false
}

// ToString renders v the way conditions and templates see it. nil renders as "".
func ToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.Format(time.RFC3339)
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	}
	if d, ok := ToDecimal(v); ok {
		return d.String()
	}
	return fmt.Sprint(v)
}

// LooseEqual compares natively when both sides share a primitive kind and
// falls back to string comparison otherwise.
func LooseEqual(a, b any) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka == kb {
		switch ka {
		case KindNil:
			return true
		case KindNumber:
			da, _ := ToDecimal(a)
			db, _ := ToDecimal(b)
			return da.Equal(db)
		case KindTime:
			ta, _ := ToTime(a)
			tb, _ := ToTime(b)
			return ta.Equal(tb)
		case KindBool, KindString:
			return a == b
		}
	}
	return ToString(a) == ToString(b)
}

// Equal is the strict comparison used for change tracking: nil differs from
// "", but 1 and 1.0 are the same number.
func Equal(a, b any) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka == KindNil || kb == KindNil {
		return ka == kb
	}
	if ka == KindNumber && kb == KindNumber {
		da, _ := ToDecimal(a)
		db, _ := ToDecimal(b)
		return da.Equal(db)
	}
	if ka == KindTime && kb == KindTime {
		ta, _ := ToTime(a)
		tb, _ := ToTime(b)
		return ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders a and b numerically, else temporally. ok is false when the
// pair is neither.
func Compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if da, ok := ToDecimal(a); ok {
		if db, ok := ToDecimal(b); ok {
			return da.Cmp(db), true
		}
	}
	ta, okA := ToTime(a)
	tb, okB := ToTime(b)
	if okA && okB {
		return ta.Compare(tb), true
	}
	return 0, false
}

// Sort orders values for query ordering: nil first, then Compare, then strings.
func Sort(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := Compare(a, b); ok {
		return c
	}
	return strings.Compare(ToString(a), ToString(b))
}

// List returns the elements of a slice or array value.
func List(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if _, isBytes := v.([]byte); isBytes {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Contains reports whether list holds an element LooseEqual to v.
func Contains(list []any, v any) bool {
	for _, item := range list {
		if LooseEqual(item, v) {
			return true
		}
	}
	return false
}
