// Package codec maps typed values to and from the primitive
// representation a preference backend understands: bool, int32,
// int64, float32, float64, string, or the canonical JSON text of a
// compound value. A reserved sentinel string distinguishes "stored
// absent" from "stored as the null value."
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// NullSentinel is the literal reserved for representing null. It must
// never occur as a legitimate canonical compound encoding.
const NullSentinel = "__KSAFE_NULL_VALUE__"

// Encode converts value into the form a PreferenceRecord stores.
// Primitives (bool, int32, int64, float32, float64, string) pass
// through unchanged. A nil value, or a nil pointer of any type,
// encodes as NullSentinel so nullability survives non-nullable
// preference-backend columns. Everything else is marshaled to its
// canonical JSON text.
func Encode(value any) (any, error) {
	if value == nil {
		return NullSentinel, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return NullSentinel, nil
		}
		value = rv.Elem().Interface()
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case int32:
		return v, nil
	case int64:
		return v, nil
	case float32:
		return v, nil
	case float64:
		return v, nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("codec: unsupported type %T: %w", value, err)
		}
		return string(b), nil
	}
}

// Decode recovers a T from a raw stored value, applying the rules in
// order: absent -> def; null sentinel -> the zero value of T when T
// is a nilable kind (pointer, slice, map, interface), else def;
// matching primitive kind (with in-range i32<->i64 / f32<->f64
// widening) -> that value; string holding valid JSON for a compound T
// -> the parsed value; anything else (including out-of-range
// widening or a parse failure) -> def. Decode never panics or returns
// an error: the read path is infallible by design.
func Decode[T any](stored any, present bool, def T) T {
	if !present {
		return def
	}
	v, _ := TryDecode[T](stored, def)
	return v
}

// TryDecode is Decode without the absent-value handling, reporting
// whether stored actually matched some recognized form (null
// sentinel, matching primitive, or parseable compound string) as
// opposed to falling through to def. Callers that need to distinguish
// "matched" from "fell back" — such as the vault's dual-interpretation
// read path for encrypted cache entries — use this instead of Decode.
func TryDecode[T any](stored any, def T) (T, bool) {
	if s, ok := stored.(string); ok && s == NullSentinel {
		if isNilableType[T]() {
			var zero T
			return zero, true
		}
		return def, false
	}
	if v, ok := decodePrimitive[T](stored); ok {
		return v, true
	}
	if s, ok := stored.(string); ok {
		if v, ok := decodeCompound[T](s); ok {
			return v, true
		}
	}
	return def, false
}

// EncodeText produces the wire-plaintext form used as CryptoEngine
// input: value's encoded form (see Encode), stringified. Every kind
// Encode can return (bool, int32, int64, float32, float64, string)
// has an unambiguous textual form, so encryption plaintext is always
// text even for primitive values.
func EncodeText(value any) (string, error) {
	encoded, err := Encode(value)
	if err != nil {
		return "", err
	}
	return TextFromEncoded(encoded)
}

// TextFromEncoded stringifies an already-Encode'd value, letting
// callers that already hold the encoded form (e.g. because they also
// cache it) avoid encoding twice.
func TextFromEncoded(encoded any) (string, error) {
	switch v := encoded.(type) {
	case bool:
		return strconv.FormatBool(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("codec: unexpected encoded kind %T", encoded)
	}
}

// DecodeText recovers a T from the textual plaintext CryptoEngine
// decrypted: the inverse of EncodeText. Unlike TryDecode (which
// expects stored values already typed as native primitives), every
// primitive here arrives as a parseable string.
func DecodeText[T any](s string, def T) (T, bool) {
	if s == NullSentinel {
		if isNilableType[T]() {
			var zero T
			return zero, true
		}
		return def, false
	}

	kind, _, ptr := targetKind[T]()
	switch kind {
	case reflect.Bool:
		if b, err := strconv.ParseBool(s); err == nil {
			return wrapAs[T](b, ptr)
		}
	case reflect.Int32:
		if n, err := strconv.ParseInt(s, 10, 32); err == nil {
			return wrapAs[T](int32(n), ptr)
		}
	case reflect.Int64:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return wrapAs[T](n, ptr)
		}
	case reflect.Float32:
		if f, err := strconv.ParseFloat(s, 32); err == nil {
			return wrapAs[T](float32(f), ptr)
		}
	case reflect.Float64:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return wrapAs[T](f, ptr)
		}
	case reflect.String:
		return wrapAs[T](s, ptr)
	}

	if v, ok := decodeCompound[T](s); ok {
		return v, true
	}
	var zero T
	return zero, false
}

func isNilableType[T any]() bool {
	t := reflect.TypeOf((*T)(nil)).Elem()
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface, reflect.Chan, reflect.Func:
		return true
	default:
		return false
	}
}

// targetKind returns the (possibly pointer-dereferenced) reflect.Kind
// T's values hold, and whether T itself is a pointer kind.
func targetKind[T any]() (kind reflect.Kind, elem reflect.Type, ptr bool) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Pointer {
		return t.Elem().Kind(), t.Elem(), true
	}
	return t.Kind(), t, false
}

func wrapAs[T any](v any, ptr bool) (T, bool) {
	var zero T
	rv := reflect.ValueOf(v)
	if ptr {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		out, ok := p.Interface().(T)
		return out, ok
	}
	out, ok := v.(T)
	return out, ok
}

func decodePrimitive[T any](stored any) (T, bool) {
	var zero T
	kind, _, ptr := targetKind[T]()

	switch sv := stored.(type) {
	case bool:
		if kind == reflect.Bool {
			return wrapAs[T](sv, ptr)
		}
	case int32:
		switch kind {
		case reflect.Int32:
			return wrapAs[T](sv, ptr)
		case reflect.Int64:
			return wrapAs[T](int64(sv), ptr)
		}
	case int64:
		switch kind {
		case reflect.Int64:
			return wrapAs[T](sv, ptr)
		case reflect.Int32:
			if sv < math.MinInt32 || sv > math.MaxInt32 {
				return zero, false
			}
			return wrapAs[T](int32(sv), ptr)
		}
	case float32:
		switch kind {
		case reflect.Float32:
			return wrapAs[T](sv, ptr)
		case reflect.Float64:
			return wrapAs[T](float64(sv), ptr)
		}
	case float64:
		switch kind {
		case reflect.Float64:
			return wrapAs[T](sv, ptr)
		case reflect.Float32:
			return wrapAs[T](float32(sv), ptr)
		}
	case string:
		if kind == reflect.String {
			return wrapAs[T](sv, ptr)
		}
	}
	return zero, false
}

func decodeCompound[T any](s string) (T, bool) {
	var zero T
	kind, elem, ptr := targetKind[T]()
	switch kind {
	case reflect.Bool, reflect.Int32, reflect.Int64, reflect.Float32, reflect.Float64, reflect.String:
		// Primitive kinds are handled by decodePrimitive; a bare
		// string here never parses as one of these via JSON in a way
		// decodePrimitive wouldn't already have matched.
		return zero, false
	}

	dst := reflect.New(elem)
	if err := json.Unmarshal([]byte(s), dst.Interface()); err != nil {
		return zero, false
	}
	if ptr {
		out, ok := dst.Interface().(T)
		return out, ok
	}
	out, ok := dst.Elem().Interface().(T)
	return out, ok
}
