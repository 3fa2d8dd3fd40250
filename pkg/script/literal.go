package script

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

const maxLiteralDepth = 64

var (
	timeType       = reflect.TypeOf(time.Time{})
	jsonNumberType = reflect.TypeOf(json.Number(""))
)

// Literal renders v as a JavaScript expression that evaluates to the same
// value. Strings are quoted, not concatenated, so no parameter can change the
// structure of the script it is embedded in. Dates become
// `new Date(<unix ms>)`.
//
// Values with no faithful literal form (NaN, infinities, invalid UTF-8,
// non-string map keys, functions, channels, complex numbers, the zero time)
// fail with an ErrCodeComposition error.
func Literal(v interface{}) (string, error) {
	var b strings.Builder
	if err := writeLiteral(&b, reflect.ValueOf(v), 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeLiteral(b *strings.Builder, v reflect.Value, depth int) error {
	if depth > maxLiteralDepth {
		return engine.NewCompositionError("parameter nesting too deep", nil)
	}
	if !v.IsValid() {
		b.WriteString("null")
		return nil
	}

	switch v.Type() {
	case timeType:
		return writeDate(b, v.Interface().(time.Time))
	case jsonNumberType:
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return engine.NewCompositionError(fmt.Sprintf("invalid number %q", v.String()), err)
		}
		return writeFloat(b, f)
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			b.WriteString("null")
			return nil
		}
		return writeLiteral(b, v.Elem(), depth+1)

	case reflect.Bool:
		b.WriteString(strconv.FormatBool(v.Bool()))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		return writeFloat(b, v.Float())

	case reflect.String:
		return writeString(b, v.String())

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			b.WriteString("null")
			return nil
		}
		b.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeLiteral(b, v.Index(i), depth+1); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return engine.NewCompositionError(fmt.Sprintf("map key type %s is not a string", v.Type().Key()), nil)
		}
		if v.IsNil() {
			b.WriteString("null")
			return nil
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeString(b, k); err != nil {
				return err
			}
			b.WriteByte(':')
			val := v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))
			if err := writeLiteral(b, val, depth+1); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	}

	return engine.NewCompositionError(fmt.Sprintf("unsupported parameter type %s", v.Type()), nil)
}

func writeDate(b *strings.Builder, t time.Time) error {
	if t.IsZero() {
		return engine.NewCompositionError("zero time has no date literal", nil)
	}
	b.WriteString("new Date(")
	b.WriteString(strconv.FormatInt(t.UnixMilli(), 10))
	b.WriteByte(')')
	return nil
}

func writeFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return engine.NewCompositionError(fmt.Sprintf("number %v has no literal form", f), nil)
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// writeString emits a JSON string literal. encoding/json escapes <, >, &,
// U+2028 and U+2029, which keeps the result valid in every JavaScript
// context it can land in.
func writeString(b *strings.Builder, s string) error {
	if !utf8.ValidString(s) {
		return engine.NewCompositionError("string is not valid UTF-8", nil).WithDetail("prefix", safePrefix(s))
	}
	quoted, err := json.Marshal(s)
	if err != nil {
		return engine.NewCompositionError("cannot quote string", err)
	}
	b.Write(quoted)
	return nil
}

func safePrefix(s string) string {
	const n = 16
	if len(s) > n {
		s = s[:n]
	}
	return strconv.QuoteToASCII(s)
}
