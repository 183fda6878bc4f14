package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"wheels-rpc/codec"
)

// coerceArgs turns the request parameters into call arguments for the declared types.
//
//   - no parameters declared: the payload is ignored
//   - one parameter and the payload is not an array: the payload decodes into it directly
//   - otherwise the payload is an array consumed in order; a short array leaves the
//     remaining arguments at their zero value, extra elements are ignored
//
// Structured values, and types that unmarshal themselves, are decoded with dec.
func coerceArgs(dec codec.Codec, types []reflect.Type, raw []byte) ([]reflect.Value, error) {
	args := make([]reflect.Value, len(types))
	for i, t := range types {
		args[i] = reflect.New(t).Elem()
	}
	if len(types) == 0 {
		return args, nil
	}

	if len(types) == 1 && !codec.IsArray(raw) {
		if codec.IsNull(raw) {
			return args, nil
		}
		if err := dec.Decode(raw, args[0].Addr().Interface()); err != nil {
			return nil, fmt.Errorf("rpc: cannot decode parameter into %s: %w", types[0], err)
		}
		return args, nil
	}

	var elems []json.RawMessage
	if !codec.IsNull(raw) {
		if !codec.IsArray(raw) {
			return nil, fmt.Errorf("rpc: %d parameters expect an array", len(types))
		}
		if err := dec.Decode(raw, &elems); err != nil {
			return nil, fmt.Errorf("rpc: invalid parameters: %w", err)
		}
	}

	for i := range args {
		if i >= len(elems) {
			break
		}
		if err := coerceValue(dec, args[i], elems[i]); err != nil {
			return nil, fmt.Errorf("rpc: parameter %d: %w", i, err)
		}
	}
	return args, nil
}

var unmarshalerType = reflect.TypeFor[json.Unmarshaler]()

func coerceValue(dec codec.Codec, dst reflect.Value, elem json.RawMessage) error {
	if reflect.PointerTo(dst.Type()).Implements(unmarshalerType) {
		return decodeInto(dec, dst, elem)
	}
	switch dst.Kind() {
	case reflect.String:
		dst.SetString(textOf(elem))
	case reflect.Bool:
		dst.SetBool(boolOf(scalarOf(elem)))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		dst.SetInt(intOf(scalarOf(elem)))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		dst.SetUint(uintOf(scalarOf(elem)))
	case reflect.Float32, reflect.Float64:
		dst.SetFloat(floatOf(scalarOf(elem)))
	default:
		return decodeInto(dec, dst, elem)
	}
	return nil
}

func decodeInto(dec codec.Codec, dst reflect.Value, elem json.RawMessage) error {
	if codec.IsNull(elem) {
		return nil
	}
	if err := dec.Decode(elem, dst.Addr().Interface()); err != nil {
		return fmt.Errorf("cannot decode into %s: %w", dst.Type(), err)
	}
	return nil
}

// textOf returns a JSON string's value, or the literal text of any other element.
func textOf(elem json.RawMessage) string {
	elem = bytes.TrimSpace(elem)
	if len(elem) > 0 && elem[0] == '"' {
		var s string
		if json.Unmarshal(elem, &s) == nil {
			return s
		}
	}
	return string(elem)
}

// scalarOf parses elem keeping numbers exact. Objects and arrays come back as
// maps/slices and convert to zero.
func scalarOf(elem json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(elem))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

func intOf(v any) int64 {
	switch x := v.(type) {
	case json.Number:
		return parseInt(string(x))
	case string:
		return parseInt(strings.TrimSpace(x))
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

func parseInt(s string) int64 {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) {
		return int64(f)
	}
	return 0
}

func uintOf(v any) uint64 {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = string(x)
	case string:
		s = strings.TrimSpace(x)
	default:
		return uint64(intOf(v))
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u
	}
	return uint64(parseInt(s))
}

func floatOf(v any) float64 {
	switch x := v.(type) {
	case json.Number:
		f, _ := strconv.ParseFloat(string(x), 64)
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

func boolOf(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case json.Number:
		f, err := strconv.ParseFloat(string(x), 64)
		return err == nil && f != 0
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	}
	return false
}
