package cache

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator delimits cache key segments: namespace, then identifier.
const KeySeparator = "::"

// maxKeySegment caps the encoded identifier length. Longer identifiers keep
// a readable prefix and gain an xxhash digest suffix so keys stay short
// enough for any backend while remaining deterministic.
const maxKeySegment = 200

// keyDigestPrefixLen is how much of the original identifier survives in an
// over-long key, for log readability.
const keyDigestPrefixLen = 120

// defaultKeyCodec canonicalizes identifiers using reflection. Strings pass
// through unchanged; maps drop nil-valued fields and sort keys; structs use
// exported fields in declaration order. Two identifiers with the same
// non-nil content always produce byte-identical output.
type defaultKeyCodec struct{}

// NewDefaultKeyCodec creates the default identifier codec.
func NewDefaultKeyCodec() KeyCodec {
	return &defaultKeyCodec{}
}

// EncodeKey canonicalizes id into a cache key segment.
// Identifiers containing functions or channels are a programmer error and
// panic, matching the contract that key material must be plain data.
func (c *defaultKeyCodec) EncodeKey(id any) string {
	if s, ok := id.(string); ok {
		return capKeySegment(s)
	}
	return capKeySegment(c.encodeValue(id))
}

func (c *defaultKeyCodec) encodeValue(v any) string {
	if v == nil {
		return "nil"
	}

	rv := reflect.ValueOf(v)
	rt := reflect.TypeOf(v)

	switch rt.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		panic(fmt.Sprintf("cache: unsupported key component of type %s", rt))

	case reflect.Ptr:
		if rv.IsNil() {
			return "nil"
		}
		return c.encodeValue(rv.Elem().Interface())

	case reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return c.encodeValue(rv.Elem().Interface())

	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return c.encodeList(rv)

	case reflect.Array:
		return c.encodeList(rv)

	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return c.encodeMap(rv)

	case reflect.Struct:
		return c.encodeStruct(rv, rt)
	}

	if isBasicKind(rt.Kind()) {
		return fmt.Sprintf("%v", v)
	}

	// Anything else (e.g. named types over unusual kinds) still gets a
	// deterministic rendering via %v.
	return fmt.Sprintf("%s:%v", rt, v)
}

func (c *defaultKeyCodec) encodeList(rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = c.encodeValue(rv.Index(i).Interface())
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// encodeMap renders map fields sorted lexicographically by encoded key.
// Fields whose value is nil are dropped entirely so that {a:1,b:nil} and
// {a:1} produce the same key.
func (c *defaultKeyCodec) encodeMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		if isNilValue(iter.Value()) {
			continue
		}
		k := c.encodeValue(iter.Key().Interface())
		pairs = append(pairs, k+"="+c.encodeValue(iter.Value().Interface()))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

// encodeStruct renders exported fields in declaration order, skipping
// nil-valued fields for parity with the map rules.
func (c *defaultKeyCodec) encodeStruct(rv reflect.Value, rt reflect.Type) string {
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := rv.Field(i)
		if !fv.CanInterface() || isNilValue(fv) {
			continue
		}
		parts = append(parts, field.Name+"="+c.encodeValue(fv.Interface()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// isNilValue reports whether rv holds a nil of a nilable kind. This is what
// makes {a:1, b:nil} and {a:1} canonicalize identically.
func isNilValue(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

func isBasicKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return true
	default:
		return false
	}
}

// capKeySegment digests over-long segments: readable prefix, then an xxhash
// of the full canonical form. The digest keeps distinct long identifiers
// distinct without shipping kilobyte keys to the backend.
func capKeySegment(s string) string {
	if len(s) <= maxKeySegment {
		return s
	}
	sum := xxhash.Sum64String(s)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return s[:keyDigestPrefixLen] + "#" + hex.EncodeToString(buf[:])
}
