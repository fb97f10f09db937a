// Record model and the line-JSON codec.
//
// A Doc is a decoded JSON object. Every Doc that crosses the public API
// boundary is deep-copied: once on the way in (so the store never
// aliases a caller's map) and once on the way out (so a caller mutating
// a returned Doc can never corrupt store state). This is the concrete
// form of "frozen records" for a language without an immutability
// qualifier — see DESIGN.md.
package scribe

import (
	"time"

	json "github.com/goccy/go-json"
)

// Doc is a JSON document: a map from field name to value. Values are
// whatever JSON-shaped decoding produces — string, float64, bool, nil,
// []any, map[string]any/Doc, or time.Time for a decoded date sentinel.
type Doc map[string]any

// DateSentinelKey is the reserved field name used to encode a Go
// time.Time as a JSON object, e.g. {"$date": 1700000000000}. Dates are
// encoded as epoch-milliseconds (Open Question (i), resolved in
// SPEC_FULL.md §4.1): this avoids a second timestamp-parsing dependency
// and matches the millisecond convention already used for _ts-style
// fields elsewhere in this codebase family.
const DateSentinelKey = "$date"

// Reserved sentinel field names used by the Log's envelope shapes.
// These must never collide with a user field name; indexSet.upsert
// rejects any top-level candidate field starting with "$$" via
// isReservedFieldName before the record ever reaches the log.
const (
	sentinelDeleted     = "$$deleted"
	sentinelAddIndex    = "$$addIndex"
	sentinelDeleteIndex = "$$deleteIndex"
	sentinelMeta        = "$$meta"
)

// isReservedFieldName reports whether a top-level field name is
// reserved for the Log's envelope shapes and therefore cannot appear in
// a user-submitted record (spec.md §3).
func isReservedFieldName(k string) bool {
	return len(k) >= 2 && k[0] == '$' && k[1] == '$'
}

// Undefined marks a field for removal by stripUndefined. JSON has no
// "undefined" distinct from null, so by convention a field is dropped
// only when explicitly set to this marker; Go nil and JSON null are
// preserved as-is per spec.md §4.1.
var Undefined = struct{ undefined byte }{}

// clone deep-copies a Doc so the store and the caller never share
// mutable state through it.
func clone(d Doc) Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Doc:
		return clone(t)
	case map[string]any:
		return clone(Doc(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		// strings, float64, bool, nil, time.Time: value types, safe
		// to share.
		return v
	}
}

func stripUndefined(d Doc) Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		if v == Undefined {
			continue
		}
		switch nested := v.(type) {
		case Doc:
			out[k] = stripUndefined(nested)
		case map[string]any:
			out[k] = stripUndefined(Doc(nested))
		default:
			out[k] = v
		}
	}
	return out
}

// encode serializes a Doc to a single line of UTF-8 JSON with no
// embedded newline, converting any time.Time value (at any depth) to
// the $date sentinel shape.
func encode(d Doc) ([]byte, error) {
	return json.Marshal(toWire(d))
}

func toWire(v any) any {
	switch t := v.(type) {
	case time.Time:
		return map[string]any{DateSentinelKey: t.UnixMilli()}
	case Doc:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toWire(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toWire(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toWire(e)
		}
		return out
	default:
		return v
	}
}

// decode parses a single line of JSON into a Doc, restoring any $date
// sentinel object back into a time.Time.
func decode(line []byte) (Doc, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, ErrCorrupt
	}
	return fromWire(raw), nil
}

func fromWire(raw map[string]any) Doc {
	out := make(Doc, len(raw))
	for k, val := range raw {
		out[k] = fromWireValue(val)
	}
	return out
}

func fromWireValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if ms, ok := t[DateSentinelKey]; ok {
				if f, ok := ms.(float64); ok {
					return time.UnixMilli(int64(f)).UTC()
				}
			}
		}
		out := make(Doc, len(t))
		for k, val := range t {
			out[k] = fromWireValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromWireValue(e)
		}
		return out
	default:
		return v
	}
}

func now() int64 {
	return time.Now().UnixMilli()
}

// fieldValue resolves a possibly-dotted field path against a Doc. A
// missing intermediate object yields (nil, false) rather than a panic,
// per spec.md §4.2.
func fieldValue(d Doc, path string) (any, bool) {
	start := 0
	var cur any = d
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			key := path[start:i]
			m, ok := asMap(cur)
			if !ok {
				return nil, false
			}
			v, present := m[key]
			if !present {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case Doc:
		return t, true
	case map[string]any:
		return t, true
	default:
		return nil, false
	}
}
