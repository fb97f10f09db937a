// Primary-key generation and index-key normalization.
//
// generateKey implements the primary-key hashing routine as a spec
// contract (spec.md §3): a rolling 32-bit additive string hash over the
// record's canonical serialization, then open-addressing probes over
// (hash+n) mod 2^31 for the smallest free slot, base-36 encoded. This
// algorithm is specified exactly rather than left pluggable, unlike
// folio's selectable hash (xxHash3/FNV1a/Blake2b) for labels.
package scribe

import (
	"strconv"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

// probeBudget bounds how many slots generateKey will try before giving
// up with ErrProbeExhausted, per spec.md §3.
const probeBudget = 100_000_000

// maxUint31 is 2^31, the modulus for probe offsets.
const maxUint31 = 1 << 31

// stringHash computes the rolling 32-bit additive hash
// h = (h<<5) - h + byte over s, as specified in spec.md §4.1.
func stringHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = (h << 5) - h + uint32(s[i])
	}
	return h
}

// canonicalize produces a deterministic serialization of a Doc for
// hashing: sorted keys, via the same codec used for the log so that
// two structurally-equal documents always hash the same way regardless
// of map iteration order.
func canonicalize(d Doc) ([]byte, error) {
	// goccy/go-json sorts map keys when marshaling, giving us a stable
	// byte sequence for free.
	return encode(stripUndefined(d))
}

// generateKey deterministically derives a primary key for a record that
// was submitted with no primary-key value (or an explicit null), per
// spec.md §3. exists reports whether a given base-36 key is already in
// use by a live record.
func generateKey(d Doc, exists func(key string) bool) (string, error) {
	canon, err := canonicalize(d)
	if err != nil {
		return "", err
	}
	base := stringHash(string(canon))

	for n := 0; n < probeBudget; n++ {
		slot := (uint64(base) + uint64(n)) % maxUint31
		key := strconv.FormatUint(slot, 36)
		if !exists(key) {
			return key, nil
		}
	}
	return "", ErrProbeExhausted
}

// normalizeIndexKey converts a field value into a comparable Go value
// suitable for use as a map key in an index. Scalars (string, float64,
// bool, nil) pass through unchanged — these are the documented case in
// spec.md §4.2. A nested object, which cannot itself be a Go map key,
// is folded to a stable string via canonical JSON + Blake2b-128 (see
// SPEC_FULL.md §3); this only affects comparison of object-valued
// fields and never changes lookup semantics for scalar fields.
func normalizeIndexKey(v any) (any, error) {
	switch v.(type) {
	case string, float64, bool, nil:
		return v, nil
	default:
		wire := toWire(v)
		data, err := json.Marshal(wire)
		if err != nil {
			return nil, err
		}
		h, err := blake2b.New(16, nil) // 16 bytes = 128 bits
		if err != nil {
			return nil, err
		}
		h.Write(data)
		return "scribe:objkey:" + string(h.Sum(nil)), nil
	}
}
