// IndexSet: the collection of indexes a Store maintains, and the
// multi-index atomic mutation algorithm (spec.md §4.3) — the hardest
// algorithm in the system. No teacher file covers this; folio has no
// secondary indexes at all. Grounded on spec.md's own pseudocode and on
// this codebase's direct, unexported-helper style (see teacher
// set.go's "validate everything, then mutate" shape).
package scribe

import "sort"

// upsertMode selects NotExists/KeyViolation checking for Insert/Update/
// Upsert, per spec.md §4.3.
type upsertMode int

const (
	modeMustNotExist upsertMode = iota // Insert
	modeMustExist                      // Update
	modeAny                            // Upsert
)

// indexSet owns the primary index plus every secondary index, keyed by
// field name. It is not safe for concurrent use on its own — callers
// (the Serializer) must serialize access.
type indexSet struct {
	pkField string
	order   []string // index field names in creation order, for stable compaction output
	byField map[string]*index
}

func newIndexSet(pkField string) *indexSet {
	is := &indexSet{
		pkField: pkField,
		byField: make(map[string]*index),
	}
	is.byField[pkField] = newIndex(IndexDescriptor{FieldName: pkField, Unique: true}, pkField)
	is.order = append(is.order, pkField)
	return is
}

func (is *indexSet) primary() *index { return is.byField[is.pkField] }

// all returns every index in stable creation order (primary first).
func (is *indexSet) all() []*index {
	out := make([]*index, 0, len(is.order))
	for _, name := range is.order {
		out = append(out, is.byField[name])
	}
	return out
}

// secondaryDescriptors returns the descriptors of every non-primary
// index, in creation order — the set Log.rewrite declares via
// $$addIndex entries.
func (is *indexSet) secondaryDescriptors() []IndexDescriptor {
	var out []IndexDescriptor
	for _, name := range is.order {
		if name == is.pkField {
			continue
		}
		out = append(out, is.byField[name].desc)
	}
	return out
}

// liveRecords returns every live record, de-duplicated by primary key,
// in ascending primary-key order for deterministic compaction output.
func (is *indexSet) liveRecords() []Doc {
	recs := is.primary().records()
	sort.Slice(recs, func(i, j int) bool {
		pi, _ := fieldValue(recs[i], is.pkField)
		pj, _ := fieldValue(recs[j], is.pkField)
		return less(pi, pj)
	})
	return recs
}

func less(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	// Mixed or non-comparable key types: fall back to a stable,
	// deterministic string comparison so compaction output is still
	// byte-identical across repeated runs.
	return toComparableString(a) < toComparableString(b)
}

func toComparableString(v any) string {
	data, err := encode(Doc{"v": v})
	if err != nil {
		return ""
	}
	return string(data)
}

// ensureIndex creates and back-fills a new index from every live
// record. If a record violates a unique constraint during back-fill,
// the partially-built index is discarded and the error surfaced — the
// index set is left exactly as it was before the call.
func (is *indexSet) ensureIndex(desc IndexDescriptor) error {
	if existing, ok := is.byField[desc.FieldName]; ok {
		// Idempotent when the same shape is requested again, per
		// spec.md §8.
		if existing.desc.Unique == desc.Unique && existing.desc.Sparse == desc.Sparse {
			return nil
		}
		// A differently-shaped index under the same field name
		// replaces the old one; back-fill proceeds as a fresh build.
	}

	idx := newIndex(desc, is.pkField)
	for _, rec := range is.liveRecords() {
		if err := idx.add(rec); err != nil {
			return err
		}
	}

	if _, existed := is.byField[desc.FieldName]; !existed {
		is.order = append(is.order, desc.FieldName)
	}
	is.byField[desc.FieldName] = idx
	return nil
}

// deleteIndex detaches the named index. The primary index can never be
// removed, per spec.md §3. Deleting a nonexistent index throws NoIndex,
// resolving Open Question (ii).
func (is *indexSet) deleteIndex(fieldName string) error {
	if fieldName == is.pkField {
		return ErrPrimaryIndexProtected
	}
	if _, ok := is.byField[fieldName]; !ok {
		return &NoIndex{FieldName: fieldName}
	}
	delete(is.byField, fieldName)
	for i, name := range is.order {
		if name == fieldName {
			is.order = append(is.order[:i], is.order[i+1:]...)
			break
		}
	}
	return nil
}

// upsert implements spec.md §4.3's algorithm in full, including
// rollback: if any index rejects the candidate, every index is
// restored to its exact pre-call state before the error is returned.
func (is *indexSet) upsert(candidate Doc, mode upsertMode) (Doc, error) {
	for k := range candidate {
		if isReservedFieldName(k) {
			return nil, ErrInvalidRecord
		}
	}

	pkVal, hasPK := fieldValue(candidate, is.pkField)
	if !hasPK || pkVal == nil {
		hasPK = false
	}

	var existing Doc
	if hasPK {
		existing, _ = is.primary().findOne(pkVal)
	}
	exists := existing != nil

	switch mode {
	case modeMustExist:
		if !exists {
			return nil, &NotExists{Record: candidate}
		}
	case modeMustNotExist:
		if exists {
			return nil, &KeyViolation{FieldName: is.pkField, Record: candidate}
		}
	}

	normalized := stripUndefined(clone(candidate))
	if !hasPK {
		key, err := generateKey(normalized, func(k string) bool {
			r, _ := is.primary().findOne(k)
			return r != nil
		})
		if err != nil {
			return nil, err
		}
		normalized[is.pkField] = key
	}

	indexes := is.all()
	applied := make([]*index, 0, len(indexes))
	var failErr error

	for _, ix := range indexes {
		if exists {
			ix.remove(existing)
		}
		if err := ix.add(normalized); err != nil {
			failErr = err
			break
		}
		applied = append(applied, ix)
	}

	if failErr != nil {
		// Rollback: unconditionally remove the candidate from every
		// index (including those it never reached — remove is a
		// documented no-op in that case), then restore the previous
		// record if one existed.
		for _, ix := range indexes {
			ix.remove(normalized)
			if exists {
				ix.remove(existing) // idempotent
				ix.add(existing)    // cannot fail: existing was already valid in ix
			}
		}
		return nil, failErr
	}

	return normalized, nil
}

// delete implements spec.md §4.3's delete algorithm: look up by
// primary key, and if present, remove it from every index.
func (is *indexSet) delete(pkVal any) (Doc, error) {
	existing, _ := is.primary().findOne(pkVal)
	if existing == nil {
		return nil, &NotExists{Record: Doc{is.pkField: pkVal}}
	}
	for _, ix := range is.all() {
		ix.remove(existing)
	}
	return existing, nil
}
