// Secondary index implementation.
//
// index is a closed, two-variant sum type (unique vs multi-valued)
// expressed as one struct with a bool tag rather than an interface —
// the set of variants is fixed and never grows, so a tag is simpler
// than dynamic dispatch (see DESIGN.md, grounded on the maruel-mddb
// UniqueIndex/Index generic pair from the example pack, adapted to a
// single concrete-type struct to match this codebase's non-generic
// style).
package scribe

// IndexDescriptor mirrors spec.md §3's "index descriptor" record.
type IndexDescriptor struct {
	FieldName string `json:"fieldName"`
	Unique    bool   `json:"unique"`
	Sparse    bool   `json:"sparse"`
}

// index holds one name→record mapping. For a unique index, each key
// maps to at most one record. For a multi-valued index, each key maps
// to a set of records, keyed by primary key to guarantee no duplicate
// record occurs twice under the same key (spec.md §3, "Index entry").
type index struct {
	desc IndexDescriptor
	pkField string // the owning store's primary-key field, for de-duplication

	unique map[any]Doc
	multi  map[any]map[any]Doc // key -> primary key -> record
}

func newIndex(desc IndexDescriptor, pkField string) *index {
	idx := &index{desc: desc, pkField: pkField}
	if desc.Unique {
		idx.unique = make(map[any]Doc)
	} else {
		idx.multi = make(map[any]map[any]Doc)
	}
	return idx
}

// keysFor resolves the record's value(s) at the index's field, per
// spec.md §4.2: an array value fans out to one key per element; a
// missing/null value resolves to no keys if the index is sparse, or to
// a single literal-null key otherwise (queryable).
func (ix *index) keysFor(rec Doc) ([]any, error) {
	val, present := fieldValue(rec, ix.desc.FieldName)
	if !present {
		val = nil
	}

	if arr, ok := val.([]any); ok {
		keys := make([]any, 0, len(arr))
		seen := make(map[any]bool, len(arr))
		for _, el := range arr {
			k, err := normalizeIndexKey(el)
			if err != nil {
				return nil, err
			}
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		return keys, nil
	}

	if val == nil {
		if ix.desc.Sparse {
			return nil, nil
		}
		return []any{nil}, nil
	}

	k, err := normalizeIndexKey(val)
	if err != nil {
		return nil, err
	}
	return []any{k}, nil
}

// add links rec under its index key(s). Fails with *KeyViolation if a
// unique index already has a different record under the same key.
func (ix *index) add(rec Doc) error {
	keys, err := ix.keysFor(rec)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if ix.desc.Unique {
		// Validate before mutating so a partial failure never leaves
		// the index half-linked.
		for _, k := range keys {
			if existing, ok := ix.unique[k]; ok && !sameRecord(existing, rec, ix.pkField) {
				return &KeyViolation{FieldName: ix.desc.FieldName, Record: rec}
			}
		}
		for _, k := range keys {
			ix.unique[k] = rec
		}
		return nil
	}

	pk, _ := fieldValue(rec, ix.pkField)
	for _, k := range keys {
		bucket := ix.multi[k]
		if bucket == nil {
			bucket = make(map[any]Doc)
			ix.multi[k] = bucket
		}
		bucket[pk] = rec
	}
	return nil
}

// remove unlinks rec from the index. It is a no-op if rec was never
// linked (guards rollback against false removals, per spec.md §4.2).
// For a unique index, remove only acts if the linked record is the
// same one being removed (by primary key), which prevents a rollback
// from evicting a different record that has since taken the same key.
func (ix *index) remove(rec Doc) {
	keys, err := ix.keysFor(rec)
	if err != nil || len(keys) == 0 {
		return
	}

	if ix.desc.Unique {
		for _, k := range keys {
			if existing, ok := ix.unique[k]; ok && sameRecord(existing, rec, ix.pkField) {
				delete(ix.unique, k)
			}
		}
		return
	}

	pk, _ := fieldValue(rec, ix.pkField)
	for _, k := range keys {
		bucket := ix.multi[k]
		if bucket == nil {
			continue
		}
		delete(bucket, pk)
		if len(bucket) == 0 {
			delete(ix.multi, k)
		}
	}
}

// find returns every record linked under value.
func (ix *index) find(value any) ([]Doc, error) {
	key, err := normalizeIndexKey(value)
	if err != nil {
		return nil, err
	}
	if ix.desc.Unique {
		if rec, ok := ix.unique[key]; ok {
			return []Doc{rec}, nil
		}
		return nil, nil
	}
	bucket := ix.multi[key]
	out := make([]Doc, 0, len(bucket))
	for _, rec := range bucket {
		out = append(out, rec)
	}
	return out, nil
}

// findOne returns one matching record, or nil if none.
func (ix *index) findOne(value any) (Doc, error) {
	key, err := normalizeIndexKey(value)
	if err != nil {
		return nil, err
	}
	if ix.desc.Unique {
		return ix.unique[key], nil
	}
	for _, rec := range ix.multi[key] {
		return rec, nil
	}
	return nil, nil
}

// records returns every record currently linked in the index, de-
// duplicated by primary key. Used to back-fill a newly created index.
func (ix *index) records() []Doc {
	seen := make(map[any]bool)
	var out []Doc
	if ix.desc.Unique {
		for _, rec := range ix.unique {
			pk, _ := fieldValue(rec, ix.pkField)
			if !seen[pk] {
				seen[pk] = true
				out = append(out, rec)
			}
		}
		return out
	}
	for _, bucket := range ix.multi {
		for pk, rec := range bucket {
			if !seen[pk] {
				seen[pk] = true
				out = append(out, rec)
			}
		}
	}
	return out
}

func sameRecord(a, b Doc, pkField string) bool {
	pa, _ := fieldValue(a, pkField)
	pb, _ := fieldValue(b, pkField)
	return pa == pb
}
