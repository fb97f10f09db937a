// The append-only persistence log: append, hydrate (replay), and
// rewrite (compaction).
//
// Grounded on teacher write.go (single-syscall batched append),
// read.go/scan.go (bufio.Scanner-based line iteration, tolerant
// trailing-line handling) and repair.go (temp-file + fsync + atomic
// rename compaction). Unlike folio, this Log never binary-searches the
// file — every line is replayed into an in-memory IndexSet once, at
// hydrate, and all later reads are served from memory — so there is no
// fixed binary header and no byte-offset index; see DESIGN.md.
package scribe

import (
	"bufio"
	"io"
	"os"
	"strconv"

	"github.com/zeebo/xxh3"
)

// defaultReadBuffer is the scanner's initial per-line buffer size (it
// grows up to maxRecordSize as needed), mirroring
// teacher Config.ReadBuffer.
const defaultReadBuffer = 64 * 1024

// defaultMaxRecordSize bounds the largest single line hydrate/scan will
// accept, mirroring teacher Config.MaxRecordSize.
const defaultMaxRecordSize = 16 * 1024 * 1024

// logFile wraps the on-disk append-only journal.
type logFile struct {
	path          string
	f             *os.File
	tail          int64
	readBuffer    int
	maxRecordSize int
}

func openLog(path string, readBuffer, maxRecordSize int) (*logFile, error) {
	if readBuffer == 0 {
		readBuffer = defaultReadBuffer
	}
	if maxRecordSize == 0 {
		maxRecordSize = defaultMaxRecordSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &logFile{path: path, f: f, tail: info.Size(), readBuffer: readBuffer, maxRecordSize: maxRecordSize}, nil
}

func (lf *logFile) close() error {
	return lf.f.Close()
}

// operation is one parsed log line, tagged by which of the four
// envelope shapes (spec.md §3) it matched.
type operation struct {
	kind     opKind
	record   Doc             // plain upsert, or the record inside $$deleted
	addIndex IndexDescriptor // for opAddIndex
	delField string          // for opDeleteIndex
	checksum uint64          // for opMeta
}

type opKind int

const (
	opUpsert opKind = iota
	opDeleted
	opAddIndex
	opDeleteIndex
	opMeta
)

// encodeOperation serializes an operation to its wire envelope.
func encodeOperation(op operation) ([]byte, error) {
	switch op.kind {
	case opUpsert:
		return encode(op.record)
	case opDeleted:
		return encode(Doc{sentinelDeleted: op.record})
	case opAddIndex:
		return encode(Doc{sentinelAddIndex: Doc{
			"fieldName": op.addIndex.FieldName,
			"unique":    op.addIndex.Unique,
			"sparse":    op.addIndex.Sparse,
		}})
	case opDeleteIndex:
		return encode(Doc{sentinelDeleteIndex: Doc{"fieldName": op.delField}})
	case opMeta:
		// The 64-bit checksum is written as a decimal string: a JSON
		// number decodes to float64, which cannot hold every uint64.
		return encode(Doc{sentinelMeta: Doc{"version": float64(1), "checksum": strconv.FormatUint(op.checksum, 10)}})
	default:
		return nil, ErrInvalidRecord
	}
}

// parseOperation classifies a decoded line into one of the four public
// envelope shapes, or the internal $$meta checksum line.
func parseOperation(d Doc) (operation, error) {
	if raw, ok := d[sentinelDeleted]; ok {
		rec, err := asDoc(raw)
		if err != nil {
			return operation{}, err
		}
		return operation{kind: opDeleted, record: rec}, nil
	}
	if raw, ok := d[sentinelAddIndex]; ok {
		m, err := asDoc(raw)
		if err != nil {
			return operation{}, err
		}
		desc := IndexDescriptor{
			FieldName: asString(m["fieldName"]),
			Unique:    asBool(m["unique"]),
			Sparse:    asBool(m["sparse"]),
		}
		return operation{kind: opAddIndex, addIndex: desc}, nil
	}
	if raw, ok := d[sentinelDeleteIndex]; ok {
		m, err := asDoc(raw)
		if err != nil {
			return operation{}, err
		}
		return operation{kind: opDeleteIndex, delField: asString(m["fieldName"])}, nil
	}
	if raw, ok := d[sentinelMeta]; ok {
		m, err := asDoc(raw)
		if err != nil {
			return operation{}, err
		}
		sum, _ := strconv.ParseUint(asString(m["checksum"]), 10, 64)
		return operation{kind: opMeta, checksum: sum}, nil
	}
	return operation{kind: opUpsert, record: d}, nil
}

func asDoc(v any) (Doc, error) {
	switch t := v.(type) {
	case Doc:
		return t, nil
	case map[string]any:
		return Doc(t), nil
	default:
		return nil, ErrCorrupt
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

// append writes one or more operations as a single batched write, so
// the append is all-or-nothing at the OS-call level (spec.md §4.4).
// Durability to disk is best-effort here; a full fsync happens only at
// rewrite.
func (lf *logFile) append(ops []operation) error {
	var buf []byte
	for _, op := range ops {
		line, err := encodeOperation(op)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	n, err := lf.f.WriteAt(buf, lf.tail)
	if err != nil {
		return err
	}
	lf.tail += int64(n)
	return nil
}

// hydrate replays every operation in file order into the given
// indexSet, which must start empty. addIndex installs the index and
// back-fills it from the records already replayed (later upserts are
// added to it as they are replayed), deleteIndex of a missing index is
// silently ignored (Open Question (iii)), and deletion of an absent
// primary key during replay is silently ignored. A malformed line
// fails hydrate entirely, except a truncated trailing line, which is
// tolerated. recordCount is the number of live records once replay
// finishes.
func (lf *logFile) hydrate(is *indexSet) (recordCount int, checksumOK bool, err error) {
	if _, err := lf.f.Seek(0, io.SeekStart); err != nil {
		return 0, false, err
	}
	scanner := bufio.NewScanner(lf.f)
	scanner.Buffer(make([]byte, lf.readBuffer), lf.maxRecordSize)

	var lines [][]byte
	for scanner.Scan() {
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		lines = append(lines, cp)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return 0, false, scanErr
	}

	checksumOK = true
	var firstLineChecksum uint64
	var haveChecksum bool
	bodyStart := 0

	for i, raw := range lines {
		d, derr := decode(raw)
		if derr != nil {
			if i == len(lines)-1 {
				// Tolerate a truncated trailing line (spec.md §4.4).
				break
			}
			return 0, false, ErrCorrupt
		}

		op, operr := parseOperation(d)
		if operr != nil {
			if i == len(lines)-1 {
				break
			}
			return 0, false, ErrCorrupt
		}

		if op.kind == opMeta {
			if i == 0 {
				firstLineChecksum = op.checksum
				haveChecksum = true
				bodyStart = 1
			}
			continue
		}

		switch op.kind {
		case opUpsert:
			if _, err := is.upsert(op.record, modeAny); err != nil {
				// Replay never fails on a constraint violation the
				// original operation didn't have, but a corrupted
				// primary-key collision here means the log itself is
				// inconsistent.
				return 0, false, ErrCorrupt
			}
		case opDeleted:
			pk, _ := fieldValue(op.record, is.pkField)
			is.delete(pk) // nolint: errcheck — absent key during replay is ignored
		case opAddIndex:
			// ensureIndex back-fills from whatever is already live in
			// memory at this point in the replay — which is exactly
			// the set spec.md §4.4 means by "the rest of the log will
			// re-insert them": entries appearing later in the file
			// are upserted normally and added to this index then.
			if err := is.ensureIndex(op.addIndex); err != nil {
				return 0, false, ErrCorrupt
			}
		case opDeleteIndex:
			// A missing index during replay is silently ignored
			// (Open Question iii, spec.md §9); deleteIndex's only
			// other possible error, ErrPrimaryIndexProtected, is
			// equally harmless to ignore here.
			_ = is.deleteIndex(op.delField)
		}
	}

	if haveChecksum {
		// Recompute over exactly the bytes rewrite hashed: every line
		// after the $$meta line, each with its trailing newline. This
		// is a fast sanity check, not the authoritative corruption
		// check — that remains "does every line decode", performed
		// unconditionally above.
		var body []byte
		for _, raw := range lines[bodyStart:] {
			body = append(body, raw...)
			body = append(body, '\n')
		}
		if xxh3.Hash(body) != firstLineChecksum {
			checksumOK = false
		}
	}

	recordCount = len(is.primary().records())
	return recordCount, checksumOK, nil
}

// rewriteOptions configures compaction ordering (spec.md §4.4 step 2).
type rewriteOptions struct {
	// Less, if set, defines the sort order for the record section of
	// the compacted file. If nil, records are sorted by primary key,
	// which is what makes compact byte-identical across repeated runs
	// with no explicit sort (spec.md §8, idempotence law).
	Less func(a, b Doc) bool
}

// rewrite produces a canonical, minimal log reproducing the current
// state of is: $$addIndex entries first (stable creation order), then
// one line per live record (spec.md §4.4). It writes to path+"~",
// fsyncs, closes, and atomically renames over path — the rename is the
// sole commit point; a crash before it leaves the original untouched.
func (lf *logFile) rewrite(is *indexSet, opts rewriteOptions) error {
	tmpPath := lf.path + "~"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	var body []byte
	for _, desc := range is.secondaryDescriptors() {
		line, err := encodeOperation(operation{kind: opAddIndex, addIndex: desc})
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		body = append(body, line...)
		body = append(body, '\n')
	}

	records := is.liveRecords()
	if opts.Less != nil {
		sortDocs(records, opts.Less)
	}
	for _, rec := range records {
		line, err := encodeOperation(operation{kind: opUpsert, record: rec})
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		body = append(body, line...)
		body = append(body, '\n')
	}

	// An empty body (no live records, no secondary indexes) compacts to
	// a literally empty file, per spec.md §8's S5 scenario: there is
	// nothing to checksum, so no $$meta line is written either.
	var full []byte
	if len(body) > 0 {
		checksum := xxh3.Hash(body)
		metaLine, err := encodeOperation(operation{kind: opMeta, checksum: checksum})
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		full = append(append(metaLine, '\n'), body...)
	}

	if _, err := tmp.WriteAt(full, 0); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Truncate(int64(len(full))); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, lf.path); err != nil {
		return err
	}

	// Swap to the freshly-written file.
	if err := lf.f.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(lf.path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	lf.f = f
	lf.tail = int64(len(full))
	return nil
}

func sortDocs(docs []Doc, less func(a, b Doc) bool) {
	// Simple insertion sort is adequate: compaction runs on a bounded,
	// already-small-in-practice live set, and a stable sort avoids
	// pulling in a second comparator shape for sort.Slice vs sort.Stable.
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && less(docs[j], docs[j-1]); j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}
