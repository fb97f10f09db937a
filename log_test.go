// Log tests: append/hydrate round-tripping, tolerant handling of a
// truncated trailing line, the $$meta checksum fast path, and
// compaction's canonical, idempotent output (S4 from spec.md §8).
package scribe

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) (*logFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	lf, err := openLog(path, 0, 0)
	if err != nil {
		t.Fatalf("openLog: %v", err)
	}
	t.Cleanup(func() { lf.close() })
	return lf, path
}

// TestAppendHydrateRoundTrip verifies that every operation kind written
// via append is correctly reconstructed by hydrate into an equivalent
// in-memory state.
func TestAppendHydrateRoundTrip(t *testing.T) {
	lf, _ := openTestLog(t)

	ops := []operation{
		{kind: opUpsert, record: Doc{"_id": "1", "foo": "bar"}},
		{kind: opAddIndex, addIndex: IndexDescriptor{FieldName: "foo", Sparse: true}},
		{kind: opUpsert, record: Doc{"_id": "2", "foo": "baz"}},
		{kind: opDeleted, record: Doc{"_id": "1"}},
	}
	if err := lf.append(ops); err != nil {
		t.Fatalf("append: %v", err)
	}

	is := newIndexSet("_id")
	count, checksumOK, err := lf.hydrate(is)
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if !checksumOK {
		t.Error("checksumOK = false, want true (no $$meta line present means nothing to fail)")
	}
	if count != 1 { // only _id=2 is still live
		t.Errorf("hydrate recordCount = %d, want 1", count)
	}
	if rec, _ := is.primary().findOne("1"); rec != nil {
		t.Error("deleted record _id=1 still present after hydrate")
	}
	if rec, _ := is.primary().findOne("2"); rec == nil {
		t.Error("record _id=2 missing after hydrate")
	}
	if _, ok := is.byField["foo"]; !ok {
		t.Error("addIndex entry was not replayed")
	}
}

// TestHydrateToleratesTruncatedTrailingLine verifies a crash mid-write
// that leaves a truncated last line does not fail hydrate — only the
// last line may be discarded this way, per spec.md §4.4.
func TestHydrateToleratesTruncatedTrailingLine(t *testing.T) {
	lf, path := openTestLog(t)
	if err := lf.append([]operation{{kind: opUpsert, record: Doc{"_id": "1"}}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	lf.close()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.WriteString(`{"_id":"2","foo"`); err != nil { // truncated, no closing brace/newline
		t.Fatalf("write truncated line: %v", err)
	}
	f.Close()

	lf2, err := openLog(path, 0, 0)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	defer lf2.close()

	is := newIndexSet("_id")
	count, _, err := lf2.hydrate(is)
	if err != nil {
		t.Fatalf("hydrate should tolerate a truncated trailing line, got: %v", err)
	}
	if count != 1 {
		t.Errorf("hydrate recordCount = %d, want 1 (truncated line ignored)", count)
	}
}

// TestHydrateFailsOnCorruptMiddleLine verifies a malformed line that is
// NOT the last one fails hydrate entirely, per spec.md §4.1 ("malformed
// input fails the whole hydrate").
func TestHydrateFailsOnCorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	content := "{\"_id\":\"1\"}\n{not json\n{\"_id\":\"2\"}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	lf, err := openLog(path, 0, 0)
	if err != nil {
		t.Fatalf("openLog: %v", err)
	}
	defer lf.close()

	is := newIndexSet("_id")
	if _, _, err := lf.hydrate(is); err != ErrCorrupt {
		t.Fatalf("hydrate over corrupt middle line: got %v, want ErrCorrupt", err)
	}
}

// TestRewriteThenHydrateRoundTrips is S4 from spec.md §8: compacting,
// then hydrating the compacted file, reproduces the same live records.
func TestRewriteThenHydrateRoundTrips(t *testing.T) {
	lf, _ := openTestLog(t)
	is := newIndexSet("_id")
	is.ensureIndex(IndexDescriptor{FieldName: "foo", Sparse: true})
	is.upsert(Doc{"_id": "1", "foo": "bar"}, modeAny)

	if err := lf.rewrite(is, rewriteOptions{}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	is2 := newIndexSet("_id")
	count, checksumOK, err := lf.hydrate(is2)
	if err != nil {
		t.Fatalf("hydrate after rewrite: %v", err)
	}
	if !checksumOK {
		t.Error("checksum mismatch after rewrite+hydrate")
	}
	if count != 1 {
		t.Errorf("recordCount = %d, want 1", count)
	}
	rec, _ := is2.primary().findOne("1")
	if rec == nil || rec["foo"] != "bar" {
		t.Errorf("round-tripped record = %v, want foo=bar", rec)
	}
	if _, ok := is2.byField["foo"]; !ok {
		t.Error("secondary index descriptor did not survive rewrite+hydrate")
	}
}

// TestRewriteIsByteIdempotent is the other half of S4/§8: compacting
// twice in a row with no intervening mutation produces byte-identical
// output, since liveRecords' default ordering is deterministic.
func TestRewriteIsByteIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	lf, err := openLog(path, 0, 0)
	if err != nil {
		t.Fatalf("openLog: %v", err)
	}
	defer lf.close()

	is := newIndexSet("_id")
	is.upsert(Doc{"_id": "2"}, modeAny)
	is.upsert(Doc{"_id": "1"}, modeAny)

	if err := lf.rewrite(is, rewriteOptions{}); err != nil {
		t.Fatalf("first rewrite: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := lf.rewrite(is, rewriteOptions{}); err != nil {
		t.Fatalf("second rewrite: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("compaction is not idempotent:\nfirst:  %q\nsecond: %q", first, second)
	}
}

// TestDeleteIndexReplayOfMissingIndexIsIgnored verifies Open Question
// (iii): replaying a $$deleteIndex entry for an index that was never
// created does not fail hydrate.
func TestDeleteIndexReplayOfMissingIndexIsIgnored(t *testing.T) {
	lf, _ := openTestLog(t)
	if err := lf.append([]operation{{kind: opDeleteIndex, delField: "never-existed"}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	is := newIndexSet("_id")
	if _, _, err := lf.hydrate(is); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
}
