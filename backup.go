// Backup and restore: Zstd-compressed export/import of the canonical
// compacted log.
//
// Grounded on teacher compress.go's use of klauspost/compress/zstd, but
// streaming rather than in-memory: compress.go's shared EncodeAll/
// DecodeAll encoder pair exists because it runs on every Set of a small
// inline history blob, where construction cost would otherwise dominate.
// Backup/Restore instead move a whole (potentially large) log file
// through an arbitrary io.Writer/io.Reader once per call, which is the
// streaming zstd.Writer/zstd.Reader shape, not the single-shot one.
package scribe

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Backup compacts the database, then writes a Zstd-compressed snapshot
// of the resulting canonical log to w.
func (st *Store) Backup(w io.Writer) error {
	if err := st.Compact(nil); err != nil {
		return err
	}
	_, err := submit(st.ser, func() (struct{}, error) {
		f, err := os.Open(st.path)
		if err != nil {
			return struct{}{}, err
		}
		defer f.Close()

		enc, err := zstd.NewWriter(w)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := io.Copy(enc, f); err != nil {
			enc.Close()
			return struct{}{}, err
		}
		return struct{}{}, enc.Close()
	})
	return err
}

// Restore replaces the database's log with the Zstd-compressed
// snapshot read from r, then reloads the in-memory index set from it.
// The swap is atomic at the filesystem level: the decompressed content
// is written to a temp file and renamed over the live log, the same
// commit point rewrite uses.
func (st *Store) Restore(r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	tmpPath := st.path + "~restore"
	_, err = submit(st.ser, func() (struct{}, error) {
		tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := io.Copy(tmp, dec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return struct{}{}, err
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return struct{}{}, err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpPath)
			return struct{}{}, err
		}

		if err := st.log.close(); err != nil {
			os.Remove(tmpPath)
			return struct{}{}, err
		}
		if err := os.Rename(tmpPath, st.path); err != nil {
			return struct{}{}, err
		}

		f, err := os.OpenFile(st.path, os.O_RDWR, 0644)
		if err != nil {
			return struct{}{}, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return struct{}{}, err
		}
		st.log.f = f
		st.log.tail = info.Size()
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	return st.Reload()
}
