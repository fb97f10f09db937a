// Store: the public façade wiring the serializer, the log, the index
// set, and the lock file into one database handle.
//
// Grounded on teacher db.go's Open/Close lifecycle and Config shape,
// generalized from folio's byte-offset history database to this
// package's in-memory index set, and on set.go/delete.go/get.go/
// search.go/list.go for the per-operation method bodies, each
// re-expressed as a closure submitted to the serializer instead of a
// direct call under db.mu.
package scribe

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config configures an opened Store. There is no file-based or
// environment-driven config loader — per spec.md §1, configuration
// loading is an external collaborator's concern; the embedding
// application constructs this struct directly, the same shape teacher
// Config takes.
type Config struct {
	// PrimaryKeyField names the field every record is keyed by.
	// Defaults to "_id".
	PrimaryKeyField string

	// ReadBuffer is the hydrate scanner's initial per-line buffer size;
	// the buffer grows up to MaxRecordSize. Defaults to 64KiB.
	ReadBuffer int

	// MaxRecordSize bounds the largest single log line hydrate will
	// accept. Defaults to 16MiB.
	MaxRecordSize int

	// Logger receives structured events: lock acquisition/contention,
	// hydrate, reload and compaction completion or failure, checksum
	// mismatch warnings, auto-compaction ticks and failures. Defaults to
	// zap.NewNop() — silent unless supplied.
	Logger *zap.Logger
}

// SortSpec orders records during compaction (spec.md §4.4 step 2), and
// is reused as the ordering for SetAutoCompaction's periodic compacts.
// A nil Less leaves liveRecords' primary-key ordering in place.
type SortSpec struct {
	Less func(a, b Doc) bool
}

// Store is an opened database. Every data and lifecycle operation
// enqueues its work on the internal serializer, which runs at most one
// operation at a time, and is safe for concurrent use.
// SetAutoCompaction and StopAutoCompaction do not go through the
// serializer and are not synchronized with each other or with Close.
type Store struct {
	path   string
	cfg    Config
	logger *zap.Logger

	log  *logFile
	lock *fileLock
	ser  *serializer
	is   *indexSet // touched only from within serializer-run closures

	autoStop chan struct{}
}

// Open opens or creates the database at path, acquires the lock file,
// hydrates from the log, and performs an initial compaction — in that
// order, per spec.md §4.6's bootstrap contract. It returns once that
// bootstrap has completed or failed.
func Open(path string, cfg Config) (*Store, error) {
	if cfg.PrimaryKeyField == "" {
		cfg.PrimaryKeyField = "_id"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	lf, err := openLog(path, cfg.ReadBuffer, cfg.MaxRecordSize)
	if err != nil {
		return nil, err
	}

	st := &Store{
		path:   path,
		cfg:    cfg,
		logger: cfg.Logger,
		log:    lf,
		lock:   newFileLock(path),
		ser:    newSerializer(),
		is:     newIndexSet(cfg.PrimaryKeyField),
	}

	st.ser.bootstrap(st.bootstrapLoad)
	if err := st.ser.awaitReady(); err != nil {
		lf.close()
		return nil, err
	}
	return st, nil
}

// bootstrapLoad runs lock acquisition → hydrate → rewrite, the exact
// sequence spec.md §4.6 names for the first task the serializer ever
// runs.
func (st *Store) bootstrapLoad() error {
	if err := st.lock.acquire(); err != nil {
		st.logger.Warn("lock acquisition failed", zap.String("path", st.path), zap.Error(err))
		return err
	}
	st.logger.Debug("lock acquired", zap.String("path", st.path))

	count, checksumOK, err := st.log.hydrate(st.is)
	if err != nil {
		st.logger.Error("hydrate failed", zap.Error(err))
		return err
	}
	if !checksumOK {
		st.logger.Warn("log checksum mismatch on hydrate", zap.String("path", st.path))
	}
	st.logger.Info("hydrate complete", zap.Int("records", count))

	if err := st.log.rewrite(st.is, rewriteOptions{}); err != nil {
		st.logger.Error("initial compaction failed", zap.Error(err))
		return err
	}
	st.logger.Debug("initial compaction complete")
	return nil
}

// Close stops auto-compaction if running, waits for any in-flight
// operation to finish, releases the lock, and closes the log file.
func (st *Store) Close() error {
	st.StopAutoCompaction()
	_ = st.ser.awaitReady()
	st.ser.stop()
	st.lock.stopExitHandler()
	st.lock.release()
	return st.log.close()
}

// Reload discards the in-memory index set and re-hydrates from the log
// file on disk, re-pausing the gate for the duration exactly as Open's
// bootstrap did (spec.md §6, "reload").
func (st *Store) Reload() error {
	st.ser.relatch(func() error {
		st.is = newIndexSet(st.cfg.PrimaryKeyField)
		count, checksumOK, err := st.log.hydrate(st.is)
		if err != nil {
			st.logger.Error("reload hydrate failed", zap.Error(err))
			return err
		}
		if !checksumOK {
			st.logger.Warn("log checksum mismatch on reload", zap.String("path", st.path))
		}
		st.logger.Info("reload complete", zap.Int("records", count))
		return nil
	})
	return st.ser.awaitReady()
}

// Compact rewrites the log in canonical form, optionally ordered by
// sort. A nil sort leaves the default ascending-primary-key order.
func (st *Store) Compact(sort *SortSpec) error {
	_, err := submit(st.ser, func() (struct{}, error) {
		opts := rewriteOptions{}
		if sort != nil {
			opts.Less = sort.Less
		}
		before := st.log.tail
		err := st.log.rewrite(st.is, opts)
		if err == nil {
			st.logger.Debug("compaction complete",
				zap.Int64("bytes_before", before),
				zap.Int64("bytes_after", st.log.tail))
		}
		return struct{}{}, err
	})
	return err
}

// SetAutoCompaction starts a background timer that submits a compact
// task every interval. Missed ticks are not coalesced (spec.md §5): if
// the previous compact task is still queued, another is appended
// regardless.
func (st *Store) SetAutoCompaction(interval time.Duration, sort *SortSpec) {
	st.StopAutoCompaction()
	stop := make(chan struct{})
	st.autoStop = stop
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				st.logger.Debug("auto-compaction tick")
				go func() {
					if err := st.Compact(sort); err != nil {
						st.logger.Warn("auto-compaction failed", zap.Error(err))
					}
				}()
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoCompaction stops the background compaction timer, if one is
// running. It is always safe to call, including when none is running.
func (st *Store) StopAutoCompaction() {
	if st.autoStop != nil {
		close(st.autoStop)
		st.autoStop = nil
	}
}

// EnsureIndex creates desc's index, back-filling it from every live
// record (spec.md §4.3). Idempotent when an index with the same
// fieldName/unique/sparse shape already exists.
func (st *Store) EnsureIndex(desc IndexDescriptor) error {
	_, err := submit(st.ser, func() (struct{}, error) {
		if err := st.is.ensureIndex(desc); err != nil {
			return struct{}{}, err
		}
		if err := st.log.append([]operation{{kind: opAddIndex, addIndex: desc}}); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// DeleteIndex removes the named index. Deleting the primary index
// fails with ErrPrimaryIndexProtected; deleting an index that does not
// exist fails with NoIndex (Open Question (ii), resolved in
// SPEC_FULL.md §9).
func (st *Store) DeleteIndex(fieldName string) error {
	_, err := submit(st.ser, func() (struct{}, error) {
		if err := st.is.deleteIndex(fieldName); err != nil {
			return struct{}{}, err
		}
		if err := st.log.append([]operation{{kind: opDeleteIndex, delField: fieldName}}); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// Insert stores one or more new records. Each record must have no
// existing primary key (mode must-not-exist); a batch stops at the
// first failure, leaving earlier successes committed in memory and in
// the log (spec.md §4.3).
func (st *Store) Insert(records ...Doc) ([]Doc, error) {
	return st.writeBatch(records, modeMustNotExist)
}

// Update replaces one or more existing records. Each record must carry
// a primary key that already exists (mode must-exist).
func (st *Store) Update(records ...Doc) ([]Doc, error) {
	return st.writeBatch(records, modeMustExist)
}

// Upsert inserts or replaces one or more records, regardless of
// whether their primary key currently exists (mode any).
func (st *Store) Upsert(records ...Doc) ([]Doc, error) {
	return st.writeBatch(records, modeAny)
}

func (st *Store) writeBatch(records []Doc, mode upsertMode) ([]Doc, error) {
	return submit(st.ser, func() ([]Doc, error) {
		out := make([]Doc, 0, len(records))
		var ops []operation
		for _, rec := range records {
			stored, err := st.is.upsert(clone(rec), mode)
			if err != nil {
				if len(ops) > 0 {
					if aerr := st.log.append(ops); aerr != nil {
						return nil, aerr
					}
				}
				return nil, err
			}
			out = append(out, stored)
			ops = append(ops, operation{kind: opUpsert, record: stored})
		}
		if err := st.log.append(ops); err != nil {
			return nil, err
		}
		cloned := make([]Doc, len(out))
		for i, d := range out {
			cloned[i] = clone(d)
		}
		return cloned, nil
	})
}

// Delete removes the record(s) named by primary key. Each key must
// belong to a live record, or NotExists is returned and the batch
// stops there; deletions earlier in the batch stay committed in memory
// and in the log.
func (st *Store) Delete(primaryKeys ...any) ([]Doc, error) {
	return submit(st.ser, func() ([]Doc, error) {
		out := make([]Doc, 0, len(primaryKeys))
		var ops []operation
		for _, pk := range primaryKeys {
			removed, err := st.is.delete(pk)
			if err != nil {
				if len(ops) > 0 {
					if aerr := st.log.append(ops); aerr != nil {
						return nil, aerr
					}
				}
				return nil, err
			}
			out = append(out, removed)
			ops = append(ops, operation{kind: opDeleted, record: removed})
		}
		if err := st.log.append(ops); err != nil {
			return nil, err
		}
		cloned := make([]Doc, len(out))
		for i, d := range out {
			cloned[i] = clone(d)
		}
		return cloned, nil
	})
}

// GetAll returns every live record.
func (st *Store) GetAll() ([]Doc, error) {
	return submit(st.ser, func() ([]Doc, error) {
		recs := st.is.liveRecords()
		out := make([]Doc, len(recs))
		for i, d := range recs {
			out[i] = clone(d)
		}
		return out, nil
	})
}

// Find returns every record linked under value in the named index.
// NoIndex if no such index exists.
func (st *Store) Find(fieldName string, value any) ([]Doc, error) {
	return submit(st.ser, func() ([]Doc, error) {
		ix, ok := st.is.byField[fieldName]
		if !ok {
			return nil, &NoIndex{FieldName: fieldName}
		}
		recs, err := ix.find(value)
		if err != nil {
			return nil, err
		}
		out := make([]Doc, len(recs))
		for i, d := range recs {
			out[i] = clone(d)
		}
		return out, nil
	})
}

// FindOne returns one matching record under value in the named index,
// or nil if none. NoIndex if no such index exists.
func (st *Store) FindOne(fieldName string, value any) (Doc, error) {
	return submit(st.ser, func() (Doc, error) {
		ix, ok := st.is.byField[fieldName]
		if !ok {
			return nil, &NoIndex{FieldName: fieldName}
		}
		rec, err := ix.findOne(value)
		if err != nil || rec == nil {
			return nil, err
		}
		return clone(rec), nil
	})
}

// String renders a short diagnostic summary for interactive debugging;
// it is not a parsed format.
func (st *Store) String() string {
	return fmt.Sprintf("scribe.Store{path: %s}", st.path)
}
