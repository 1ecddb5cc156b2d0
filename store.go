package snapcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Backend selects the embedded database a Store keeps its documents in.
type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendBadger Backend = "badger"
	BackendMemory Backend = "memory"

	DefaultChunkSize = 1000
)

const (
	metaNeedsRebuild = "needsRebuild"
	metaGeneration   = "generation"

	docKeySize = 8
)

type StoreOptions struct {
	Backend   Backend
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int
	ChunkSize int
	Metrics   *Metrics
}

// Store persists encoded content node kits keyed by node id.
type Store struct {
	db        kv
	logger    *slog.Logger
	verbose   bool
	chunkSize int
	metrics   *Metrics
}

// OpenStore opens (creating if needed) the store at path. The memory backend
// ignores path; the badger backend treats an empty path as in-memory.
func OpenStore(path string, opt StoreOptions) (*Store, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.ChunkSize <= 0 {
		opt.ChunkSize = DefaultChunkSize
	}

	var db kv
	var err error
	switch opt.Backend {
	case BackendBolt, "":
		db, err = openBolt(path, opt)
	case BackendBadger:
		db, err = openBadger(path, opt)
	case BackendMemory:
		db = newMemKV()
	default:
		err = fmt.Errorf("unknown store backend %q", opt.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("snapcache: %w", err)
	}
	return &Store{
		db:        db,
		logger:    opt.Logger,
		verbose:   opt.Verbose,
		chunkSize: opt.ChunkSize,
		metrics:   opt.Metrics,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) logf(format string, args ...any) {
	s.logger.Debug(fmt.Sprintf(format, args...))
}

func docKey(id int) []byte {
	var k [docKeySize]byte
	binary.BigEndian.PutUint64(k[:], uint64(int64(id))^(1<<63))
	return k[:]
}

func docKeyID(k []byte) (int, bool) {
	if len(k) != docKeySize {
		return 0, false
	}
	return int(int64(binary.BigEndian.Uint64(k) ^ (1 << 63))), true
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(kvTx) error, tx kvTx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func (s *Store) read(ctx context.Context, op string, id int, f func(tx kvTx) error) error {
	if err := ctx.Err(); err != nil {
		return storeErr(op, id, err)
	}
	return storeErr(op, id, s.db.View(func(tx kvTx) error {
		return safelyCall(f, tx)
	}))
}

func (s *Store) write(ctx context.Context, op string, id int, f func(tx kvTx) error) error {
	if err := ctx.Err(); err != nil {
		return storeErr(op, id, err)
	}
	return storeErr(op, id, s.db.Update(func(tx kvTx) error {
		return safelyCall(f, tx)
	}))
}

// RawDocument is a stored document with its envelope removed. Err is set
// (and Payload is nil) when the stored bytes are not a valid envelope.
type RawDocument struct {
	ID      int
	Info    DocumentInfo
	Payload []byte
	Err     error
}

func rawDocument(id int, value []byte) RawDocument {
	doc := RawDocument{ID: id}
	var env envelope
	if err := env.decode(value); err != nil {
		doc.Err = err
		return doc
	}
	doc.Info = env.Info()
	doc.Payload = env.Payload
	return doc
}

type LoadOptions struct {
	// After skips documents with ids less than or equal to After.
	After     int
	HasAfter  bool
	ChunkSize int
}

// LoadChunks scans all documents in id order, delivering them in chunks. Each
// chunk is read in its own transaction and the scan resumes after the last
// delivered key, so long scans do not pin the database. Documents are copied
// out of the transaction and stay valid after fn returns.
func (s *Store) LoadChunks(ctx context.Context, opt LoadOptions, fn func(chunk []RawDocument) error) error {
	chunkSize := opt.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.chunkSize
	}
	var after []byte
	if opt.HasAfter {
		after = docKey(opt.After)
	}
	for {
		chunk := make([]RawDocument, 0, chunkSize)
		err := s.read(ctx, "load", 0, func(tx kvTx) error {
			return tx.Space(docsSpace).Scan(after, func(k, v []byte) bool {
				after = bytes.Clone(k)
				id, ok := docKeyID(k)
				if !ok {
					chunk = append(chunk, RawDocument{Err: dataErrf(bytes.Clone(k), 0, ErrMalformedDocument, "invalid document key")})
				} else {
					chunk = append(chunk, rawDocument(id, bytes.Clone(v)))
				}
				return len(chunk) < chunkSize
			})
		})
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if err := fn(chunk); err != nil {
			return err
		}
		if len(chunk) < chunkSize {
			return nil
		}
	}
}

// Load is LoadChunks delivering one document at a time.
func (s *Store) Load(ctx context.Context, opt LoadOptions, fn func(doc RawDocument) error) error {
	return s.LoadChunks(ctx, opt, func(chunk []RawDocument) error {
		for _, doc := range chunk {
			if err := fn(doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the stored document for id.
func (s *Store) Get(ctx context.Context, id int) (RawDocument, bool, error) {
	var doc RawDocument
	var found bool
	err := s.read(ctx, "get", id, func(tx kvTx) error {
		v := tx.Space(docsSpace).Get(docKey(id))
		if v == nil {
			return nil
		}
		found = true
		doc = rawDocument(id, bytes.Clone(v))
		return nil
	})
	return doc, found, err
}

// Put stores payload under id. Writing the payload that is already stored
// is a no-op; otherwise the document's mod count is incremented.
func (s *Store) Put(ctx context.Context, id int, payload []byte) (DocumentInfo, error) {
	var info DocumentInfo
	var w writeTally
	err := s.write(ctx, "put", id, func(tx kvTx) error {
		var err error
		info, err = s.put(tx.Space(docsSpace), id, payload, &w)
		return err
	})
	if err == nil {
		s.metrics.wrote(w)
	}
	return info, err
}

// writeTally counts the writes of one transaction. It is reported to the
// metrics only once the transaction has committed.
type writeTally struct {
	puts, noopPuts, deletes int
}

func (s *Store) put(b kvSpace, id int, payload []byte, w *writeTally) (DocumentInfo, error) {
	key := docKey(id)
	var modCount uint64
	if old := b.Get(key); old != nil {
		var env envelope
		if env.decode(old) == nil {
			if env.Generation == FormatGeneration && bytes.Equal(env.Payload, payload) {
				if s.verbose {
					s.logf("store: PUT.NOOP %s/%d => m=%d (%d bytes)", docsSpace, id, env.ModCount, len(payload))
				}
				w.noopPuts++
				return env.Info(), nil
			}
			modCount = env.ModCount
		}
	}
	modCount++

	value := appendEnvelope(nil, FormatGeneration, modCount, payload)
	if err := b.Put(key, value); err != nil {
		return DocumentInfo{}, err
	}
	if s.verbose {
		s.logf("store: PUT %s/%d => m=%d (%d bytes)", docsSpace, id, modCount, len(payload))
	}
	w.puts++
	return DocumentInfo{Generation: FormatGeneration, ModCount: modCount, Size: len(payload)}, nil
}

// StoredDocument is an encoded kit ready to be written.
type StoredDocument struct {
	ID      int
	Payload []byte
}

// PutBatch writes docs in transactions of at most the store's chunk size.
func (s *Store) PutBatch(ctx context.Context, docs []StoredDocument) error {
	for len(docs) > 0 {
		n := min(len(docs), s.chunkSize)
		chunk := docs[:n]
		docs = docs[n:]
		var w writeTally
		err := s.write(ctx, "put-batch", 0, func(tx kvTx) error {
			w = writeTally{}
			return s.putAll(tx.Space(docsSpace), chunk, &w)
		})
		if err != nil {
			return err
		}
		s.metrics.wrote(w)
	}
	return nil
}

func (s *Store) putAll(b kvSpace, docs []StoredDocument, w *writeTally) error {
	for _, d := range docs {
		if _, err := s.put(b, d.ID, d.Payload, w); err != nil {
			return errorf(err, "document %d", d.ID)
		}
	}
	return nil
}

// Delete removes the documents with the given ids. Missing ids are ignored.
func (s *Store) Delete(ctx context.Context, ids ...int) error {
	if len(ids) == 0 {
		return nil
	}
	var opID int
	if len(ids) == 1 {
		opID = ids[0]
	}
	var w writeTally
	err := s.write(ctx, "delete", opID, func(tx kvTx) error {
		w = writeTally{}
		return s.deleteAll(tx.Space(docsSpace), ids, &w)
	})
	if err != nil {
		return err
	}
	s.metrics.wrote(w)
	return nil
}

func (s *Store) deleteAll(b kvSpace, ids []int, w *writeTally) error {
	for _, id := range ids {
		if err := b.Delete(docKey(id)); err != nil {
			return err
		}
		if s.verbose {
			s.logf("store: DELETE %s/%d", docsSpace, id)
		}
		w.deletes++
	}
	return nil
}

// Replace deletes the documents with the given ids and writes docs in a
// single transaction. A document both deleted and written ends up written.
func (s *Store) Replace(ctx context.Context, deleteIDs []int, docs []StoredDocument) error {
	if len(deleteIDs) == 0 && len(docs) == 0 {
		return nil
	}
	var w writeTally
	err := s.write(ctx, "replace", 0, func(tx kvTx) error {
		w = writeTally{}
		b := tx.Space(docsSpace)
		if err := s.deleteAll(b, deleteIDs, &w); err != nil {
			return err
		}
		return s.putAll(b, docs, &w)
	})
	if err != nil {
		return err
	}
	s.metrics.wrote(w)
	return nil
}

// Clear removes all documents, keeping the metadata.
func (s *Store) Clear(ctx context.Context) error {
	return s.write(ctx, "clear", 0, func(tx kvTx) error {
		return tx.Reset(docsSpace)
	})
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.read(ctx, "count", 0, func(tx kvTx) error {
		n = tx.Space(docsSpace).Stats().Keys
		return nil
	})
	return n, err
}

// NeedsRebuild reports whether the documents must be regenerated from the
// content source before the store can be trusted.
func (s *Store) NeedsRebuild(ctx context.Context) (bool, error) {
	var v bool
	err := s.read(ctx, "meta", 0, func(tx kvTx) error {
		raw := tx.Space(metaSpace).Get([]byte(metaNeedsRebuild))
		v = len(raw) == 1 && raw[0] != 0
		return nil
	})
	return v, err
}

func (s *Store) SetNeedsRebuild(ctx context.Context, v bool) error {
	return s.write(ctx, "meta", 0, func(tx kvTx) error {
		var raw byte
		if v {
			raw = 1
		}
		return tx.Space(metaSpace).Put([]byte(metaNeedsRebuild), []byte{raw})
	})
}

// Generation returns the document format generation the store was last
// populated with, or 0 for a store that has never been populated.
func (s *Store) Generation(ctx context.Context) (uint64, error) {
	var gen uint64
	err := s.read(ctx, "meta", 0, func(tx kvTx) error {
		raw := tx.Space(metaSpace).Get([]byte(metaGeneration))
		if raw == nil {
			return nil
		}
		v, n := binary.Uvarint(raw)
		if n <= 0 {
			return dataErrf(bytes.Clone(raw), 0, nil, "invalid generation")
		}
		gen = v
		return nil
	})
	return gen, err
}

func (s *Store) SetGeneration(ctx context.Context, gen uint64) error {
	return s.write(ctx, "meta", 0, func(tx kvTx) error {
		return tx.Space(metaSpace).Put([]byte(metaGeneration), binary.AppendUvarint(nil, gen))
	})
}

type StoreStats struct {
	Documents  int
	DataSize   int64
	AllocSize  int64
	TotalSize  int64
	Generation uint64
}

func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	err := s.read(ctx, "stats", 0, func(tx kvTx) error {
		bs := tx.Space(docsSpace).Stats()
		st.Documents = bs.Keys
		st.DataSize = bs.DataSize
		st.AllocSize = bs.AllocSize
		st.TotalSize = tx.Size()
		return nil
	})
	if err != nil {
		return st, err
	}
	st.Generation, err = s.Generation(ctx)
	return st, err
}
