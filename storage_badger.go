package snapcache

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// Badger has a single flat keyspace; each of ours lives under "name\x00".
type badgerKV struct {
	db *badger.DB
}

func openBadger(path string, opt StoreOptions) (*badgerKV, error) {
	var bopt badger.Options
	if path == "" {
		bopt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopt = badger.DefaultOptions(path)
	}
	bopt = bopt.WithSyncWrites(!opt.IsTesting).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{opt.Logger})
	db, err := badger.Open(bopt)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &badgerKV{db: db}, nil
}

// badgerLogger routes badger's own logging into slog, one level down since
// badger is chatty at Info.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {}

func spacePrefix(name string) []byte {
	return append([]byte(name), 0)
}

func (s *badgerKV) View(fn func(tx kvTx) error) error {
	if s.db.IsClosed() {
		return ErrStoreClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{db: s.db, txn: txn})
	})
}

func (s *badgerKV) Update(fn func(tx kvTx) error) error {
	if s.db.IsClosed() {
		return ErrStoreClosed
	}
	tx := &badgerTx{db: s.db, txn: s.db.NewTransaction(true), writable: true}
	defer func() { tx.txn.Discard() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.txn.Commit()
}

func (s *badgerKV) Close() error {
	return s.db.Close()
}

type badgerTx struct {
	db       *badger.DB
	txn      *badger.Txn
	writable bool
}

func (tx *badgerTx) Space(name string) kvSpace {
	for _, known := range keyspaces {
		if known == name {
			return badgerSpace{tx: tx, prefix: spacePrefix(name)}
		}
	}
	panic(fmt.Errorf("missing keyspace %q", name))
}

// Reset deletes the keyspace's keys, committing early whenever the
// transaction grows too big. Only the final part is atomic with the rest of
// the transaction.
func (tx *badgerTx) Reset(name string) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	prefix := spacePrefix(name)
	var keys [][]byte
	err := tx.iterate(prefix, nil, false, func(item *badger.Item) bool {
		keys = append(keys, item.KeyCopy(nil))
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		err := tx.txn.Delete(k)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := tx.txn.Commit(); err != nil {
				return err
			}
			tx.txn = tx.db.NewTransaction(true)
			err = tx.txn.Delete(k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (tx *badgerTx) Size() int64 {
	lsm, vlog := tx.db.Size()
	return lsm + vlog
}

// iterate visits the keys under prefix that sort after prefix+after.
func (tx *badgerTx) iterate(prefix, after []byte, values bool, fn func(item *badger.Item) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	start := append(bytes.Clone(prefix), after...)
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if after != nil && bytes.Equal(item.Key(), start) {
			continue
		}
		if !fn(item) {
			break
		}
	}
	return nil
}

type badgerSpace struct {
	tx     *badgerTx
	prefix []byte
}

func (s badgerSpace) key(k []byte) []byte {
	return append(bytes.Clone(s.prefix), k...)
}

func (s badgerSpace) Get(key []byte) []byte {
	item, err := s.tx.txn.Get(s.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		panic(fmt.Errorf("badger get: %w", err))
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		panic(fmt.Errorf("badger get: %w", err))
	}
	return v
}

func (s badgerSpace) Put(key, value []byte) error {
	if !s.tx.writable {
		return errReadOnlyTx
	}
	return s.tx.txn.Set(s.key(key), bytes.Clone(value))
}

func (s badgerSpace) Delete(key []byte) error {
	if !s.tx.writable {
		return errReadOnlyTx
	}
	return s.tx.txn.Delete(s.key(key))
}

func (s badgerSpace) Scan(after []byte, fn func(key, value []byte) bool) error {
	var valueErr error
	err := s.tx.iterate(s.prefix, after, true, func(item *badger.Item) bool {
		v, err := item.ValueCopy(nil)
		if err != nil {
			valueErr = err
			return false
		}
		return fn(item.Key()[len(s.prefix):], v)
	})
	if err != nil {
		return err
	}
	return valueErr
}

func (s badgerSpace) Stats() spaceStats {
	var st spaceStats
	s.tx.iterate(s.prefix, nil, false, func(item *badger.Item) bool {
		st.Keys++
		st.DataSize += int64(len(item.Key())-len(s.prefix)) + item.ValueSize()
		st.AllocSize += item.EstimatedSize()
		return true
	})
	return st
}
