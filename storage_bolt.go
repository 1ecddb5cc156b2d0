package snapcache

import (
	"bytes"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

type boltKV struct {
	db *bbolt.DB
}

func openBolt(path string, opt StoreOptions) (*boltKV, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 5 << 20
	} else {
		bopt.InitialMmapSize = 1 << 30
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}
	db, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(btx *bbolt.Tx) error {
		for _, name := range keyspaces {
			if _, err := btx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltKV{db: db}, nil
}

func (s *boltKV) View(fn func(tx kvTx) error) error {
	return s.db.View(func(btx *bbolt.Tx) error { return fn(boltTx{btx}) })
}

func (s *boltKV) Update(fn func(tx kvTx) error) error {
	return s.db.Update(func(btx *bbolt.Tx) error { return fn(boltTx{btx}) })
}

func (s *boltKV) Close() error {
	return s.db.Close()
}

type boltTx struct {
	btx *bbolt.Tx
}

func (tx boltTx) Space(name string) kvSpace {
	b := tx.btx.Bucket([]byte(name))
	if b == nil {
		panic(fmt.Errorf("missing keyspace %q", name))
	}
	return boltSpace{b}
}

func (tx boltTx) Reset(name string) error {
	if err := tx.btx.DeleteBucket([]byte(name)); err != nil {
		return err
	}
	_, err := tx.btx.CreateBucket([]byte(name))
	return err
}

func (tx boltTx) Size() int64 { return tx.btx.Size() }

type boltSpace struct {
	b *bbolt.Bucket
}

func (s boltSpace) Get(key []byte) []byte       { return s.b.Get(key) }
func (s boltSpace) Put(key, value []byte) error { return s.b.Put(key, value) }
func (s boltSpace) Delete(key []byte) error     { return s.b.Delete(key) }

func (s boltSpace) Scan(after []byte, fn func(key, value []byte) bool) error {
	c := s.b.Cursor()
	var k, v []byte
	if after == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(after)
		if k != nil && bytes.Equal(k, after) {
			k, v = c.Next()
		}
	}
	for ; k != nil; k, v = c.Next() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func (s boltSpace) Stats() spaceStats {
	st := s.b.Stats()
	return spaceStats{
		Keys:      st.KeyN,
		DataSize:  int64(st.LeafInuse),
		AllocSize: int64(st.LeafAlloc + st.BranchAlloc),
	}
}
