package snapcache

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/benbjohnson/immutable"
)

type memSpace = immutable.SortedMap[string, []byte]

// memKV keeps each keyspace in a persistent sorted map. Readers work on the
// maps that were current when they started; a writer edits private versions
// and publishes them on commit, so there is at most one writer at a time.
type memKV struct {
	writeMu sync.Mutex

	mu     sync.RWMutex
	spaces map[string]*memSpace
	closed bool
}

func newMemKV() *memKV {
	spaces := make(map[string]*memSpace, len(keyspaces))
	for _, name := range keyspaces {
		spaces[name] = immutable.NewSortedMap[string, []byte](nil)
	}
	return &memKV{spaces: spaces}
}

func (s *memKV) current() (map[string]*memSpace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.spaces, nil
}

func (s *memKV) View(fn func(tx kvTx) error) error {
	spaces, err := s.current()
	if err != nil {
		return err
	}
	return fn(&memTx{spaces: spaces})
}

func (s *memKV) Update(fn func(tx kvTx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	spaces, err := s.current()
	if err != nil {
		return err
	}
	tx := &memTx{spaces: make(map[string]*memSpace, len(spaces)), writable: true}
	for name, m := range spaces {
		tx.spaces[name] = m
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.spaces = tx.spaces
	return nil
}

func (s *memKV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.spaces = nil
	return nil
}

type memTx struct {
	spaces   map[string]*memSpace
	writable bool
}

func (tx *memTx) Space(name string) kvSpace {
	if _, ok := tx.spaces[name]; !ok {
		panic(fmt.Errorf("missing keyspace %q", name))
	}
	return memSpaceHandle{tx: tx, name: name}
}

func (tx *memTx) Reset(name string) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	tx.spaces[name] = immutable.NewSortedMap[string, []byte](nil)
	return nil
}

func (tx *memTx) Size() int64 {
	var n int64
	for name := range tx.spaces {
		n += memSpaceHandle{tx: tx, name: name}.Stats().DataSize
	}
	return n
}

type memSpaceHandle struct {
	tx   *memTx
	name string
}

func (h memSpaceHandle) m() *memSpace { return h.tx.spaces[h.name] }

func (h memSpaceHandle) Get(key []byte) []byte {
	v, _ := h.m().Get(string(key))
	return v
}

func (h memSpaceHandle) Put(key, value []byte) error {
	if !h.tx.writable {
		return errReadOnlyTx
	}
	h.tx.spaces[h.name] = h.m().Set(string(key), bytes.Clone(value))
	return nil
}

func (h memSpaceHandle) Delete(key []byte) error {
	if !h.tx.writable {
		return errReadOnlyTx
	}
	h.tx.spaces[h.name] = h.m().Delete(string(key))
	return nil
}

func (h memSpaceHandle) Scan(after []byte, fn func(key, value []byte) bool) error {
	itr := h.m().Iterator()
	if after != nil {
		itr.Seek(string(after))
	}
	for !itr.Done() {
		k, v, _ := itr.Next()
		if after != nil && k == string(after) {
			continue
		}
		if !fn([]byte(k), v) {
			break
		}
	}
	return nil
}

func (h memSpaceHandle) Stats() spaceStats {
	m := h.m()
	st := spaceStats{Keys: m.Len()}
	for itr := m.Iterator(); !itr.Done(); {
		k, v, _ := itr.Next()
		st.DataSize += int64(len(k) + len(v))
	}
	st.AllocSize = st.DataSize
	return st
}
