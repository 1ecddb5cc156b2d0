package snapcache

// Every backend holds the same fixed keyspaces, created when it is opened.
const (
	docsSpace = "docs"
	metaSpace = "meta"
)

var keyspaces = [...]string{docsSpace, metaSpace}

// kv is the embedded database behind a Store. View and Update run fn in a
// read-only or read-write transaction; Update commits when fn returns nil and
// discards all writes otherwise.
type kv interface {
	View(fn func(tx kvTx) error) error
	Update(fn func(tx kvTx) error) error
	Close() error
}

type kvTx interface {
	// Space returns one of the fixed keyspaces. It panics on unknown names.
	Space(name string) kvSpace

	// Reset drops every key in a keyspace.
	Reset(name string) error

	// Size is the on-disk (or in-memory) size of the whole database.
	Size() int64
}

// kvSpace is a sorted byte-keyed collection. Slices passed to or returned by
// its methods are only valid until the transaction ends.
type kvSpace interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error

	// Scan calls fn for the keys greater than after in ascending order, or for
	// all keys when after is nil, until fn returns false.
	Scan(after []byte, fn func(key, value []byte) bool) error

	Stats() spaceStats
}

type spaceStats struct {
	Keys      int
	DataSize  int64 // keys plus values
	AllocSize int64 // zero when the backend cannot tell
}
