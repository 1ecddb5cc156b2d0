package snapcache

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Index is the in-memory tree of content node kits.
//
// Reads go through an immutable Snapshot and never block. Each mutation
// builds a complete new snapshot under the writer mutex and publishes it
// with a single atomic swap, so a reader walking a sibling list sees either
// the old list or the new one. Kits stored in the index are never modified
// in place; callers must treat returned kits as read-only.
type Index struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// Snapshot is a consistent, read-only view of the index.
type Snapshot struct {
	gen   uint64
	nodes *immutable.Map[int, *ContentNodeKit]
	uids  *immutable.Map[uuid.UUID, int]
}

func NewIndex() *Index {
	idx := &Index{}
	b := immutable.NewMapBuilder[int, *ContentNodeKit](nil)
	for _, kit := range pseudoRoots() {
		b.Set(kit.Node.ID, kit)
	}
	idx.snap.Store(&Snapshot{
		nodes: b.Map(),
		uids:  immutable.NewMap[uuid.UUID, int](uuidHasher{}),
	})
	return idx
}

const pseudoRootCount = 2

func pseudoRoots() []*ContentNodeKit {
	return []*ContentNodeKit{
		{Node: &ContentNode{ID: RootID, Path: rootPath, Level: 0}},
		{Node: &ContentNode{ID: RecycleBinID, ParentID: RootID, Path: recycleBinPath, Level: 1}},
	}
}

// Snapshot returns the current view. It stays valid and unchanged no matter
// what writers do afterwards.
func (idx *Index) Snapshot() *Snapshot {
	return idx.snap.Load()
}

func (idx *Index) Get(id int) (*ContentNodeKit, bool) {
	return idx.Snapshot().Get(id)
}

func (idx *Index) GetByUID(uid uuid.UUID) (*ContentNodeKit, bool) {
	return idx.Snapshot().GetByUID(uid)
}

func (idx *Index) Len() int {
	return idx.Snapshot().Len()
}

// Generation increases by one with every published mutation.
func (s *Snapshot) Generation() uint64 { return s.gen }

// Len returns the number of content nodes, not counting the pseudo-roots.
func (s *Snapshot) Len() int {
	return s.nodes.Len() - pseudoRootCount
}

// Get returns the kit for id. Pseudo-roots are not content and are never
// returned.
func (s *Snapshot) Get(id int) (*ContentNodeKit, bool) {
	if id == RootID || id == RecycleBinID {
		return nil, false
	}
	return s.nodes.Get(id)
}

func (s *Snapshot) GetByUID(uid uuid.UUID) (*ContentNodeKit, bool) {
	id, ok := s.uids.Get(uid)
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

func (s *Snapshot) lookup(id int) (*ContentNodeKit, bool) {
	return s.nodes.Get(id)
}

// All yields every content kit in no particular order.
func (s *Snapshot) All() iter.Seq[*ContentNodeKit] {
	return func(yield func(*ContentNodeKit) bool) {
		itr := s.nodes.Iterator()
		for !itr.Done() {
			_, kit, _ := itr.Next()
			if kit.Node.isPseudoRoot() {
				continue
			}
			if !yield(kit) {
				return
			}
		}
	}
}

// Upsert inserts a kit or replaces the kit with the same id. The parent must
// already be present. A replaced node keeps its children; it keeps its place
// among its siblings unless the parent or the sort order changed, in which
// case it is moved. Path and level are derived from the parent.
func (idx *Index) Upsert(kit *ContentNodeKit) error {
	if kit == nil {
		return ErrNilNode
	}
	if err := kit.validate(); err != nil {
		return err
	}
	return idx.update(func(t *indexTxn) error {
		return t.upsert(kit)
	})
}

// Prepare returns kit as Upsert would store it, with path, level and links
// filled in, without changing the index. It fails exactly when Upsert would.
func (idx *Index) Prepare(kit *ContentNodeKit) (*ContentNodeKit, error) {
	if kit == nil {
		return nil, ErrNilNode
	}
	if err := kit.validate(); err != nil {
		return nil, err
	}
	var out *ContentNodeKit
	err := idx.update(func(t *indexTxn) error {
		if err := t.upsert(kit); err != nil {
			return err
		}
		out, _ = t.nodes.Get(kit.Node.ID)
		return errNoChange
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes the node and its whole branch and returns the removed ids,
// the node itself first. Unknown ids and pseudo-roots remove nothing.
func (idx *Index) Remove(id int) []int {
	var removed []int
	idx.update(func(t *indexTxn) error {
		removed = t.remove(id)
		if len(removed) == 0 {
			return errNoChange
		}
		return nil
	})
	return removed
}

// Relink reorders the children of parentID to match childIDs, which must be
// exactly the current child set. Sort orders are renumbered to match the new
// positions; the kits whose sort order changed are returned.
func (idx *Index) Relink(parentID int, childIDs []int) ([]*ContentNodeKit, error) {
	var changed []*ContentNodeKit
	err := idx.update(func(t *indexTxn) error {
		var err error
		changed, err = t.relink(parentID, childIDs)
		return err
	})
	return changed, err
}

// BranchChange describes a branch replacement.
type BranchChange struct {
	// Written are the kits now in the branch, as stored, parents first.
	Written []*ContentNodeKit
	// Removed are the ids of the old branch that are no longer present.
	Removed []int
	// Skipped are the ids of kits that were invalid or whose parent could
	// not be found.
	Skipped []int
}

// SetBranch replaces the branch rooted at id with kits in a single step:
// readers see either the old branch or the new one. The kits may come in any
// order; a kit is placed once its parent is present. When id is unknown the
// kits are simply added.
func (idx *Index) SetBranch(id int, kits []*ContentNodeKit) (BranchChange, error) {
	var ch BranchChange
	err := idx.update(func(t *indexTxn) error {
		var err error
		ch, err = t.setBranch(id, kits)
		return err
	})
	return ch, err
}

// RemoveContentTypes removes every node whose content type is one of typeIDs,
// along with its whole branch, and returns the removed ids.
func (idx *Index) RemoveContentTypes(typeIDs ...int) []int {
	var removed []int
	idx.update(func(t *indexTxn) error {
		removed = t.removeContentTypes(typeIDs)
		if len(removed) == 0 {
			return errNoChange
		}
		return nil
	})
	return removed
}

// SetAll replaces the whole index with kits. Children are linked in sort
// order (ties broken by id). Kits that cannot be reached from a pseudo-root
// through their parents are skipped and their ids returned.
func (idx *Index) SetAll(kits []*ContentNodeKit) (skipped []int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	latest := make(map[int]*ContentNodeKit, len(kits))
	for _, kit := range kits {
		if kit == nil || kit.Node == nil || kit.Node.isPseudoRoot() || kit.Node.ID == 0 {
			continue
		}
		latest[kit.Node.ID] = kit
	}
	byParent := make(map[int][]*ContentNodeKit)
	for _, kit := range latest {
		byParent[kit.Node.ParentID] = append(byParent[kit.Node.ParentID], kit)
	}
	for _, list := range byParent {
		slices.SortFunc(list, func(a, b *ContentNodeKit) int {
			return cmp.Or(
				cmp.Compare(a.Node.SortOrder, b.Node.SortOrder),
				cmp.Compare(a.Node.ID, b.Node.ID),
			)
		})
	}

	nodes := immutable.NewMapBuilder[int, *ContentNodeKit](nil)
	uids := immutable.NewMapBuilder[uuid.UUID, int](uuidHasher{})
	var queue []*ContentNode
	for _, kit := range pseudoRoots() {
		nodes.Set(kit.Node.ID, kit)
		queue = append(queue, kit.Node)
	}

	// Every node in the queue is a fresh clone owned by the builder, so its
	// links can be set in place.
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		var last *ContentNode
		for _, kit := range byParent[parent.ID] {
			n := kit.Node.clone()
			n.Path = childPath(parent.Path, n.ID)
			n.Level = levelOf(n.Path)
			n.FirstChildID, n.NextSiblingID, n.PrevSiblingID = 0, 0, 0
			if last == nil {
				parent.FirstChildID = n.ID
			} else {
				last.NextSiblingID = n.ID
				n.PrevSiblingID = last.ID
			}
			last = n
			nodes.Set(n.ID, kit.WithNode(n))
			if n.UID != uuid.Nil {
				uids.Set(n.UID, n.ID)
			}
			queue = append(queue, n)
		}
		delete(byParent, parent.ID)
	}

	for _, list := range byParent {
		for _, kit := range list {
			skipped = append(skipped, kit.Node.ID)
		}
	}
	slices.Sort(skipped)

	old := idx.snap.Load()
	idx.snap.Store(&Snapshot{
		gen:   old.gen + 1,
		nodes: nodes.Map(),
		uids:  uids.Map(),
	})
	return skipped
}

var errNoChange = errors.New("no change")

func (idx *Index) update(f func(t *indexTxn) error) error {
	return idx.commit(f, nil)
}

// commit runs f on a private copy of the current snapshot, then persist, and
// publishes the result only when both succeed. Returning errNoChange from f
// skips persist and publishes nothing.
func (idx *Index) commit(f func(t *indexTxn) error, persist func() error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old := idx.snap.Load()
	t := &indexTxn{
		nodes: old.nodes,
		uids:  old.uids,
		own:   make(map[int]*ContentNode),
	}
	err := f(t)
	if err == errNoChange {
		return nil
	} else if err != nil {
		return err
	}
	if persist != nil {
		if err := persist(); err != nil {
			return err
		}
	}
	idx.snap.Store(&Snapshot{
		gen:   old.gen + 1,
		nodes: t.nodes,
		uids:  t.uids,
	})
	return nil
}

// indexTxn accumulates one mutation on top of persistent maps. Nodes listed
// in own were cloned by this transaction and may be edited in place until
// the new snapshot is published.
type indexTxn struct {
	nodes *immutable.Map[int, *ContentNodeKit]
	uids  *immutable.Map[uuid.UUID, int]
	own   map[int]*ContentNode
}

func (t *indexTxn) node(id int) *ContentNode {
	kit, ok := t.nodes.Get(id)
	if !ok {
		return nil
	}
	return kit.Node
}

func (t *indexTxn) edit(id int) *ContentNode {
	if n := t.own[id]; n != nil {
		return n
	}
	kit, ok := t.nodes.Get(id)
	if !ok {
		return nil
	}
	n := kit.Node.clone()
	t.nodes = t.nodes.Set(id, kit.WithNode(n))
	t.own[id] = n
	return n
}

func (t *indexTxn) put(kit *ContentNodeKit) *ContentNode {
	n := kit.Node.clone()
	t.nodes = t.nodes.Set(n.ID, kit.WithNode(n))
	t.own[n.ID] = n
	return n
}

func (t *indexTxn) delete(id int) {
	if kit, ok := t.nodes.Get(id); ok {
		if kit.Node.UID != uuid.Nil {
			if owner, ok := t.uids.Get(kit.Node.UID); ok && owner == id {
				t.uids = t.uids.Delete(kit.Node.UID)
			}
		}
		t.nodes = t.nodes.Delete(id)
	}
	delete(t.own, id)
}

func (t *indexTxn) limit() int {
	return t.nodes.Len()
}

func (t *indexTxn) upsert(kit *ContentNodeKit) error {
	id := kit.Node.ID
	if id == 0 || kit.Node.isPseudoRoot() {
		return kitErrf(id, ErrInvalidKit, "reserved node id")
	}
	parentID := kit.Node.ParentID
	parent := t.node(parentID)
	if parent == nil {
		return kitErrf(id, ErrParentNotFound, "parent %d", parentID)
	}
	for p, budget := parent, t.limit(); p != nil && !p.isPseudoRoot(); p, budget = t.node(p.ParentID), budget-1 {
		if p.ID == id || budget <= 0 {
			return kitErrf(id, ErrInvalidKit, "parent %d is inside the node's own branch", parentID)
		}
	}

	existing := t.node(id)
	moved := existing == nil || existing.ParentID != parentID || existing.SortOrder != kit.Node.SortOrder
	if existing != nil && moved {
		t.unlink(id)
		existing = t.node(id)
	}

	n := t.put(kit)
	n.Path = childPath(parent.Path, id)
	n.Level = levelOf(n.Path)
	if existing != nil {
		n.FirstChildID = existing.FirstChildID
		n.PrevSiblingID, n.NextSiblingID = existing.PrevSiblingID, existing.NextSiblingID
		if existing.UID != n.UID && existing.UID != uuid.Nil {
			if owner, ok := t.uids.Get(existing.UID); ok && owner == id {
				t.uids = t.uids.Delete(existing.UID)
			}
		}
	} else {
		n.FirstChildID = 0
	}
	if n.UID != uuid.Nil {
		t.uids = t.uids.Set(n.UID, id)
	}
	if moved {
		n.PrevSiblingID, n.NextSiblingID = 0, 0
		t.insertChild(parentID, id)
	}
	if existing != nil && existing.Path != n.Path {
		t.rewritePaths(id)
	}
	return nil
}

// unlink detaches id from its sibling list, leaving its own links cleared.
func (t *indexTxn) unlink(id int) {
	n := t.node(id)
	if n == nil {
		return
	}
	prev, next := n.PrevSiblingID, n.NextSiblingID
	if prev != 0 {
		if p := t.edit(prev); p != nil {
			p.NextSiblingID = next
		}
	} else if parent := t.node(n.ParentID); parent != nil && parent.FirstChildID == id {
		t.edit(n.ParentID).FirstChildID = next
	}
	if next != 0 {
		if nx := t.edit(next); nx != nil {
			nx.PrevSiblingID = prev
		}
	}
	self := t.edit(id)
	self.PrevSiblingID, self.NextSiblingID = 0, 0
}

// insertChild links id into parentID's children before the first sibling
// with a greater sort order; equal sort orders keep insertion order.
func (t *indexTxn) insertChild(parentID, id int) {
	parent := t.edit(parentID)
	n := t.edit(id)

	var last *ContentNode
	budget := t.limit()
	for cid := parent.FirstChildID; cid != 0 && budget > 0; budget-- {
		c := t.node(cid)
		if c == nil {
			break
		}
		if c.SortOrder > n.SortOrder {
			n.NextSiblingID = c.ID
			n.PrevSiblingID = c.PrevSiblingID
			if c.PrevSiblingID == 0 {
				parent.FirstChildID = id
			} else {
				t.edit(c.PrevSiblingID).NextSiblingID = id
			}
			t.edit(c.ID).PrevSiblingID = id
			return
		}
		last = c
		cid = c.NextSiblingID
	}
	if last == nil {
		parent.FirstChildID = id
		return
	}
	t.edit(last.ID).NextSiblingID = id
	n.PrevSiblingID = last.ID
}

func (t *indexTxn) children(id int) []int {
	var out []int
	n := t.node(id)
	if n == nil {
		return nil
	}
	budget := t.limit()
	for cid := n.FirstChildID; cid != 0 && budget > 0; budget-- {
		c := t.node(cid)
		if c == nil || c.ParentID != id {
			break
		}
		out = append(out, cid)
		cid = c.NextSiblingID
	}
	return out
}

// branch returns id followed by all its descendants, parents before children.
func (t *indexTxn) branch(id int) []int {
	out := []int{id}
	seen := map[int]bool{id: true}
	for i := 0; i < len(out); i++ {
		for _, cid := range t.children(out[i]) {
			if !seen[cid] {
				seen[cid] = true
				out = append(out, cid)
			}
		}
	}
	return out
}

func (t *indexTxn) rewritePaths(id int) {
	for _, did := range t.branch(id)[1:] {
		d := t.edit(did)
		parent := t.node(d.ParentID)
		if parent == nil {
			continue
		}
		d.Path = childPath(parent.Path, did)
		d.Level = levelOf(d.Path)
	}
}

func (t *indexTxn) remove(id int) []int {
	n := t.node(id)
	if n == nil || n.isPseudoRoot() {
		return nil
	}
	ids := t.branch(id)
	t.unlink(id)
	for _, did := range ids {
		t.delete(did)
	}
	return ids
}

func (t *indexTxn) setBranch(id int, kits []*ContentNodeKit) (BranchChange, error) {
	var ch BranchChange
	if id == 0 || id == RootID || id == RecycleBinID {
		return ch, kitErrf(id, ErrInvalidKit, "cannot replace the branch of a pseudo-root")
	}
	old := t.remove(id)

	pending := make([]*ContentNodeKit, 0, len(kits))
	for _, kit := range kits {
		if kit == nil {
			continue
		}
		if kit.validate() != nil {
			if kit.Node != nil {
				ch.Skipped = append(ch.Skipped, kit.Node.ID)
			}
			continue
		}
		pending = append(pending, kit)
	}
	var placed []int
	for progress := true; progress && len(pending) > 0; {
		progress = false
		rest := pending[:0]
		for _, kit := range pending {
			if t.node(kit.Node.ParentID) == nil {
				rest = append(rest, kit)
				continue
			}
			if err := t.upsert(kit); err != nil {
				ch.Skipped = append(ch.Skipped, kit.Node.ID)
				continue
			}
			placed = append(placed, kit.Node.ID)
			progress = true
		}
		pending = rest
	}
	for _, kit := range pending {
		ch.Skipped = append(ch.Skipped, kit.Node.ID)
	}
	slices.Sort(ch.Skipped)

	written := make(map[int]bool, len(placed))
	for _, pid := range placed {
		if written[pid] {
			continue
		}
		written[pid] = true
		if kit, ok := t.nodes.Get(pid); ok {
			ch.Written = append(ch.Written, kit)
		}
	}
	for _, rid := range old {
		if !written[rid] {
			ch.Removed = append(ch.Removed, rid)
		}
	}
	if len(old) == 0 && len(placed) == 0 {
		return ch, errNoChange
	}
	return ch, nil
}

func (t *indexTxn) removeContentTypes(typeIDs []int) []int {
	if len(typeIDs) == 0 {
		return nil
	}
	var roots []int
	for itr := t.nodes.Iterator(); !itr.Done(); {
		id, kit, _ := itr.Next()
		if !kit.Node.isPseudoRoot() && slices.Contains(typeIDs, kit.ContentTypeID) {
			roots = append(roots, id)
		}
	}
	slices.Sort(roots)
	var removed []int
	for _, id := range roots {
		removed = append(removed, t.remove(id)...)
	}
	return removed
}

func (t *indexTxn) relink(parentID int, childIDs []int) ([]*ContentNodeKit, error) {
	if t.node(parentID) == nil {
		return nil, fmt.Errorf("relink %d: %w", parentID, ErrParentNotFound)
	}
	current := t.children(parentID)
	if len(current) != len(childIDs) {
		return nil, fmt.Errorf("relink %d: have %d children, got %d ids: %w", parentID, len(current), len(childIDs), ErrRelinkMismatch)
	}
	want := make(map[int]bool, len(current))
	for _, cid := range current {
		want[cid] = true
	}
	for _, cid := range childIDs {
		if !want[cid] {
			return nil, fmt.Errorf("relink %d: node %d is not a child or is repeated: %w", parentID, cid, ErrRelinkMismatch)
		}
		delete(want, cid)
	}

	var changed []int
	prev := 0
	for i, cid := range childIDs {
		c := t.edit(cid)
		c.PrevSiblingID = prev
		c.NextSiblingID = 0
		if c.SortOrder != i {
			c.SortOrder = i
			changed = append(changed, cid)
		}
		if prev == 0 {
			t.edit(parentID).FirstChildID = cid
		} else {
			t.edit(prev).NextSiblingID = cid
		}
		prev = cid
	}
	if len(childIDs) == 0 {
		t.edit(parentID).FirstChildID = 0
	}

	kits := make([]*ContentNodeKit, 0, len(changed))
	for _, cid := range changed {
		kit, _ := t.nodes.Get(cid)
		kits = append(kits, kit)
	}
	return kits, nil
}

type uuidHasher struct{}

func (uuidHasher) Hash(key uuid.UUID) uint32 {
	return uint32(xxhash.Sum64(key[:]))
}

func (uuidHasher) Equal(a, b uuid.UUID) bool {
	return a == b
}
