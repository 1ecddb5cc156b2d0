package snapcache

import (
	"iter"
	"strconv"
	"strings"
)

// Children yields the children of id in sibling order. The sequence is empty
// for unknown ids and stops at the first broken link.
func (s *Snapshot) Children(id int) iter.Seq[*ContentNodeKit] {
	return func(yield func(*ContentNodeKit) bool) {
		parent, ok := s.lookup(id)
		if !ok {
			return
		}
		prev := 0
		budget := s.nodes.Len()
		for cid := parent.Node.FirstChildID; cid != 0 && budget > 0; budget-- {
			kit, ok := s.lookup(cid)
			if !ok || kit.Node.ParentID != id || kit.Node.PrevSiblingID != prev {
				return
			}
			if !yield(kit) {
				return
			}
			prev, cid = cid, kit.Node.NextSiblingID
		}
	}
}

// Ancestors yields the ancestors of id nearest first, as listed in its path.
// Ids missing from the index and pseudo-roots are skipped.
func (s *Snapshot) Ancestors(id int) iter.Seq[*ContentNodeKit] {
	return func(yield func(*ContentNodeKit) bool) {
		kit, ok := s.Get(id)
		if !ok {
			return
		}
		path := kit.Node.Path
		// drop the node's own id
		if i := strings.LastIndexByte(path, ','); i >= 0 {
			path = path[:i]
		} else {
			return
		}
		for path != "" {
			var seg string
			if i := strings.LastIndexByte(path, ','); i >= 0 {
				seg, path = path[i+1:], path[:i]
			} else {
				seg, path = path, ""
			}
			aid, err := strconv.Atoi(seg)
			if err != nil {
				continue
			}
			if a, ok := s.Get(aid); ok {
				if !yield(a) {
					return
				}
			}
		}
	}
}

// Siblings yields the children of id's parent, id included, in sibling order.
func (s *Snapshot) Siblings(id int) iter.Seq[*ContentNodeKit] {
	return func(yield func(*ContentNodeKit) bool) {
		kit, ok := s.Get(id)
		if !ok {
			return
		}
		for sib := range s.Children(kit.Node.ParentID) {
			if !yield(sib) {
				return
			}
		}
	}
}

// Descendants yields the branch below id depth first, each parent before its
// children.
func (s *Snapshot) Descendants(id int) iter.Seq[*ContentNodeKit] {
	return func(yield func(*ContentNodeKit) bool) {
		budget := s.nodes.Len()
		var walk func(id int) bool
		walk = func(id int) bool {
			for c := range s.Children(id) {
				if budget--; budget < 0 {
					return false
				}
				if !yield(c) || !walk(c.Node.ID) {
					return false
				}
			}
			return true
		}
		walk(id)
	}
}

// AtRoot yields the top-level content nodes.
func (s *Snapshot) AtRoot() iter.Seq[*ContentNodeKit] {
	return s.Children(RootID)
}

// Trashed yields the top-level nodes of the recycle bin.
func (s *Snapshot) Trashed() iter.Seq[*ContentNodeKit] {
	return s.Children(RecycleBinID)
}

func (idx *Index) Children(id int) iter.Seq[*ContentNodeKit] {
	return idx.Snapshot().Children(id)
}

func (idx *Index) Ancestors(id int) iter.Seq[*ContentNodeKit] {
	return idx.Snapshot().Ancestors(id)
}

func (idx *Index) Siblings(id int) iter.Seq[*ContentNodeKit] {
	return idx.Snapshot().Siblings(id)
}

func (idx *Index) Descendants(id int) iter.Seq[*ContentNodeKit] {
	return idx.Snapshot().Descendants(id)
}

func (idx *Index) AtRoot() iter.Seq[*ContentNodeKit] {
	return idx.Snapshot().AtRoot()
}

// IDs collects the ids of a kit sequence.
func IDs(seq iter.Seq[*ContentNodeKit]) []int {
	var out []int
	for kit := range seq {
		out = append(out, kit.Node.ID)
	}
	return out
}
