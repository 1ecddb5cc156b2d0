package snapcache

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
)

type DumpFlags uint64

const (
	DumpTree = DumpFlags(1 << iota)
	DumpData
	DumpStore
	DumpStats

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)

	indentStep = "  "
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the index and the store as text for debugging and tests.
func (c *Cache) Dump(ctx context.Context, f DumpFlags) string {
	var buf strings.Builder
	c.Snapshot().dump(&buf, f)
	if c.store != nil && (f.Contains(DumpStore) || f.Contains(DumpStats)) {
		c.store.dump(ctx, &buf, f)
	}
	return buf.String()
}

// Dump renders the tree below the content root and the recycle bin.
func (s *Snapshot) Dump(f DumpFlags) string {
	var buf strings.Builder
	s.dump(&buf, f)
	return buf.String()
}

func (s *Snapshot) dump(w io.Writer, f DumpFlags) {
	if f.Contains(DumpStats) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "index: gen = %d, nodes = %d\n", s.gen, s.Len())
	}
	if !f.Contains(DumpTree) {
		return
	}
	fmt.Fprintln(w, dumpSep1)
	for _, root := range []int{RootID, RecycleBinID} {
		fmt.Fprintf(w, "%d\n", root)
		s.dumpChildren(w, f, root, indentStep)
	}
}

func (s *Snapshot) dumpChildren(w io.Writer, f DumpFlags, id int, indent string) {
	for kit := range s.Children(id) {
		n := kit.Node
		fmt.Fprintf(w, "%s%d %q (sort %d, level %d, path %s)%s\n", indent, n.ID, n.Name, n.SortOrder, n.Level, n.Path, kitFlags(kit))
		if f.Contains(DumpData) {
			dumpData(w, indent+indentStep, "draft", kit.Draft)
			dumpData(w, indent+indentStep, "published", kit.Published)
		}
		s.dumpChildren(w, f, n.ID, indent+indentStep)
	}
}

func kitFlags(kit *ContentNodeKit) string {
	switch {
	case kit.IsPlaceholder():
		return " PLACEHOLDER"
	case kit.Published != nil && kit.Draft != nil:
		return " D+P"
	case kit.Published != nil:
		return " P"
	default:
		return " D"
	}
}

func dumpData(w io.Writer, indent, label string, d *ContentData) {
	if d == nil {
		return
	}
	fmt.Fprintf(w, "%s%s: %q v%d tpl=%d url=%q\n", indent, label, d.Name, d.VersionID, d.TemplateID, d.URLSegment)
	for _, alias := range slices.Sorted(maps.Keys(d.Properties)) {
		list := d.Properties[alias]
		if list == nil {
			fmt.Fprintf(w, "%s%s%s = <cleared>\n", indent, indentStep, alias)
			continue
		}
		for _, p := range list {
			fmt.Fprintf(w, "%s%s%s[%s/%s] = %v\n", indent, indentStep, alias, p.Culture, p.Segment, p.Value)
		}
	}
	for _, culture := range slices.Sorted(maps.Keys(d.CultureInfos)) {
		cv := d.CultureInfos[culture]
		fmt.Fprintf(w, "%s%s@%s: %q url=%q draft=%v\n", indent, indentStep, culture, cv.Name, cv.URLSegment, cv.IsDraft)
	}
}

func (s *Store) dump(ctx context.Context, w io.Writer, f DumpFlags) {
	if f.Contains(DumpStats) {
		fmt.Fprintln(w, dumpSep1)
		st, err := s.Stats(ctx)
		if err != nil {
			fmt.Fprintf(w, "store.stats ** ERROR: %v\n", err)
		} else {
			fmt.Fprintf(w, "store.stats: documents = %d, data_size = %d, alloc = %d, total = %d, generation = %d\n", st.Documents, st.DataSize, st.AllocSize, st.TotalSize, st.Generation)
		}
	}
	if !f.Contains(DumpStore) {
		return
	}
	fmt.Fprintln(w, dumpSep2)
	var pos int
	err := s.Load(ctx, LoadOptions{}, func(doc RawDocument) error {
		pos++
		if doc.Err != nil {
			fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", docsSpace, pos, doc.Err)
			return nil
		}
		kit, report, err := DecodeKit(doc.Payload)
		if err != nil {
			fmt.Fprintf(w, "%s.%d = %d (m%d g%d) ** ERROR: %v\n", docsSpace, pos, doc.ID, doc.Info.ModCount, doc.Info.Generation, err)
			return nil
		}
		fmt.Fprintf(w, "%s.%d = %d (m%d g%d) %q%s\n", docsSpace, pos, doc.ID, doc.Info.ModCount, doc.Info.Generation, kit.Node.Name, kitFlags(kit))
		if !report.Clean() {
			fmt.Fprintf(w, "%s%s\n", indentStep, report.String())
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", docsSpace, err)
	}
}
