package snapcache

import (
	"context"
	"strings"
	"testing"
)

func TestSnapshotDump(t *testing.T) {
	idx := NewIndex()
	upsertAll(t, idx,
		fullKit(10, RootID, 0, "Home"),
		node(11, 10, 0, "About"),
		node(30, RecycleBinID, 0, "Old"),
	)

	deepEqual(t, idx.Snapshot().Dump(DumpTree), dumpSep1+`
-1
  10 "Home" (sort 0, level 1, path -1,10) D+P
    11 "About" (sort 0, level 2, path -1,10,11) PLACEHOLDER
-20
  30 "Old" (sort 0, level 2, path -1,-20,30) PLACEHOLDER
`)

	got := idx.Snapshot().Dump(DumpTree | DumpData)
	want := `  10 "Home" (sort 0, level 1, path -1,10) D+P
    draft: "Home" v2 tpl=0 url=""
      title[/] = "Home"
    published: "Home" v1 tpl=0 url=""
      title[/] = "Home"
    11 "About"`
	if !strings.Contains(got, want) {
		t.Errorf("** got:\n%s\nwanted it to contain:\n%s", got, want)
	}

	deepEqual(t, idx.Snapshot().Dump(DumpStats), dumpSep1+"\nindex: gen = 3, nodes = 3\n")
}

func TestDumpCultureAndCleared(t *testing.T) {
	d := draftData("Home", 1)
	d.Properties["gone"] = nil
	d.CultureInfos["en"] = CultureVariation{Name: "Home", URLSegment: "home", IsDraft: true}
	var buf strings.Builder
	dumpData(&buf, "", "draft", d)
	deepEqual(t, buf.String(), `draft: "Home" v1 tpl=0 url=""
  gone = <cleared>
  title[/] = "Home"
  @en: "Home" url="home" draft=true
`)
}

func TestCacheDumpStore(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendMemory)
	c := newCache(s, &sliceSource{kits: []*ContentNodeKit{fullKit(10, RootID, 0, "Home")}})
	warmStart(t, c)
	putRaw(t, s, docKey(11), []byte("junk"))

	got := c.Dump(ctx, DumpStore)
	for _, want := range []string{
		dumpSep2 + "\n",
		`docs.1 = 10 (m1 g1) "Home" D+P`,
		"docs.2 = ** ERROR: ",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("** dump does not contain %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "-1\n") {
		t.Errorf("** tree dumped without DumpTree:\n%s", got)
	}

	got = c.Dump(ctx, DumpStats)
	if !strings.Contains(got, "store.stats: documents = 2,") || !strings.Contains(got, "generation = 1") {
		t.Errorf("** unexpected stats dump:\n%s", got)
	}
}

func TestDumpFlagsContains(t *testing.T) {
	deepEqual(t, DumpAll.Contains(DumpStore), true)
	deepEqual(t, DumpTree.Contains(DumpTree|DumpData), false)
	deepEqual(t, (DumpTree | DumpData).Contains(DumpData), true)
}
