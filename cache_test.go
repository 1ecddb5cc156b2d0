package snapcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func siteKits() []*ContentNodeKit {
	return []*ContentNodeKit{
		fullKit(10, RootID, 0, "Home"),
		fullKit(11, 10, 0, "About"),
		fullKit(12, 10, 1, "Blog"),
		fullKit(13, 12, 0, "Post"),
	}
}

func newCache(store *Store, src ContentSource) *Cache {
	return New(Options{
		Store:         store,
		Source:        src,
		Verbose:       true,
		ChunkSize:     2,
		DecodeWorkers: 2,
	})
}

func warmStart(t testing.TB, c *Cache) WarmStartResult {
	t.Helper()
	res, err := c.WarmStart(context.Background())
	success(t, err)
	return res
}

func storedKit(t testing.TB, s *Store, id int) *ContentNodeKit {
	t.Helper()
	doc, found, err := s.Get(context.Background(), id)
	success(t, err)
	if !found {
		t.Fatalf("** document %d not stored", id)
	}
	success(t, doc.Err)
	kit, _, err := DecodeKit(doc.Payload)
	success(t, err)
	return kit
}

func TestCacheRebuildsEmptyStoreThenWarmStarts(t *testing.T) {
	ctx := context.Background()
	open := reopenBoltStore(t)
	src := &sliceSource{kits: siteKits()}

	s := open()
	c := newCache(s, src)
	res := warmStart(t, c)
	deepEqual(t, res.Rebuilt, true)
	deepEqual(t, res.Reason, "store empty")
	deepEqual(t, res.Loaded, 4)
	deepEqual(t, src.calls, 1)
	deepEqual(t, IDs(c.AtRoot()), []int{10})
	deepEqual(t, IDs(c.Children(10)), []int{11, 12})
	deepEqual(t, must(s.NeedsRebuild(ctx)), false)
	deepEqual(t, must(s.Generation(ctx)), uint64(FormatGeneration))
	deepEqual(t, must(s.Count(ctx)), 4)
	before := c.Snapshot()
	success(t, s.Close())

	s = open()
	defer s.Close()
	c = newCache(s, src)
	res = warmStart(t, c)
	deepEqual(t, res.Rebuilt, false)
	deepEqual(t, res.Loaded, 4)
	deepEqual(t, res.Malformed, 0)
	deepEqual(t, src.calls, 1)
	for kit := range before.All() {
		got, ok := c.Get(kit.Node.ID)
		deepEqual(t, ok, true)
		sameKit(t, got, kit)
	}
	deepEqual(t, IDs(c.Descendants(RootID)), []int{10, 11, 12, 13})
}

func TestCacheRebuildTriggers(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		damage func(s *Store)
		reason string
	}{
		{"flag set", func(s *Store) { success(t, s.SetNeedsRebuild(ctx, true)) }, "rebuild requested"},
		{"generation differs", func(s *Store) { success(t, s.SetGeneration(ctx, 99)) }, "store generation 99, want 1"},
		{"never populated", func(s *Store) { success(t, s.SetGeneration(ctx, 0)) }, "store generation 0, want 1"},
		{"emptied", func(s *Store) { success(t, s.Clear(ctx)) }, "store empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupStore(t, BackendMemory)
			src := &sliceSource{kits: siteKits()}
			_, err := newCache(s, src).Rebuild(ctx)
			success(t, err)

			tt.damage(s)
			c := newCache(s, src)
			res := warmStart(t, c)
			deepEqual(t, res.Rebuilt, true)
			deepEqual(t, res.Reason, tt.reason)
			deepEqual(t, src.calls, 2)
			deepEqual(t, c.Index().Len(), 4)
			deepEqual(t, must(s.NeedsRebuild(ctx)), false)
			deepEqual(t, must(s.Generation(ctx)), uint64(FormatGeneration))
		})
	}
}

func TestCacheNoSource(t *testing.T) {
	ctx := context.Background()

	_, err := newCache(setupStore(t, BackendMemory), nil).WarmStart(ctx)
	failure(t, err, ErrNoSource)

	_, err = newCache(nil, nil).WarmStart(ctx)
	failure(t, err, ErrNoSource)

	_, err = newCache(nil, nil).Rebuild(ctx)
	failure(t, err, ErrNoSource)
}

func TestCacheWithoutStore(t *testing.T) {
	src := &sliceSource{kits: siteKits()}
	c := newCache(nil, src)
	res := warmStart(t, c)
	deepEqual(t, res.Rebuilt, true)
	deepEqual(t, res.Reason, "no store")
	deepEqual(t, c.Index().Len(), 4)
	isnil(t, c.Store())

	success(t, c.Apply(context.Background(),
		UpsertEvent(fullKit(14, 12, 1, "Post 2")),
		RemoveEvent(11),
		RelinkEvent(12, 14, 13),
	))
	deepEqual(t, IDs(c.Descendants(RootID)), []int{10, 12, 14, 13})
}

func TestCacheFailedRebuildStaysFlagged(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendMemory)
	boom := errors.New("source unavailable")
	src := &sliceSource{kits: siteKits(), err: boom}

	_, err := newCache(s, src).WarmStart(ctx)
	failure(t, err, boom)
	deepEqual(t, must(s.NeedsRebuild(ctx)), true)

	src.err = nil
	res := warmStart(t, newCache(s, src))
	deepEqual(t, res.Reason, "rebuild requested")
	deepEqual(t, must(s.NeedsRebuild(ctx)), false)
}

func TestCacheRebuildSkipsInvalidKits(t *testing.T) {
	invalid := fullKit(20, RootID, 5, "Broken")
	invalid.Node.HasPublished = false
	src := &sliceSource{kits: append(siteKits(), nil, invalid, fullKit(21, 77, 0, "Orphan"))}

	s := setupStore(t, BackendMemory)
	c := newCache(s, src)
	res := warmStart(t, c)
	deepEqual(t, res.Malformed, 2)
	deepEqual(t, res.Loaded, 5)
	deepEqual(t, res.Unreachable, []int{21})
	deepEqual(t, c.Index().Len(), 4)
	_, ok := c.Get(20)
	deepEqual(t, ok, false)
}

func TestCacheSkipsMalformedDocuments(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := setupStore(t, BackendBadger)
	src := &sliceSource{kits: siteKits()}
	_, err := newCache(s, src).Rebuild(ctx)
	success(t, err)

	// damaged envelope on a node with children
	doc, _, _ := s.Get(ctx, 12)
	raw := appendEnvelope(nil, FormatGeneration, doc.Info.ModCount, doc.Payload)
	raw[len(raw)-2] ^= 0x10
	putRaw(t, s, docKey(12), raw)
	// valid kit stored under the wrong id
	must(s.Put(ctx, 14, must(EncodeKit(fullKit(11, 10, 0, "About")))))
	// undecodable payload
	must(s.Put(ctx, 15, []byte{0xc1}))

	c := New(Options{Store: s, Source: src, Metrics: m, ChunkSize: 2})
	res := warmStart(t, c)
	deepEqual(t, res.Rebuilt, false)
	deepEqual(t, res.Loaded, 3)
	deepEqual(t, res.Malformed, 3)
	deepEqual(t, res.Unreachable, []int{13})
	deepEqual(t, src.calls, 1)
	deepEqual(t, IDs(c.Descendants(RootID)), []int{10, 11})
	deepEqual(t, testutil.ToFloat64(m.DocumentsMalformed), 3.0)
	deepEqual(t, testutil.ToFloat64(m.DocumentsDecoded), 3.0)
	deepEqual(t, testutil.ToFloat64(m.IndexSize), 2.0)
}

func TestCacheApplyUpsert(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendBolt)
	c := newCache(s, &sliceSource{kits: siteKits()})
	warmStart(t, c)

	success(t, c.Apply(ctx, UpsertEvent(fullKit(14, 12, 1, "Post 2"))))
	deepEqual(t, IDs(c.Children(12)), []int{13, 14})
	stored := storedKit(t, s, 14)
	deepEqual(t, stored.Node.Path, "-1,10,12,14")
	deepEqual(t, stored.Node.Level, 3)
	deepEqual(t, stored.Node.PrevSiblingID, 13)

	err := c.Apply(ctx, UpsertEvent(fullKit(30, 999, 0, "Orphan")))
	failure(t, err, ErrParentNotFound)
	_, found, _ := s.Get(ctx, 30)
	deepEqual(t, found, false)
	_, ok := c.Get(30)
	deepEqual(t, ok, false)

	// stops at the first failure
	err = c.Apply(ctx,
		UpsertEvent(fullKit(31, 10, 5, "Applied")),
		UpsertEvent(nil),
		UpsertEvent(fullKit(32, 10, 6, "Not applied")),
	)
	failure(t, err, ErrNilNode)
	_, ok = c.Get(31)
	deepEqual(t, ok, true)
	_, ok = c.Get(32)
	deepEqual(t, ok, false)
}

func TestCacheApplyMove(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendMemory)
	c := newCache(s, &sliceSource{kits: siteKits()})
	warmStart(t, c)

	success(t, c.Apply(ctx, UpsertEvent(fullKit(12, RecycleBinID, 0, "Blog"))))
	deepEqual(t, IDs(c.Children(10)), []int{11})
	kit, _ := c.Get(13)
	deepEqual(t, kit.Node.Path, "-1,-20,12,13")
	deepEqual(t, IDs(c.Snapshot().Trashed()), []int{12})

	// the moved branch survives a reload
	c2 := newCache(s, nil)
	warmStart(t, c2)
	kit, _ = c2.Get(13)
	deepEqual(t, kit.Node.Path, "-1,-20,12,13")
}

func TestCacheApplyRemove(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendMemory)
	c := newCache(s, &sliceSource{kits: siteKits()})
	warmStart(t, c)

	success(t, c.Apply(ctx, RemoveEvent(12)))
	_, ok := c.Get(13)
	deepEqual(t, ok, false)
	deepEqual(t, IDs(c.Children(10)), []int{11})
	deepEqual(t, must(s.Count(ctx)), 2)

	success(t, c.Apply(ctx, RemoveEvent(404)))
	failure(t, c.Apply(ctx, RemoveEvent(RootID)), ErrInvalidKit)
	failure(t, c.Apply(ctx, RemoveEvent(RecycleBinID)), ErrInvalidKit)
}

func TestCacheApplyRelink(t *testing.T) {
	ctx := context.Background()
	open := reopenBoltStore(t)
	s := open()
	c := newCache(s, &sliceSource{kits: siteKits()})
	warmStart(t, c)

	success(t, c.Apply(ctx, RelinkEvent(10, 12, 11)))
	deepEqual(t, IDs(c.Children(10)), []int{12, 11})
	deepEqual(t, storedKit(t, s, 12).Node.SortOrder, 0)
	deepEqual(t, storedKit(t, s, 11).Node.SortOrder, 1)

	failure(t, c.Apply(ctx, RelinkEvent(10, 12)), ErrRelinkMismatch)
	success(t, s.Close())

	s = open()
	defer s.Close()
	c = newCache(s, nil)
	warmStart(t, c)
	deepEqual(t, IDs(c.Children(10)), []int{12, 11})
}

func TestCacheApplyRelinkStoreFailure(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendMemory)
	c := newCache(s, &sliceSource{kits: siteKits()})
	warmStart(t, c)
	gen := c.Snapshot().Generation()

	success(t, s.Close())
	failure(t, c.Apply(ctx, RelinkEvent(10, 12, 11)), ErrStoreClosed)
	deepEqual(t, IDs(c.Children(10)), []int{11, 12})
	deepEqual(t, c.Snapshot().Generation(), gen)
}

func TestCacheApplyRefreshBranch(t *testing.T) {
	ctx := context.Background()
	open := reopenBoltStore(t)
	s := open()
	c := newCache(s, &sliceSource{kits: siteKits()})
	warmStart(t, c)

	success(t, c.Apply(ctx, RefreshBranchEvent(12,
		fullKit(14, 12, 0, "New Post"),
		fullKit(12, 10, 1, "Blog v2"),
		fullKit(15, 404, 0, "Lost"),
	)))
	_, ok := c.Get(13)
	deepEqual(t, ok, false)
	_, ok = c.Get(15)
	deepEqual(t, ok, false)
	deepEqual(t, IDs(c.Children(10)), []int{11, 12})
	deepEqual(t, IDs(c.Children(12)), []int{14})
	deepEqual(t, storedKit(t, s, 12).Node.Name, "Blog v2")
	deepEqual(t, storedKit(t, s, 14).Node.Path, "-1,10,12,14")
	_, found, err := s.Get(ctx, 13)
	success(t, err)
	deepEqual(t, found, false)
	deepEqual(t, must(s.Count(ctx)), 4)

	failure(t, c.Apply(ctx, RefreshBranchEvent(RootID)), ErrInvalidKit)
	success(t, s.Close())

	s = open()
	defer s.Close()
	c = newCache(s, nil)
	warmStart(t, c)
	deepEqual(t, IDs(c.Children(12)), []int{14})
	kit, _ := c.Get(12)
	deepEqual(t, kit.Node.Name, "Blog v2")
}

func TestCacheApplyRefreshBranchStoreFailure(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendMemory)
	c := newCache(s, &sliceSource{kits: siteKits()})
	warmStart(t, c)

	success(t, s.Close())
	failure(t, c.Apply(ctx, RefreshBranchEvent(12, fullKit(12, 10, 1, "Blog v2"))), ErrStoreClosed)
	deepEqual(t, IDs(c.Children(12)), []int{13})
	kit, _ := c.Get(12)
	deepEqual(t, kit.Node.Name, "Blog")
}

func TestCacheApplyRemoveContentTypes(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendMemory)
	kits := siteKits()
	typed(kits[2], 2000)
	c := newCache(s, &sliceSource{kits: kits})
	warmStart(t, c)

	success(t, c.Apply(ctx, RemoveContentTypesEvent(2000)))
	_, ok := c.Get(12)
	deepEqual(t, ok, false)
	_, ok = c.Get(13)
	deepEqual(t, ok, false)
	deepEqual(t, IDs(c.Children(10)), []int{11})
	deepEqual(t, must(s.Count(ctx)), 2)

	success(t, c.Apply(ctx, RemoveContentTypesEvent(404)))
	deepEqual(t, must(s.Count(ctx)), 2)

	success(t, s.Close())
	failure(t, c.Apply(ctx, RemoveContentTypesEvent(1050)), ErrStoreClosed)
	deepEqual(t, c.Snapshot().Len(), 2)
}

func TestCacheRefreshAll(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendMemory)
	src := &sliceSource{kits: siteKits()}
	c := newCache(s, src)
	warmStart(t, c)

	src.kits = []*ContentNodeKit{fullKit(50, RootID, 0, "New Home")}
	success(t, c.Apply(ctx, RefreshAllEvent()))
	deepEqual(t, src.calls, 2)
	deepEqual(t, IDs(c.AtRoot()), []int{50})
	deepEqual(t, must(s.Count(ctx)), 1)
}

func TestCachePublishUnpublish(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, BackendMemory)
	c := newCache(s, &sliceSource{})
	_, err := c.Rebuild(ctx)
	success(t, err)

	draft := draftData("Home", 2)
	draft.CultureInfos = map[string]CultureVariation{"en": {Name: "Home", URLSegment: "home", Date: testDate, IsDraft: true}}
	pub := publishedData("Home", 2)
	pub.CultureInfos = map[string]CultureVariation{"en": {Name: "Home", URLSegment: "home", Date: testDate}}
	home := &ContentNode{ID: 10, UID: testUID(10), ParentID: RootID, Name: "Home", CreateDate: testDate}

	success(t, c.Apply(ctx, UpsertEvent(must(NewContentNodeKit(home, draft, nil)))))
	kit, _ := c.Get(10)
	deepEqual(t, kit.Node.HasPublished, false)

	success(t, c.Apply(ctx, UpsertEvent(must(NewContentNodeKit(home, draft, pub)))))
	kit, _ = c.Get(10)
	deepEqual(t, kit.Node.HasPublished, true)
	deepEqual(t, kit.Published.CultureInfos["en"].Name, "Home")
	kit, _ = c.GetByUID(testUID(10))
	deepEqual(t, kit.Node.ID, 10)

	success(t, c.Apply(ctx, UpsertEvent(kit.Unpublished())))
	kit, _ = c.Get(10)
	deepEqual(t, kit.Node.HasPublished, false)
	isnil(t, kit.Published)
	deepEqual(t, kit.Draft.Equal(draft), true)

	stored := storedKit(t, s, 10)
	deepEqual(t, stored.Node.HasPublished, false)
	isnil(t, stored.Published)
	deepEqual(t, stored.Draft.Equal(draft), true)
}

func TestCacheRun(t *testing.T) {
	s := setupStore(t, BackendMemory)
	c := newCache(s, &sliceSource{kits: siteKits()})
	warmStart(t, c)

	ch := make(chan Event, 4)
	ch <- UpsertEvent(fullKit(20, RootID, 1, "Contact"))
	ch <- UpsertEvent(fullKit(21, 999, 0, "Orphan"))
	ch <- RemoveEvent(11)
	close(ch)
	success(t, c.Run(context.Background(), ch))

	deepEqual(t, IDs(c.AtRoot()), []int{10, 20})
	deepEqual(t, IDs(c.Children(10)), []int{12})
	_, ok := c.Get(21)
	deepEqual(t, ok, false)
}

func TestCacheRunStopsOnCancel(t *testing.T) {
	c := newCache(nil, &sliceSource{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Run(ctx, make(chan Event))
	failure(t, err, context.DeadlineExceeded)
}

func TestCacheMetrics(t *testing.T) {
	ctx := context.Background()
	m := NewMetrics(prometheus.NewRegistry())
	s := must(OpenStore("", StoreOptions{Backend: BackendMemory, Metrics: m}))
	defer s.Close()
	c := New(Options{Store: s, Source: &sliceSource{kits: siteKits()}, Metrics: m})

	warmStart(t, c)
	deepEqual(t, testutil.ToFloat64(m.Rebuilds), 1.0)
	deepEqual(t, testutil.ToFloat64(m.StorePuts), 4.0)
	deepEqual(t, testutil.ToFloat64(m.IndexSize), 4.0)

	success(t, c.Apply(ctx,
		UpsertEvent(fullKit(14, 10, 2, "Contact")),
		UpsertEvent(fullKit(14, 10, 2, "Contact")),
		RemoveEvent(12),
	))
	deepEqual(t, testutil.ToFloat64(m.EventsApplied.WithLabelValues("upserted")), 2.0)
	deepEqual(t, testutil.ToFloat64(m.EventsApplied.WithLabelValues("removed")), 1.0)
	deepEqual(t, testutil.ToFloat64(m.StoreNoopPuts), 1.0)
	deepEqual(t, testutil.ToFloat64(m.StoreDeletes), 2.0)
	deepEqual(t, testutil.ToFloat64(m.IndexSize), 3.0)
}
