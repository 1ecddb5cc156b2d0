package snapcache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ContentSource is the source of truth the cache is rebuilt from when the
// store cannot be trusted.
type ContentSource interface {
	// ExportAll calls fn for every content node kit. It stops and returns the
	// error if fn fails.
	ExportAll(ctx context.Context, fn func(kit *ContentNodeKit) error) error
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// Source is used for rebuilds. A cache without a source fails to start
	// when the store needs a rebuild.
	Source ContentSource

	// Store persists the kits. A cache without a store is populated from
	// Source on every start.
	Store *Store

	DecodeWorkers int
	ChunkSize     int
	Metrics       *Metrics
}

// Cache keeps the published-content tree in memory, backed by a Store for
// warm starts and kept current by change events.
type Cache struct {
	idx       *Index
	store     *Store
	source    ContentSource
	logger    *slog.Logger
	verbose   bool
	workers   int
	chunkSize int
	metrics   *Metrics

	applyMu sync.Mutex
}

func New(opt Options) *Cache {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.DecodeWorkers <= 0 {
		opt.DecodeWorkers = runtime.GOMAXPROCS(0)
	}
	if opt.ChunkSize <= 0 {
		opt.ChunkSize = DefaultChunkSize
	}
	return &Cache{
		idx:       NewIndex(),
		store:     opt.Store,
		source:    opt.Source,
		logger:    opt.Logger,
		verbose:   opt.Verbose,
		workers:   opt.DecodeWorkers,
		chunkSize: opt.ChunkSize,
		metrics:   opt.Metrics,
	}
}

func (c *Cache) Index() *Index { return c.idx }

func (c *Cache) Store() *Store { return c.store }

// WarmStartResult describes how the cache was populated.
type WarmStartResult struct {
	Loaded      int
	Malformed   int
	Unreachable []int
	Rebuilt     bool
	Reason      string
}

// WarmStart populates the index from the store, or rebuilds the store from
// the content source when the store needs it. Running it again replaces the
// index with a fresh load.
func (c *Cache) WarmStart(ctx context.Context) (WarmStartResult, error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.warmStart(ctx)
}

func (c *Cache) warmStart(ctx context.Context) (WarmStartResult, error) {
	if c.store == nil {
		return c.rebuild(ctx, "no store")
	}
	reason, err := c.rebuildReason(ctx)
	if err != nil {
		c.logger.Error("snapcache: cannot read store state", "err", err)
		return c.rebuild(ctx, "store error")
	}
	if reason != "" {
		return c.rebuild(ctx, reason)
	}

	res, err := c.load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		c.logger.Error("snapcache: loading store failed", "err", err)
		return c.rebuild(ctx, "load failed")
	}
	return res, nil
}

func (c *Cache) rebuildReason(ctx context.Context) (string, error) {
	needs, err := c.store.NeedsRebuild(ctx)
	if err != nil {
		return "", err
	}
	if needs {
		return "rebuild requested", nil
	}
	gen, err := c.store.Generation(ctx)
	if err != nil {
		return "", err
	}
	n, err := c.store.Count(ctx)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "store empty", nil
	}
	if gen != FormatGeneration {
		return fmt.Sprintf("store generation %d, want %d", gen, FormatGeneration), nil
	}
	return "", nil
}

type decodedDoc struct {
	kit *ContentNodeKit
	ok  bool
}

func (c *Cache) load(ctx context.Context) (WarmStartResult, error) {
	var res WarmStartResult
	var kits []*ContentNodeKit
	err := c.store.LoadChunks(ctx, LoadOptions{ChunkSize: c.chunkSize}, func(chunk []RawDocument) error {
		out := make([]decodedDoc, len(chunk))
		var g errgroup.Group
		g.SetLimit(c.workers)
		for i, doc := range chunk {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				out[i] = c.decodeDocument(doc)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, d := range out {
			if d.ok {
				kits = append(kits, d.kit)
				res.Loaded++
			} else {
				res.Malformed++
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	res.Unreachable = c.idx.SetAll(kits)
	if len(res.Unreachable) > 0 {
		c.logger.Warn("snapcache: skipped nodes without a loaded parent", "ids", res.Unreachable)
	}
	c.metrics.indexSize(c.idx.Len())
	c.logger.Info("snapcache: loaded from store", "nodes", res.Loaded, "malformed", res.Malformed)
	return res, nil
}

func (c *Cache) decodeDocument(doc RawDocument) decodedDoc {
	if doc.Err != nil {
		c.logger.Warn("snapcache: skipping malformed document", "id", doc.ID, "err", doc.Err)
		c.metrics.malformed()
		return decodedDoc{}
	}
	if doc.Info.Generation != FormatGeneration {
		c.logger.Warn("snapcache: skipping document of another generation", "id", doc.ID, "generation", doc.Info.Generation)
		c.metrics.malformed()
		return decodedDoc{}
	}
	kit, report, err := DecodeKit(doc.Payload)
	if err != nil {
		c.logger.Warn("snapcache: skipping malformed document", "id", doc.ID, "err", err)
		c.metrics.malformed()
		return decodedDoc{}
	}
	if kit.Node.ID != doc.ID {
		c.logger.Warn("snapcache: skipping document stored under another id", "id", doc.ID, "kit", kit.Node.ID)
		c.metrics.malformed()
		return decodedDoc{}
	}
	if report.Significant() {
		c.logger.Warn("snapcache: document partially decoded", "id", doc.ID, "issues", report.String())
	} else if !report.Clean() && c.verbose {
		c.logger.Debug("snapcache: document decoded with defaults", "id", doc.ID, "issues", report.String())
	}
	c.metrics.decoded()
	return decodedDoc{kit: kit, ok: true}
}

// Rebuild repopulates the store and the index from the content source.
func (c *Cache) Rebuild(ctx context.Context) (WarmStartResult, error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.rebuild(ctx, "requested")
}

func (c *Cache) rebuild(ctx context.Context, reason string) (WarmStartResult, error) {
	res := WarmStartResult{Rebuilt: true, Reason: reason}
	if c.source == nil {
		return res, ErrNoSource
	}
	c.logger.Info("snapcache: rebuilding from content source", "reason", reason)
	c.metrics.rebuild()

	if c.store != nil {
		// The flag stays set until the rebuild completes, so an interrupted
		// rebuild is retried on the next start.
		if err := c.store.SetNeedsRebuild(ctx, true); err != nil {
			return res, err
		}
		if err := c.store.Clear(ctx); err != nil {
			return res, err
		}
	}

	var kits []*ContentNodeKit
	var batch []StoredDocument
	flush := func() error {
		if c.store == nil || len(batch) == 0 {
			return nil
		}
		err := c.store.PutBatch(ctx, batch)
		batch = batch[:0]
		return err
	}
	err := c.source.ExportAll(ctx, func(kit *ContentNodeKit) error {
		if kit == nil || kit.Node == nil {
			c.logger.Warn("snapcache: content source returned a kit without a node")
			res.Malformed++
			return nil
		}
		if err := kit.validate(); err != nil {
			c.logger.Warn("snapcache: content source returned an invalid kit", "id", kit.Node.ID, "err", err)
			res.Malformed++
			return nil
		}
		kits = append(kits, kit)
		res.Loaded++
		if c.store == nil {
			return nil
		}
		payload, err := EncodeKit(kit)
		if err != nil {
			return err
		}
		batch = append(batch, StoredDocument{ID: kit.Node.ID, Payload: payload})
		if len(batch) >= c.chunkSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return res, fmt.Errorf("snapcache: rebuild: %w", err)
	}

	res.Unreachable = c.idx.SetAll(kits)
	if len(res.Unreachable) > 0 {
		c.logger.Warn("snapcache: skipped nodes without an exported parent", "ids", res.Unreachable)
	}
	c.metrics.indexSize(c.idx.Len())

	if c.store != nil {
		if err := c.store.SetGeneration(ctx, FormatGeneration); err != nil {
			return res, err
		}
		if err := c.store.SetNeedsRebuild(ctx, false); err != nil {
			return res, err
		}
	}
	c.logger.Info("snapcache: rebuilt", "nodes", res.Loaded, "invalid", res.Malformed)
	return res, nil
}

// Apply applies change events in order, persisting each change before it
// becomes visible in the index. It stops at the first failing event.
func (c *Cache) Apply(ctx context.Context, events ...Event) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	for _, ev := range events {
		if err := c.apply(ctx, ev); err != nil {
			return fmt.Errorf("snapcache: %v: %w", ev, err)
		}
		c.metrics.applied(ev.Kind)
		c.metrics.indexSize(c.idx.Len())
	}
	return nil
}

func (c *Cache) apply(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventKitUpserted:
		return c.upsert(ctx, ev.Kit)
	case EventKitRemoved:
		return c.remove(ctx, ev.ID)
	case EventSubtreeRelinked:
		return c.relink(ctx, ev.ParentID, ev.ChildIDs)
	case EventBranchRefreshed:
		return c.refreshBranch(ctx, ev.ID, ev.Kits)
	case EventContentTypesRemoved:
		return c.removeContentTypes(ctx, ev.TypeIDs)
	case EventRefreshAll:
		_, err := c.rebuild(ctx, "refresh requested")
		return err
	default:
		return fmt.Errorf("unknown event kind %v", ev.Kind)
	}
}

func (c *Cache) upsert(ctx context.Context, kit *ContentNodeKit) error {
	prepared, err := c.idx.Prepare(kit)
	if err != nil {
		return err
	}
	if c.store != nil {
		// Store.Put does not retain the payload, so the buffer goes back to
		// the pool right after the write.
		payload, err := AppendKit(getPayloadBytes(), prepared)
		if err == nil {
			_, err = c.store.Put(ctx, prepared.Node.ID, payload)
		}
		releasePayloadBytes(payload)
		if err != nil {
			return err
		}
	}
	return c.idx.Upsert(kit)
}

func (c *Cache) remove(ctx context.Context, id int) error {
	if id == RootID || id == RecycleBinID {
		return kitErrf(id, ErrInvalidKit, "cannot remove a pseudo-root")
	}
	ids := []int{id}
	for kit := range c.idx.Descendants(id) {
		ids = append(ids, kit.Node.ID)
	}
	if c.store != nil {
		if err := c.store.Delete(ctx, ids...); err != nil {
			return err
		}
	}
	c.idx.Remove(id)
	return nil
}

func (c *Cache) relink(ctx context.Context, parentID int, childIDs []int) error {
	var changed []*ContentNodeKit
	return c.idx.commit(func(t *indexTxn) error {
		var err error
		changed, err = t.relink(parentID, childIDs)
		return err
	}, func() error {
		if c.store == nil || len(changed) == 0 {
			return nil
		}
		docs, err := storedDocuments(changed)
		if err != nil {
			return err
		}
		return c.store.PutBatch(ctx, docs)
	})
}

func (c *Cache) refreshBranch(ctx context.Context, id int, kits []*ContentNodeKit) error {
	var ch BranchChange
	err := c.idx.commit(func(t *indexTxn) error {
		var err error
		ch, err = t.setBranch(id, kits)
		return err
	}, func() error {
		if c.store == nil {
			return nil
		}
		docs, err := storedDocuments(ch.Written)
		if err != nil {
			return err
		}
		return c.store.Replace(ctx, ch.Removed, docs)
	})
	if err != nil {
		return err
	}
	if len(ch.Skipped) > 0 {
		c.logger.Warn("snapcache: branch refresh skipped kits", "id", id, "skipped", ch.Skipped)
	}
	return nil
}

func (c *Cache) removeContentTypes(ctx context.Context, typeIDs []int) error {
	var removed []int
	err := c.idx.commit(func(t *indexTxn) error {
		removed = t.removeContentTypes(typeIDs)
		if len(removed) == 0 {
			return errNoChange
		}
		return nil
	}, func() error {
		if c.store == nil {
			return nil
		}
		return c.store.Delete(ctx, removed...)
	})
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		c.logger.Info("snapcache: removed content of deleted types", "types", typeIDs, "nodes", len(removed))
	}
	return nil
}

func storedDocuments(kits []*ContentNodeKit) ([]StoredDocument, error) {
	docs := make([]StoredDocument, 0, len(kits))
	for _, kit := range kits {
		payload, err := EncodeKit(kit)
		if err != nil {
			return nil, err
		}
		docs = append(docs, StoredDocument{ID: kit.Node.ID, Payload: payload})
	}
	return docs, nil
}

// Run applies events from ch until ch is closed or ctx is done. A failing
// event is logged and skipped.
func (c *Cache) Run(ctx context.Context, ch <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.Apply(ctx, ev); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				c.logger.Error("snapcache: event failed", "event", ev.String(), "err", err)
			}
		}
	}
}

func (c *Cache) Snapshot() *Snapshot { return c.idx.Snapshot() }

func (c *Cache) Get(id int) (*ContentNodeKit, bool) { return c.idx.Get(id) }

func (c *Cache) GetByUID(uid uuid.UUID) (*ContentNodeKit, bool) { return c.idx.GetByUID(uid) }

func (c *Cache) Children(id int) iter.Seq[*ContentNodeKit] { return c.idx.Children(id) }

func (c *Cache) Ancestors(id int) iter.Seq[*ContentNodeKit] { return c.idx.Ancestors(id) }

func (c *Cache) Siblings(id int) iter.Seq[*ContentNodeKit] { return c.idx.Siblings(id) }

func (c *Cache) Descendants(id int) iter.Seq[*ContentNodeKit] { return c.idx.Descendants(id) }

func (c *Cache) AtRoot() iter.Seq[*ContentNodeKit] { return c.idx.AtRoot() }
