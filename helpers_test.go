package snapcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/andreyvit/snapcache/scalar"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

var allBackends = []Backend{BackendBolt, BackendBadger, BackendMemory}

func setupStore(t testing.TB, backend Backend) *Store {
	t.Helper()

	var path string
	switch backend {
	case BackendBolt:
		path = filepath.Join(t.TempDir(), "cache.db")
		t.Logf("DB: %s", path)
	case BackendBadger:
		path = "" // in-memory
	}
	s := must(OpenStore(path, StoreOptions{
		Backend:   backend,
		IsTesting: true,
		Verbose:   true,
		ChunkSize: 3,
	}))
	t.Cleanup(func() { s.Close() })
	return s
}

func reopenBoltStore(t testing.TB) (open func() *Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	return func() *Store {
		return must(OpenStore(path, StoreOptions{IsTesting: true, ChunkSize: 3}))
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func success(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** failed: %v", err)
	}
}

func failure(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func sameKit(t testing.TB, a, e *ContentNodeKit) {
	if !a.Equal(e) {
		t.Helper()
		t.Errorf("** got kit:\n%s\nwanted:\n%s", kitString(a), kitString(e))
	}
}

func kitString(kit *ContentNodeKit) string {
	if kit == nil {
		return "<nil>"
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "%+v%s\n", *kit.Node, kitFlags(kit))
	dumpData(&buf, indentStep, "draft", kit.Draft)
	dumpData(&buf, indentStep, "published", kit.Published)
	return buf.String()
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

var (
	testDate  = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	testDate2 = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
)

func testUID(id int) uuid.UUID {
	var u uuid.UUID
	u[0] = 0x42
	u[15] = byte(id)
	u[14] = byte(id >> 8)
	return u
}

// node returns a placeholder kit for tree tests.
func node(id, parentID, sortOrder int, name string) *ContentNodeKit {
	return &ContentNodeKit{
		Node: &ContentNode{
			ID:        id,
			UID:       testUID(id),
			Name:      name,
			ParentID:  parentID,
			SortOrder: sortOrder,
		},
	}
}

func draftData(name string, version int) *ContentData {
	return &ContentData{
		Name:        name,
		VersionID:   version,
		VersionDate: testDate,
		WriterID:    7,
		Properties: map[string][]PropertyData{
			"title": {{Value: scalar.String(name)}},
		},
		CultureInfos: map[string]CultureVariation{},
	}
}

func publishedData(name string, version int) *ContentData {
	d := draftData(name, version)
	d.Published = true
	return d
}

// fullKit returns a kit with both snapshots for codec and cache tests.
func fullKit(id, parentID, sortOrder int, name string) *ContentNodeKit {
	return must(NewContentNodeKit(&ContentNode{
		ID:               id,
		UID:              testUID(id),
		ContentTypeID:    1050,
		ContentTypeAlias: "page",
		Name:             name,
		ParentID:         parentID,
		SortOrder:        sortOrder,
		CreateDate:       testDate,
		CreatorID:        -1,
	}, draftData(name, 2), publishedData(name, 1)))
}

type sliceSource struct {
	kits  []*ContentNodeKit
	calls int
	err   error
}

func (s *sliceSource) ExportAll(ctx context.Context, fn func(kit *ContentNodeKit) error) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	for _, kit := range s.kits {
		if err := fn(kit); err != nil {
			return err
		}
	}
	return nil
}
