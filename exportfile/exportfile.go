// Package exportfile reads and writes content node kits as JSON lines, one
// kit per line. A file in this format can serve as the content source a cache
// is rebuilt from.
package exportfile

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/andreyvit/snapcache"
)

const maxLineSize = 64 << 20

type record struct {
	ID               int         `json:"id"`
	UID              uuid.UUID   `json:"uid"`
	ContentTypeID    int         `json:"contentTypeId"`
	ContentTypeAlias string      `json:"contentTypeAlias,omitempty"`
	Name             string      `json:"name,omitempty"`
	ParentID         int         `json:"parentId"`
	SortOrder        int         `json:"sortOrder"`
	CreateDate       time.Time   `json:"createDate"`
	CreatorID        int         `json:"creatorId"`
	Draft            *dataRecord `json:"draft,omitempty"`
	Published        *dataRecord `json:"published,omitempty"`
}

type dataRecord struct {
	Name         string                      `json:"name,omitempty"`
	TemplateID   int                         `json:"templateId,omitempty"`
	URLSegment   string                      `json:"urlSegment,omitempty"`
	VersionID    int                         `json:"versionId"`
	VersionDate  time.Time                   `json:"versionDate"`
	WriterID     int                         `json:"writerId"`
	Properties   map[string][]propertyRecord `json:"properties,omitempty"`
	CultureInfos map[string]cultureRecord    `json:"cultureInfos,omitempty"`
}

// propertyRecord omits v for an unset value. A property whose list is null
// was cleared.
type propertyRecord struct {
	Culture string          `json:"c,omitempty"`
	Segment string          `json:"s,omitempty"`
	Value   json.RawMessage `json:"v,omitempty"`
}

type cultureRecord struct {
	Name       string    `json:"name"`
	URLSegment string    `json:"urlSegment,omitempty"`
	Date       time.Time `json:"date"`
	IsDraft    bool      `json:"isDraft,omitempty"`
}

// LineError reports a line that could not be turned into a kit.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Source is a snapcache.ContentSource backed by a JSON-lines file.
type Source struct {
	Path   string
	Logger *slog.Logger

	// SkipInvalid logs and skips lines that do not parse instead of failing
	// the export.
	SkipInvalid bool
}

var _ snapcache.ContentSource = (*Source)(nil)

func (s *Source) ExportAll(ctx context.Context, fn func(kit *snapcache.ContentNodeKit) error) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var skipped int
	err = Read(ctx, f, func(kit *snapcache.ContentNodeKit, lineErr error) error {
		if lineErr != nil {
			if !s.SkipInvalid {
				return lineErr
			}
			logger.Warn("exportfile: skipping invalid line", "path", s.Path, "err", lineErr)
			skipped++
			return nil
		}
		return fn(kit)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", s.Path, err)
	}
	if skipped > 0 {
		logger.Warn("exportfile: export had invalid lines", "path", s.Path, "skipped", skipped)
	}
	return nil
}

// Read parses r line by line. For every non-blank line fn gets either a kit
// or a *LineError; returning an error from fn stops reading.
func Read(ctx context.Context, r io.Reader, fn func(kit *snapcache.ContentNodeKit, lineErr error) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var line int
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		data := sc.Bytes()
		if isBlank(data) {
			continue
		}
		kit, err := parseKit(data)
		if err != nil {
			err = &LineError{Line: line, Err: err}
		}
		if err := fn(kit, err); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadAll returns every kit in r, failing at the first invalid line.
func ReadAll(ctx context.Context, r io.Reader) ([]*snapcache.ContentNodeKit, error) {
	var kits []*snapcache.ContentNodeKit
	err := Read(ctx, r, func(kit *snapcache.ContentNodeKit, lineErr error) error {
		if lineErr != nil {
			return lineErr
		}
		kits = append(kits, kit)
		return nil
	})
	return kits, err
}

func isBlank(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r':
		default:
			return false
		}
	}
	return true
}

func parseKit(data []byte) (*snapcache.ContentNodeKit, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.ID == 0 {
		return nil, fmt.Errorf("missing id")
	}
	draft, err := rec.Draft.contentData(false)
	if err != nil {
		return nil, fmt.Errorf("draft: %w", err)
	}
	published, err := rec.Published.contentData(true)
	if err != nil {
		return nil, fmt.Errorf("published: %w", err)
	}
	return snapcache.NewContentNodeKit(&snapcache.ContentNode{
		ID:               rec.ID,
		UID:              rec.UID,
		ContentTypeID:    rec.ContentTypeID,
		ContentTypeAlias: rec.ContentTypeAlias,
		Name:             rec.Name,
		ParentID:         rec.ParentID,
		SortOrder:        rec.SortOrder,
		CreateDate:       rec.CreateDate,
		CreatorID:        rec.CreatorID,
	}, draft, published)
}

func (r *dataRecord) contentData(published bool) (*snapcache.ContentData, error) {
	if r == nil {
		return nil, nil
	}
	d := &snapcache.ContentData{
		Name:        r.Name,
		Published:   published,
		TemplateID:  r.TemplateID,
		URLSegment:  r.URLSegment,
		VersionID:   r.VersionID,
		VersionDate: r.VersionDate,
		WriterID:    r.WriterID,
	}
	if r.Properties != nil {
		d.Properties = make(map[string][]snapcache.PropertyData, len(r.Properties))
		for alias, list := range r.Properties {
			if list == nil {
				d.Properties[alias] = nil
				continue
			}
			out := make([]snapcache.PropertyData, len(list))
			for i, p := range list {
				v, err := decodeValue(p.Value)
				if err != nil {
					return nil, fmt.Errorf("property %s[%d]: %w", alias, i, err)
				}
				out[i] = snapcache.PropertyData{Culture: p.Culture, Segment: p.Segment, Value: v}
			}
			d.Properties[alias] = out
		}
	}
	if r.CultureInfos != nil {
		d.CultureInfos = make(map[string]snapcache.CultureVariation, len(r.CultureInfos))
		for culture, cv := range r.CultureInfos {
			d.CultureInfos[culture] = snapcache.CultureVariation{
				Name:       cv.Name,
				URLSegment: cv.URLSegment,
				Date:       cv.Date,
				IsDraft:    cv.IsDraft,
			}
		}
	}
	return d, nil
}

// Writer writes kits in the format Read accepts. Tree links, path and level
// are not written; the reader's index derives them.
type Writer struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &Writer{w: bw, enc: enc}
}

func (w *Writer) Write(kit *snapcache.ContentNodeKit) error {
	if kit == nil || kit.Node == nil {
		return snapcache.ErrNilNode
	}
	n := kit.Node
	rec := record{
		ID:               n.ID,
		UID:              n.UID,
		ContentTypeID:    kit.ContentTypeID,
		ContentTypeAlias: n.ContentTypeAlias,
		Name:             n.Name,
		ParentID:         n.ParentID,
		SortOrder:        n.SortOrder,
		CreateDate:       n.CreateDate,
		CreatorID:        n.CreatorID,
	}
	var err error
	if rec.Draft, err = newDataRecord(kit.Draft); err != nil {
		return fmt.Errorf("kit %d draft: %w", n.ID, err)
	}
	if rec.Published, err = newDataRecord(kit.Published); err != nil {
		return fmt.Errorf("kit %d published: %w", n.ID, err)
	}
	return w.enc.Encode(&rec)
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

func newDataRecord(d *snapcache.ContentData) (*dataRecord, error) {
	if d == nil {
		return nil, nil
	}
	r := &dataRecord{
		Name:        d.Name,
		TemplateID:  d.TemplateID,
		URLSegment:  d.URLSegment,
		VersionID:   d.VersionID,
		VersionDate: d.VersionDate,
		WriterID:    d.WriterID,
	}
	if len(d.Properties) > 0 {
		r.Properties = make(map[string][]propertyRecord, len(d.Properties))
		for alias, list := range d.Properties {
			if list == nil {
				r.Properties[alias] = nil
				continue
			}
			out := make([]propertyRecord, 0, len(list))
			for _, p := range list {
				pr := propertyRecord{Culture: p.Culture, Segment: p.Segment}
				if !p.Value.IsUnset() {
					raw, err := json.Marshal(encodeValue(p.Value))
					if err != nil {
						return nil, fmt.Errorf("property %s: %w", alias, err)
					}
					pr.Value = raw
				}
				out = append(out, pr)
			}
			r.Properties[alias] = out
		}
	}
	if len(d.CultureInfos) > 0 {
		r.CultureInfos = make(map[string]cultureRecord, len(d.CultureInfos))
		for culture, cv := range d.CultureInfos {
			r.CultureInfos[culture] = cultureRecord{
				Name:       cv.Name,
				URLSegment: cv.URLSegment,
				Date:       cv.Date,
				IsDraft:    cv.IsDraft,
			}
		}
	}
	return r, nil
}

// WriteAll writes kits ordered by id and flushes.
func WriteAll(w io.Writer, kits []*snapcache.ContentNodeKit) error {
	kits = slices.Clone(kits)
	slices.SortFunc(kits, func(a, b *snapcache.ContentNodeKit) int {
		return cmp.Compare(a.Node.ID, b.Node.ID)
	})
	ew := NewWriter(w)
	for _, kit := range kits {
		if err := ew.Write(kit); err != nil {
			return err
		}
	}
	return ew.Flush()
}
