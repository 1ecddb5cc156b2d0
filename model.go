package snapcache

import (
	"errors"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/andreyvit/snapcache/scalar"
)

const (
	// RootID is the pseudo-node all top-level content hangs under.
	RootID = -1
	// RecycleBinID is the pseudo-node trashed content is moved under.
	RecycleBinID = -20

	rootPath       = "-1"
	recycleBinPath = "-1,-20"
)

var (
	ErrNilNode    = errors.New("content node kit requires a node")
	ErrInvalidKit = errors.New("invalid content node kit")
)

// ContentNode holds the tree coordinates of one content item. Links refer to
// other nodes by id; 0 means no link.
type ContentNode struct {
	ID               int
	UID              uuid.UUID
	ContentTypeID    int
	ContentTypeAlias string
	Name             string
	Level            int
	Path             string
	SortOrder        int
	ParentID         int
	FirstChildID     int
	NextSiblingID    int
	PrevSiblingID    int
	CreateDate       time.Time
	CreatorID        int
	HasPublished     bool
}

func (n *ContentNode) clone() *ContentNode {
	c := *n
	return &c
}

func (n *ContentNode) isPseudoRoot() bool {
	return n.ID == RootID || n.ID == RecycleBinID
}

// ContentData is one snapshot (draft or published) of a node's content.
type ContentData struct {
	Name         string
	Published    bool
	TemplateID   int // 0 when no template is assigned
	URLSegment   string
	VersionID    int
	VersionDate  time.Time
	WriterID     int
	Properties   map[string][]PropertyData
	CultureInfos map[string]CultureVariation
}

// PropertyData is the value of a property for one (culture, segment) pair.
// Empty Culture and Segment denote the invariant value.
type PropertyData struct {
	Culture string
	Segment string
	Value   scalar.Value
}

type CultureVariation struct {
	Name       string
	URLSegment string
	Date       time.Time
	IsDraft    bool
}

// ContentNodeKit is the unit the cache stores: a node plus its snapshots.
type ContentNodeKit struct {
	Node          *ContentNode
	ContentTypeID int
	Draft         *ContentData
	Published     *ContentData
}

// NewContentNodeKit validates the snapshots against each other and derives
// Node.HasPublished from the presence of published data. The node is copied.
func NewContentNodeKit(node *ContentNode, draft, published *ContentData) (*ContentNodeKit, error) {
	if node == nil {
		return nil, ErrNilNode
	}
	if published != nil && !published.Published {
		return nil, kitErrf(node.ID, ErrInvalidKit, "published data is not marked as published")
	}
	if draft != nil {
		if err := draft.validate(); err != nil {
			return nil, kitErrf(node.ID, err, "draft")
		}
	}
	if published != nil {
		if err := published.validate(); err != nil {
			return nil, kitErrf(node.ID, err, "published")
		}
	}
	n := node.clone()
	n.HasPublished = published != nil
	return &ContentNodeKit{
		Node:          n,
		ContentTypeID: n.ContentTypeID,
		Draft:         draft,
		Published:     published,
	}, nil
}

func (kit *ContentNodeKit) ID() int {
	return kit.Node.ID
}

// IsPlaceholder reports a kit with no snapshots at all, such as one standing
// in for deleted content.
func (kit *ContentNodeKit) IsPlaceholder() bool {
	return kit.Draft == nil && kit.Published == nil
}

// WithNode returns a shallow copy of the kit pointing at n.
func (kit *ContentNodeKit) WithNode(n *ContentNode) *ContentNodeKit {
	c := *kit
	c.Node = n
	return &c
}

// Unpublished returns a copy of the kit without published data.
func (kit *ContentNodeKit) Unpublished() *ContentNodeKit {
	n := kit.Node.clone()
	n.HasPublished = false
	c := *kit
	c.Node = n
	c.Published = nil
	return &c
}

func (kit *ContentNodeKit) validate() error {
	if kit.Node == nil {
		return ErrNilNode
	}
	if err := kit.checkContentType(); err != nil {
		return err
	}
	if kit.Node.HasPublished != (kit.Published != nil) {
		return kitErrf(kit.Node.ID, ErrInvalidKit, "hasPublished=%v does not match published data presence", kit.Node.HasPublished)
	}
	if kit.Published != nil && !kit.Published.Published {
		return kitErrf(kit.Node.ID, ErrInvalidKit, "published data is not marked as published")
	}
	return nil
}

// The content type id is persisted once, so the kit and its node must agree.
func (kit *ContentNodeKit) checkContentType() error {
	if kit.ContentTypeID != kit.Node.ContentTypeID {
		return kitErrf(kit.Node.ID, ErrInvalidKit, "content type %d does not match node content type %d", kit.ContentTypeID, kit.Node.ContentTypeID)
	}
	return nil
}

func (d *ContentData) validate() error {
	for alias, list := range d.Properties {
		for i, a := range list {
			for _, b := range list[:i] {
				if a.Culture == b.Culture && a.Segment == b.Segment {
					return errorf(ErrInvalidKit, "property %q has duplicate values for culture=%q segment=%q", alias, a.Culture, a.Segment)
				}
			}
		}
	}
	return nil
}

// Equal compares kits field by field. Times compare as instants and property
// values compare with scalar.Equal.
func (kit *ContentNodeKit) Equal(other *ContentNodeKit) bool {
	if kit == nil || other == nil {
		return kit == other
	}
	return kit.ContentTypeID == other.ContentTypeID &&
		nodesEqual(kit.Node, other.Node) &&
		kit.Draft.Equal(other.Draft) &&
		kit.Published.Equal(other.Published)
}

func nodesEqual(a, b *ContentNode) bool {
	if a == nil || b == nil {
		return a == b
	}
	ac, bc := *a, *b
	ac.CreateDate, bc.CreateDate = time.Time{}, time.Time{}
	return ac == bc && a.CreateDate.Equal(b.CreateDate)
}

func (d *ContentData) Equal(other *ContentData) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Name == other.Name &&
		d.Published == other.Published &&
		d.TemplateID == other.TemplateID &&
		d.URLSegment == other.URLSegment &&
		d.VersionID == other.VersionID &&
		d.VersionDate.Equal(other.VersionDate) &&
		d.WriterID == other.WriterID &&
		propertiesEqual(d.Properties, other.Properties) &&
		maps.EqualFunc(d.CultureInfos, other.CultureInfos, CultureVariation.Equal)
}

func (cv CultureVariation) Equal(other CultureVariation) bool {
	return cv.Name == other.Name &&
		cv.URLSegment == other.URLSegment &&
		cv.Date.Equal(other.Date) &&
		cv.IsDraft == other.IsDraft
}

func (pd PropertyData) Equal(other PropertyData) bool {
	return pd.Culture == other.Culture &&
		pd.Segment == other.Segment &&
		scalar.Equal(pd.Value, other.Value)
}

// propertiesEqual keeps a nil list distinct from an empty one, since a nil
// list under an existing alias means the property was explicitly cleared.
func propertiesEqual(a, b map[string][]PropertyData) bool {
	if len(a) != len(b) {
		return false
	}
	for alias, la := range a {
		lb, ok := b[alias]
		if !ok || (la == nil) != (lb == nil) {
			return false
		}
		if !slices.EqualFunc(la, lb, PropertyData.Equal) {
			return false
		}
	}
	return true
}

// Value returns the property value for the given culture and segment.
func (d *ContentData) Value(alias, culture, segment string) (scalar.Value, bool) {
	if d == nil {
		return scalar.Value{}, false
	}
	for _, pd := range d.Properties[alias] {
		if pd.Culture == culture && pd.Segment == segment {
			return pd.Value, true
		}
	}
	return scalar.Value{}, false
}

func childPath(parentPath string, id int) string {
	return parentPath + "," + strconv.Itoa(id)
}

func levelOf(path string) int {
	n := 0
	for i := 0; i < len(path); i++ {
		if path[i] == ',' {
			n++
		}
	}
	return n
}
