package snapcache

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/snapcache/scalar"
)

// Document field names. They are shared with existing stores and must not
// change.
const (
	fID            = "id"
	fContentTypeID = "contentTypeId"
	fContentNode   = "contentNode"
	fDraftData     = "draftData"
	fPublishedData = "publishedData"

	fUID              = "uid"
	fCreateDate       = "createDate"
	fLevel            = "level"
	fPath             = "path"
	fName             = "name"
	fContentTypeAlias = "contentTypeAlias"
	fCreatorID        = "creatorId"
	fParentID         = "parentContentId"
	fFirstChildID     = "firstChildContentId"
	fNextSiblingID    = "nextSiblingContentId"
	fPrevSiblingID    = "previousSiblingContentId"
	fSortOrder        = "sortOrder"
	fHasPublished     = "hasPublished"

	fPublished    = "published"
	fTemplateID   = "templateId"
	fURLSegment   = "urlSegment"
	fVersionID    = "versionId"
	fVersionDate  = "versionDate"
	fWriterID     = "writerId"
	fProperties   = "properties"
	fCultureInfos = "cultureInfos"

	fCulture = "c"
	fSegment = "s"
	fValue   = "v"

	fDate    = "date"
	fIsDraft = "isDraft"
)

var errInconsistent = errors.New("inconsistent")

// EncodeKit returns the persisted document for kit.
func EncodeKit(kit *ContentNodeKit) ([]byte, error) {
	return AppendKit(nil, kit)
}

// AppendKit appends the persisted document for kit to buf. Map keys are
// written in sorted order, so equal kits encode to equal bytes.
func AppendKit(buf []byte, kit *ContentNodeKit) ([]byte, error) {
	if kit == nil || kit.Node == nil {
		return buf, ErrNilNode
	}
	if err := kit.checkContentType(); err != nil {
		return buf, err
	}
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	err := scalar.EncodeDocument(enc, kitDocument(kit))
	msgpack.PutEncoder(enc)
	if err != nil {
		return buf, fmt.Errorf("encoding kit %d: %w", kit.Node.ID, err)
	}
	return bb.Buf, nil
}

func kitDocument(kit *ContentNodeKit) scalar.Document {
	return scalar.Document{
		fID:            intValue(kit.Node.ID),
		fContentTypeID: intValue(kit.ContentTypeID),
		fContentNode:   scalar.Doc(nodeDocument(kit.Node)),
		fDraftData:     scalar.Doc(dataDocument(kit.Draft)),
		fPublishedData: scalar.Doc(dataDocument(kit.Published)),
	}
}

func nodeDocument(n *ContentNode) scalar.Document {
	return scalar.Document{
		fID:               intValue(n.ID),
		fUID:              scalar.GUID(n.UID),
		fCreateDate:       scalar.DateTime(n.CreateDate),
		fLevel:            intValue(n.Level),
		fPath:             scalar.String(n.Path),
		fName:             scalar.String(n.Name),
		fContentTypeAlias: scalar.String(n.ContentTypeAlias),
		fCreatorID:        intValue(n.CreatorID),
		fParentID:         intValue(n.ParentID),
		fFirstChildID:     intValue(n.FirstChildID),
		fNextSiblingID:    intValue(n.NextSiblingID),
		fPrevSiblingID:    intValue(n.PrevSiblingID),
		fSortOrder:        intValue(n.SortOrder),
		fHasPublished:     scalar.Bool(n.HasPublished),
	}
}

// dataDocument returns an empty document for a missing snapshot. A present
// snapshot always has fields, so the decoder can tell the two apart.
func dataDocument(d *ContentData) scalar.Document {
	if d == nil {
		return scalar.Document{}
	}
	props := make(scalar.Document, len(d.Properties))
	for alias, list := range d.Properties {
		if list == nil {
			props[alias] = scalar.Null()
			continue
		}
		items := make([]scalar.Value, 0, len(list))
		for _, pd := range list {
			item := scalar.Document{
				fCulture: optString(pd.Culture),
				fSegment: optString(pd.Segment),
			}
			// An unset value has no wire form apart from Null, so it is left out.
			if !pd.Value.IsUnset() {
				item[fValue] = pd.Value
			}
			items = append(items, scalar.Doc(item))
		}
		props[alias] = scalar.Array(items...)
	}
	cultures := make(scalar.Document, len(d.CultureInfos))
	for culture, cv := range d.CultureInfos {
		cultures[culture] = scalar.Doc(scalar.Document{
			fName:       scalar.String(cv.Name),
			fURLSegment: optString(cv.URLSegment),
			fDate:       scalar.DateTime(cv.Date),
			fIsDraft:    scalar.Bool(cv.IsDraft),
		})
	}
	return scalar.Document{
		fName:         scalar.String(d.Name),
		fPublished:    scalar.Bool(d.Published),
		fTemplateID:   optInt(d.TemplateID),
		fURLSegment:   optString(d.URLSegment),
		fVersionID:    intValue(d.VersionID),
		fVersionDate:  scalar.DateTime(d.VersionDate),
		fWriterID:     intValue(d.WriterID),
		fProperties:   scalar.Doc(props),
		fCultureInfos: scalar.Doc(cultures),
	}
}

func intValue(n int) scalar.Value {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return scalar.Int32(int32(n))
	}
	return scalar.Int64(int64(n))
}

func optInt(n int) scalar.Value {
	if n == 0 {
		return scalar.Null()
	}
	return intValue(n)
}

func optString(s string) scalar.Value {
	if s == "" {
		return scalar.Null()
	}
	return scalar.String(s)
}

// DecodeKit rebuilds a kit from its persisted document.
//
// Missing and mistyped fields decode as zero values and are listed in the
// returned report. A snapshot that cannot be decoded at all is replaced with
// an empty one. Only a document whose top level or contentNode cannot be
// read fails, with an error wrapping ErrMalformedDocument.
func DecodeKit(data []byte) (*ContentNodeKit, *DecodeReport, error) {
	report := &DecodeReport{}
	top, err := splitDocument(data)
	if err != nil {
		return nil, report, err
	}

	nodeRaw, ok := top[fContentNode]
	if !ok {
		return nil, report, dataErrf(data, 0, ErrMalformedDocument, "missing %s", fContentNode)
	}
	nodeDoc, err := decodeRawDocument(nodeRaw)
	if err != nil {
		return nil, report, dataErrf(data, 0, ErrMalformedDocument, "%s: %v", fContentNode, err)
	}
	node := decodeNode(nodeDoc, report)

	topDoc := make(scalar.Document, 2)
	for _, key := range []string{fID, fContentTypeID} {
		raw, ok := top[key]
		if !ok {
			continue
		}
		v, err := decodeRawValue(raw)
		if err != nil {
			report.add(key, err)
			continue
		}
		topDoc[key] = v
	}
	topID := intField(topDoc, fID)
	if node.ID == 0 {
		node.ID = topID.get(report, fID)
	} else if topID.err == nil && topID.val != node.ID {
		report.add(fID, fmt.Errorf("%w: %d vs %s.%s %d", errInconsistent, topID.val, fContentNode, fID, node.ID))
	}
	if node.ID == 0 {
		return nil, report, dataErrf(data, 0, ErrMalformedDocument, "document has no node id")
	}
	report.ID = node.ID
	node.ContentTypeID = intField(topDoc, fContentTypeID).get(report, fContentTypeID)

	draft, ok := decodeSnapshot(top, fDraftData, report)
	if !ok {
		draft = &ContentData{}
	}
	published, ok := decodeSnapshot(top, fPublishedData, report)
	if !ok && node.HasPublished {
		published = &ContentData{Published: true}
	}
	if published != nil && !published.Published {
		report.add(fPublishedData+"."+fPublished, fmt.Errorf("%w: published snapshot is not marked published", errInconsistent))
		published = nil
	}
	if node.HasPublished != (published != nil) {
		report.add(fContentNode+"."+fHasPublished, fmt.Errorf("%w: hasPublished=%v", errInconsistent, node.HasPublished))
		node.HasPublished = published != nil
	}

	return &ContentNodeKit{
		Node:          node,
		ContentTypeID: node.ContentTypeID,
		Draft:         draft,
		Published:     published,
	}, report, nil
}

// decodeSnapshot returns nil for an absent snapshot and ok=false for one
// that is present but cannot be decoded.
func decodeSnapshot(top map[string]msgpack.RawMessage, key string, report *DecodeReport) (d *ContentData, ok bool) {
	raw, found := top[key]
	if !found {
		report.add(key, errFieldMissing)
		return nil, true
	}
	v, err := decodeRawValue(raw)
	if err != nil {
		report.add(key, err)
		return nil, false
	}
	if v.IsNull() {
		return nil, true
	}
	doc, isDoc := v.AsDocument()
	if !isDoc {
		report.add(key, fmt.Errorf("%w: %v, expected document", errFieldType, v.Kind()))
		return nil, false
	}
	if len(doc) == 0 {
		return nil, true
	}
	return decodeData(doc, key, report), true
}

func decodeNode(doc scalar.Document, r *DecodeReport) *ContentNode {
	p := fContentNode + "."
	return &ContentNode{
		ID:               intField(doc, fID).get(r, p+fID),
		UID:              guidField(doc, fUID).get(r, p+fUID),
		CreateDate:       timeField(doc, fCreateDate).get(r, p+fCreateDate),
		Level:            intField(doc, fLevel).get(r, p+fLevel),
		Path:             stringField(doc, fPath).get(r, p+fPath),
		Name:             stringField(doc, fName).get(r, p+fName),
		ContentTypeAlias: stringField(doc, fContentTypeAlias).get(r, p+fContentTypeAlias),
		CreatorID:        intField(doc, fCreatorID).get(r, p+fCreatorID),
		ParentID:         intField(doc, fParentID).get(r, p+fParentID),
		FirstChildID:     intField(doc, fFirstChildID).get(r, p+fFirstChildID),
		NextSiblingID:    intField(doc, fNextSiblingID).get(r, p+fNextSiblingID),
		PrevSiblingID:    intField(doc, fPrevSiblingID).get(r, p+fPrevSiblingID),
		SortOrder:        intField(doc, fSortOrder).get(r, p+fSortOrder),
		HasPublished:     boolField(doc, fHasPublished).get(r, p+fHasPublished),
	}
}

func decodeData(doc scalar.Document, prefix string, r *DecodeReport) *ContentData {
	p := prefix + "."
	d := &ContentData{
		Name:        stringField(doc, fName).get(r, p+fName),
		Published:   boolField(doc, fPublished).get(r, p+fPublished),
		TemplateID:  optIntField(doc, fTemplateID).get(r, p+fTemplateID),
		URLSegment:  optStringField(doc, fURLSegment).get(r, p+fURLSegment),
		VersionID:   intField(doc, fVersionID).get(r, p+fVersionID),
		VersionDate: timeField(doc, fVersionDate).get(r, p+fVersionDate),
		WriterID:    intField(doc, fWriterID).get(r, p+fWriterID),
	}
	d.Properties = decodeProperties(docField(doc, fProperties).get(r, p+fProperties), p+fProperties, r)
	d.CultureInfos = decodeCultureInfos(docField(doc, fCultureInfos).get(r, p+fCultureInfos), p+fCultureInfos, r)
	return d
}

func decodeProperties(doc scalar.Document, prefix string, r *DecodeReport) map[string][]PropertyData {
	props := make(map[string][]PropertyData, len(doc))
	for alias, v := range doc {
		path := prefix + "." + alias
		if v.IsNull() {
			props[alias] = nil
			continue
		}
		items := arrayField(doc, alias).get(r, path)
		if items == nil {
			continue
		}
		list := make([]PropertyData, 0, len(items))
		for i, item := range items {
			ipath := fmt.Sprintf("%s[%d]", path, i)
			itemDoc, ok := item.AsDocument()
			if !ok {
				r.add(ipath, fmt.Errorf("%w: %v, expected document", errFieldType, item.Kind()))
				continue
			}
			pd := PropertyData{
				Culture: optStringField(itemDoc, fCulture).get(r, ipath+"."+fCulture),
				Segment: optStringField(itemDoc, fSegment).get(r, ipath+"."+fSegment),
			}
			if val, ok := itemDoc[fValue]; ok {
				if val.IsUnset() {
					r.add(ipath+"."+fValue, errUnsupportedValue)
				}
				pd.Value = val
			}
			if hasVariant(list, pd.Culture, pd.Segment) {
				r.add(ipath, fmt.Errorf("%w: duplicate culture=%q segment=%q", errInconsistent, pd.Culture, pd.Segment))
				continue
			}
			list = append(list, pd)
		}
		props[alias] = list
	}
	return props
}

func hasVariant(list []PropertyData, culture, segment string) bool {
	for _, pd := range list {
		if pd.Culture == culture && pd.Segment == segment {
			return true
		}
	}
	return false
}

func decodeCultureInfos(doc scalar.Document, prefix string, r *DecodeReport) map[string]CultureVariation {
	infos := make(map[string]CultureVariation, len(doc))
	for culture := range doc {
		path := prefix + "." + culture
		cvDoc := docField(doc, culture).get(r, path)
		if cvDoc == nil {
			continue
		}
		p := path + "."
		infos[culture] = CultureVariation{
			Name:       stringField(cvDoc, fName).get(r, p+fName),
			URLSegment: optStringField(cvDoc, fURLSegment).get(r, p+fURLSegment),
			Date:       timeField(cvDoc, fDate).get(r, p+fDate),
			IsDraft:    boolField(cvDoc, fIsDraft).get(r, p+fIsDraft),
		}
	}
	return infos
}

// splitDocument reads the top-level map without decoding the values, so
// that damage inside one snapshot does not affect the others.
func splitDocument(data []byte) (map[string]msgpack.RawMessage, error) {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	defer msgpack.PutDecoder(dec)

	off := func() int { return len(data) - r.Len() }
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, dataErrf(data, off(), ErrMalformedDocument, "document header: %v", err)
	}
	if n < 0 {
		return nil, dataErrf(data, off(), ErrMalformedDocument, "document is nil")
	}
	fields := make(map[string]msgpack.RawMessage, min(n, 16))
	for range n {
		k, err := dec.DecodeString()
		if err != nil {
			return nil, dataErrf(data, off(), ErrMalformedDocument, "document key: %v", err)
		}
		raw, err := dec.DecodeRaw()
		if err != nil {
			return nil, dataErrf(data, off(), ErrMalformedDocument, "document field %s: %v", k, err)
		}
		fields[k] = raw
	}
	if r.Len() != 0 {
		return nil, dataErrf(data, off(), ErrMalformedDocument, "%d trailing bytes", r.Len())
	}
	return fields, nil
}

func decodeRawValue(raw []byte) (scalar.Value, error) {
	var r bytes.Reader
	r.Reset(raw)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	defer msgpack.PutDecoder(dec)
	return scalar.Decode(dec)
}

func decodeRawDocument(raw []byte) (scalar.Document, error) {
	v, err := decodeRawValue(raw)
	if err != nil {
		return nil, err
	}
	doc, ok := v.AsDocument()
	if !ok {
		return nil, fmt.Errorf("%w: %v, expected document", errFieldType, v.Kind())
	}
	return doc, nil
}
