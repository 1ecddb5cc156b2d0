/*
Package snapcache keeps a tree of published content in memory and persists it
in a local key-value store (Bolt, Badger or memory), so that a restarted
process can warm start from disk instead of re-exporting everything from the
content database.

We implement:

1. Kits, the unit of caching: a content node with tree coordinates plus its
draft and published snapshots.

2. The index, an immutable tree of kits. Readers take a snapshot and walk it
without locks; writers publish a new snapshot per change.

3. The store, which holds one encoded document per kit and a couple of meta
keys.

4. The cache, which wires the two together: warm start, rebuild from a
ContentSource, and change events applied store first, index second.

# Technical Details

**Keyspaces.**
Two keyspaces: “docs” (one value per kit) and “meta” (“needsRebuild” and
“generation”). Bolt keeps each in a bucket and Badger under a “name\x00” key
prefix. The memory backend holds them in persistent sorted maps.

**Keys.**
Document keys are the node id as 8 big-endian bytes with the sign bit flipped,
so keys sort in id order with negative ids first.

**Rebuild flag.**
“needsRebuild” is set before a rebuild clears the docs keyspace and cleared only
after the rebuild completes. A process that dies mid-rebuild rebuilds again.

## Binary encoding

**Value**: envelope header, then payload.

**Envelope header**:
1. Flags (uvarint); the low 4 bits hold the envelope version.
2. Format generation (uvarint).
3. Mod count (uvarint), bumped on every write that changes the payload.
4. Payload size (uvarint).
5. xxhash64 of the payload (8 bytes).

**Payload**: a msgpack map with string keys:

	id, contentTypeId
	contentNode: uid, createDate, level, path, name, contentTypeAlias,
	    creatorId, parentContentId, firstChildContentId,
	    nextSiblingContentId, previousSiblingContentId, sortOrder, hasPublished
	draftData, publishedData: published, name, templateId, urlSegment,
	    versionId, versionDate, writerId, properties, cultureInfos

Properties map an alias to a list of {c, s, v} entries (culture, segment,
value). Culture infos map a culture to {name, urlSegment, date, isDraft}.
Values are plain msgpack plus the scalar package's extension types for GUIDs,
decimals and object ids. Integers are written fixed width so that int32 and
int64 stay distinct. An absent snapshot is an empty map.

Decoding is lenient below the top level: a missing or mistyped field falls
back to its zero value and is listed in the DecodeReport, so one bad property
does not lose the whole node.
*/
package snapcache
