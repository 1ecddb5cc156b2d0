package snapcache

import "fmt"

type EventKind int

const (
	EventKitUpserted EventKind = iota + 1
	EventKitRemoved
	EventSubtreeRelinked
	EventRefreshAll
	EventBranchRefreshed
	EventContentTypesRemoved
)

var eventKindNames = map[EventKind]string{
	EventKitUpserted:     "upserted",
	EventKitRemoved:      "removed",
	EventSubtreeRelinked: "relinked",
	EventRefreshAll:      "refresh-all",

	EventBranchRefreshed:     "branch-refreshed",
	EventContentTypesRemoved: "types-removed",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a content change delivered by the content-editing service.
//
//   - EventKitUpserted carries Kit.
//   - EventKitRemoved carries ID; the node's whole branch is removed.
//   - EventSubtreeRelinked carries ParentID and the complete new child order
//     in ChildIDs.
//   - EventRefreshAll reloads everything from the content source.
//   - EventBranchRefreshed replaces the branch rooted at ID with Kits, which
//     include the root's own kit unless the root is gone.
//   - EventContentTypesRemoved removes every node of the content types in
//     TypeIDs, with their branches.
type Event struct {
	Kind     EventKind
	Kit      *ContentNodeKit
	ID       int
	ParentID int
	ChildIDs []int
	Kits     []*ContentNodeKit
	TypeIDs  []int
}

func UpsertEvent(kit *ContentNodeKit) Event {
	return Event{Kind: EventKitUpserted, Kit: kit}
}

func RemoveEvent(id int) Event {
	return Event{Kind: EventKitRemoved, ID: id}
}

func RelinkEvent(parentID int, childIDs ...int) Event {
	return Event{Kind: EventSubtreeRelinked, ParentID: parentID, ChildIDs: childIDs}
}

func RefreshAllEvent() Event {
	return Event{Kind: EventRefreshAll}
}

func RefreshBranchEvent(id int, kits ...*ContentNodeKit) Event {
	return Event{Kind: EventBranchRefreshed, ID: id, Kits: kits}
}

func RemoveContentTypesEvent(typeIDs ...int) Event {
	return Event{Kind: EventContentTypesRemoved, TypeIDs: typeIDs}
}

func (e Event) String() string {
	switch e.Kind {
	case EventKitUpserted:
		if e.Kit == nil || e.Kit.Node == nil {
			return "upserted(nil)"
		}
		return fmt.Sprintf("upserted(%d)", e.Kit.Node.ID)
	case EventKitRemoved:
		return fmt.Sprintf("removed(%d)", e.ID)
	case EventSubtreeRelinked:
		return fmt.Sprintf("relinked(%d: %v)", e.ParentID, e.ChildIDs)
	case EventBranchRefreshed:
		return fmt.Sprintf("branch-refreshed(%d: %d kits)", e.ID, len(e.Kits))
	case EventContentTypesRemoved:
		return fmt.Sprintf("types-removed(%v)", e.TypeIDs)
	default:
		return e.Kind.String()
	}
}
