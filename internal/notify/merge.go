package notify

import "sort"

// ReadEvent is the wire form of one override entry.
type ReadEvent struct {
	EventID   string `json:"eventId"`
	EventAtMs int64  `json:"eventAtMs"`
}

// ReadSnapshot is the merge-relevant slice of an account's read-state:
// the watermark, the logical write clock, and the override map. Sync
// bookkeeping (dirty, last error) deliberately stays out so the merge
// is a pure value computation.
type ReadSnapshot struct {
	MarkAllReadAtMs  *int64
	StateUpdatedAtMs int64
	ReadEvents       map[string]int64
}

// MergeReadState merges two read-state snapshots with last-writer-wins
// semantics on the watermark and a guarded union on the overrides.
//
// The guard: when local is at least as fresh as remote, a remote
// override that sits above the local watermark and is absent from the
// local override map is skipped. Absence there means the user
// explicitly un-read that event on this device, and a merely-equal or
// older remote snapshot must not resurrect it.
//
// The function is idempotent: MergeReadState(MergeReadState(l, r), r)
// equals MergeReadState(l, r).
func MergeReadState(local, remote ReadSnapshot) ReadSnapshot {
	var watermark *int64
	switch {
	case local.StateUpdatedAtMs > remote.StateUpdatedAtMs:
		watermark = cloneMs(local.MarkAllReadAtMs)
	case local.StateUpdatedAtMs < remote.StateUpdatedAtMs:
		watermark = cloneMs(remote.MarkAllReadAtMs)
	default:
		watermark = maxNullableMs(local.MarkAllReadAtMs, remote.MarkAllReadAtMs)
	}

	clock := local.StateUpdatedAtMs
	if remote.StateUpdatedAtMs > clock {
		clock = remote.StateUpdatedAtMs
	}

	merged := make(map[string]int64, len(local.ReadEvents)+len(remote.ReadEvents))
	for id, at := range local.ReadEvents {
		merged[id] = at
	}
	localFresh := local.StateUpdatedAtMs >= remote.StateUpdatedAtMs
	for id, at := range remote.ReadEvents {
		if at < 0 {
			at = 0
		}
		if localFresh && aboveWatermark(at, local.MarkAllReadAtMs) {
			if _, ok := local.ReadEvents[id]; !ok {
				continue
			}
		}
		if cur, ok := merged[id]; !ok || at > cur {
			merged[id] = at
		}
	}

	return ReadSnapshot{
		MarkAllReadAtMs:  watermark,
		StateUpdatedAtMs: clock,
		ReadEvents:       pruneOverrides(merged, watermark),
	}
}

// pruneOverrides drops every override covered by the watermark,
// restoring the invariant that overrides are strictly above it. A nil
// watermark covers nothing.
func pruneOverrides(overrides map[string]int64, watermark *int64) map[string]int64 {
	if watermark == nil {
		if overrides == nil {
			return map[string]int64{}
		}
		return overrides
	}
	next := make(map[string]int64, len(overrides))
	for id, at := range overrides {
		if at > *watermark {
			next[id] = at
		}
	}
	return next
}

func aboveWatermark(at int64, watermark *int64) bool {
	return watermark == nil || at > *watermark
}

func maxNullableMs(a, b *int64) *int64 {
	if a == nil {
		return cloneMs(b)
	}
	if b == nil {
		return cloneMs(a)
	}
	v := *a
	if *b > v {
		v = *b
	}
	return &v
}

func cloneMs(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// ReadEventsToList renders an override map in wire order: descending
// by time, then ascending by event id.
func ReadEventsToList(overrides map[string]int64) []ReadEvent {
	list := make([]ReadEvent, 0, len(overrides))
	for id, at := range overrides {
		if at < 0 {
			at = 0
		}
		list = append(list, ReadEvent{EventID: id, EventAtMs: at})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].EventAtMs != list[j].EventAtMs {
			return list[i].EventAtMs > list[j].EventAtMs
		}
		return list[i].EventID < list[j].EventID
	})
	return list
}

// ReadEventsFromList folds a wire list back into a map, keeping the
// max time on duplicate ids and dropping entries with no id.
func ReadEventsFromList(list []ReadEvent) map[string]int64 {
	next := make(map[string]int64, len(list))
	for _, evt := range list {
		if evt.EventID == "" {
			continue
		}
		at := evt.EventAtMs
		if at < 0 {
			at = 0
		}
		if cur, ok := next[evt.EventID]; !ok || at > cur {
			next[evt.EventID] = at
		}
	}
	return next
}
