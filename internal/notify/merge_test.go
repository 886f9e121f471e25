package notify

import (
	"reflect"
	"testing"
)

func msPtr(v int64) *int64 { return &v }

func TestMergeLocalNewerKeepsNullWatermark(t *testing.T) {
	local := ReadSnapshot{
		MarkAllReadAtMs:  nil,
		StateUpdatedAtMs: 100,
		ReadEvents:       map[string]int64{},
	}
	remote := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(50),
		StateUpdatedAtMs: 90,
		ReadEvents:       map[string]int64{},
	}
	merged := MergeReadState(local, remote)
	if merged.MarkAllReadAtMs != nil {
		t.Fatalf("expected nil watermark, got %d", *merged.MarkAllReadAtMs)
	}
	if merged.StateUpdatedAtMs != 100 {
		t.Fatalf("expected clock 100, got %d", merged.StateUpdatedAtMs)
	}
	if len(merged.ReadEvents) != 0 {
		t.Fatalf("expected no overrides, got %v", merged.ReadEvents)
	}
}

func TestMergeRemoteNewerTakesRemoteWatermark(t *testing.T) {
	local := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(10),
		StateUpdatedAtMs: 50,
		ReadEvents:       map[string]int64{"e1": 20},
	}
	remote := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(40),
		StateUpdatedAtMs: 60,
		ReadEvents:       map[string]int64{"e2": 45},
	}
	merged := MergeReadState(local, remote)
	if merged.MarkAllReadAtMs == nil || *merged.MarkAllReadAtMs != 40 {
		t.Fatalf("expected watermark 40, got %v", merged.MarkAllReadAtMs)
	}
	if merged.StateUpdatedAtMs != 60 {
		t.Fatalf("expected clock 60, got %d", merged.StateUpdatedAtMs)
	}
	// e1@20 is swallowed by the new watermark, e2@45 stays.
	want := map[string]int64{"e2": 45}
	if !reflect.DeepEqual(merged.ReadEvents, want) {
		t.Fatalf("expected overrides %v, got %v", want, merged.ReadEvents)
	}
}

func TestMergeEqualClocksTakesMaxWatermark(t *testing.T) {
	local := ReadSnapshot{MarkAllReadAtMs: msPtr(30), StateUpdatedAtMs: 70, ReadEvents: map[string]int64{}}
	remote := ReadSnapshot{MarkAllReadAtMs: msPtr(45), StateUpdatedAtMs: 70, ReadEvents: map[string]int64{}}
	merged := MergeReadState(local, remote)
	if merged.MarkAllReadAtMs == nil || *merged.MarkAllReadAtMs != 45 {
		t.Fatalf("expected watermark 45, got %v", merged.MarkAllReadAtMs)
	}
}

func TestMergeSkipsResurrectedOverrideWhenLocalFresh(t *testing.T) {
	// The user un-read e1 locally (it is absent from local overrides
	// and above the local watermark); a merely-equal remote snapshot
	// must not bring it back.
	local := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(10),
		StateUpdatedAtMs: 100,
		ReadEvents:       map[string]int64{},
	}
	remote := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(10),
		StateUpdatedAtMs: 100,
		ReadEvents:       map[string]int64{"e1": 50},
	}
	merged := MergeReadState(local, remote)
	if _, ok := merged.ReadEvents["e1"]; ok {
		t.Fatal("e1 must not be resurrected from an equal-clock remote snapshot")
	}
}

func TestMergeAcceptsRemoteOverrideWhenRemoteFresher(t *testing.T) {
	local := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(10),
		StateUpdatedAtMs: 90,
		ReadEvents:       map[string]int64{},
	}
	remote := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(10),
		StateUpdatedAtMs: 100,
		ReadEvents:       map[string]int64{"e1": 50},
	}
	merged := MergeReadState(local, remote)
	if at, ok := merged.ReadEvents["e1"]; !ok || at != 50 {
		t.Fatalf("expected e1@50 from fresher remote, got %v", merged.ReadEvents)
	}
}

func TestMergeKeepsRemoteOverridePresentLocally(t *testing.T) {
	// Present on both sides: keep the max time even when local is fresh.
	local := ReadSnapshot{
		MarkAllReadAtMs:  nil,
		StateUpdatedAtMs: 100,
		ReadEvents:       map[string]int64{"e1": 40},
	}
	remote := ReadSnapshot{
		MarkAllReadAtMs:  nil,
		StateUpdatedAtMs: 90,
		ReadEvents:       map[string]int64{"e1": 55},
	}
	merged := MergeReadState(local, remote)
	if merged.ReadEvents["e1"] != 55 {
		t.Fatalf("expected e1@55, got %v", merged.ReadEvents)
	}
}

func TestMergeIdempotent(t *testing.T) {
	local := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(25),
		StateUpdatedAtMs: 80,
		ReadEvents:       map[string]int64{"a": 30, "b": 90},
	}
	remote := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(40),
		StateUpdatedAtMs: 95,
		ReadEvents:       map[string]int64{"b": 85, "c": 50},
	}
	once := MergeReadState(local, remote)
	twice := MergeReadState(once, remote)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("merge is not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestMergeOverrideInvariant(t *testing.T) {
	local := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(60),
		StateUpdatedAtMs: 120,
		ReadEvents:       map[string]int64{"a": 70},
	}
	remote := ReadSnapshot{
		MarkAllReadAtMs:  msPtr(20),
		StateUpdatedAtMs: 110,
		ReadEvents:       map[string]int64{"a": 25, "b": 30, "c": 90},
	}
	merged := MergeReadState(local, remote)
	if merged.MarkAllReadAtMs == nil {
		t.Fatal("expected a watermark")
	}
	for id, at := range merged.ReadEvents {
		if at <= *merged.MarkAllReadAtMs {
			t.Fatalf("override %s@%d is not above watermark %d", id, at, *merged.MarkAllReadAtMs)
		}
	}
}

func TestPruneOverridesNilWatermark(t *testing.T) {
	overrides := map[string]int64{"a": 1, "b": 2}
	pruned := pruneOverrides(overrides, nil)
	if !reflect.DeepEqual(pruned, overrides) {
		t.Fatalf("nil watermark must prune nothing, got %v", pruned)
	}
}

func TestReadEventsToListOrder(t *testing.T) {
	list := ReadEventsToList(map[string]int64{"b": 10, "a": 10, "c": 30})
	want := []ReadEvent{
		{EventID: "c", EventAtMs: 30},
		{EventID: "a", EventAtMs: 10},
		{EventID: "b", EventAtMs: 10},
	}
	if !reflect.DeepEqual(list, want) {
		t.Fatalf("expected %v, got %v", want, list)
	}
}

func TestReadEventsFromListDedup(t *testing.T) {
	got := ReadEventsFromList([]ReadEvent{
		{EventID: "a", EventAtMs: 10},
		{EventID: "a", EventAtMs: 20},
		{EventID: "", EventAtMs: 5},
		{EventID: "b", EventAtMs: -3},
	})
	want := map[string]int64{"a": 20, "b": 0}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
