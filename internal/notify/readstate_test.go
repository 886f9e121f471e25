package notify

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/notifysync/internal/docstore"
)

type fakeClock struct {
	now int64
}

func (c *fakeClock) ms() int64 { return c.now }

func newTestReadStates(t *testing.T, clock *fakeClock) (*ReadStates, *docstore.MemoryStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	states, err := NewReadStates(ReadStatesOptions{
		Store: store,
		Log:   zerolog.Nop(),
		NowMs: clock.ms,
	})
	if err != nil {
		t.Fatalf("NewReadStates: %v", err)
	}
	return states, store
}

func TestNewAccountStartsDirtyWithWatermarkNow(t *testing.T) {
	clock := &fakeClock{now: 1000}
	states, _ := newTestReadStates(t, clock)

	immediate := false
	states.SetSyncTrigger(func(accountID string, imm bool) {
		if accountID == "acct" && imm {
			immediate = true
		}
	})

	view := states.View("acct")
	if view.MarkAllReadAtMs == nil || *view.MarkAllReadAtMs != 1000 {
		t.Fatalf("expected watermark 1000, got %v", view.MarkAllReadAtMs)
	}
	if !view.Dirty {
		t.Fatal("fresh account must start dirty")
	}
	if !immediate {
		t.Fatal("account creation must request an immediate sync")
	}
}

func TestMarkAllReadWatermarkMonotonic(t *testing.T) {
	clock := &fakeClock{now: 100}
	states, _ := newTestReadStates(t, clock)

	states.View("acct")
	last := int64(0)
	for _, req := range []int64{500, 200, 900, 100} {
		clock.now += 10
		view := states.MarkAllRead("acct", req)
		if view.MarkAllReadAtMs == nil {
			t.Fatal("watermark vanished")
		}
		if *view.MarkAllReadAtMs < last {
			t.Fatalf("watermark moved backward: %d -> %d", last, *view.MarkAllReadAtMs)
		}
		last = *view.MarkAllReadAtMs
	}
}

func TestMarkEventReadCoveredIsNoOp(t *testing.T) {
	clock := &fakeClock{now: 100}
	states, _ := newTestReadStates(t, clock)

	states.View("acct")
	before := states.Snapshot("acct")

	clock.now = 200
	view := states.MarkEventRead("acct", "e1", 50)
	if len(view.ReadEvents) != 0 {
		t.Fatalf("covered event must not create an override, got %v", view.ReadEvents)
	}
	after := states.Snapshot("acct")
	if after.StateUpdatedAtMs != before.StateUpdatedAtMs {
		t.Fatal("covered mark-read must not bump the clock")
	}
}

func TestMarkEventReadUpsertsMax(t *testing.T) {
	clock := &fakeClock{now: 100}
	states, _ := newTestReadStates(t, clock)
	states.View("acct")

	clock.now = 110
	states.MarkEventRead("acct", "e1", 150)
	clock.now = 120
	view := states.MarkEventRead("acct", "e1", 140)
	if view.ReadEvents[0].EventAtMs != 150 {
		t.Fatalf("expected override kept at 150, got %v", view.ReadEvents)
	}
	snap := states.Snapshot("acct")
	if snap.StateUpdatedAtMs != 110 {
		t.Fatalf("lowering an override must not bump the clock, got %d", snap.StateUpdatedAtMs)
	}
}

func TestReadUnreadRoundTripAboveWatermark(t *testing.T) {
	clock := &fakeClock{now: 100}
	states, _ := newTestReadStates(t, clock)
	states.View("acct")
	before := states.Snapshot("acct")

	clock.now = 110
	states.MarkEventRead("acct", "e1", 400)
	clock.now = 120
	view := states.MarkEventUnread("acct", "e1", 400, nil)

	if len(view.ReadEvents) != 0 {
		t.Fatalf("expected overrides restored to empty, got %v", view.ReadEvents)
	}
	if view.MarkAllReadAtMs == nil || *view.MarkAllReadAtMs != *before.MarkAllReadAtMs {
		t.Fatalf("watermark must be unchanged, got %v", view.MarkAllReadAtMs)
	}
}

func TestMarkEventUnreadUnderWatermarkReconstruction(t *testing.T) {
	clock := &fakeClock{now: 30}
	states, _ := newTestReadStates(t, clock)
	states.View("acct")

	clock.now = 40
	view := states.MarkEventUnread("acct", "e2", 20, []ReadEvent{
		{EventID: "e1", EventAtMs: 10},
		{EventID: "e3", EventAtMs: 30},
	})

	if view.MarkAllReadAtMs == nil || *view.MarkAllReadAtMs != 19 {
		t.Fatalf("expected watermark 19, got %v", view.MarkAllReadAtMs)
	}
	snap := states.Snapshot("acct")
	if at, ok := snap.ReadEvents["e3"]; !ok || at != 30 {
		t.Fatalf("e3 must stay read via an override at 30, got %v", snap.ReadEvents)
	}
	if _, ok := snap.ReadEvents["e1"]; ok {
		t.Fatal("e1 at 10 is still covered by watermark 19 and needs no override")
	}
	if _, ok := snap.ReadEvents["e2"]; ok {
		t.Fatal("the event being un-read must not have an override")
	}
}

func TestMarkEventUnreadIgnoresTargetInLoadedSet(t *testing.T) {
	clock := &fakeClock{now: 30}
	states, _ := newTestReadStates(t, clock)
	states.View("acct")

	clock.now = 40
	states.MarkEventUnread("acct", "e2", 20, []ReadEvent{
		{EventID: "e2", EventAtMs: 20},
		{EventID: "e3", EventAtMs: 30},
	})
	snap := states.Snapshot("acct")
	if _, ok := snap.ReadEvents["e2"]; ok {
		t.Fatal("target passed inside otherLoadedEvents must still end up unread")
	}
}

func TestCompleteSyncClearsDirtyWhenUntouched(t *testing.T) {
	clock := &fakeClock{now: 100}
	states, _ := newTestReadStates(t, clock)
	states.View("acct")
	afterGet := states.Snapshot("acct")

	still := states.CompleteSync("acct", afterGet, afterGet.StateUpdatedAtMs, 150)
	if still {
		t.Fatal("untouched account must come out clean")
	}
	view := states.View("acct")
	if view.Dirty {
		t.Fatal("expected dirty cleared")
	}
	if view.LastSyncAtMs == nil || *view.LastSyncAtMs != 150 {
		t.Fatalf("expected lastSyncAtMs 150, got %v", view.LastSyncAtMs)
	}
}

func TestCompleteSyncKeepsDirtyAfterMidSyncMutation(t *testing.T) {
	clock := &fakeClock{now: 100}
	states, _ := newTestReadStates(t, clock)
	states.View("acct")
	afterGet := states.Snapshot("acct")

	// A mutation lands between the GET and the server's answer.
	clock.now = 130
	states.MarkEventRead("acct", "e1", 500)

	still := states.CompleteSync("acct", afterGet, afterGet.StateUpdatedAtMs, 150)
	if !still {
		t.Fatal("mid-sync mutation must leave the account dirty")
	}
	snap := states.Snapshot("acct")
	if at, ok := snap.ReadEvents["e1"]; !ok || at != 500 {
		t.Fatalf("mid-sync mutation must survive the merge, got %v", snap.ReadEvents)
	}
}

func TestRecordSyncErrorKeepsDirty(t *testing.T) {
	clock := &fakeClock{now: 100}
	states, _ := newTestReadStates(t, clock)
	states.View("acct")

	states.RecordSyncError("acct", "remote unreachable")
	view := states.View("acct")
	if !view.Dirty {
		t.Fatal("account must stay dirty after a sync error")
	}
	if view.LastSyncError != "remote unreachable" {
		t.Fatalf("expected error recorded, got %q", view.LastSyncError)
	}
}

func TestReadStatesPersistAndReload(t *testing.T) {
	clock := &fakeClock{now: 100}
	states, store := newTestReadStates(t, clock)
	states.View("acct")
	clock.now = 110
	states.MarkEventRead("acct", "e1", 400)

	reloaded, err := NewReadStates(ReadStatesOptions{
		Store: store,
		Log:   zerolog.Nop(),
		NowMs: clock.ms,
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	snap := reloaded.Snapshot("acct")
	if at, ok := snap.ReadEvents["e1"]; !ok || at != 400 {
		t.Fatalf("expected persisted override e1@400, got %v", snap.ReadEvents)
	}
	if snap.MarkAllReadAtMs == nil || *snap.MarkAllReadAtMs != 100 {
		t.Fatalf("expected persisted watermark 100, got %v", snap.MarkAllReadAtMs)
	}
}

func TestUnknownDocumentVersionResets(t *testing.T) {
	store := docstore.NewMemoryStore()
	if err := store.Put("NotificationReadState-v001", []byte(`{"version":99,"accounts":{"acct":{}}}`)); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	clock := &fakeClock{now: 100}
	states, err := NewReadStates(ReadStatesOptions{
		Store: store,
		Log:   zerolog.Nop(),
		NowMs: clock.ms,
	})
	if err != nil {
		t.Fatalf("NewReadStates: %v", err)
	}
	if ids := states.AccountIDs(); len(ids) != 0 {
		t.Fatalf("unknown version must reset to empty, got %v", ids)
	}
}
