package notify

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/notifysync/internal/docstore"
)

const readStateDocumentKey = "NotificationReadState-v001"

const readStateDocumentVersion = 1

// AccountReadState is one account's persisted read-state: a watermark
// under which everything counts as read, explicit per-event overrides
// above it, and sync bookkeeping. Every key in ReadEvents carries a
// time strictly greater than the watermark.
type AccountReadState struct {
	MarkAllReadAtMs  *int64           `json:"markAllReadAtMs"`
	ReadEvents       map[string]int64 `json:"readEvents"`
	StateUpdatedAtMs int64            `json:"stateUpdatedAtMs"`
	Dirty            bool             `json:"dirty"`
	LastSyncAtMs     *int64           `json:"lastSyncAtMs"`
	LastSyncError    string           `json:"lastSyncError,omitempty"`
}

type readStateDocument struct {
	Version  int                          `json:"version"`
	Accounts map[string]*AccountReadState `json:"accounts"`
}

// AccountStateView is the UI-facing shape of one account's read-state.
type AccountStateView struct {
	AccountID       string      `json:"accountId"`
	MarkAllReadAtMs *int64      `json:"markAllReadAtMs"`
	ReadEvents      []ReadEvent `json:"readEvents"`
	Dirty           bool        `json:"dirty"`
	LastSyncAtMs    *int64      `json:"lastSyncAtMs"`
	LastSyncError   string      `json:"lastSyncError,omitempty"`
}

// ReadStates owns the read-state document for every local account.
// Mutations are synchronous, persist before returning, and never fail
// toward the caller; only the background sync can fail.
type ReadStates struct {
	store docstore.Store
	log   zerolog.Logger
	nowMs func() int64

	mu  sync.Mutex
	doc readStateDocument

	onChange    func(accountID string)
	syncTrigger func(accountID string, immediate bool)
}

type ReadStatesOptions struct {
	Store docstore.Store
	Log   zerolog.Logger
	NowMs func() int64
}

// NewReadStates loads the persisted document, or starts empty when the
// document is missing or carries an unknown version.
func NewReadStates(opts ReadStatesOptions) (*ReadStates, error) {
	r := &ReadStates{
		store: opts.Store,
		log:   opts.Log,
		nowMs: opts.NowMs,
	}
	if r.nowMs == nil {
		r.nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	doc, err := loadReadStateDocument(opts.Store, opts.Log)
	if err != nil {
		return nil, err
	}
	r.doc = doc
	return r, nil
}

func loadReadStateDocument(store docstore.Store, log zerolog.Logger) (readStateDocument, error) {
	empty := readStateDocument{Version: readStateDocumentVersion, Accounts: map[string]*AccountReadState{}}
	data, ok, err := store.Get(readStateDocumentKey)
	if err != nil {
		return empty, err
	}
	if !ok {
		return empty, nil
	}
	var doc readStateDocument
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version != readStateDocumentVersion {
		log.Warn().Str("key", readStateDocumentKey).Msg("resetting unreadable read-state document")
		return empty, nil
	}
	if doc.Accounts == nil {
		doc.Accounts = map[string]*AccountReadState{}
	}
	for _, state := range doc.Accounts {
		if state.ReadEvents == nil {
			state.ReadEvents = map[string]int64{}
		}
	}
	return doc, nil
}

// SetOnChange registers the query-invalidation hook; it fires after
// the mutation has been persisted.
func (r *ReadStates) SetOnChange(fn func(accountID string)) {
	r.onChange = fn
}

// SetSyncTrigger registers the sync scheduler; every mutation requests
// a debounced sync, account creation requests an immediate one.
func (r *ReadStates) SetSyncTrigger(fn func(accountID string, immediate bool)) {
	r.syncTrigger = fn
}

func (r *ReadStates) AccountIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.doc.Accounts))
	for id := range r.doc.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// View returns the account's state, creating it lazily. A fresh
// account starts with the watermark at now: everything that happened
// before the account existed locally counts as already read.
func (r *ReadStates) View(accountID string) AccountStateView {
	r.mu.Lock()
	state, created := r.ensureLocked(accountID)
	view := r.viewLocked(accountID, state)
	r.mu.Unlock()
	if created {
		r.notifyChanged(accountID)
		r.triggerSync(accountID, true)
	}
	return view
}

// Snapshot returns the merge-relevant copy of the account's state.
func (r *ReadStates) Snapshot(accountID string) ReadSnapshot {
	r.mu.Lock()
	state, created := r.ensureLocked(accountID)
	snap := ReadSnapshot{
		MarkAllReadAtMs:  cloneMs(state.MarkAllReadAtMs),
		StateUpdatedAtMs: state.StateUpdatedAtMs,
		ReadEvents:       cloneOverrides(state.ReadEvents),
	}
	r.mu.Unlock()
	if created {
		r.notifyChanged(accountID)
		r.triggerSync(accountID, true)
	}
	return snap
}

// MarkEventRead records an explicit read. Events already covered by
// the watermark are a no-op, as is lowering an existing override.
func (r *ReadStates) MarkEventRead(accountID, eventID string, eventAtMs int64) AccountStateView {
	if eventAtMs < 0 {
		eventAtMs = 0
	}
	r.mu.Lock()
	state, created := r.ensureLocked(accountID)
	mutated := false
	covered := state.MarkAllReadAtMs != nil && eventAtMs <= *state.MarkAllReadAtMs
	if !covered {
		if cur, ok := state.ReadEvents[eventID]; !ok || eventAtMs > cur {
			state.ReadEvents[eventID] = eventAtMs
			mutated = true
		}
	}
	if mutated {
		r.bumpLocked(state)
		r.persistLocked()
	}
	view := r.viewLocked(accountID, state)
	r.mu.Unlock()
	r.afterMutation(accountID, created, mutated)
	return view
}

// MarkEventUnread makes one event unread again. Above the watermark
// that is just dropping its override. Under the watermark the
// watermark itself has to come down to expose the event; every other
// currently-loaded event inside the newly exposed band gets an
// override so it stays read.
func (r *ReadStates) MarkEventUnread(accountID, eventID string, eventAtMs int64, otherLoadedEvents []ReadEvent) AccountStateView {
	if eventAtMs < 0 {
		eventAtMs = 0
	}
	r.mu.Lock()
	state, created := r.ensureLocked(accountID)
	covered := state.MarkAllReadAtMs != nil && eventAtMs <= *state.MarkAllReadAtMs
	if !covered {
		delete(state.ReadEvents, eventID)
	} else {
		oldWatermark := *state.MarkAllReadAtMs
		newWatermark := eventAtMs - 1
		delete(state.ReadEvents, eventID)
		for _, other := range otherLoadedEvents {
			if other.EventID == "" || other.EventID == eventID {
				continue
			}
			at := other.EventAtMs
			if at < 0 {
				at = 0
			}
			if at > newWatermark && at <= oldWatermark {
				if cur, ok := state.ReadEvents[other.EventID]; !ok || at > cur {
					state.ReadEvents[other.EventID] = at
				}
			}
		}
		state.MarkAllReadAtMs = &newWatermark
		state.ReadEvents = pruneOverrides(state.ReadEvents, state.MarkAllReadAtMs)
	}
	r.bumpLocked(state)
	r.persistLocked()
	view := r.viewLocked(accountID, state)
	r.mu.Unlock()
	r.afterMutation(accountID, created, true)
	return view
}

// MarkAllRead raises the watermark to cover everything up to the
// requested time (or now, whichever is later) and prunes the overrides
// the new watermark swallowed. The watermark never moves backward here.
func (r *ReadStates) MarkAllRead(accountID string, requestedAtMs int64) AccountStateView {
	if requestedAtMs < 0 {
		requestedAtMs = 0
	}
	r.mu.Lock()
	state, created := r.ensureLocked(accountID)
	newWatermark := requestedAtMs
	if state.MarkAllReadAtMs != nil && *state.MarkAllReadAtMs > newWatermark {
		newWatermark = *state.MarkAllReadAtMs
	}
	if now := r.nowMs(); now > newWatermark {
		newWatermark = now
	}
	state.MarkAllReadAtMs = &newWatermark
	state.ReadEvents = pruneOverrides(state.ReadEvents, state.MarkAllReadAtMs)
	r.bumpLocked(state)
	r.persistLocked()
	view := r.viewLocked(accountID, state)
	r.mu.Unlock()
	r.afterMutation(accountID, created, true)
	return view
}

// RecordSyncError stores a failed sync attempt; the account stays
// dirty so the sweep retries it.
func (r *ReadStates) RecordSyncError(accountID string, message string) {
	r.mu.Lock()
	state, _ := r.ensureLocked(accountID)
	state.Dirty = true
	state.LastSyncError = message
	r.persistLocked()
	r.mu.Unlock()
	r.notifyChanged(accountID)
}

// CompleteSync folds the server's authoritative answer into whatever
// local state exists right now. The caller passes the clock it
// observed after its GET; if the user touched the state since then the
// account stays dirty and the caller schedules another sync.
func (r *ReadStates) CompleteSync(accountID string, serverResult ReadSnapshot, afterGetClock int64, syncStartMs int64) (stillDirty bool) {
	r.mu.Lock()
	state, _ := r.ensureLocked(accountID)
	current := ReadSnapshot{
		MarkAllReadAtMs:  state.MarkAllReadAtMs,
		StateUpdatedAtMs: state.StateUpdatedAtMs,
		ReadEvents:       state.ReadEvents,
	}
	final := MergeReadState(current, serverResult)
	stillDirty = current.StateUpdatedAtMs != afterGetClock

	state.MarkAllReadAtMs = final.MarkAllReadAtMs
	state.StateUpdatedAtMs = final.StateUpdatedAtMs
	state.ReadEvents = final.ReadEvents
	state.Dirty = stillDirty
	state.LastSyncAtMs = &syncStartMs
	state.LastSyncError = ""
	r.persistLocked()
	r.mu.Unlock()
	r.notifyChanged(accountID)
	return stillDirty
}

func (r *ReadStates) ensureLocked(accountID string) (*AccountReadState, bool) {
	if state, ok := r.doc.Accounts[accountID]; ok {
		return state, false
	}
	now := r.nowMs()
	watermark := now
	state := &AccountReadState{
		MarkAllReadAtMs:  &watermark,
		ReadEvents:       map[string]int64{},
		StateUpdatedAtMs: now,
		Dirty:            true,
	}
	r.doc.Accounts[accountID] = state
	r.persistLocked()
	return state, true
}

func (r *ReadStates) bumpLocked(state *AccountReadState) {
	state.StateUpdatedAtMs = r.nowMs()
	state.Dirty = true
	state.LastSyncError = ""
}

func (r *ReadStates) persistLocked() {
	data, err := json.Marshal(r.doc)
	if err != nil {
		r.log.Error().Err(err).Msg("encode read-state document")
		return
	}
	if err := r.store.Put(readStateDocumentKey, data); err != nil {
		r.log.Error().Err(err).Str("key", readStateDocumentKey).Msg("persist read-state document")
	}
}

func (r *ReadStates) viewLocked(accountID string, state *AccountReadState) AccountStateView {
	return AccountStateView{
		AccountID:       accountID,
		MarkAllReadAtMs: cloneMs(state.MarkAllReadAtMs),
		ReadEvents:      ReadEventsToList(state.ReadEvents),
		Dirty:           state.Dirty,
		LastSyncAtMs:    cloneMs(state.LastSyncAtMs),
		LastSyncError:   state.LastSyncError,
	}
}

func (r *ReadStates) afterMutation(accountID string, created, mutated bool) {
	if created || mutated {
		r.notifyChanged(accountID)
	}
	switch {
	case created:
		r.triggerSync(accountID, true)
	case mutated:
		r.triggerSync(accountID, false)
	}
}

func (r *ReadStates) notifyChanged(accountID string) {
	if r.onChange != nil {
		r.onChange(accountID)
	}
}

func (r *ReadStates) triggerSync(accountID string, immediate bool) {
	if r.syncTrigger != nil {
		r.syncTrigger(accountID, immediate)
	}
}

func cloneOverrides(overrides map[string]int64) map[string]int64 {
	clone := make(map[string]int64, len(overrides))
	for id, at := range overrides {
		clone[id] = at
	}
	return clone
}
