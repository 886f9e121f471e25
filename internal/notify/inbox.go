package notify

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/notifysync/internal/docstore"
)

const inboxDocumentKey = "NotificationInbox-v001"

const inboxDocumentVersion = 1

// MaxItemsPerAccount caps each account's inbox at the most recent
// entries; older items fall off the end.
const MaxItemsPerAccount = 600

// NotificationItem is one classified feed event. Identity is the
// event's FeedEventID.
type NotificationItem struct {
	Reason Reason    `json:"reason"`
	Event  FeedEvent `json:"event"`
}

type accountInbox struct {
	Items []NotificationItem `json:"items"`
}

type inboxDocument struct {
	Version       int                      `json:"version"`
	CursorEventID string                   `json:"cursorEventId,omitempty"`
	Accounts      map[string]*accountInbox `json:"accounts"`
	LastPollAtMs  *int64                   `json:"lastPollAtMs"`
	LastError     string                   `json:"lastError,omitempty"`
}

// IngestStatus is the poller's queryable status slice. IsPolling is
// live poller state, not persisted; the store reports it false and the
// Ingestor fills it in.
type IngestStatus struct {
	CursorEventID string `json:"cursorEventId,omitempty"`
	AccountCount  int    `json:"accountCount"`
	IsPolling     bool   `json:"isPolling"`
	LastPollAtMs  *int64 `json:"lastPollAtMs"`
	LastError     string `json:"lastError,omitempty"`
}

// InboxStore owns the single inbox document: the global ingestion
// cursor plus every account's bounded notification list. Only the
// ingestion merge mutates the lists.
type InboxStore struct {
	store docstore.Store
	log   zerolog.Logger
	nowMs func() int64

	mu  sync.Mutex
	doc inboxDocument

	onChange func(accountID string)
}

type InboxStoreOptions struct {
	Store docstore.Store
	Log   zerolog.Logger
	NowMs func() int64
}

func NewInboxStore(opts InboxStoreOptions) (*InboxStore, error) {
	s := &InboxStore{
		store: opts.Store,
		log:   opts.Log,
		nowMs: opts.NowMs,
	}
	if s.nowMs == nil {
		s.nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	doc, err := loadInboxDocument(opts.Store, opts.Log)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

func loadInboxDocument(store docstore.Store, log zerolog.Logger) (inboxDocument, error) {
	empty := inboxDocument{Version: inboxDocumentVersion, Accounts: map[string]*accountInbox{}}
	data, ok, err := store.Get(inboxDocumentKey)
	if err != nil {
		return empty, err
	}
	if !ok {
		return empty, nil
	}
	var doc inboxDocument
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version != inboxDocumentVersion {
		log.Warn().Str("key", inboxDocumentKey).Msg("resetting unreadable inbox document")
		return empty, nil
	}
	if doc.Accounts == nil {
		doc.Accounts = map[string]*accountInbox{}
	}
	return doc, nil
}

func (s *InboxStore) SetOnChange(fn func(accountID string)) {
	s.onChange = fn
}

func (s *InboxStore) CursorEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CursorEventID
}

// SetCursor records the newest fully-ingested feed event id.
func (s *InboxStore) SetCursor(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.CursorEventID == eventID {
		return
	}
	s.doc.CursorEventID = eventID
	s.persistLocked()
}

// EnsureAccounts creates missing inbox entries; persists only when
// something was actually added.
func (s *InboxStore) EnsureAccounts(accountIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := false
	for _, id := range accountIDs {
		if _, ok := s.doc.Accounts[id]; !ok {
			s.doc.Accounts[id] = &accountInbox{}
			added = true
		}
	}
	if added {
		s.persistLocked()
	}
}

func (s *InboxStore) RecordPollSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowMs()
	s.doc.LastPollAtMs = &now
	s.doc.LastError = ""
	s.persistLocked()
}

func (s *InboxStore) RecordPollError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowMs()
	s.doc.LastPollAtMs = &now
	s.doc.LastError = message
	s.persistLocked()
}

// Items returns the newest items for an account, at most limit.
func (s *InboxStore) Items(accountID string, limit int) []NotificationItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	inbox, ok := s.doc.Accounts[accountID]
	if !ok {
		return []NotificationItem{}
	}
	items := inbox.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]NotificationItem, len(items))
	copy(out, items)
	return out
}

func (s *InboxStore) Status() IngestStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IngestStatus{
		CursorEventID: s.doc.CursorEventID,
		AccountCount:  len(s.doc.Accounts),
		LastPollAtMs:  cloneMs(s.doc.LastPollAtMs),
		LastError:     s.doc.LastError,
	}
}

// IngestBatch classifies a scanned event batch into every account's
// inbox and returns the accounts whose list actually changed. The
// cursor is untouched; the poller decides separately whether it may
// advance.
func (s *InboxStore) IngestBatch(events []FeedEvent, accountIDs []string, classify Classifier) []string {
	if classify == nil {
		classify = ClassifyEvent
	}
	staged := map[string][]NotificationItem{}
	for _, event := range events {
		for _, accountID := range accountIDs {
			if reason, ok := classify(event, accountID); ok {
				staged[accountID] = append(staged[accountID], NotificationItem{Reason: reason, Event: event})
			}
		}
	}

	s.mu.Lock()
	changed := []string{}
	for _, accountID := range accountIDs {
		inbox, ok := s.doc.Accounts[accountID]
		if !ok {
			inbox = &accountInbox{}
			s.doc.Accounts[accountID] = inbox
		}
		next := mergeNotifications(inbox.Items, staged[accountID])
		if notificationListsEqual(inbox.Items, next) {
			continue
		}
		inbox.Items = next
		changed = append(changed, accountID)
	}
	if len(changed) > 0 {
		s.persistLocked()
	}
	s.mu.Unlock()

	sort.Strings(changed)
	for _, accountID := range changed {
		if s.onChange != nil {
			s.onChange(accountID)
		}
	}
	return changed
}

// mergeNotifications overlays incoming items onto the existing list,
// dedupes by feed event id keeping the fresher item (ties go to the
// incoming one, so a re-served event can update its classification),
// sorts newest-first, and truncates to the cap.
func mergeNotifications(existing, incoming []NotificationItem) []NotificationItem {
	byID := make(map[string]NotificationItem, len(existing)+len(incoming))
	for _, item := range existing {
		byID[item.Event.FeedEventID] = item
	}
	for _, item := range incoming {
		if cur, ok := byID[item.Event.FeedEventID]; !ok || item.Event.EventAtMs >= cur.Event.EventAtMs {
			byID[item.Event.FeedEventID] = item
		}
	}
	merged := make([]NotificationItem, 0, len(byID))
	for _, item := range byID {
		merged = append(merged, item)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Event.EventAtMs != merged[j].Event.EventAtMs {
			return merged[i].Event.EventAtMs > merged[j].Event.EventAtMs
		}
		return merged[i].Event.FeedEventID > merged[j].Event.FeedEventID
	})
	if len(merged) > MaxItemsPerAccount {
		merged = merged[:MaxItemsPerAccount]
	}
	return merged
}

func notificationListsEqual(a, b []NotificationItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Reason != b[i].Reason ||
			a[i].Event.FeedEventID != b[i].Event.FeedEventID ||
			a[i].Event.EventAtMs != b[i].Event.EventAtMs {
			return false
		}
	}
	return true
}

func (s *InboxStore) persistLocked() {
	data, err := json.Marshal(s.doc)
	if err != nil {
		s.log.Error().Err(err).Msg("encode inbox document")
		return
	}
	if err := s.store.Put(inboxDocumentKey, data); err != nil {
		s.log.Error().Err(err).Str("key", inboxDocumentKey).Msg("persist inbox document")
	}
}
