package notify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval is how often the feed is polled for new events.
	DefaultPollInterval = 5 * time.Second

	scanPageSize = 40
	maxScanPages = 40
)

// Ingestor drives the feed poll cycle: find the newest event id,
// backward-scan until the stored cursor is confirmed, classify the
// batch into every account's inbox, and advance the cursor only when
// the scan actually reached it.
type Ingestor struct {
	accounts AccountLister
	feed     FeedClient
	inboxes  *InboxStore
	classify Classifier
	log      zerolog.Logger
	interval time.Duration

	polling atomic.Bool
}

type IngestorOptions struct {
	Accounts   AccountLister
	Feed       FeedClient
	Inboxes    *InboxStore
	Classifier Classifier
	Log        zerolog.Logger
	Interval   time.Duration
}

func NewIngestor(opts IngestorOptions) *Ingestor {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	classify := opts.Classifier
	if classify == nil {
		classify = ClassifyEvent
	}
	return &Ingestor{
		accounts: opts.Accounts,
		feed:     opts.Feed,
		inboxes:  opts.Inboxes,
		classify: classify,
		log:      opts.Log,
		interval: interval,
	}
}

// Run polls on a fixed interval until the context is cancelled. A tick
// that arrives while a poll is still running is skipped.
func (ing *Ingestor) Run(ctx context.Context) {
	ticker := time.NewTicker(ing.interval)
	defer ticker.Stop()
	ing.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ing.PollOnce(ctx)
		}
	}
}

// PollOnce runs one poll cycle. Errors are recorded on the inbox
// document and swallowed; the next tick retries from the same cursor.
func (ing *Ingestor) PollOnce(ctx context.Context) {
	if !ing.polling.CompareAndSwap(false, true) {
		return
	}
	defer ing.polling.Store(false)

	if err := ing.poll(ctx); err != nil {
		ing.log.Warn().Err(err).Msg("notification inbox ingest failed")
		ing.inboxes.RecordPollError(err.Error())
		return
	}
	ing.inboxes.RecordPollSuccess()
}

func (ing *Ingestor) poll(ctx context.Context) error {
	accountIDs, err := ing.accounts.ListAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	if len(accountIDs) == 0 {
		return nil
	}
	ing.inboxes.EnsureAccounts(accountIDs)

	// The feed is account-agnostic at the id level, so any account
	// works as the paging scope.
	scope := accountIDs[0]
	latestID, err := ing.fetchLatestEventID(ctx, scope)
	if err != nil {
		return fmt.Errorf("fetch latest event: %w", err)
	}
	if latestID == "" {
		return nil
	}

	cursor := ing.inboxes.CursorEventID()
	if cursor == "" {
		// First run: remember where the feed is, do not backfill
		// history into a fresh install.
		ing.inboxes.SetCursor(latestID)
		ing.log.Info().Str("cursor", latestID).Msg("notification ingest cursor initialized")
		return nil
	}
	if cursor == latestID {
		return nil
	}

	events, newestSeen, foundCursor, err := ing.scanAfterCursor(ctx, scope, cursor)
	if err != nil {
		return fmt.Errorf("scan feed: %w", err)
	}

	changed := ing.inboxes.IngestBatch(events, accountIDs, ing.classify)

	if foundCursor && newestSeen != "" {
		ing.inboxes.SetCursor(newestSeen)
	} else if !foundCursor {
		ing.log.Warn().
			Str("cursor", cursor).
			Int("scannedEvents", len(events)).
			Msg("ingest cursor not found within scan window, holding cursor back")
	}

	ing.log.Info().
		Int("events", len(events)).
		Int("changedAccounts", len(changed)).
		Bool("cursorConfirmed", foundCursor).
		Msg("notification inbox ingest completed")
	return nil
}

func (ing *Ingestor) fetchLatestEventID(ctx context.Context, scope string) (string, error) {
	page, err := ing.feed.ListEvents(ctx, ListEventsRequest{
		PageSize:       1,
		CurrentAccount: scope,
	})
	if err != nil {
		return "", err
	}
	if len(page.Events) == 0 {
		return "", nil
	}
	return page.Events[0].FeedEventID, nil
}

// scanAfterCursor pages backward from the newest event, collecting
// everything newer than the cursor. The scan stops when the cursor is
// encountered or the page budget runs out; the caller must not advance
// the cursor in the latter case.
func (ing *Ingestor) scanAfterCursor(ctx context.Context, scope, cursor string) (events []FeedEvent, newestSeen string, foundCursor bool, err error) {
	pageToken := ""
	for pages := 0; pages < maxScanPages; pages++ {
		page, err := ing.feed.ListEvents(ctx, ListEventsRequest{
			PageSize:       scanPageSize,
			PageToken:      pageToken,
			CurrentAccount: scope,
		})
		if err != nil {
			return nil, "", false, err
		}
		for _, event := range page.Events {
			if event.FeedEventID == cursor {
				return events, newestSeen, true, nil
			}
			if newestSeen == "" {
				newestSeen = event.FeedEventID
			}
			events = append(events, event)
		}
		if page.NextPageToken == "" {
			// Feed exhausted without meeting the cursor; the cursor's
			// event is gone, so the scan is complete by definition.
			// Some feed pollers hold the cursor back here instead, but
			// that rescans the full feed every poll once the cursor's
			// event is pruned upstream.
			return events, newestSeen, true, nil
		}
		pageToken = page.NextPageToken
	}
	return events, newestSeen, false, nil
}

// Status reports the poller's persisted status plus whether a poll
// cycle is running right now.
func (ing *Ingestor) Status() IngestStatus {
	status := ing.inboxes.Status()
	status.IsPolling = ing.polling.Load()
	return status
}
