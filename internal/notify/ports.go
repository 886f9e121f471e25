package notify

import "context"

// AccountLister reports the account ids whose keys live on this device.
type AccountLister interface {
	ListAccountIDs(ctx context.Context) ([]string, error)
}

// ListEventsRequest pages through the activity feed newest-first.
// PageToken is opaque; an empty token means the newest page.
type ListEventsRequest struct {
	PageSize        int
	PageToken       string
	CurrentAccount  string
	FilterEventType []string
}

type EventPage struct {
	Events        []FeedEvent
	NextPageToken string
}

// FeedClient is the activity-feed paging RPC.
type FeedClient interface {
	ListEvents(ctx context.Context, req ListEventsRequest) (EventPage, error)
}

// RemoteReadState is the notify service's view of one account's
// read-state, as returned by both protocol actions.
type RemoteReadState struct {
	AccountID        string      `json:"accountId"`
	MarkAllReadAtMs  *int64      `json:"markAllReadAtMs"`
	StateUpdatedAtMs int64       `json:"stateUpdatedAtMs"`
	ReadEvents       []ReadEvent `json:"readEvents"`
	UpdatedAt        string      `json:"updatedAt"`
}

func (r RemoteReadState) Snapshot() ReadSnapshot {
	return ReadSnapshot{
		MarkAllReadAtMs:  cloneMs(r.MarkAllReadAtMs),
		StateUpdatedAtMs: r.StateUpdatedAtMs,
		ReadEvents:       ReadEventsFromList(r.ReadEvents),
	}
}

// ReadStateClient is the signed transport to the notify service. The
// host is passed per call because it can change at runtime and may be
// unset entirely.
type ReadStateClient interface {
	Get(ctx context.Context, host, accountID string) (RemoteReadState, error)
	Merge(ctx context.Context, host, accountID string, snapshot ReadSnapshot) (RemoteReadState, error)
}
