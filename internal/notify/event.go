package notify

// Reason says why an event landed in an account's inbox.
type Reason string

const (
	ReasonMention           Reason = "mention"
	ReasonReply             Reason = "reply"
	ReasonDiscussion        Reason = "discussion"
	ReasonSiteNewDiscussion Reason = "site-new-discussion"
	ReasonSiteDocUpdate     Reason = "site-doc-update"
)

// Feed event types as emitted by the activity feed.
const (
	EventTypeMention   = "mention"
	EventTypeComment   = "comment"
	EventTypeDocUpdate = "doc-update"
)

// FeedEvent is one entry of the remote append-only activity feed.
// FeedEventID is the identity; two events with the same id are the
// same event, possibly observed at different resolution times.
type FeedEvent struct {
	FeedEventID   string   `json:"feedEventId"`
	EventAtMs     int64    `json:"eventAtMs"`
	Type          string   `json:"type"`
	Author        string   `json:"author,omitempty"`
	SiteAccount   string   `json:"siteAccount,omitempty"`
	Document      string   `json:"document,omitempty"`
	Mentions      []string `json:"mentions,omitempty"`
	ParentAuthors []string `json:"parentAuthors,omitempty"`
}

// Classifier decides whether an event is notification-worthy for an
// account. It must be pure: same inputs, same answer.
type Classifier func(event FeedEvent, accountID string) (Reason, bool)

// ClassifyEvent is the default classifier. An account is never
// notified about its own activity.
func ClassifyEvent(event FeedEvent, accountID string) (Reason, bool) {
	if accountID == "" || event.Author == accountID {
		return "", false
	}
	if containsString(event.Mentions, accountID) {
		return ReasonMention, true
	}
	switch event.Type {
	case EventTypeComment:
		if containsString(event.ParentAuthors, accountID) {
			return ReasonReply, true
		}
		if event.SiteAccount == accountID {
			if len(event.ParentAuthors) == 0 {
				return ReasonSiteNewDiscussion, true
			}
			return ReasonDiscussion, true
		}
	case EventTypeDocUpdate:
		if event.SiteAccount == accountID {
			return ReasonSiteDocUpdate, true
		}
	}
	return "", false
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
