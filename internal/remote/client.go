// Package remote is the signed transport to the notify service. Every
// request is one canonically CBOR-encoded payload signed with the
// account's own key; responses come back as JSON.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"

	"github.com/agentworkforce/notifysync/internal/notify"
)

const (
	ActionGet   = "get-notification-read-state"
	ActionMerge = "merge-notification-read-state"

	readStatePath = "/notification-read-state"
)

// Signer signs bytes with a local account's private key.
type Signer interface {
	SignData(ctx context.Context, accountID string, data []byte) ([]byte, error)
}

// RequestError is a rejection from the notify service, carrying the
// optional error string from its body.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("notify service %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("notify service %d", e.StatusCode)
}

// Client implements the notify.ReadStateClient port.
type Client struct {
	signer     Signer
	httpClient *http.Client
	encMode    cbor.EncMode
	nowMs      func() int64
}

func NewClient(signer Signer, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	// Signatures cover the exact bytes, so encoding must be
	// deterministic on both ends.
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return &Client{
		signer:     signer,
		httpClient: httpClient,
		encMode:    encMode,
		nowMs:      func() int64 { return time.Now().UnixMilli() },
	}, nil
}

var _ notify.ReadStateClient = (*Client)(nil)

type wireReadEvent struct {
	EventID   string `cbor:"eventId"`
	EventAtMs int64  `cbor:"eventAtMs"`
}

type requestPayload struct {
	Action           string          `cbor:"action"`
	Signer           []byte          `cbor:"signer"`
	Time             int64           `cbor:"time"`
	MarkAllReadAtMs  *int64          `cbor:"markAllReadAtMs,omitempty"`
	StateUpdatedAtMs *int64          `cbor:"stateUpdatedAtMs,omitempty"`
	ReadEvents       []wireReadEvent `cbor:"readEvents,omitempty"`
	Sig              []byte          `cbor:"sig,omitempty"`
}

func (c *Client) Get(ctx context.Context, host, accountID string) (notify.RemoteReadState, error) {
	payload := requestPayload{Action: ActionGet}
	return c.send(ctx, host, accountID, payload)
}

func (c *Client) Merge(ctx context.Context, host, accountID string, snapshot notify.ReadSnapshot) (notify.RemoteReadState, error) {
	clock := snapshot.StateUpdatedAtMs
	events := make([]wireReadEvent, 0, len(snapshot.ReadEvents))
	for _, evt := range notify.ReadEventsToList(snapshot.ReadEvents) {
		events = append(events, wireReadEvent{EventID: evt.EventID, EventAtMs: evt.EventAtMs})
	}
	payload := requestPayload{
		Action:           ActionMerge,
		MarkAllReadAtMs:  snapshot.MarkAllReadAtMs,
		StateUpdatedAtMs: &clock,
		ReadEvents:       events,
	}
	return c.send(ctx, host, accountID, payload)
}

func (c *Client) send(ctx context.Context, host, accountID string, payload requestPayload) (notify.RemoteReadState, error) {
	signerKey, err := base58.Decode(accountID)
	if err != nil {
		return notify.RemoteReadState{}, fmt.Errorf("decode account id: %w", err)
	}
	payload.Signer = signerKey
	payload.Time = c.nowMs()
	payload.Sig = nil

	unsigned, err := c.encMode.Marshal(payload)
	if err != nil {
		return notify.RemoteReadState{}, fmt.Errorf("encode payload: %w", err)
	}
	sig, err := c.signer.SignData(ctx, accountID, unsigned)
	if err != nil {
		return notify.RemoteReadState{}, fmt.Errorf("sign payload: %w", err)
	}
	payload.Sig = sig
	signed, err := c.encMode.Marshal(payload)
	if err != nil {
		return notify.RemoteReadState{}, fmt.Errorf("encode signed payload: %w", err)
	}

	url := strings.TrimRight(strings.TrimSpace(host), "/") + readStatePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(signed))
	if err != nil {
		return notify.RemoteReadState{}, err
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return notify.RemoteReadState{}, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return notify.RemoteReadState{}, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &errPayload)
		return notify.RemoteReadState{}, &RequestError{StatusCode: resp.StatusCode, Message: errPayload.Error}
	}
	return decodeReadStateResponse(body)
}

// decodeReadStateResponse tolerates a non-array readEvents field by
// normalizing it to empty instead of rejecting the whole response.
func decodeReadStateResponse(body []byte) (notify.RemoteReadState, error) {
	var raw struct {
		AccountID        string          `json:"accountId"`
		MarkAllReadAtMs  *int64          `json:"markAllReadAtMs"`
		StateUpdatedAtMs int64           `json:"stateUpdatedAtMs"`
		ReadEvents       json.RawMessage `json:"readEvents"`
		UpdatedAt        string          `json:"updatedAt"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return notify.RemoteReadState{}, fmt.Errorf("decode response: %w", err)
	}
	out := notify.RemoteReadState{
		AccountID:        raw.AccountID,
		MarkAllReadAtMs:  raw.MarkAllReadAtMs,
		StateUpdatedAtMs: raw.StateUpdatedAtMs,
		ReadEvents:       []notify.ReadEvent{},
		UpdatedAt:        raw.UpdatedAt,
	}
	if len(raw.ReadEvents) > 0 {
		var events []notify.ReadEvent
		if err := json.Unmarshal(raw.ReadEvents, &events); err == nil && events != nil {
			out.ReadEvents = events
		}
	}
	return out, nil
}
