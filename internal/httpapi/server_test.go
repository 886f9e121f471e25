package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/notifysync/internal/docstore"
	"github.com/agentworkforce/notifysync/internal/notify"
)

type echoReadStateClient struct{}

func (echoReadStateClient) Get(_ context.Context, _, accountID string) (notify.RemoteReadState, error) {
	return notify.RemoteReadState{AccountID: accountID, ReadEvents: []notify.ReadEvent{}}, nil
}

func (echoReadStateClient) Merge(_ context.Context, _, accountID string, snapshot notify.ReadSnapshot) (notify.RemoteReadState, error) {
	return notify.RemoteReadState{
		AccountID:        accountID,
		MarkAllReadAtMs:  snapshot.MarkAllReadAtMs,
		StateUpdatedAtMs: snapshot.StateUpdatedAtMs,
		ReadEvents:       notify.ReadEventsToList(snapshot.ReadEvents),
	}, nil
}

type apiFixture struct {
	ts      *httptest.Server
	states  *notify.ReadStates
	inboxes *notify.InboxStore
	hub     *Hub
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := docstore.NewMemoryStore()
	states, err := notify.NewReadStates(notify.ReadStatesOptions{Store: store, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewReadStates: %v", err)
	}
	inboxes, err := notify.NewInboxStore(notify.InboxStoreOptions{Store: store, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewInboxStore: %v", err)
	}
	engine := notify.NewSyncEngine(notify.SyncEngineOptions{
		States: states,
		Client: echoReadStateClient{},
		Log:    zerolog.Nop(),
		Host:   "http://notify.test",
	})
	hub := NewHub(zerolog.Nop())
	api, err := NewServer(ServerOptions{
		Inboxes: inboxes,
		States:  states,
		Engine:  engine,
		Hub:     hub,
		Log:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(api.Routes())
	t.Cleanup(ts.Close)
	return &apiFixture{ts: ts, states: states, inboxes: inboxes, hub: hub}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeView(t *testing.T, resp *http.Response) notify.AccountStateView {
	t.Helper()
	defer resp.Body.Close()
	var view notify.AccountStateView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view
}

func TestMarkReadEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	resp := postJSON(t, fx.ts.URL+"/v1/accounts/acct/read-state/mark-read",
		`{"eventId":"e1","eventAtMs":`+msAbove(fx, "acct")+`}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	view := decodeView(t, resp)
	if len(view.ReadEvents) != 1 || view.ReadEvents[0].EventID != "e1" {
		t.Fatalf("expected override in view, got %v", view.ReadEvents)
	}
}

// msAbove returns a timestamp above the account's current watermark,
// as a decimal string for direct inclusion in a request body.
func msAbove(fx *apiFixture, accountID string) string {
	view := fx.states.View(accountID)
	var base int64
	if view.MarkAllReadAtMs != nil {
		base = *view.MarkAllReadAtMs
	}
	return jsonNumber(base + 1000)
}

func jsonNumber(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func TestMarkReadRejectsInvalidBody(t *testing.T) {
	fx := newAPIFixture(t)
	cases := []string{
		`{"eventAtMs":10}`,
		`{"eventId":"","eventAtMs":10}`,
		`{"eventId":"e1","eventAtMs":-5}`,
		`{"eventId":"e1","eventAtMs":10,"extra":true}`,
		`not json at all`,
	}
	for _, body := range cases {
		resp := postJSON(t, fx.ts.URL+"/v1/accounts/acct/read-state/mark-read", body)
		data := struct {
			Error string `json:"error"`
		}{}
		err := json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
		if err != nil || data.Error == "" {
			t.Fatalf("body %q: expected an error message", body)
		}
	}
}

func TestMarkUnreadEndpointReconstruction(t *testing.T) {
	fx := newAPIFixture(t)
	view := fx.states.View("acct")
	watermark := *view.MarkAllReadAtMs

	body := `{"eventId":"e2","eventAtMs":` + jsonNumber(watermark-10) +
		`,"otherLoadedEvents":[{"eventId":"e3","eventAtMs":` + jsonNumber(watermark) + `}]}`
	resp := postJSON(t, fx.ts.URL+"/v1/accounts/acct/read-state/mark-unread", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decodeView(t, resp)
	if got.MarkAllReadAtMs == nil || *got.MarkAllReadAtMs != watermark-11 {
		t.Fatalf("expected watermark lowered to %d, got %v", watermark-11, got.MarkAllReadAtMs)
	}
	if len(got.ReadEvents) != 1 || got.ReadEvents[0].EventID != "e3" {
		t.Fatalf("expected e3 preserved as an override, got %v", got.ReadEvents)
	}
}

func TestMarkAllReadEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	resp := postJSON(t, fx.ts.URL+"/v1/accounts/acct/read-state/mark-all-read", `{"markAllReadAtMs":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	view := decodeView(t, resp)
	if view.MarkAllReadAtMs == nil || *view.MarkAllReadAtMs < 5 {
		t.Fatalf("expected watermark at least the request, got %v", view.MarkAllReadAtMs)
	}
}

func TestInboxEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	fx.inboxes.IngestBatch([]notify.FeedEvent{
		{FeedEventID: "e1", EventAtMs: 10, Type: notify.EventTypeComment, Author: "other", Mentions: []string{"acct"}},
	}, []string{"acct"}, nil)

	resp, err := http.Get(fx.ts.URL + "/v1/accounts/acct/inbox?limit=10")
	if err != nil {
		t.Fatalf("get inbox: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		AccountID string                    `json:"accountId"`
		Items     []notify.NotificationItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode inbox: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].Event.FeedEventID != "e1" {
		t.Fatalf("unexpected inbox %+v", body)
	}

	bad, err := http.Get(fx.ts.URL + "/v1/accounts/acct/inbox?limit=zero")
	if err != nil {
		t.Fatalf("get inbox: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}

func TestIngestStatusEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	fx.inboxes.SetCursor("evt-7")

	resp, err := http.Get(fx.ts.URL + "/v1/ingest/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var status notify.IngestStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.CursorEventID != "evt-7" {
		t.Fatalf("expected cursor in status, got %+v", status)
	}
}

func TestSyncNowEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	fx.states.View("acct")

	resp := postJSON(t, fx.ts.URL+"/v1/accounts/acct/sync", ``)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	view := decodeView(t, resp)
	if view.Dirty {
		t.Fatal("expected account clean after a manual sync against the echo remote")
	}
}

func TestWebSocketInvalidations(t *testing.T) {
	fx := newAPIFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/v1/invalidations/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Subscription happens inside the handler goroutine; give it a
	// moment before broadcasting.
	time.Sleep(50 * time.Millisecond)
	fx.hub.Broadcast(Invalidation{AccountID: "acct", Scope: "inbox"})

	var got Invalidation
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.AccountID != "acct" || got.Scope != "inbox" {
		t.Fatalf("unexpected event %+v", got)
	}
}
