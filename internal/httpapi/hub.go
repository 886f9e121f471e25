package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Invalidation tells a UI client that an account's cached data is
// stale. Scope is "inbox" or "read-state".
type Invalidation struct {
	AccountID string `json:"accountId"`
	Scope     string `json:"scope"`
}

// Hub fans invalidation events out to every connected WebSocket
// client. A slow client drops events rather than blocking the
// mutation path.
type Hub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[chan Invalidation]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, subs: map[chan Invalidation]struct{}{}}
}

func (h *Hub) Broadcast(event Invalidation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) subscribe() chan Invalidation {
	ch := make(chan Invalidation, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Invalidation) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Clients only listen; CloseRead surfaces disconnects through the
	// returned context.
	ctx := conn.CloseRead(r.Context())

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			if err := writeWithTimeout(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, event Invalidation) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, event)
}
