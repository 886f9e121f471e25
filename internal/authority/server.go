// Package authority is the hosted side of the read-state protocol: it
// verifies signed CBOR requests and keeps the per-account authoritative
// snapshot, merging client submissions commutatively.
package authority

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/notifysync/internal/docstore"
	"github.com/agentworkforce/notifysync/internal/notify"
)

const (
	actionGet   = "get-notification-read-state"
	actionMerge = "merge-notification-read-state"

	// DefaultMaxSkew bounds how far a request's timestamp may drift
	// from server time before it is rejected as stale or replayed.
	DefaultMaxSkew = 5 * time.Minute

	maxRequestBytes = 1 << 20
)

type wireReadEvent struct {
	EventID   string `cbor:"eventId" json:"eventId"`
	EventAtMs int64  `cbor:"eventAtMs" json:"eventAtMs"`
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

type storedReadState struct {
	AccountID        string          `json:"accountId"`
	MarkAllReadAtMs  *int64          `json:"markAllReadAtMs"`
	StateUpdatedAtMs int64           `json:"stateUpdatedAtMs"`
	ReadEvents       []wireReadEvent `json:"readEvents"`
	UpdatedAt        string          `json:"updatedAt"`
}

// Server handles POST /notification-read-state.
type Server struct {
	store   docstore.Store
	log     zerolog.Logger
	encMode cbor.EncMode
	nowMs   func() int64
	maxSkew time.Duration

	// mergeMu serializes the load-merge-put cycle; without it two
	// devices merging the same account concurrently can each read the
	// same stored snapshot and the second Put drops the first's
	// overrides.
	mergeMu sync.Mutex
}

type ServerOptions struct {
	Store   docstore.Store
	Log     zerolog.Logger
	NowMs   func() int64
	MaxSkew time.Duration
}

func NewServer(opts ServerOptions) (*Server, error) {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:   opts.Store,
		log:     opts.Log,
		encMode: encMode,
		nowMs:   opts.NowMs,
		maxSkew: opts.MaxSkew,
	}
	if s.nowMs == nil {
		s.nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if s.maxSkew <= 0 {
		s.maxSkew = DefaultMaxSkew
	}
	return s, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /notification-read-state", s.handleReadState)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *Server) handleReadState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var payload requestPayload
	if err := cbor.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed cbor payload")
		return
	}
	accountID, err := s.verify(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("rejected read-state request")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	switch payload.Action {
	case actionGet:
		state, err := s.load(accountID)
		if err != nil {
			s.log.Error().Err(err).Str("account", accountID).Msg("load read-state")
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		writeJSON(w, http.StatusOK, state)
	case actionMerge:
		state, err := s.merge(accountID, payload)
		if err != nil {
			s.log.Error().Err(err).Str("account", accountID).Msg("merge read-state")
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		writeJSON(w, http.StatusOK, state)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", payload.Action))
	}
}

// verify checks the timestamp window and the ed25519 signature over
// the canonical encoding of the payload without its sig field.
func (s *Server) verify(payload requestPayload) (string, error) {
	if len(payload.Signer) != ed25519.PublicKeySize {
		return "", errors.New("signer is not an ed25519 public key")
	}
	if len(payload.Sig) == 0 {
		return "", errors.New("missing signature")
	}
	skew := payload.Time - s.nowMs()
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > s.maxSkew {
		return "", errors.New("request time outside accepted window")
	}

	sig := payload.Sig
	payload.Sig = nil
	unsigned, err := s.encMode.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("re-encode payload: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(payload.Signer), unsigned, sig) {
		return "", errors.New("signature verification failed")
	}
	return base58.Encode(payload.Signer), nil
}

func storageKey(accountID string) string {
	return "ReadState-" + accountID
}

func (s *Server) load(accountID string) (storedReadState, error) {
	empty := storedReadState{
		AccountID:  accountID,
		ReadEvents: []wireReadEvent{},
	}
	data, ok, err := s.store.Get(storageKey(accountID))
	if err != nil {
		return empty, err
	}
	if !ok {
		return empty, nil
	}
	var state storedReadState
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn().Str("account", accountID).Msg("resetting unreadable stored read-state")
		return empty, nil
	}
	state.AccountID = accountID
	if state.ReadEvents == nil {
		state.ReadEvents = []wireReadEvent{}
	}
	return state, nil
}

// merge folds the submitted snapshot into the stored one with
// commutative rules so submission order between devices cannot matter:
// max watermark, max clock, max per-event time, then prune.
func (s *Server) merge(accountID string, payload requestPayload) (storedReadState, error) {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	stored, err := s.load(accountID)
	if err != nil {
		return stored, err
	}

	watermark := stored.MarkAllReadAtMs
	if payload.MarkAllReadAtMs != nil {
		if watermark == nil || *payload.MarkAllReadAtMs > *watermark {
			v := *payload.MarkAllReadAtMs
			watermark = &v
		}
	}

	clock := stored.StateUpdatedAtMs
	if payload.StateUpdatedAtMs != nil && *payload.StateUpdatedAtMs > clock {
		clock = *payload.StateUpdatedAtMs
	}

	overrides := map[string]int64{}
	for _, evt := range stored.ReadEvents {
		overrides[evt.EventID] = evt.EventAtMs
	}
	for _, evt := range payload.ReadEvents {
		if evt.EventID == "" {
			continue
		}
		at := evt.EventAtMs
		if at < 0 {
			at = 0
		}
		if cur, ok := overrides[evt.EventID]; !ok || at > cur {
			overrides[evt.EventID] = at
		}
	}

	events := []wireReadEvent{}
	for _, evt := range notify.ReadEventsToList(prune(overrides, watermark)) {
		events = append(events, wireReadEvent{EventID: evt.EventID, EventAtMs: evt.EventAtMs})
	}

	next := storedReadState{
		AccountID:        accountID,
		MarkAllReadAtMs:  watermark,
		StateUpdatedAtMs: clock,
		ReadEvents:       events,
		UpdatedAt:        time.UnixMilli(s.nowMs()).UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(next)
	if err != nil {
		return next, err
	}
	if err := s.store.Put(storageKey(accountID), data); err != nil {
		return next, err
	}
	return next, nil
}

func prune(overrides map[string]int64, watermark *int64) map[string]int64 {
	if watermark == nil {
		return overrides
	}
	next := map[string]int64{}
	for id, at := range overrides {
		if at > *watermark {
			next[id] = at
		}
	}
	return next
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
