// Package httpapi exposes the daemon to UI frontends: inbox and
// read-state queries, read-state mutations, manual sync, and a
// WebSocket stream of cache invalidations.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/notifysync/internal/notify"
)

const (
	defaultInboxLimit = 400
	maxBodyBytes      = 256 << 10
	wsWriteTimeout    = 5 * time.Second
)

const markReadSchema = `{
	"type": "object",
	"required": ["eventId", "eventAtMs"],
	"properties": {
		"eventId": {"type": "string", "minLength": 1},
		"eventAtMs": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

const markUnreadSchema = `{
	"type": "object",
	"required": ["eventId", "eventAtMs"],
	"properties": {
		"eventId": {"type": "string", "minLength": 1},
		"eventAtMs": {"type": "integer", "minimum": 0},
		"otherLoadedEvents": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["eventId", "eventAtMs"],
				"properties": {
					"eventId": {"type": "string", "minLength": 1},
					"eventAtMs": {"type": "integer", "minimum": 0}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

const markAllReadSchema = `{
	"type": "object",
	"required": ["markAllReadAtMs"],
	"properties": {
		"markAllReadAtMs": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

// Server wires the stores, the sync engine, and the invalidation hub
// behind the local HTTP API.
type Server struct {
	inboxes *notify.InboxStore
	states  *notify.ReadStates
	engine  *notify.SyncEngine
	ingest  *notify.Ingestor
	hub     *Hub
	log     zerolog.Logger

	markReadSch    *jsonschema.Schema
	markUnreadSch  *jsonschema.Schema
	markAllReadSch *jsonschema.Schema
}

type ServerOptions struct {
	Inboxes *notify.InboxStore
	States  *notify.ReadStates
	Engine  *notify.SyncEngine
	Ingest  *notify.Ingestor
	Hub     *Hub
	Log     zerolog.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	s := &Server{
		inboxes: opts.Inboxes,
		states:  opts.States,
		engine:  opts.Engine,
		ingest:  opts.Ingest,
		hub:     opts.Hub,
		log:     opts.Log,
	}
	var err error
	if s.markReadSch, err = compileSchema("mark-read.json", markReadSchema); err != nil {
		return nil, err
	}
	if s.markUnreadSch, err = compileSchema("mark-unread.json", markUnreadSchema); err != nil {
		return nil, err
	}
	if s.markAllReadSch, err = compileSchema("mark-all-read.json", markAllReadSchema); err != nil {
		return nil, err
	}
	return s, nil
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(source)))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("register schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ingest/status", s.handleIngestStatus)
	mux.HandleFunc("GET /v1/accounts/{id}/inbox", s.handleInbox)
	mux.HandleFunc("GET /v1/accounts/{id}/read-state", s.handleReadState)
	mux.HandleFunc("POST /v1/accounts/{id}/read-state/mark-read", s.handleMarkRead)
	mux.HandleFunc("POST /v1/accounts/{id}/read-state/mark-unread", s.handleMarkUnread)
	mux.HandleFunc("POST /v1/accounts/{id}/read-state/mark-all-read", s.handleMarkAllRead)
	mux.HandleFunc("POST /v1/accounts/{id}/sync", s.handleSyncNow)
	mux.HandleFunc("GET /v1/invalidations/ws", s.hub.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, _ *http.Request) {
	// The Ingestor decorates the stored status with live poller state;
	// fall back to the store when none is wired.
	if s.ingest != nil {
		writeJSON(w, http.StatusOK, s.ingest.Status())
		return
	}
	writeJSON(w, http.StatusOK, s.inboxes.Status())
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	limit := defaultInboxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"items":     s.inboxes.Items(accountID, limit),
	})
}

func (s *Server) handleReadState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.states.View(r.PathValue("id")))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID   string `json:"eventId"`
		EventAtMs int64  `json:"eventAtMs"`
	}
	if !s.decodeValidated(w, r, s.markReadSch, &body) {
		return
	}
	view := s.states.MarkEventRead(r.PathValue("id"), body.EventID, body.EventAtMs)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMarkUnread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID           string `json:"eventId"`
		EventAtMs         int64  `json:"eventAtMs"`
		OtherLoadedEvents []struct {
			EventID   string `json:"eventId"`
			EventAtMs int64  `json:"eventAtMs"`
		} `json:"otherLoadedEvents"`
	}
	if !s.decodeValidated(w, r, s.markUnreadSch, &body) {
		return
	}
	others := make([]notify.ReadEvent, 0, len(body.OtherLoadedEvents))
	for _, evt := range body.OtherLoadedEvents {
		others = append(others, notify.ReadEvent{EventID: evt.EventID, EventAtMs: evt.EventAtMs})
	}
	view := s.states.MarkEventUnread(r.PathValue("id"), body.EventID, body.EventAtMs, others)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MarkAllReadAtMs int64 `json:"markAllReadAtMs"`
	}
	if !s.decodeValidated(w, r, s.markAllReadSch, &body) {
		return
	}
	view := s.states.MarkAllRead(r.PathValue("id"), body.MarkAllReadAtMs)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.engine.SyncAccount(ctx, accountID); err != nil {
		s.log.Debug().Err(err).Str("account", accountID).Msg("manual sync failed")
	}
	// The view carries dirty and lastSyncError, so a failed sync is
	// still a 200 with the failure visible in the body.
	writeJSON(w, http.StatusOK, s.states.View(accountID))
}

// decodeValidated reads the body, checks it against the schema, and
// unmarshals it into out. On failure it writes the 400 itself.
func (s *Server) decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, out any) bool {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return false
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body is not valid json")
		return false
	}
	if err := schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "body does not match expected shape")
		return false
	}
	return true
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(nil, r.Body, maxBodyBytes)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
