// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// maxRequestBodySize is the maximum allowed admin API request body (1 MB).
const maxRequestBodySize = 1 << 20

// AdminAPI exposes the command surface over HTTP for operators and
// automation: pair creation, bulk bridging, autoinvite management, archive
// control, and link inspection.
type AdminAPI struct {
	reconciler *Reconciler
	log        zerolog.Logger
}

// NewAdminAPI wires the handlers around a reconciler.
func NewAdminAPI(reconciler *Reconciler, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		reconciler: reconciler,
		log:        log.With().Str("component", "admin_api").Logger(),
	}
}

// Server builds the HTTP server for the given listen address.
func (a *AdminAPI) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/create-room", a.HandleCreateRoom)
	mux.HandleFunc("/api/bridge-all", a.HandleBridgeAll)
	mux.HandleFunc("/api/invite-all", a.HandleInviteAll)
	mux.HandleFunc("/api/autoinvite", a.HandleAutoInvite)
	mux.HandleFunc("/api/archive", a.HandleArchive)
	mux.HandleFunc("/api/unarchive", a.HandleUnarchive)
	mux.HandleFunc("/api/links", a.HandleLinks)
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

func (a *AdminAPI) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if err := json.Unmarshal(body, into); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write response")
	}
}

// collectStatus returns a StatusFunc that accumulates progress lines for the
// response body.
func collectStatus(lines *[]string) StatusFunc {
	return func(text string) {
		*lines = append(*lines, text)
	}
}

type createRoomRequest struct {
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	IsPublic bool   `json:"is_public"`
}

// HandleCreateRoom is an HTTP handler for POST /api/create-room.
func (a *AdminAPI) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createRoomRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	a.log.Info().Str("remote_addr", r.RemoteAddr).Str("name", req.Name).Msg("Create room requested")

	var status []string
	roomID, channelID, err := a.reconciler.CreateLinkedPair(r.Context(), req.Name, req.Topic, req.IsPublic, collectStatus(&status))
	if err != nil {
		a.log.Err(err).Msg("Create room failed")
		if errors.Is(err, ErrConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]any{
		"room_id":    roomID,
		"channel_id": channelID,
		"status":     status,
	})
}

// HandleBridgeAll is an HTTP handler for POST /api/bridge-all.
func (a *AdminAPI) HandleBridgeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Bridge-all sweep requested")

	var status []string
	if err := a.reconciler.BridgeAll(r.Context(), collectStatus(&status)); err != nil {
		a.log.Err(err).Msg("Bridge-all sweep failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]any{"status": status})
}

type inviteAllRequest struct {
	UserID string `json:"user_id"`
}

// HandleInviteAll is an HTTP handler for POST /api/invite-all.
func (a *AdminAPI) HandleInviteAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req inviteAllRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := a.reconciler.InviteAll(r.Context(), req.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]string{"result": "ok"})
}

type autoInviteRequest struct {
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
}

// HandleAutoInvite is an HTTP handler for POST /api/autoinvite.
func (a *AdminAPI) HandleAutoInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req autoInviteRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	result, err := a.reconciler.SetAutoInvite(r.Context(), req.UserID, req.Enabled)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]string{"result": result})
}

type archiveRequest struct {
	RoomID string `json:"room_id"`
}

// HandleArchive is an HTTP handler for POST /api/archive.
func (a *AdminAPI) HandleArchive(w http.ResponseWriter, r *http.Request) {
	a.handleArchiveChange(w, r, a.reconciler.ArchiveRoom)
}

// HandleUnarchive is an HTTP handler for POST /api/unarchive.
func (a *AdminAPI) HandleUnarchive(w http.ResponseWriter, r *http.Request) {
	a.handleArchiveChange(w, r, a.reconciler.UnarchiveRoom)
}

func (a *AdminAPI) handleArchiveChange(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, roomID string, status StatusFunc) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req archiveRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.RoomID == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}
	var status []string
	if err := op(r.Context(), req.RoomID, collectStatus(&status)); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "no link for room", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]any{"status": status})
}

// HandleLinks is an HTTP handler for GET /api/links.
func (a *AdminAPI) HandleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	links, err := a.reconciler.Links(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]any{"links": links})
}
