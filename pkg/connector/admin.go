// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxAdminBodySize is the maximum allowed request body for admin calls (1 MB).
const maxAdminBodySize = 1 << 20

// bindRequest is the body of POST /api/bind and POST /api/unbind. Unbind
// accepts either field.
type bindRequest struct {
	LocalChannelID string `json:"local_channel_id"`
	RemoteRoomID   int64  `json:"remote_room_id"`
}

// AdminHandler serves the bind/unbind control surface and metrics.
func (b *Bridge) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bind", b.HandleBind)
	mux.HandleFunc("/api/unbind", b.HandleUnbind)
	mux.HandleFunc("/api/channels", b.HandleChannels)
	mux.Handle("/metrics", b.Metrics.Handler())
	return mux
}

func readBindRequest(w http.ResponseWriter, r *http.Request) (*bindRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "failed to read body", http.StatusBadRequest)
		}
		return nil, false
	}
	var req bindRequest
	if err = json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// HandleBind is an HTTP handler for POST /api/bind. Binding a channel that
// is already bound replaces its room.
func (b *Bridge) HandleBind(w http.ResponseWriter, r *http.Request) {
	req, ok := readBindRequest(w, r)
	if !ok {
		return
	}
	if !ValidChannelID(req.LocalChannelID) {
		http.Error(w, "invalid local_channel_id", http.StatusBadRequest)
		return
	}
	if req.RemoteRoomID <= 0 {
		http.Error(w, "invalid remote_room_id", http.StatusBadRequest)
		return
	}

	b.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("channel_id", req.LocalChannelID).
		Int64("room_id", req.RemoteRoomID).
		Msg("Bind requested")

	b.Registry.Bind(req.LocalChannelID, req.RemoteRoomID)
	b.bindingsChanged(r)
	b.writeJSON(w, map[string]any{
		"local_channel_id": req.LocalChannelID,
		"remote_room_id":   req.RemoteRoomID,
		"total":            b.Registry.Len(),
	})
}

// HandleUnbind is an HTTP handler for POST /api/unbind. The channel id wins
// when both fields are set; a missing binding is not an error.
func (b *Bridge) HandleUnbind(w http.ResponseWriter, r *http.Request) {
	req, ok := readBindRequest(w, r)
	if !ok {
		return
	}

	var removed bool
	switch {
	case req.LocalChannelID != "":
		removed = b.Registry.UnbindByLocal(req.LocalChannelID)
	case req.RemoteRoomID > 0:
		removed = b.Registry.UnbindByRemote(req.RemoteRoomID)
	default:
		http.Error(w, "local_channel_id or remote_room_id is required", http.StatusBadRequest)
		return
	}

	b.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("channel_id", req.LocalChannelID).
		Int64("room_id", req.RemoteRoomID).
		Bool("removed", removed).
		Msg("Unbind requested")

	if removed {
		b.bindingsChanged(r)
	}
	b.writeJSON(w, map[string]any{
		"removed": removed,
		"total":   b.Registry.Len(),
	})
}

// HandleChannels is an HTTP handler for GET /api/channels.
func (b *Bridge) HandleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b.writeJSON(w, map[string]any{
		"channels": b.Registry.Bindings(),
	})
}

// bindingsChanged updates the gauge and persists the new bindings right
// away instead of waiting for the next snapshot tick.
func (b *Bridge) bindingsChanged(r *http.Request) {
	b.Metrics.setBoundChannels(b.Registry.Len())
	b.saveState(r.Context())
}

func (b *Bridge) writeJSON(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write admin response")
	}
}
