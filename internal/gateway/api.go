// ABOUTME: HTTP health and JSON API handlers for relayd
// ABOUTME: Lists services, live endpoints and journal entries; simulates pairing requests

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-relay/internal/journal"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/services/pairing"
)

// ServiceInfoResponse describes one catalog entry.
type ServiceInfoResponse struct {
	Name          string                      `json:"name"`
	Operations    []protocol.OperationKind    `json:"operations"`
	SnapshotKinds []protocol.NotificationKind `json:"snapshot_kinds"`
}

// EndpointInfoResponse describes one live endpoint.
type EndpointInfoResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
	Live bool   `json:"live"`
}

// JournalEntryResponse is one journal entry on the wire.
type JournalEntryResponse struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Type      string    `json:"type"`
	RequestID uint64    `json:"request_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IncomingPairingRequest is the body of POST /api/pairing/incoming.
type IncomingPairingRequest struct {
	Address string `json:"address"`
	Method  string `json:"method"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/services", g.handleListServices)
	mux.HandleFunc("GET /api/endpoints", g.handleListEndpoints)
	mux.HandleFunc("GET /api/journal", g.handleJournal)
	mux.HandleFunc("POST /api/pairing/incoming", g.handleIncomingPairing)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the runtime accepts channels.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.runtime.Closed() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d services, %d endpoints)", len(g.catalog.Names()), g.runtime.Directory().Len())
}

func (g *Gateway) handleListServices(w http.ResponseWriter, r *http.Request) {
	names := g.catalog.Names()
	response := make([]ServiceInfoResponse, 0, len(names))
	for _, name := range names {
		svc, ok := g.catalog.Service(name)
		if !ok {
			continue
		}
		response = append(response, ServiceInfoResponse{
			Name:          name,
			Operations:    svc.Operations(),
			SnapshotKinds: svc.SnapshotKinds(),
		})
	}
	g.writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints := g.runtime.Directory().List()
	role := r.URL.Query().Get("role")

	response := make([]EndpointInfoResponse, 0, len(endpoints))
	for _, e := range endpoints {
		if role != "" && string(e.Role()) != role {
			continue
		}
		response = append(response, EndpointInfoResponse{
			ID:   e.ID(),
			Name: e.Name(),
			Role: string(e.Role()),
			Live: e.Live(),
		})
	}
	g.writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := journal.ListParams{
		Endpoint: q.Get("endpoint"),
		Type:     journal.EventType(q.Get("type")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		params.Limit = limit
	}

	entries, err := g.journal.List(r.Context(), params)
	if err != nil {
		g.logger.Error("listing journal", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}

	response := make([]JournalEntryResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, JournalEntryResponse{
			ID:        e.ID,
			Endpoint:  e.Endpoint,
			Type:      string(e.Type),
			RequestID: e.RequestID,
			Kind:      e.Kind,
			Detail:    e.Detail,
			Timestamp: e.Timestamp,
		})
	}
	g.writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleIncomingPairing(w http.ResponseWriter, r *http.Request) {
	if g.pairing == nil {
		g.sendJSONError(w, http.StatusNotFound, "pairing service disabled")
		return
	}

	var req IncomingPairingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Address == "" {
		g.sendJSONError(w, http.StatusBadRequest, "address is required")
		return
	}

	if err := g.pairing.Incoming(req.Address, pairing.Method(req.Method)); err != nil {
		status := http.StatusBadRequest
		if protocol.CodeOf(err) == "in_progress" {
			status = http.StatusConflict
		}
		g.sendJSONError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
