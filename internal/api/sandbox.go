package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/chatblast/internal/gateway"
)

// SandboxServer exposes dispatches captured by the sandbox gateway
type SandboxServer struct {
	storage *gateway.SandboxStorage
}

// NewSandboxServer creates a new sandbox server
func NewSandboxServer(storage *gateway.SandboxStorage) *SandboxServer {
	return &SandboxServer{storage: storage}
}

// RegisterRoutes registers sandbox API routes
func (s *SandboxServer) RegisterRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/dispatches", s.handleList)
		r.Delete("/dispatches", s.handleClear)
		r.Get("/stats", s.handleStats)
	})
}

// SandboxListResponse is the response for GET /api/v1/sandbox/dispatches
type SandboxListResponse struct {
	Dispatches []*gateway.Capture `json:"dispatches"`
	Total      int                `json:"total"`
}

// handleList handles GET /api/v1/sandbox/dispatches
func (s *SandboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	filter := gateway.SandboxFilter{
		CampaignID: r.URL.Query().Get("campaign_id"),
		Identifier: r.URL.Query().Get("identifier"),
		Limit:      100, // Default limit
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
			if filter.Limit > 1000 {
				filter.Limit = 1000 // Prevent DoS via excessive limit
			}
		}
	}

	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
			if filter.Offset > 1000000 {
				filter.Offset = 1000000
			}
		}
	}

	captures, err := s.storage.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list dispatches")
		return
	}
	if captures == nil {
		captures = []*gateway.Capture{}
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{
		Dispatches: captures,
		Total:      len(captures),
	})
}

// handleClear handles DELETE /api/v1/sandbox/dispatches
func (s *SandboxServer) handleClear(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			sendError(w, http.StatusBadRequest, "older_than must be a duration like 24h")
			return
		}
		olderThan = d
	}

	count, err := s.storage.Clear(r.Context(), r.URL.Query().Get("campaign_id"), olderThan)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to clear dispatches")
		return
	}

	sendJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

// handleStats handles GET /api/v1/sandbox/stats
func (s *SandboxServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	stats, err := s.storage.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	sendJSON(w, http.StatusOK, stats)
}
