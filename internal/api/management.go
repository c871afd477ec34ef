package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/chatblast/internal/config"
	"github.com/foxzi/chatblast/internal/ratelimit"
)

// RateLimitServer exposes dispatch rate limits and their counters
type RateLimitServer struct {
	limiter *ratelimit.Limiter
	config  *config.RateLimitConfig
}

// NewRateLimitServer creates a new rate limit server. limiter may be nil
// when rate limiting is disabled.
func NewRateLimitServer(limiter *ratelimit.Limiter, cfg *config.RateLimitConfig) *RateLimitServer {
	return &RateLimitServer{limiter: limiter, config: cfg}
}

// RegisterRoutes registers rate limit API routes
func (m *RateLimitServer) RegisterRoutes(r chi.Router) {
	r.Route("/ratelimits", func(r chi.Router) {
		r.Get("/", m.handleRateLimitsGet)
		r.Get("/{level}/{key}", m.handleRateLimitStats)
	})
}

// RateLimitsResponse is the response for GET /api/v1/ratelimits
type RateLimitsResponse struct {
	Enabled  bool                `json:"enabled"`
	Account  *config.LimitValues `json:"account,omitempty"`
	Campaign *config.LimitValues `json:"campaign,omitempty"`
}

// handleRateLimitsGet handles GET /api/v1/ratelimits
func (m *RateLimitServer) handleRateLimitsGet(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, RateLimitsResponse{
		Enabled:  m.config.Enabled,
		Account:  m.config.Account,
		Campaign: m.config.Campaign,
	})
}

// RateLimitStatsResponse is the response for GET /api/v1/ratelimits/{level}/{key}
type RateLimitStatsResponse struct {
	Level       string `json:"level"`
	Key         string `json:"key"`
	HourlyCount int    `json:"hourly_count"`
	DailyCount  int    `json:"daily_count"`
	HourlyLimit int    `json:"hourly_limit"`
	DailyLimit  int    `json:"daily_limit"`
}

// handleRateLimitStats handles GET /api/v1/ratelimits/{level}/{key}
func (m *RateLimitServer) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	level := ratelimit.Level(chi.URLParam(r, "level"))
	key := chi.URLParam(r, "key")

	var limits *config.LimitValues
	switch level {
	case ratelimit.LevelAccount:
		limits = m.config.Account
	case ratelimit.LevelCampaign:
		limits = m.config.Campaign
	default:
		sendError(w, http.StatusBadRequest, "level must be account or campaign")
		return
	}

	if m.limiter == nil {
		sendError(w, http.StatusServiceUnavailable, "Rate limiting is not enabled")
		return
	}

	stats, err := m.limiter.GetStats(r.Context(), level, key)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get rate limit stats")
		return
	}

	response := RateLimitStatsResponse{
		Level:       string(level),
		Key:         key,
		HourlyCount: stats.HourlyCount,
		DailyCount:  stats.DailyCount,
	}
	if limits != nil {
		response.HourlyLimit = limits.MessagesPerHour
		response.DailyLimit = limits.MessagesPerDay
	}

	sendJSON(w, http.StatusOK, response)
}
