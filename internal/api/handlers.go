package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/chatblast/internal/campaign"
	"github.com/foxzi/chatblast/internal/gateway"
	"github.com/foxzi/chatblast/internal/lifecycle"
	"github.com/foxzi/chatblast/internal/outcome"
)

// StartCampaignRequest is the request body for POST /campaigns
type StartCampaignRequest struct {
	Name            string             `json:"name" validate:"max=200"`
	Type            string             `json:"type" validate:"omitempty,oneof=sheet group"`
	MessageTemplate string             `json:"message_template"`
	Variables       map[string]string  `json:"variables,omitempty"`
	AttachmentRef   string             `json:"attachment_ref,omitempty"`
	Recipients      []RecipientRequest `json:"recipients" validate:"required,min=1,dive"`
}

// RecipientRequest is one recipient row of StartCampaignRequest
type RecipientRequest struct {
	Identifier string            `json:"identifier" validate:"required"`
	Name       string            `json:"name,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// StartCampaignResponse is the response for POST /campaigns
type StartCampaignResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CampaignResponse is a campaign as shown by the API
type CampaignResponse struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	Type          campaign.Type            `json:"type"`
	AttachmentRef string                   `json:"attachment_ref,omitempty"`
	Progress      campaign.Progress        `json:"progress"`
	IsRunning     bool                     `json:"is_running"`
	IsStopped     bool                     `json:"is_stopped"`
	IsPaused      bool                     `json:"is_paused"`
	LastError     string                   `json:"last_error,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	FinishedAt    *time.Time               `json:"finished_at,omitempty"`
	Recipients    []campaign.ContactStatus `json:"recipients,omitempty"`
}

// ListResponse is the response for GET /campaigns
type ListResponse struct {
	Campaigns []*CampaignResponse `json:"campaigns"`
	Total     int                 `json:"total"`
}

// OutcomeRequest is the body the confirmation agent posts
type OutcomeRequest struct {
	Result     string  `json:"result" validate:"required,oneof=success failure"`
	Generation *uint64 `json:"generation,omitempty"`
}

// OutcomeResponse shows the current register slot
type OutcomeResponse struct {
	Generation uint64          `json:"generation"`
	Outcome    outcome.Outcome `json:"outcome"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// handleStart handles POST /api/v1/campaigns
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateStruct(&req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	nc := &lifecycle.NewCampaign{
		Name:            req.Name,
		Type:            campaign.Type(req.Type),
		MessageTemplate: req.MessageTemplate,
		Variables:       req.Variables,
		AttachmentRef:   req.AttachmentRef,
		Recipients:      make([]lifecycle.Recipient, len(req.Recipients)),
	}
	for i, rr := range req.Recipients {
		nc.Recipients[i] = lifecycle.Recipient{
			Identifier: rr.Identifier,
			Name:       rr.Name,
			Variables:  rr.Variables,
			Message:    rr.Message,
		}
	}

	id, err := s.campaigns.Start(r.Context(), nc)
	if err != nil {
		s.sendLifecycleError(w, err, "start campaign", id)
		return
	}

	s.sendJSON(w, http.StatusAccepted, StartCampaignResponse{ID: id, Status: "running"})
}

// handleList handles GET /api/v1/campaigns
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := campaign.ListFilter{Limit: 100}

	if running := r.URL.Query().Get("running"); running != "" {
		v, err := strconv.ParseBool(running)
		if err != nil {
			sendError(w, http.StatusBadRequest, "running must be true or false")
			return
		}
		filter.Running = &v
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = min(l, 1000)
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = min(o, 1000000)
		}
	}

	campaigns, err := s.campaigns.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	resp := ListResponse{
		Campaigns: make([]*CampaignResponse, len(campaigns)),
		Total:     len(campaigns),
	}
	for i, c := range campaigns {
		resp.Campaigns[i] = s.toResponse(c, false)
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleGet handles GET /api/v1/campaigns/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.sendLifecycleError(w, err, "get campaign", id)
		return
	}

	s.sendJSON(w, http.StatusOK, s.toResponse(c, true))
}

// handleProgress handles GET /api/v1/campaigns/{id}/progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.campaigns.Progress(r.Context(), id)
	if err != nil {
		s.sendLifecycleError(w, err, "get progress", id)
		return
	}

	s.sendJSON(w, http.StatusOK, p)
}

// handleDelete handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.campaigns.Delete(r.Context(), id); err != nil {
		s.sendLifecycleError(w, err, "delete campaign", id)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "resume", s.campaigns.Resume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "stop", s.campaigns.RequestStop)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "pause", s.campaigns.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "unpause", s.campaigns.Unpause)
}

// handleAction runs one control action and answers with the campaign state
func (s *Server) handleAction(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	action func(ctx context.Context, id string) error,
) {
	id := chi.URLParam(r, "id")

	if err := action(r.Context(), id); err != nil {
		s.sendLifecycleError(w, err, name, id)
		return
	}

	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.sendLifecycleError(w, err, name, id)
		return
	}

	s.sendJSON(w, http.StatusAccepted, s.toResponse(c, false))
}

// handleOutcome handles POST /api/v1/outcome
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateStruct(&req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := outcome.Parse(req.Result)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Generation != nil {
		err = s.register.SetFor(r.Context(), *req.Generation, result)
	} else {
		err = s.register.Set(r.Context(), result)
	}
	if err != nil {
		s.sendLifecycleError(w, err, "record outcome", "")
		return
	}

	s.logger.Debug("outcome recorded", "result", result, "generation", req.Generation)
	w.WriteHeader(http.StatusNoContent)
}

// handleOutcomeGet handles GET /api/v1/outcome
func (s *Server) handleOutcomeGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.register.Get(r.Context())
	if err != nil {
		s.logger.Error("failed to read outcome register", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to read outcome")
		return
	}

	s.sendJSON(w, http.StatusOK, OutcomeResponse{Generation: st.Generation, Outcome: st.Outcome})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) toResponse(c *campaign.Campaign, withRecipients bool) *CampaignResponse {
	resp := &CampaignResponse{
		ID:            c.ID,
		Name:          c.Name,
		Type:          c.Type,
		AttachmentRef: c.AttachmentRef,
		Progress:      c.Progress(),
		IsRunning:     c.IsRunning,
		IsStopped:     c.IsStopped,
		IsPaused:      s.campaigns.IsPaused(c.ID),
		LastError:     c.LastError,
		CreatedAt:     c.CreatedAt,
		StartedAt:     c.StartedAt,
		FinishedAt:    c.FinishedAt,
	}
	if withRecipients {
		resp.Recipients = c.Recipients
	}
	return resp
}

// sendLifecycleError maps domain errors to HTTP status codes
func (s *Server) sendLifecycleError(w http.ResponseWriter, err error, action, id string) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, lifecycle.ErrAlreadyRunning):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrNothingPending):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, outcome.ErrStaleGeneration):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidCampaign), errors.Is(err, outcome.ErrInvalidOutcome):
		sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, gateway.ErrUnavailable):
		sendError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("failed to "+action, "campaign_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	sendJSON(w, status, v)
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
