package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/chatblast/internal/api"
	"github.com/foxzi/chatblast/internal/campaign"
)

// Client is a chatblast API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// New creates a new API client
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request performs an HTTP request to the API
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Health checks server health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.request(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartCampaign creates a campaign and starts dispatching it
func (c *Client) StartCampaign(ctx context.Context, req *api.StartCampaignRequest) (*api.StartCampaignResponse, error) {
	var resp api.StartCampaignResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/campaigns", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListCampaigns lists campaigns newest first. running filters by run state when set.
func (c *Client) ListCampaigns(ctx context.Context, running *bool, limit int) (*api.ListResponse, error) {
	q := url.Values{}
	if running != nil {
		q.Set("running", strconv.FormatBool(*running))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/campaigns"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp api.ListResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCampaign gets a campaign with its recipients
func (c *Client) GetCampaign(ctx context.Context, id string) (*api.CampaignResponse, error) {
	var resp api.CampaignResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/campaigns/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Progress gets the sent/failed/pending/total counters of a campaign
func (c *Client) Progress(ctx context.Context, id string) (*campaign.Progress, error) {
	var resp campaign.Progress
	if err := c.request(ctx, http.MethodGet, "/api/v1/campaigns/"+url.PathEscape(id)+"/progress", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests a cooperative stop
func (c *Client) Stop(ctx context.Context, id string) (*api.CampaignResponse, error) {
	return c.action(ctx, id, "stop")
}

// Pause holds dispatching until Unpause
func (c *Client) Pause(ctx context.Context, id string) (*api.CampaignResponse, error) {
	return c.action(ctx, id, "pause")
}

// Unpause lets a paused campaign continue
func (c *Client) Unpause(ctx context.Context, id string) (*api.CampaignResponse, error) {
	return c.action(ctx, id, "unpause")
}

// Resume restarts a stopped campaign from its pending recipients
func (c *Client) Resume(ctx context.Context, id string) (*api.CampaignResponse, error) {
	return c.action(ctx, id, "resume")
}

func (c *Client) action(ctx context.Context, id, name string) (*api.CampaignResponse, error) {
	var resp api.CampaignResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/"+name, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteCampaign deletes a campaign that is not running
func (c *Client) DeleteCampaign(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/campaigns/"+url.PathEscape(id), nil, nil)
}

// ReportOutcome writes a delivery confirmation. generation pins it to one dispatch when non-nil.
func (c *Client) ReportOutcome(ctx context.Context, result string, generation *uint64) error {
	return c.request(ctx, http.MethodPost, "/api/v1/outcome", &api.OutcomeRequest{
		Result:     result,
		Generation: generation,
	}, nil)
}

// Outcome reads the current confirmation register
func (c *Client) Outcome(ctx context.Context) (*api.OutcomeResponse, error) {
	var resp api.OutcomeResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/outcome", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
