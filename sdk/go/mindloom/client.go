package mindloom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming requests override it with no timeout because
// a run may legitimately take minutes.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the mindloom REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	streaming  *http.Client
}

// Run mirrors the run record returned by the API.
type Run struct {
	ID             string         `json:"id"`
	RunnableID     string         `json:"runnable_id"`
	RunnableType   string         `json:"runnable_type"`
	Status         string         `json:"status"`
	InputVariables map[string]any `json:"input_variables,omitempty"`
	OutputData     map[string]any `json:"output_data,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	StartedAt      int64          `json:"started_at,omitempty"`
	EndedAt        int64          `json:"ended_at,omitempty"`
}

// StartRunRequest is the payload for creating a run.
type StartRunRequest struct {
	RunnableID     string         `json:"runnable_id"`
	RunnableType   string         `json:"runnable_type"`
	InputVariables map[string]any `json:"input_variables,omitempty"`
}

// RunStats aggregates run counts by status.
type RunStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// LogRecord mirrors a persisted run log line.
type LogRecord struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Name      string `json:"name"`
}

// Agent mirrors an agent catalog record.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	CreatedAt    int64  `json:"created_at"`
}

// Team mirrors a team catalog record.
type Team struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Instructions string   `json:"instructions"`
	MemberIDs    []string `json:"member_ids"`
	CreatedAt    int64    `json:"created_at"`
}

// CreateAgentRequest is the payload for registering an agent.
type CreateAgentRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
}

// CreateTeamRequest is the payload for registering a team.
type CreateTeamRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Instructions string   `json:"instructions"`
	MemberIDs    []string `json:"member_ids"`
}

// ListRunsOptions narrows the run listing.
type ListRunsOptions struct {
	Limit      int
	Skip       int
	Statuses   []string
	RunnableID string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mindloom api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mindloom api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the mindloom API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		baseURL:    parsed,
		httpClient: httpClient,
		streaming:  &http.Client{Transport: httpClient.Transport},
	}, nil
}

// StartRun creates a run and returns the live result stream. The stream's
// Run() accessor holds the freshly created record; callers must Close the
// stream when done.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*RunStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streaming.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return newRunStream(resp.Body)
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var record Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRuns returns runs matching the provided filter.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Skip > 0 {
		query.Set("skip", strconv.Itoa(opts.Skip))
	}
	if len(opts.Statuses) > 0 {
		query.Set("status", joinComma(opts.Statuses))
	}
	if opts.RunnableID != "" {
		query.Set("runnable_id", opts.RunnableID)
	}
	endpoint := "/api/v1/runs"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var payload struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Runs, nil
}

// RunStats fetches aggregate run counts.
func (c *Client) RunStats(ctx context.Context) (RunStats, error) {
	var stats RunStats
	if err := c.get(ctx, "/api/v1/runs/stats", &stats); err != nil {
		return RunStats{}, err
	}
	return stats, nil
}

// RunLogs fetches persisted log lines for a run.
func (c *Client) RunLogs(ctx context.Context, runID string, limit int) ([]LogRecord, error) {
	endpoint := "/api/v1/runs/" + url.PathEscape(runID) + "/logs"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var payload struct {
		Logs []LogRecord `json:"logs"`
	}
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Logs, nil
}

// CreateAgent registers an agent in the catalog.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	var record Agent
	if err := c.post(ctx, "/api/v1/agents", req, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetAgent fetches an agent by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var record Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListAgents returns up to limit agents.
func (c *Client) ListAgents(ctx context.Context, limit int) ([]Agent, error) {
	endpoint := "/api/v1/agents"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var payload struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Agents, nil
}

// CreateTeam registers a team in the catalog.
func (c *Client) CreateTeam(ctx context.Context, req CreateTeamRequest) (*Team, error) {
	var record Team
	if err := c.post(ctx, "/api/v1/teams", req, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetTeam fetches a team by identifier.
func (c *Client) GetTeam(ctx context.Context, teamID string) (*Team, error) {
	var record Team
	if err := c.get(ctx, "/api/v1/teams/"+url.PathEscape(teamID), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListTeams returns up to limit teams.
func (c *Client) ListTeams(ctx context.Context, limit int) ([]Team, error) {
	endpoint := "/api/v1/teams"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var payload struct {
		Teams []Team `json:"teams"`
	}
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Teams, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		var wrapped struct {
			Error *APIError `json:"error"`
		}
		wrapped.Error = apiErr
		_ = json.Unmarshal(data, &wrapped)
		if apiErr.Code == "" && apiErr.Message == "" {
			_ = json.Unmarshal(data, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

func joinComma(values []string) string {
	switch len(values) {
	case 0:
		return ""
	case 1:
		return values[0]
	}
	joined := values[0]
	for _, value := range values[1:] {
		joined += "," + value
	}
	return joined
}
