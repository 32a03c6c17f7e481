// Package crewclient is a small Go client for the Crew-Relay HTTP API.
package crewclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Log streaming ignores it.
const DefaultHTTPTimeout = 15 * time.Second

// Task status values reported by the service.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Client wraps the HTTP interactions with the Crew-Relay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// AgentDefinition describes one agent of a task definition.
type AgentDefinition struct {
	Role            string `json:"role"`
	Goal            string `json:"goal"`
	Backstory       string `json:"backstory"`
	AllowDelegation bool   `json:"allow_delegation,omitempty"`
	Instruction     string `json:"instruction,omitempty"`
}

// TaskDefinition describes one unit of work; Description may use {objective}
// and {context} placeholders.
type TaskDefinition struct {
	ID             *int              `json:"id,omitempty"`
	Description    string            `json:"description"`
	Agents         []AgentDefinition `json:"agents"`
	ExpectedOutput string            `json:"expected_output"`
	AsyncExecution bool              `json:"async_execution,omitempty"`
}

// TaskSubmission is the payload of POST /crew/tasks.
type TaskSubmission struct {
	Objective      string           `json:"objective"`
	Context        string           `json:"context,omitempty"`
	MaxIterations  *int             `json:"max_iterations,omitempty"`
	AsyncExecution *bool            `json:"async_execution,omitempty"`
	Tasks          []TaskDefinition `json:"tasks,omitempty"`
}

// Task is the lifecycle record returned by the service.
type Task struct {
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	Result     *string `json:"result"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Mode       string  `json:"mode"`
	Objective  string  `json:"objective"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
	StartedAt  int64   `json:"started_at,omitempty"`
	FinishedAt int64   `json:"finished_at,omitempty"`
}

// Terminal reports whether the task finished.
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Stats summarises tasks by status.
type Stats struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Run is one archived crew run returned by GET /crew/history.
type Run struct {
	TaskID     string   `json:"task_id"`
	Objective  string   `json:"objective"`
	Status     string   `json:"status"`
	Result     string   `json:"result"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Mode       string   `json:"mode"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	Agents     []string `json:"agents,omitempty"`
	Units      int      `json:"units"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

// ListOptions filters GET /crew/tasks.
type ListOptions struct {
	Statuses  []string
	Limit     int
	Offset    int
	Ascending bool
}

// APIError represents an error body returned by the service.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("crew api error (%d): %s - %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("crew api error (%d): %s", e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the Crew-Relay API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit creates a new crew task. Synchronous submissions block until the
// crew finishes.
func (c *Client) Submit(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.post(ctx, "/crew/tasks", submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Get fetches a task by identifier.
func (c *Client) Get(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/crew/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// List returns tasks matching opts.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Task, error) {
	query := url.Values{}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Ascending {
		query.Set("order", "asc")
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.get(ctx, "/crew/tasks", query, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Stats returns task counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out struct {
		Tasks Stats `json:"tasks"`
	}
	if err := c.get(ctx, "/crew/stats", nil, &out); err != nil {
		return Stats{}, err
	}
	return out.Tasks, nil
}

// History returns the most recent finished runs, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Run, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		History []Run `json:"history"`
	}
	if err := c.get(ctx, "/crew/history", query, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// WaitUntilCompleted polls the task until it reaches a terminal state or ctx
// is done.
func (c *Client) WaitUntilCompleted(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.Get(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamLogs follows the task's log stream and calls fn for every line until
// ctx is done, the server closes the stream, or fn returns an error.
func (c *Client) StreamLogs(ctx context.Context, taskID string, fn func(line string) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/crew/tasks/"+url.PathEscape(taskID)+"/logs", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var event struct {
			Log string `json:"log"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(event.Log); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
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
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Detail == "" {
		apiErr.Detail = string(bytes.TrimSpace(data))
	}
	return apiErr
}
