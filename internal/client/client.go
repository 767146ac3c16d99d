// Package client talks to the build backend: REST for build records and a
// WebSocket for the live event stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/apex/internal/models"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a typed client for the build backend API.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the backend at baseURL, authenticating with token
// when it is non-empty.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL:    u,
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// StartBuild asks the backend to start a new build.
func (c *Client) StartBuild(ctx context.Context, req models.BuildRequest) (*models.BuildStartResponse, error) {
	body := map[string]any{
		"description": req.Description,
		"prompt":      req.Description,
	}
	if req.Mode != "" {
		body["mode"] = req.Mode
	}
	if req.PowerMode != "" {
		body["power_mode"] = req.PowerMode
	}
	if req.ProjectName != "" {
		body["project_name"] = req.ProjectName
	}

	var out models.BuildStartResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/build/start", nil, body, &out); err != nil {
		return nil, fmt.Errorf("start build: %w", err)
	}
	if out.BuildID == "" {
		return nil, errors.New("start build: response has no build_id")
	}
	return &out, nil
}

// GetCompletedBuild fetches the durable record of a build.
func (c *Client) GetCompletedBuild(ctx context.Context, buildID string) (*models.CompletedBuildDetail, error) {
	var out models.CompletedBuildDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/builds/"+url.PathEscape(buildID), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("get build %s: %w", buildID, err)
	}
	return &out, nil
}

// ListBuilds returns one page of the user's build history.
func (c *Client) ListBuilds(ctx context.Context, page, limit int) (*models.BuildList, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out models.BuildList
	if err := c.do(ctx, http.MethodGet, "/api/v1/builds", q, nil, &out); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return &out, nil
}

// CancelBuild asks the backend to stop a running build.
func (c *Client) CancelBuild(ctx context.Context, buildID string) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/build/"+url.PathEscape(buildID)+"/cancel", nil, nil, nil); err != nil {
		return fmt.Errorf("cancel build %s: %w", buildID, err)
	}
	return nil
}

// Download streams the zip archive of a build's files into w.
func (c *Client) Download(ctx context.Context, buildID string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/builds/"+url.PathEscape(buildID)+"/download", nil, nil)
	if err != nil {
		return 0, fmt.Errorf("download build %s: %w", buildID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download build %s: %w", buildID, err)
	}
	return n, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// send performs a request and returns the response when it is 2xx.
func (c *Client) send(ctx context.Context, method, path string, q url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a response body, falling back
// to the raw text.
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}
