// Package http provides an HTTP client for the togglr feature flag service.
package http

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

	togglr "github.com/togglr/togglr/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the togglr server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements togglr.FeatureManager, togglr.Evaluator, and
// togglr.TriggerFirer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the togglr service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("togglr: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("togglr: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("togglr: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("togglr: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	return resp, nil
}

// readErrorMessage extracts the message from an error body. The server sends
// {"error": "..."}; anything else is passed through as plain text.
func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

func decodeInto(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("togglr: decode response: %w", err)
	}
	return nil
}

// -- FeatureManager ----------------------------------------------------------

func (c *Client) CreateFeature(ctx context.Context, params togglr.CreateFeatureParams) (togglr.Feature, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/features", params)
	if err != nil {
		return togglr.Feature{}, err
	}
	var f togglr.Feature
	if err := decodeInto(resp, &f); err != nil {
		return togglr.Feature{}, err
	}
	return f, nil
}

func (c *Client) GetFeature(ctx context.Context, id string) (togglr.Feature, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/features/"+url.PathEscape(id), nil)
	if err != nil {
		return togglr.Feature{}, err
	}
	var f togglr.Feature
	if err := decodeInto(resp, &f); err != nil {
		return togglr.Feature{}, err
	}
	return f, nil
}

func (c *Client) ListFeatures(ctx context.Context, opts togglr.ListFeaturesOptions) (togglr.FeaturePage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/features"+listQuery(opts), nil)
	if err != nil {
		return togglr.FeaturePage{}, err
	}
	var page togglr.FeaturePage
	if err := decodeInto(resp, &page); err != nil {
		return togglr.FeaturePage{}, err
	}
	return page, nil
}

// listQuery renders non-zero options as a query string, empty when every
// option is at its zero value.
func listQuery(opts togglr.ListFeaturesOptions) string {
	q := url.Values{}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if len(opts.Tags) > 0 {
		q.Set("tags", strings.Join(opts.Tags, ","))
	}
	if opts.Enabled != nil {
		q.Set("enabled", strconv.FormatBool(*opts.Enabled))
	}
	if opts.Archived != nil {
		q.Set("archived", strconv.FormatBool(*opts.Archived))
	}
	if opts.HasPrerequisites != nil {
		q.Set("has_prerequisites", strconv.FormatBool(*opts.HasPrerequisites))
	}
	if opts.SearchKeyword != "" {
		q.Set("search_keyword", opts.SearchKeyword)
	}
	if opts.Maintainer != "" {
		q.Set("maintainer", opts.Maintainer)
	}
	if opts.OrderBy != "" {
		q.Set("order_by", opts.OrderBy)
	}
	if opts.OrderDirection != "" {
		q.Set("order_direction", opts.OrderDirection)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) UpdateFeature(ctx context.Context, id string, update togglr.FeatureUpdate) (togglr.Feature, error) {
	resp, err := c.do(ctx, http.MethodPatch, "/v1/features/"+url.PathEscape(id), update)
	if err != nil {
		return togglr.Feature{}, err
	}
	var f togglr.Feature
	if err := decodeInto(resp, &f); err != nil {
		return togglr.Feature{}, err
	}
	return f, nil
}

func (c *Client) DeleteFeature(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/features/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) EvaluateFeatures(ctx context.Context, req togglr.EvaluateRequest) (togglr.UserEvaluations, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", req)
	if err != nil {
		return togglr.UserEvaluations{}, err
	}
	var evaluations togglr.UserEvaluations
	if err := decodeInto(resp, &evaluations); err != nil {
		return togglr.UserEvaluations{}, err
	}
	return evaluations, nil
}

// -- TriggerFirer ------------------------------------------------------------

func (c *Client) FireTrigger(ctx context.Context, token string) error {
	resp, err := c.do(ctx, http.MethodPost, "/webhook/triggers/"+url.PathEscape(token), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
