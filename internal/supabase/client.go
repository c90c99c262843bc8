package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gaushala/shelter/internal/httputil"
)

// maxResponseBytes bounds every response body read from the platform.
const maxResponseBytes = 16 << 20

// Client is the main Supabase client.
type Client struct {
	config     Config
	httpClient *http.Client

	// Derived values
	baseURL    string
	restURL    string
	authURL    string
	storageURL string
	host       string

	// Sub-clients
	auth     *AuthClient
	database *DatabaseClient
	storage  *StorageClient
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.ProjectURL == "" {
		return nil, fmt.Errorf("project URL is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("anon key is required")
	}

	baseURL := strings.TrimRight(cfg.ProjectURL, "/")
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid project URL: %w", err)
	}
	if parsedURL.Hostname() == "" {
		return nil, fmt.Errorf("invalid project URL host")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Resilience != nil {
		httpClient = &http.Client{
			Timeout:   httpClient.Timeout,
			Transport: &resilientTransport{client: NewResilientClient(httpClient, *cfg.Resilience)},
		}
	}

	c := &Client{
		config:     cfg,
		httpClient: httpClient,
		baseURL:    baseURL,
		restURL:    baseURL + "/rest/v1",
		authURL:    baseURL + "/auth/v1",
		storageURL: baseURL + "/storage/v1",
		host:       parsedURL.Hostname(),
	}

	c.auth = &AuthClient{client: c}
	c.database = &DatabaseClient{client: c}
	c.storage = &StorageClient{client: c}

	return c, nil
}

// Auth returns the auth client.
func (c *Client) Auth() *AuthClient {
	return c.auth
}

// Database returns the database client.
func (c *Client) Database() *DatabaseClient {
	return c.database
}

// Storage returns the storage client.
func (c *Client) Storage() *StorageClient {
	return c.storage
}

// BaseURL returns the normalized project URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HasServiceKey reports whether admin operations are available.
func (c *Client) HasServiceKey() bool {
	return c.config.ServiceRoleKey != ""
}

// =============================================================================
// Internal HTTP Methods
// =============================================================================

type response struct {
	Body       []byte
	StatusCode int
	Header     http.Header
}

// request performs an HTTP request with the anon key.
func (c *Client) request(ctx context.Context, method, urlPath string, body []byte, headers map[string]string) (*response, error) {
	return c.do(ctx, method, urlPath, body, headers, c.config.AnonKey, c.config.AnonKey)
}

// requestWithServiceKey performs an HTTP request with the service role key.
func (c *Client) requestWithServiceKey(ctx context.Context, method, urlPath string, body []byte, headers map[string]string) (*response, error) {
	if c.config.ServiceRoleKey == "" {
		return nil, ErrServiceKeyMissing
	}
	return c.do(ctx, method, urlPath, body, headers, c.config.ServiceRoleKey, c.config.ServiceRoleKey)
}

// requestWithToken performs an HTTP request with a user's access token.
func (c *Client) requestWithToken(ctx context.Context, method, urlPath string, body []byte, headers map[string]string, accessToken string) (*response, error) {
	if accessToken == "" {
		return c.request(ctx, method, urlPath, body, headers)
	}
	return c.do(ctx, method, urlPath, body, headers, c.config.AnonKey, accessToken)
}

func (c *Client) do(ctx context.Context, method, urlPath string, body []byte, headers map[string]string, apiKey, bearer string) (*response, error) {
	if err := c.validateURL(urlPath); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlPath, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, v := range c.buildHeaders(headers) {
		req.Header.Set(k, v)
	}
	req.Header.Set("apikey", apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := httputil.ReadAllStrict(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &response{Body: data, StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

// buildHeaders builds request headers.
func (c *Client) buildHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}

	for k, v := range c.config.DefaultHeaders {
		headers[k] = v
	}

	for k, v := range extra {
		headers[k] = v
	}

	return headers
}

// validateURL keeps credentials from being sent anywhere but the project host.
func (c *Client) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Hostname() != c.host {
		return fmt.Errorf("host not allowed: %s", u.Hostname())
	}

	return nil
}

// parseError parses an error response. Auth, PostgREST and storage each
// use different field names for the same information.
func parseError(body []byte, statusCode int) error {
	if !gjson.ValidBytes(body) {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(statusCode)
		}
		return &Error{
			Code:       "unknown",
			Message:    msg,
			StatusCode: statusCode,
		}
	}

	parsed := gjson.ParseBytes(body)
	msg := firstString(parsed, "message", "msg", "error_description", "error")
	if msg == "" {
		msg = http.StatusText(statusCode)
	}

	// storage puts its real status in the body as a string
	code := firstString(parsed, "error_code", "code", "statusCode")
	if code == "" {
		code = parsed.Get("error").String()
		if code == msg {
			code = ""
		}
	}

	return &Error{
		Code:       code,
		Message:    msg,
		Details:    parsed.Get("details").String(),
		Hint:       parsed.Get("hint").String(),
		StatusCode: statusCode,
	}
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	return ""
}
