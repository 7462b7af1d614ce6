// Package fetch reads conversation records and counter snapshots from the
// queue backend's REST API.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haasonsaas/queuesync/internal/backoff"
	"github.com/haasonsaas/queuesync/pkg/models"
)

// DefaultPageSize is used when the client is built without one.
const DefaultPageSize = 100

// maxPages bounds pagination against a server that never stops paging.
const maxPages = 10000

// ErrNoBaseURL is returned when the client is built without a base URL.
var ErrNoBaseURL = errors.New("fetch: base url is required")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPageSize sets the page size for conversation listing.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithRetry sets the retry policy for each request.
func WithRetry(policy backoff.Policy) Option {
	return func(c *Client) { c.retry = policy }
}

// WithSleep replaces the wait between retries.
func WithSleep(sleep backoff.SleepFunc) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client reads from the REST API. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	pageSize   int
	retry      backoff.Policy
	sleep      backoff.SleepFunc
	logger     *slog.Logger
}

// NewClient creates a client rooted at baseURL (e.g., "https://api.example.com/v1").
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pageSize:   DefaultPageSize,
		retry:      backoff.Policy{Base: 500 * time.Millisecond, MaxDelay: 5 * time.Second, MaxAttempts: 3},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "fetch")
	return c, nil
}

type conversationPage struct {
	Data     []models.ConversationRecord `json:"data"`
	NextPage *int                        `json:"nextPage"`
}

// ListConversations follows pagination and returns every record for tenantID.
func (c *Client) ListConversations(ctx context.Context, tenantID string) ([]models.ConversationRecord, error) {
	var all []models.ConversationRecord
	page := 1
	for range maxPages {
		endpoint := c.endpoint("tenants", tenantID, "conversations")
		q := endpoint.Query()
		q.Set("page", strconv.Itoa(page))
		q.Set("pageSize", strconv.Itoa(c.pageSize))
		endpoint.RawQuery = q.Encode()

		var body conversationPage
		if err := c.getJSON(ctx, endpoint, &body); err != nil {
			return nil, fmt.Errorf("list conversations page %d: %w", page, err)
		}
		all = append(all, body.Data...)

		if body.NextPage == nil || *body.NextPage <= page {
			c.logger.Debug("conversations fetched", "tenant_id", tenantID, "records", len(all), "pages", page)
			return all, nil
		}
		page = *body.NextPage
	}
	return nil, fmt.Errorf("list conversations: more than %d pages", maxPages)
}

// GetCounters returns the server's aggregate counts for tenantID.
func (c *Client) GetCounters(ctx context.Context, tenantID string) (models.CounterSnapshot, error) {
	var snap models.CounterSnapshot
	if err := c.getJSON(ctx, c.endpoint("tenants", tenantID, "counters"), &snap); err != nil {
		return models.CounterSnapshot{}, fmt.Errorf("get counters: %w", err)
	}
	snap.Source = models.CounterSourceServer
	snap.ProducedAt = time.Now()
	return snap, nil
}

func (c *Client) endpoint(segments ...string) *url.URL {
	return c.baseURL.JoinPath(segments...)
}

func (c *Client) getJSON(ctx context.Context, endpoint *url.URL, out any) error {
	_, err := backoff.Retry(ctx, c.retry, c.sleep, func(attempt int) (struct{}, error) {
		err := c.doGet(ctx, endpoint.String(), out)
		if err != nil {
			var status *StatusError
			if errors.As(err, &status) && !status.Retryable() {
				return struct{}{}, backoff.Permanent(err)
			}
			c.logger.Warn("request failed", "url", endpoint.Redacted(), "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	})
	return err
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "queuesync/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck // best-effort error body
		return &StatusError{StatusCode: resp.StatusCode, URL: endpoint, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
