// Package client is a Go SDK for the CareCircle HTTP API.
//
// A Client is safe for concurrent use. Requests are retried with jittered
// exponential backoff on network errors and 5xx answers when the method is
// idempotent or the server marked the failure retryable; 429 answers honour
// Retry-After.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/CareCircle/pkg/errors"
)

const Version = "0.1.0"

const apiPrefix = "/api/v1"

// Logger defines the logging interface used by the Client.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, args ...interface{}) {}
func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

// Client is the CareCircle SDK client. It acts as the user the bearer
// token was issued to.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	token        string
	deviceID     string
	userAgent    string
	logger       Logger
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration

	families        *FamiliesClient
	familiesOnce    sync.Once
	activities      *ActivitiesClient
	activitiesOnce  sync.Once
	conflicts       *ConflictsClient
	conflictsOnce   sync.Once
	invitations     *InvitationsClient
	invitationsOnce sync.Once
	members         *MembersClient
	membersOnce     sync.Once
	presence        *PresenceClient
	presenceOnce    sync.Once
	sync            *SyncClient
	syncOnce        sync.Once
}

// APIError is a failure answer from the API.
type APIError struct {
	StatusCode int              `json:"status_code"`
	Code       errors.ErrorCode `json:"code"`
	Message    string           `json:"message"`
	Detail     string           `json:"detail,omitempty"`
	Retryable  bool             `json:"retryable,omitempty"`
	RequestID  string           `json:"request_id"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("carecircle: %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg + fmt.Sprintf(" [request_id=%s]", e.RequestID)
}

func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

func (e *APIError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsStale reports a resolve that lost to a concurrent one. Re-read the
// conflict and retry with its current version.
func (e *APIError) IsStale() bool {
	return e.Code == errors.ErrCodeAlreadyResolved
}

// Meta is the informational part of a success answer, such as the pending
// conflict notice on an append.
type Meta struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Meta  *Meta           `json:"meta,omitempty"`
	Error *struct {
		Code      errors.ErrorCode `json:"code"`
		Message   string           `json:"message"`
		Detail    string           `json:"detail"`
		Retryable bool             `json:"retryable"`
		RequestID string           `json:"request_id"`
	} `json:"error,omitempty"`
}

// NewClient creates a client for the server at baseURL, e.g.
// "https://care.example.com". token is a bearer token for the acting user.
func NewClient(baseURL string, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New(errors.ErrCodeValidation, "carecircle: baseURL is required")
	}
	if token == "" {
		return nil, errors.New(errors.ErrCodeValidation, "carecircle: token is required")
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "carecircle: invalid baseURL")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, errors.New(errors.ErrCodeValidation, "carecircle: baseURL scheme must be http or https")
	}

	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		userAgent:    fmt.Sprintf("carecircle-go-sdk/%s", Version),
		logger:       &noopLogger{},
		retryMax:     3,
		retryWaitMin: 500 * time.Millisecond,
		retryWaitMax: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Families() *FamiliesClient {
	c.familiesOnce.Do(func() {
		c.families = &FamiliesClient{client: c}
	})
	return c.families
}

func (c *Client) Activities() *ActivitiesClient {
	c.activitiesOnce.Do(func() {
		c.activities = &ActivitiesClient{client: c}
	})
	return c.activities
}

func (c *Client) Conflicts() *ConflictsClient {
	c.conflictsOnce.Do(func() {
		c.conflicts = &ConflictsClient{client: c}
	})
	return c.conflicts
}

func (c *Client) Invitations() *InvitationsClient {
	c.invitationsOnce.Do(func() {
		c.invitations = &InvitationsClient{client: c}
	})
	return c.invitations
}

// Members manages capabilities, expiry and child scope of family members.
func (c *Client) Members() *MembersClient {
	c.membersOnce.Do(func() {
		c.members = &MembersClient{client: c}
	})
	return c.members
}

func (c *Client) Presence() *PresenceClient {
	c.presenceOnce.Do(func() {
		c.presence = &PresenceClient{client: c}
	})
	return c.presence
}

func (c *Client) Sync() *SyncClient {
	c.syncOnce.Do(func() {
		c.sync = &SyncClient{client: c}
	})
	return c.sync
}

type request struct {
	method string
	path   string
	query  url.Values
	body   interface{}
	header http.Header
	// idempotent requests are retried on network errors and 5xx answers
	// even when the server did not mark them retryable.
	idempotent bool
}

func newRequest(method, path string) *request {
	return &request{
		method:     method,
		path:       path,
		header:     make(http.Header),
		idempotent: method == http.MethodGet || method == http.MethodPut || method == http.MethodDelete,
	}
}

// do sends r and decodes the data member of the answer into result. The
// returned Meta is nil unless the server attached one.
func (c *Client) do(ctx context.Context, r *request, result interface{}) (*Meta, error) {
	path := r.path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	fullURL := c.baseURL + apiPrefix + path
	if len(r.query) > 0 {
		fullURL += "?" + r.query.Encode()
	}

	var bodyBytes []byte
	if r.body != nil {
		var err error
		if bodyBytes, err = json.Marshal(r.body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debugf("Retry attempt %d after %v", attempt, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, r.method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		requestID := uuid.New().String()
		for k, vs := range r.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("X-Request-ID", requestID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.deviceID != "" && req.Header.Get("X-Device-ID") == "" {
			req.Header.Set("X-Device-ID", c.deviceID)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Errorf("Request failed: %v", err)
			lastErr = err
			if r.idempotent {
				continue
			}
			return nil, err
		}

		c.logger.Debugf("%s %s %d (%v)", r.method, path, resp.StatusCode, duration)

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.retryMax {
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				c.logger.Infof("Rate limited, retrying after %d seconds", seconds)
				select {
				case <-time.After(time.Duration(seconds) * time.Second):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		var env envelope
		var decodeErr error
		if len(respBody) > 0 {
			decodeErr = json.Unmarshal(respBody, &env)
		}

		if resp.StatusCode >= 400 {
			apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: requestID}
			switch {
			case decodeErr == nil && env.Error != nil:
				apiErr.Code = env.Error.Code
				apiErr.Message = env.Error.Message
				apiErr.Detail = env.Error.Detail
				apiErr.Retryable = env.Error.Retryable
				if env.Error.RequestID != "" {
					apiErr.RequestID = env.Error.RequestID
				}
			default:
				apiErr.Message = strings.TrimSpace(string(respBody))
				if apiErr.Message == "" {
					apiErr.Message = http.StatusText(resp.StatusCode)
				}
			}

			lastErr = apiErr
			if c.shouldRetry(r, apiErr) {
				continue
			}
			return nil, apiErr
		}

		if decodeErr != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", decodeErr)
		}
		if result != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, result); err != nil {
				return nil, fmt.Errorf("failed to unmarshal response data: %w", err)
			}
		}
		return env.Meta, nil
	}

	return nil, lastErr
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result interface{}) error {
	r := newRequest(http.MethodGet, path)
	r.query = query
	_, err := c.do(ctx, r, result)
	return err
}

func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	r := newRequest(http.MethodPost, path)
	r.body = body
	_, err := c.do(ctx, r, result)
	return err
}

func (c *Client) put(ctx context.Context, path string, body interface{}, result interface{}) error {
	r := newRequest(http.MethodPut, path)
	r.body = body
	_, err := c.do(ctx, r, result)
	return err
}

func (c *Client) delete(ctx context.Context, path string, result interface{}) error {
	_, err := c.do(ctx, newRequest(http.MethodDelete, path), result)
	return err
}

func (c *Client) shouldRetry(r *request, apiErr *APIError) bool {
	if !apiErr.IsServerError() {
		// 4xx is final; 429 without Retry-After is too.
		return false
	}
	return r.idempotent || apiErr.Retryable
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.retryWaitMin * time.Duration(1<<uint(attempt-1))
	if backoff > c.retryWaitMax {
		backoff = c.retryWaitMax
	}
	// 0-25% jitter
	if quarter := int64(backoff / 4); quarter > 0 {
		backoff += time.Duration(rand.Int63n(quarter))
	}
	return backoff
}

func familyPath(familyID string, parts ...string) string {
	p := "/families/" + url.PathEscape(familyID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
