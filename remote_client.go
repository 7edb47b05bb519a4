package crmbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPError is a non-2xx answer from the CRM HTTP API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote api: status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return ErrAlreadyExists
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode >= 500:
		return ErrBackendUnavailable
	}
	return ErrInvalidData
}

// business reports whether the server rejected the request on a business
// rule, as opposed to failing or refusing credentials.
func (e *HTTPError) business() bool {
	return e.Message != "" && e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusUnauthorized && e.StatusCode != http.StatusForbidden
}

// errorBody is the JSON error envelope used by the HTTP API.
type errorBody struct {
	Error     string `json:"error"`
	ErrorName string `json:"error_name,omitempty"`
}

// RemoteClient calls the CRM HTTP API. Credentials embedded in the base URL
// are sent as basic auth.
type RemoteClient struct {
	baseURL  *url.URL
	user     string
	password string
	hasAuth  bool
	http     *http.Client
	breaker  *CircuitBreaker
	logger   Logger
	metrics  Metrics
}

// NewRemoteClient creates a client for the API at rawURL.
func NewRemoteClient(rawURL string, opts ...Option) (*RemoteClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"url":    redactURL(rawURL),
			"reason": "invalid remote API URL",
		})
	}
	o := buildOptions(opts)

	c := &RemoteClient{
		http:    o.httpClient,
		logger:  o.logger,
		metrics: o.metrics,
	}
	if u.User != nil {
		c.user = u.User.Username()
		c.password, _ = u.User.Password()
		c.hasAuth = true
		u.User = nil
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	c.baseURL = u
	c.breaker = NewCircuitBreaker(DefaultBreakerConfig()).OnStateChange(func(from, to BreakerState) {
		c.logger.Warn("remote api breaker state changed", "from", string(from), "to", string(to), "host", u.Host)
		c.metrics.Increment(MetricBreakerState, "from", string(from), "to", string(to))
	})
	return c, nil
}

// do sends one request to path, which must already be escaped. body, when
// non-nil, is sent as JSON; out, when non-nil, receives the decoded answer.
// Non-2xx answers are returned as *HTTPError.
func (c *RemoteClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL.String() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	start := time.Now()
	var apiErr *HTTPError
	err := c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.hasAuth {
			req.SetBasicAuth(c.user, c.password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return WithContext(transportError(err), map[string]interface{}{
				"method": method,
				"path":   path,
				"reason": err.Error(),
			})
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr = &HTTPError{StatusCode: resp.StatusCode}
			var eb errorBody
			if json.Unmarshal(data, &eb) == nil {
				apiErr.Message = eb.Error
			}
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return nil
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%w: %s %s: %v", ErrInvalidData, method, path, err)
			}
		}
		return nil
	})
	c.metrics.Timing(MetricBackendLatency, time.Since(start), "operation", method, "backend", "remote")

	if err != nil {
		c.metrics.Increment(MetricBackendErrors, "operation", method, "backend", "remote")
		c.logger.Debug("remote api call failed", "method", method, "path", path, "error", err)
		return err
	}
	if apiErr != nil {
		return apiErr
	}
	return nil
}

// Health checks that the server is up and reaches its own database.
func (c *RemoteClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// find is do for lookups: a 404 becomes found == false.
func (c *RemoteClient) find(ctx context.Context, path string, query url.Values, out interface{}) (bool, error) {
	err := c.do(ctx, http.MethodGet, path, query, nil, out)
	var apiErr *HTTPError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return err == nil, err
}

// mutate is do for writes: business rejections become *BusinessError.
func (c *RemoteClient) mutate(ctx context.Context, method, path string, body, out interface{}) error {
	err := c.do(ctx, method, path, nil, body, out)
	var apiErr *HTTPError
	if errors.As(err, &apiErr) && apiErr.business() {
		return NewBusinessError(apiErr.Message, apiErr.Unwrap())
	}
	return err
}

// apiPath joins path segments, escaping each one.
func apiPath(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// redactURL drops credentials from a URL before it is logged or returned.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
