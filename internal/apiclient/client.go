// Package apiclient performs authenticated calls to the recording source and ingest APIs.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/pkg/logging"
)

const maxErrorBody = 4096

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingester_api_requests_total",
		Help: "Outbound API attempts by api and outcome.",
	},
	[]string{"api", "outcome"},
)

// Options configures a Client.
type Options struct {
	Name       string // metrics label, e.g. "source" or "ingest"
	BaseURL    string
	Tokens     *TokenProvider
	HTTPClient *http.Client
	// Timeout bounds the wait for response headers on every call and the whole exchange
	// for JSON calls. Streamed bodies from Do are bounded only by the caller's context.
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
	Logger     *zap.Logger
}

// Client issues bearer-authenticated requests with bounded retry on transport failure.
type Client struct {
	name       string
	baseURL    string
	tokens     *TokenProvider
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	userAgent  string
	logger     *zap.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = timeout
		httpClient = &http.Client{Transport: transport}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" {
		name = "api"
	}
	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		tokens:     opts.Tokens,
		httpClient: httpClient,
		timeout:    timeout,
		maxRetries: maxRetries,
		userAgent:  opts.UserAgent,
		logger:     logger,
	}
}

// Request describes one API call. Endpoint is a path relative to the base URL or an absolute URL.
type Request struct {
	Method       string
	Endpoint     string
	Query        url.Values
	Body         []byte
	ContentType  string
	Header       http.Header
	IgnoreStatus bool // return non-2xx responses instead of an ApplicationError
}

// Do sends r. Transport failures are retried immediately up to MaxRetries times; exhaustion
// returns a *RequestFailedError. A non-2xx response returns an *ApplicationError unless
// r.IgnoreStatus is set. The caller closes the returned body.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	target, err := c.resolve(r.Endpoint, r.Query)
	if err != nil {
		return nil, err
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	log := logging.FromContext(ctx, c.logger).With(zap.String("api", c.name), zap.String("endpoint", r.Endpoint))

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := c.newRequest(ctx, method, target, r)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			requestsTotal.WithLabelValues(c.name, "transport_error").Inc()
			log.Warn("api request failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 || r.IgnoreStatus {
			requestsTotal.WithLabelValues(c.name, "ok").Inc()
			return resp, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		requestsTotal.WithLabelValues(c.name, "status_error").Inc()
		return nil, &ApplicationError{Endpoint: r.Endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil, &RequestFailedError{Endpoint: r.Endpoint, Attempts: c.maxRetries + 1, Err: lastErr}
}

// JSON sends r and decodes a JSON response body into out (skipped when out is nil).
func (c *Client) JSON(ctx context.Context, r Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.Endpoint, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, r Request) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("sign api token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if r.Body != nil {
		contentType := r.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

func (c *Client) resolve(endpoint string, query url.Values) (string, error) {
	target := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if c.baseURL == "" {
			return "", fmt.Errorf("no base url for endpoint %s", endpoint)
		}
		target = c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	}
	if len(query) == 0 {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %s: %w", endpoint, err)
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
