package apiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// flaky fails the first n round trips with a connection error, then defers to next.
func flaky(n int32, next http.RoundTripper) (http.RoundTripper, *int32) {
	var calls int32
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) <= n {
			return nil, errors.New("connection reset by peer")
		}
		return next.RoundTrip(r)
	}), &calls
}

func TestDoRetriesTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	transport, calls := flaky(2, http.DefaultTransport)
	c := New(Options{
		BaseURL:    srv.URL,
		Tokens:     NewTokenProvider("key", "secret", 0),
		HTTPClient: &http.Client{Transport: transport},
		MaxRetries: 2,
	})

	var out struct{ OK bool }
	require.NoError(t, c.JSON(context.Background(), Request{Endpoint: "/v2/things"}, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestDoExhaustsRetries(t *testing.T) {
	transport, calls := flaky(100, http.DefaultTransport)
	c := New(Options{
		BaseURL:    "http://source.invalid",
		HTTPClient: &http.Client{Transport: transport},
		MaxRetries: 2,
	})

	_, err := c.Do(context.Background(), Request{Endpoint: "/v2/meetings/abc/recordings"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed))

	var reqErr *RequestFailedError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "/v2/meetings/abc/recordings", reqErr.Endpoint)
	assert.Equal(t, 3, reqErr.Attempts)
	assert.Contains(t, err.Error(), "/v2/meetings/abc/recordings")
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestDoTimesOutWaitingForHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Do(context.Background(), Request{Endpoint: "/slow"})
	assert.True(t, errors.Is(err, ErrRequestFailed), "got %v", err)
}

func TestDoDoesNotRetryApplicationErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":3301,"message":"not found"}`)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, MaxRetries: 3})
	_, err := c.Do(context.Background(), Request{Endpoint: "/v2/x"})

	var appErr *ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusNotFound, appErr.StatusCode)
	assert.Contains(t, appErr.Body, "not found")
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.False(t, errors.Is(err, ErrRequestFailed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDoIgnoreStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	resp, err := c.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/x", IgnoreStatus: true})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDoSendsBearerTokenAndQuery(t *testing.T) {
	var (
		auth  string
		query url.Values
		body  string
		ctype string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		query = r.URL.Query()
		b, _ := io.ReadAll(r.Body)
		body, ctype = string(b), r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", Tokens: NewTokenProvider("key", "secret", time.Minute)})
	resp, err := c.Do(context.Background(), Request{
		Method:   http.MethodPost,
		Endpoint: "ingest",
		Query:    url.Values{"page_size": {"30"}},
		Body:     []byte(`{"a":1}`),
	})
	require.NoError(t, err)
	resp.Body.Close()

	require.True(t, strings.HasPrefix(auth, "Bearer "))
	assert.Equal(t, "30", query.Get("page_size"))
	assert.Equal(t, `{"a":1}`, body)
	assert.Equal(t, "application/json", ctype)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return nil, r.Context().Err()
	})
	c := New(Options{BaseURL: "http://x.invalid", HTTPClient: &http.Client{Transport: transport}, MaxRetries: 5})

	_, err := c.Do(ctx, Request{Endpoint: "/x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTokenClaims(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	p := NewTokenProvider("api-key", "api-secret", 30*time.Second)
	p.Now = func() time.Time { return now }

	signed, err := p.Token()
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (interface{}, error) {
		assert.Equal(t, jwt.SigningMethodHS256, tok.Method)
		return []byte("api-secret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	assert.Equal(t, "api-key", claims.Issuer)
	assert.Equal(t, now.Add(30*time.Second).Unix(), claims.ExpiresAt.Unix())

	_, err = NewTokenProvider("k", "", 0).Token()
	assert.Error(t, err)
}
